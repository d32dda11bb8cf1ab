package log

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileLogger appends events to an .hlog file. Events are buffered; call
// Flush or Close to make them visible to readers.
type FileLogger struct {
	path    string
	maxSize int64

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	size    int64
	dropped int
	closed  bool
}

// NewFileLogger opens path for appending, creating it and its parent
// directory when missing. The file grows without bound.
func NewFileLogger(path string) (*FileLogger, error) {
	return NewRotatingFileLogger(path, 0)
}

// NewRotatingFileLogger is NewFileLogger with a size cap. Once the file
// reaches maxSize bytes it is renamed to path+".1", replacing any earlier
// rotation, and a new file is started. maxSize <= 0 disables rotation.
func NewRotatingFileLogger(path string, maxSize int64) (*FileLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &FileLogger{path: path, maxSize: maxSize}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	l.f, l.w, l.size = f, bufio.NewWriter(f), st.Size()
	return nil
}

func (l *FileLogger) rotate() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("rotate %s: %w", l.path, err)
	}
	return l.open()
}

// Log encodes event and appends it. Failures are counted, never returned.
func (l *FileLogger) Log(event Event) {
	data, err := EncodeEvent(event)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err != nil {
		l.dropped++
		return
	}
	if l.maxSize > 0 && l.size > 0 && l.size+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			l.dropped++
			return
		}
	}
	n, err := l.w.Write(data)
	l.size += int64(n)
	if err != nil {
		l.dropped++
	}
}

// Flush writes buffered events to disk.
func (l *FileLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.w.Flush()
}

// Dropped reports how many events could not be written.
func (l *FileLogger) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close flushes and closes the file. Later Log calls are ignored and
// repeated Close calls return nil.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.w.Flush(), l.f.Close())
}

var _ Logger = (*FileLogger)(nil)
