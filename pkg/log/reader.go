package log

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// Reader streams events from an .hlog file.
type Reader struct {
	f      *os.File
	dec    *cbor.Decoder
	filter Filter
	n      int
}

// NewReader opens path and returns every event in it.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens path and returns only events matching filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, dec: newDecoder(bufio.NewReader(f)), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
// A truncated final record, as left by a crashed writer, is an error
// naming its position.
func (r *Reader) Next() (Event, error) {
	for {
		var e Event
		err := r.dec.Decode(&e)
		if err == io.EOF {
			return Event{}, io.EOF
		}
		r.n++
		if err != nil {
			return Event{}, fmt.Errorf("event %d: %w", r.n, err)
		}
		if r.filter.Match(e) {
			return e, nil
		}
	}
}

// All drains the reader. On error the events decoded so far are returned
// with it.
func (r *Reader) All() ([]Event, error) {
	var out []Event
	for {
		e, err := r.Next()
		switch {
		case errors.Is(err, io.EOF):
			return out, nil
		case err != nil:
			return out, err
		}
		out = append(out, e)
	}
}

// Decoded returns how many records have been read, matching or not.
func (r *Reader) Decoded() int { return r.n }

// Close releases the file.
func (r *Reader) Close() error {
	return r.f.Close()
}
