package log

// Logger receives protocol events. Log is called from connection
// goroutines and must not block; implementations must be safe for
// concurrent use.
type Logger interface {
	Log(event Event)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(Event)

// Log calls f.
func (f LoggerFunc) Log(event Event) { f(event) }

// NoopLogger drops every event.
type NoopLogger struct{}

// Log does nothing.
func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// MultiLogger fans events out, typically to a FileLogger and a
// LogrusAdapter.
type MultiLogger struct {
	sinks []Logger
}

// NewMultiLogger combines the non-nil loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	sinks := make([]Logger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			sinks = append(sinks, l)
		}
	}
	return &MultiLogger{sinks: sinks}
}

// Log forwards event to every sink in order.
func (m *MultiLogger) Log(event Event) {
	for _, s := range m.sinks {
		s.Log(event)
	}
}

var (
	_ Logger = NoopLogger{}
	_ Logger = LoggerFunc(nil)
	_ Logger = (*MultiLogger)(nil)
)
