package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// LogrusAdapter writes protocol events to a logrus logger.
// Useful for development when you want to see protocol events in console.
type LogrusAdapter struct {
	entry *logrus.Entry
	level logrus.Level
}

// NewLogrusAdapter creates an adapter logging at Debug level.
func NewLogrusAdapter(entry *logrus.Entry) *LogrusAdapter {
	return &LogrusAdapter{entry: entry, level: logrus.DebugLevel}
}

// WithLevel changes the level events are logged at.
func (a *LogrusAdapter) WithLevel(level logrus.Level) *LogrusAdapter {
	a.level = level
	return a
}

// Log writes the event as one structured log line.
func (a *LogrusAdapter) Log(event Event) {
	fields := logrus.Fields{
		"conn_id":   event.ConnectionID,
		"direction": event.Direction.String(),
		"layer":     event.Layer.String(),
		"category":  event.Category.String(),
	}

	if event.Protocol != "" {
		fields["protocol"] = event.Protocol
	}
	if event.DeviceID != "" {
		fields["device_id"] = event.DeviceID
	}
	if event.ModuleID != "" {
		fields["module_id"] = event.ModuleID
	}

	switch {
	case event.Message != nil:
		fields["msg_id"] = event.Message.MessageID
		fields["size"] = event.Message.Size
		if event.Message.Status != "" {
			fields["status"] = event.Message.Status
		}
		if event.Message.Disposition != "" {
			fields["disposition"] = event.Message.Disposition
		}
		if event.Message.Latency != nil {
			fields["latency"] = event.Message.Latency.String()
		}
	case event.StateChange != nil:
		fields["entity"] = event.StateChange.Entity.String()
		fields["old_state"] = event.StateChange.OldState
		fields["new_state"] = event.StateChange.NewState
		if event.StateChange.Reason != "" {
			fields["reason"] = event.StateChange.Reason
		}
		if event.StateChange.Attempt > 0 {
			fields["attempt"] = event.StateChange.Attempt
		}
	case event.Registration != nil:
		fields["identity"] = event.Registration.Identity
		fields["reg_state"] = event.Registration.State
		if event.Registration.Error != "" {
			fields["reg_error"] = event.Registration.Error
		}
	case event.Error != nil:
		fields["error_layer"] = event.Error.Layer.String()
		fields["error_msg"] = event.Error.Message
		fields["error_kind"] = event.Error.Kind
		if event.Error.Context != "" {
			fields["error_context"] = event.Error.Context
		}
	}

	a.entry.WithFields(fields).WithTime(event.Timestamp).Log(a.level, "protocol")
}

// Compile-time interface satisfaction check.
var _ Logger = (*LogrusAdapter)(nil)

// EntryOrDiscard returns entry, or an entry that discards everything when
// entry is nil. Components use it so that a nil Logger disables logging.
func EntryOrDiscard(entry *logrus.Entry) *logrus.Entry {
	if entry != nil {
		return entry
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
