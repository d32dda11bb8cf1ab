package log

import "time"

// Filter selects events. Zero-valued fields match everything.
type Filter struct {
	ConnectionID string
	DeviceID     string
	// Protocol is compared against Event.Protocol, e.g. "MQTT".
	Protocol string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Match reports whether e passes every criterion in f.
func (f Filter) Match(e Event) bool {
	switch {
	case f.ConnectionID != "" && f.ConnectionID != e.ConnectionID,
		f.DeviceID != "" && f.DeviceID != e.DeviceID,
		f.Protocol != "" && f.Protocol != e.Protocol:
		return false
	case f.Direction != nil && *f.Direction != e.Direction,
		f.Layer != nil && *f.Layer != e.Layer,
		f.Category != nil && *f.Category != e.Category:
		return false
	case f.TimeStart != nil && e.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !e.Timestamp.Before(*f.TimeEnd):
		return false
	}
	return true
}
