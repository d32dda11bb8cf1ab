// Package commands implements the hubconnect-log subcommands.
package commands

import (
	"fmt"
	"strings"
	"time"

	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
)

// Selection holds the command-line filter flags before parsing.
type Selection struct {
	ConnID    string
	DeviceID  string
	Protocol  string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string
}

// Filter converts the selection into a reader filter.
func (s Selection) Filter() (hublog.Filter, error) {
	f := hublog.Filter{
		ConnectionID: s.ConnID,
		DeviceID:     s.DeviceID,
		Protocol:     strings.ToUpper(s.Protocol),
	}

	if s.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, s.TimeStart)
		if err != nil {
			return f, fmt.Errorf("invalid time-start: %w", err)
		}
		f.TimeStart = &t
	}
	if s.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, s.TimeEnd)
		if err != nil {
			return f, fmt.Errorf("invalid time-end: %w", err)
		}
		f.TimeEnd = &t
	}
	if s.Layer != "" {
		l, err := parseLayer(s.Layer)
		if err != nil {
			return f, err
		}
		f.Layer = &l
	}
	if s.Direction != "" {
		d, err := parseDirection(s.Direction)
		if err != nil {
			return f, err
		}
		f.Direction = &d
	}
	if s.Category != "" {
		c, ok := hublog.ParseCategory(strings.ToUpper(s.Category))
		if !ok {
			return f, fmt.Errorf("invalid category: %s (must be message, state, registration or error)", s.Category)
		}
		f.Category = &c
	}
	return f, nil
}

func parseLayer(s string) (hublog.Layer, error) {
	for _, l := range layers {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("invalid layer: %s (must be transport, connection, multiplex or client)", s)
}

func parseDirection(s string) (hublog.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return hublog.DirectionIn, nil
	case "out":
		return hublog.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

var (
	layers     = []hublog.Layer{hublog.LayerTransport, hublog.LayerConnection, hublog.LayerMultiplex, hublog.LayerClient}
	categories = []hublog.Category{hublog.CategoryMessage, hublog.CategoryState, hublog.CategoryRegistration, hublog.CategoryError}
)

// eachEvent calls fn for every event in path matching filter.
func eachEvent(path string, filter hublog.Filter, fn func(hublog.Event) error) error {
	r, err := hublog.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer r.Close()

	for {
		event, err := r.Next()
		if err != nil {
			if isEOF(err) {
				return nil
			}
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func identity(e hublog.Event) string {
	if e.ModuleID != "" {
		return e.DeviceID + "/" + e.ModuleID
	}
	return e.DeviceID
}
