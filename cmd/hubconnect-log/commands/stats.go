package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
)

// Stats aggregates a log file.
type Stats struct {
	Total       int
	ByLayer     map[hublog.Layer]int
	ByCategory  map[hublog.Category]int
	ByDirection map[hublog.Direction]int
	Connections map[string]*ConnectionStats

	// Errors counts error events by classification kind.
	Errors map[string]int

	// Registrations counts registration outcomes by state.
	Registrations map[string]int

	// Retries is the highest attempt number seen in any state change.
	Retries int

	Start, End time.Time
}

// ConnectionStats aggregates one connection.
type ConnectionStats struct {
	Protocol   string
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	Sent       int
	Received   int
	Identities map[string]struct{}
}

// Collect reads path and aggregates every event.
func Collect(path string) (*Stats, error) {
	s := &Stats{
		ByLayer:       make(map[hublog.Layer]int),
		ByCategory:    make(map[hublog.Category]int),
		ByDirection:   make(map[hublog.Direction]int),
		Connections:   make(map[string]*ConnectionStats),
		Errors:        make(map[string]int),
		Registrations: make(map[string]int),
	}
	err := eachEvent(path, hublog.Filter{}, func(e hublog.Event) error {
		s.add(e)
		return nil
	})
	return s, err
}

func (s *Stats) add(e hublog.Event) {
	s.Total++
	s.ByLayer[e.Layer]++
	s.ByCategory[e.Category]++
	s.ByDirection[e.Direction]++

	if s.Start.IsZero() || e.Timestamp.Before(s.Start) {
		s.Start = e.Timestamp
	}
	if e.Timestamp.After(s.End) {
		s.End = e.Timestamp
	}

	c, ok := s.Connections[e.ConnectionID]
	if !ok {
		c = &ConnectionStats{FirstSeen: e.Timestamp, LastSeen: e.Timestamp, Identities: make(map[string]struct{})}
		s.Connections[e.ConnectionID] = c
	}
	c.Events++
	if e.Timestamp.After(c.LastSeen) {
		c.LastSeen = e.Timestamp
	}
	if c.Protocol == "" {
		c.Protocol = e.Protocol
	}
	if id := identity(e); id != "" {
		c.Identities[id] = struct{}{}
	}

	switch {
	case e.Message != nil:
		if e.Direction == hublog.DirectionOut {
			c.Sent++
		} else {
			c.Received++
		}
	case e.StateChange != nil:
		if e.StateChange.Attempt > s.Retries {
			s.Retries = e.StateChange.Attempt
		}
	case e.Registration != nil:
		s.Registrations[e.Registration.State]++
	case e.Error != nil:
		kind := e.Error.Kind
		if kind == "" {
			kind = "UNKNOWN"
		}
		s.Errors[kind]++
	}
}

// RunStats prints statistics about path.
func RunStats(path string, w io.Writer) error {
	s, err := Collect(path)
	if err != nil {
		return err
	}
	s.Print(w)
	return nil
}

// Print writes the statistics report.
func (s *Stats) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if s.Total > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n", s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n\n", s.End.Sub(s.Start).Round(time.Second))
	}
	fmt.Fprintf(w, "Total Events: %d\n\n", s.Total)

	fmt.Fprintln(w, "Events by Layer:")
	for _, l := range layers {
		if n := s.ByLayer[l]; n > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", l.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, c := range categories {
		if n := s.ByCategory[c]; n > 0 {
			fmt.Fprintf(w, "  %-14s %d\n", c.String()+":", n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Connections: %d\n", len(s.Connections))
	ids := make([]string, 0, len(s.Connections))
	for id := range s.Connections {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return s.Connections[ids[i]].FirstSeen.Before(s.Connections[ids[j]].FirstSeen)
	})
	for _, id := range ids {
		c := s.Connections[id]
		fmt.Fprintf(w, "  [%s] %s %d events, %d sent, %d received, %d identities, duration %s\n",
			shortID(id), orDash(c.Protocol), c.Events, c.Sent, c.Received, len(c.Identities),
			c.LastSeen.Sub(c.FirstSeen).Round(time.Millisecond))
	}

	if s.Retries > 0 {
		fmt.Fprintf(w, "\nMax Retry Attempt: %d\n", s.Retries)
	}
	printCounts(w, "Registrations", s.Registrations)
	printCounts(w, "Errors", s.Errors)
}

func printCounts(w io.Writer, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %d\n", k+":", counts[k])
	}
}
