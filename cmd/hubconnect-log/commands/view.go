package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
)

const timeLayout = "2006-01-02T15:04:05.000000Z"

func isEOF(err error) bool { return errors.Is(err, io.EOF) }

// RunView prints matching events in human-readable form.
func RunView(path string, sel Selection, w io.Writer) error {
	filter, err := sel.Filter()
	if err != nil {
		return err
	}
	return eachEvent(path, filter, func(e hublog.Event) error {
		formatEvent(w, e)
		return nil
	})
}

func formatEvent(w io.Writer, e hublog.Event) {
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s",
		e.Timestamp.UTC().Format(timeLayout), shortID(e.ConnectionID),
		e.Direction, e.Layer, e.Category)
	if e.Protocol != "" {
		fmt.Fprintf(w, " (%s)", e.Protocol)
	}
	if id := identity(e); id != "" {
		fmt.Fprintf(w, " %s", id)
	}
	fmt.Fprintln(w)

	switch {
	case e.Message != nil:
		m := e.Message
		fmt.Fprintf(w, "  MessageID: %s  Size: %d bytes\n", m.MessageID, m.Size)
		if m.CorrelationID != "" {
			fmt.Fprintf(w, "  CorrelationID: %s\n", m.CorrelationID)
		}
		if m.Status != "" {
			fmt.Fprintf(w, "  Status: %s\n", m.Status)
		}
		if m.Disposition != "" {
			fmt.Fprintf(w, "  Disposition: %s\n", m.Disposition)
		}
		if m.Latency != nil {
			fmt.Fprintf(w, "  Latency: %s\n", *m.Latency)
		}
		if len(m.Properties) > 0 {
			fmt.Fprintf(w, "  Properties: %s\n", formatProperties(m.Properties))
		}
	case e.StateChange != nil:
		sc := e.StateChange
		fmt.Fprintf(w, "  %s: %s -> %s\n", sc.Entity, orDash(sc.OldState), sc.NewState)
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
		if sc.Attempt > 0 {
			fmt.Fprintf(w, "  Attempt: %d\n", sc.Attempt)
		}
	case e.Registration != nil:
		r := e.Registration
		fmt.Fprintf(w, "  Identity: %s  State: %s\n", r.Identity, r.State)
		if r.Error != "" {
			fmt.Fprintf(w, "  Error: %s\n", r.Error)
		}
	case e.Error != nil:
		fmt.Fprintf(w, "  Message: %s\n", e.Error.Message)
		if e.Error.Kind != "" {
			fmt.Fprintf(w, "  Kind: %s\n", e.Error.Kind)
		}
		if e.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", e.Error.Context)
		}
	}
	fmt.Fprintln(w)
}

func formatProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + props[k]
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
