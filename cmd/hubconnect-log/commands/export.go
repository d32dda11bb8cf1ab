package commands

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-json"

	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
)

// RunExport writes matching events as jsonl or csv to output, or to
// stdout when output is empty.
func RunExport(path, format, output string, sel Selection) error {
	filter, err := sel.Filter()
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "jsonl":
		enc := json.NewEncoder(w)
		return eachEvent(path, filter, func(e hublog.Event) error {
			return enc.Encode(e)
		})
	case "csv":
		return exportCSV(path, filter, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

var csvHeader = []string{
	"timestamp", "connection_id", "protocol", "direction", "layer", "category",
	"identity", "message_id", "size", "outcome", "detail",
}

func exportCSV(path string, filter hublog.Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	err := eachEvent(path, filter, func(e hublog.Event) error {
		return cw.Write(csvRow(e))
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func csvRow(e hublog.Event) []string {
	var msgID, size, outcome, detail string
	switch {
	case e.Message != nil:
		msgID = e.Message.MessageID
		size = strconv.Itoa(e.Message.Size)
		outcome = e.Message.Status
		if outcome == "" {
			outcome = e.Message.Disposition
		}
	case e.StateChange != nil:
		outcome = e.StateChange.NewState
		detail = e.StateChange.Reason
	case e.Registration != nil:
		outcome = e.Registration.State
		detail = e.Registration.Error
	case e.Error != nil:
		outcome = e.Error.Kind
		detail = e.Error.Message
	}
	return []string{
		e.Timestamp.UTC().Format(timeLayout),
		e.ConnectionID,
		e.Protocol,
		e.Direction.String(),
		e.Layer.String(),
		e.Category.String(),
		identity(e),
		msgID,
		size,
		outcome,
		detail,
	}
}
