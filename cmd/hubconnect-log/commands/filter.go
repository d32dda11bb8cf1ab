package commands

import (
	"errors"
	"fmt"
	"io"

	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
)

// RunFilter copies matching events to a new .hlog file and reports how
// many were written.
func RunFilter(path, output string, sel Selection, w io.Writer) error {
	if output == "" {
		return errors.New("output file required")
	}
	filter, err := sel.Filter()
	if err != nil {
		return err
	}

	out, err := hublog.NewFileLogger(output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}

	count := 0
	err = eachEvent(path, filter, func(e hublog.Event) error {
		out.Log(e)
		count++
		return nil
	})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Filtered %d events to %s\n", count, output)
	return nil
}
