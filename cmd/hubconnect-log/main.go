// Command hubconnect-log views and analyzes protocol log files.
//
// Log files are written by hubconnect-device when started with
// -protocol-log, or by any application passing a hublog.FileLogger as
// the client's ProtocolLogger.
//
// Usage:
//
//	hubconnect-log <command> [flags] <file.hlog>
//
// Commands:
//
//	view     Print events in human-readable form
//	export   Export events as JSONL or CSV
//	filter   Copy matching events to a new .hlog file
//	stats    Summarize the log file
//
// Examples:
//
//	# Registration outcomes on a multiplexed connection
//	hubconnect-log view -category registration fleet.hlog
//
//	# Everything one device sent, as CSV
//	hubconnect-log export -format csv -device-id evse1 -direction out fleet.hlog
//
//	# Keep a single connection
//	hubconnect-log filter -conn-id 3f2a9c1e -o one.hlog fleet.hlog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hubconnect/hubconnect-go/cmd/hubconnect-log/commands"
)

const usage = `hubconnect-log - protocol log analyzer

Usage:
  hubconnect-log <command> [flags] <file.hlog>

Commands:
  view     Print events in human-readable form
  export   Export events as JSONL or CSV
  filter   Copy matching events to a new .hlog file
  stats    Summarize the log file

Use "hubconnect-log <command> -help" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "view":
		err = runView(args)
	case "export":
		err = runExport(args)
	case "filter":
		err = runFilter(args)
	case "stats":
		err = runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(name, desc string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "hubconnect-log %s - %s\n\nUsage:\n  hubconnect-log %s [flags] <file.hlog>\n\nFlags:\n", name, desc, name)
		fs.PrintDefaults()
	}
	return fs
}

func selectionFlags(fs *flag.FlagSet) *commands.Selection {
	var sel commands.Selection
	fs.StringVar(&sel.ConnID, "conn-id", "", "Filter by connection ID")
	fs.StringVar(&sel.DeviceID, "device-id", "", "Filter by device ID")
	fs.StringVar(&sel.Protocol, "protocol", "", "Filter by protocol (MQTT, AMQPS, HTTPS, ...)")
	fs.StringVar(&sel.TimeStart, "time-start", "", "Events at or after this time (RFC3339)")
	fs.StringVar(&sel.TimeEnd, "time-end", "", "Events before this time (RFC3339)")
	fs.StringVar(&sel.Layer, "layer", "", "Filter by layer (transport, connection, multiplex, client)")
	fs.StringVar(&sel.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&sel.Category, "category", "", "Filter by category (message, state, registration, error)")
	return &sel
}

// logPath parses args and returns the single positional log file.
func logPath(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return "", fmt.Errorf("expected one log file, got %d arguments", fs.NArg())
	}
	return fs.Arg(0), nil
}

func runView(args []string) error {
	fs := newFlagSet("view", "print events in human-readable form")
	sel := selectionFlags(fs)
	path, err := logPath(fs, args)
	if err != nil {
		return err
	}
	return commands.RunView(path, *sel, os.Stdout)
}

func runExport(args []string) error {
	fs := newFlagSet("export", "export events as JSONL or CSV")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	sel := selectionFlags(fs)
	path, err := logPath(fs, args)
	if err != nil {
		return err
	}
	return commands.RunExport(path, *format, *output, *sel)
}

func runFilter(args []string) error {
	fs := newFlagSet("filter", "copy matching events to a new .hlog file")
	output := fs.String("o", "", "Output file (required)")
	sel := selectionFlags(fs)
	path, err := logPath(fs, args)
	if err != nil {
		return err
	}
	return commands.RunFilter(path, *output, *sel, os.Stdout)
}

func runStats(args []string) error {
	fs := newFlagSet("stats", "summarize the log file")
	path, err := logPath(fs, args)
	if err != nil {
		return err
	}
	return commands.RunStats(path, os.Stdout)
}
