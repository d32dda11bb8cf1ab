// Package interactive provides the interactive command-line interface
// for the hubconnect device.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const commandTimeout = 30 * time.Second

// Device is what the console controls.
type Device interface {
	// Status returns one line per connection.
	Status() []string

	// Registrations returns one line per multiplexed identity.
	Registrations() []string

	Open(ctx context.Context) error
	Close(ctx context.Context) error

	// Send sends payload from every device.
	Send(ctx context.Context, payload []byte) error

	StartSimulation()
	StopSimulation()
	SimulationRunning() bool

	SetPower(kw float64)
	ClearPower()

	// SetMaxAttempts replaces the retry policy; 0 disables retries.
	SetMaxAttempts(n int)
}

// Console reads commands from the terminal.
type Console struct {
	dev Device
	rl  *readline.Instance
}

// New creates a console for dev.
func New(dev Device) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "device> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{dev: dev, rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt. Use it for
// log output.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx ends.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	printHelp(c.rl.Stdout())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		if Execute(ctx, c.dev, line, c.rl.Stdout()) {
			cancel()
			return
		}
	}
}

// Execute runs one command line against dev and reports whether the
// console should exit.
func Execute(ctx context.Context, dev Device, line string, out io.Writer) bool {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd {
	case "help", "?":
		printHelp(out)

	case "status", "s":
		for _, l := range dev.Status() {
			fmt.Fprintf(out, "  %s\n", l)
		}
		sim := "stopped"
		if dev.SimulationRunning() {
			sim = "running"
		}
		fmt.Fprintf(out, "  simulation: %s\n", sim)

	case "registrations", "reg":
		regs := dev.Registrations()
		if len(regs) == 0 {
			fmt.Fprintln(out, "No multiplexed identities")
		}
		for _, l := range regs {
			fmt.Fprintf(out, "  %s\n", l)
		}

	case "open":
		report(out, dev.Open(ctx))

	case "close":
		report(out, dev.Close(ctx))

	case "send":
		if len(args) == 0 {
			fmt.Fprintln(out, "Usage: send <text>")
			return false
		}
		report(out, dev.Send(ctx, []byte(strings.Join(args, " "))))

	case "start", "sim-start":
		dev.StartSimulation()
		fmt.Fprintln(out, "Simulation started")

	case "stop", "sim-stop":
		dev.StopSimulation()
		fmt.Fprintln(out, "Simulation stopped")

	case "power":
		if len(args) != 1 {
			fmt.Fprintln(out, "Usage: power <kw>|auto")
			return false
		}
		if args[0] == "auto" {
			dev.ClearPower()
			fmt.Fprintln(out, "Power simulated")
			return false
		}
		kw, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Fprintf(out, "Invalid power: %s\n", args[0])
			return false
		}
		dev.SetPower(kw)
		fmt.Fprintf(out, "Power fixed at %.2f kW\n", kw)

	case "retry":
		if len(args) != 1 {
			fmt.Fprintln(out, "Usage: retry <max-attempts>")
			return false
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			fmt.Fprintf(out, "Invalid attempt count: %s\n", args[0])
			return false
		}
		dev.SetMaxAttempts(n)
		fmt.Fprintln(out, "OK")

	case "quit", "exit", "q":
		fmt.Fprintln(out, "Exiting...")
		return true

	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func report(out io.Writer, err error) {
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(out, "OK")
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
Device Commands:
  Connection:
    status             - Show connection status
    registrations      - Show multiplexed identity registrations
    open               - Open the connection(s)
    close              - Close the connection(s)
    retry <n>          - Limit reconnection to n attempts (0 = no retry)

  Telemetry:
    send <text>        - Send a message from every device
    start              - Start simulation
    stop               - Stop simulation
    power <kw>|auto    - Fix reported power (positive=consume, negative=produce)

  General:
    help               - Show this help
    quit               - Exit device`)
}
