package interactive

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeDevice struct {
	opened, closed int
	sent           []string
	simRunning     bool
	power          *float64
	maxAttempts    int
	openErr        error
}

func (f *fakeDevice) Status() []string        { return []string{"dev1: CONNECTED"} }
func (f *fakeDevice) Registrations() []string { return nil }

func (f *fakeDevice) Open(context.Context) error {
	f.opened++
	return f.openErr
}

func (f *fakeDevice) Close(context.Context) error {
	f.closed++
	return nil
}

func (f *fakeDevice) Send(_ context.Context, payload []byte) error {
	f.sent = append(f.sent, string(payload))
	return nil
}

func (f *fakeDevice) StartSimulation()        { f.simRunning = true }
func (f *fakeDevice) StopSimulation()         { f.simRunning = false }
func (f *fakeDevice) SimulationRunning() bool { return f.simRunning }
func (f *fakeDevice) SetPower(kw float64)     { f.power = &kw }
func (f *fakeDevice) ClearPower()             { f.power = nil }
func (f *fakeDevice) SetMaxAttempts(n int)    { f.maxAttempts = n }

func run(dev Device, line string) (string, bool) {
	var out bytes.Buffer
	quit := Execute(context.Background(), dev, line, &out)
	return out.String(), quit
}

func TestExecute(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		out, quit := run(&fakeDevice{}, "   ")
		assert.Empty(t, out)
		assert.False(t, quit)
	})

	t.Run("Status", func(t *testing.T) {
		dev := &fakeDevice{simRunning: true}
		out, _ := run(dev, "status")
		assert.Contains(t, out, "dev1: CONNECTED")
		assert.Contains(t, out, "simulation: running")
	})

	t.Run("Registrations", func(t *testing.T) {
		out, _ := run(&fakeDevice{}, "reg")
		assert.Contains(t, out, "No multiplexed identities")
	})

	t.Run("OpenClose", func(t *testing.T) {
		dev := &fakeDevice{}
		out, _ := run(dev, "open")
		assert.Contains(t, out, "OK")
		_, _ = run(dev, "close")
		assert.Equal(t, 1, dev.opened)
		assert.Equal(t, 1, dev.closed)
	})

	t.Run("OpenError", func(t *testing.T) {
		dev := &fakeDevice{openErr: errors.New("unauthorized")}
		out, _ := run(dev, "open")
		assert.Contains(t, out, "Error: unauthorized")
	})

	t.Run("Send", func(t *testing.T) {
		dev := &fakeDevice{}
		_, _ = run(dev, "send hello   world")
		assert.Equal(t, []string{"hello world"}, dev.sent)

		out, _ := run(dev, "send")
		assert.Contains(t, out, "Usage")
	})

	t.Run("Simulation", func(t *testing.T) {
		dev := &fakeDevice{}
		_, _ = run(dev, "start")
		assert.True(t, dev.simRunning)
		_, _ = run(dev, "sim-stop")
		assert.False(t, dev.simRunning)
	})

	t.Run("Power", func(t *testing.T) {
		dev := &fakeDevice{}
		_, _ = run(dev, "power -3.5")
		if assert.NotNil(t, dev.power) {
			assert.Equal(t, -3.5, *dev.power)
		}
		_, _ = run(dev, "power auto")
		assert.Nil(t, dev.power)

		out, _ := run(dev, "power lots")
		assert.Contains(t, out, "Invalid power")
	})

	t.Run("Retry", func(t *testing.T) {
		dev := &fakeDevice{maxAttempts: -1}
		_, _ = run(dev, "retry 3")
		assert.Equal(t, 3, dev.maxAttempts)

		out, _ := run(dev, "retry -1")
		assert.Contains(t, out, "Invalid attempt count")
		assert.Equal(t, 3, dev.maxAttempts)
	})

	t.Run("Quit", func(t *testing.T) {
		_, quit := run(&fakeDevice{}, "QUIT")
		assert.True(t, quit)
	})

	t.Run("Unknown", func(t *testing.T) {
		out, quit := run(&fakeDevice{}, "dance")
		assert.Contains(t, out, "Unknown command: dance")
		assert.False(t, quit)
	})
}
