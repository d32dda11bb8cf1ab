package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
)

func newTestApp(t *testing.T, cfg Config) *app {
	t.Helper()
	logger, err := newLogger("error")
	require.NoError(t, err)
	a, err := newApp(cfg, logger, hublog.NoopLogger{})
	require.NoError(t, err)
	return a
}

func TestAppSingleDevice(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionString = testConnStr
	a := newTestApp(t, cfg)

	assert.Nil(t, a.mux)
	assert.Equal(t, []string{"dev1: DISCONNECTED"}, a.Status())
	assert.Nil(t, a.Registrations())

	err := a.Send(context.Background(), []byte("hi"))
	assert.ErrorContains(t, err, "dev1")
}

func TestAppMultiplexed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocol = "AMQPS"
	cfg.ConnectionStrings = []string{
		"HostName=hub.test;DeviceId=a;SharedAccessKey=c2VjcmV0",
		"HostName=hub.test;DeviceId=b;SharedAccessKey=c2VjcmV0",
	}
	a := newTestApp(t, cfg)

	require.NotNil(t, a.mux)
	assert.Equal(t, []string{"multiplexed (2 devices): DISCONNECTED"}, a.Status())
	assert.Equal(t, []string{"a: UNREGISTERED", "b: UNREGISTERED"}, a.Registrations())

	// Close on a never-opened connection keeps the devices attached.
	require.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 2, a.mux.Len())
}

func TestAppSimulationToggle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionString = testConnStr
	cfg.Interval = time.Hour
	a := newTestApp(t, cfg)

	assert.False(t, a.SimulationRunning())
	a.StartSimulation()
	a.StartSimulation()
	assert.True(t, a.SimulationRunning())
	a.StopSimulation()
	assert.False(t, a.SimulationRunning())
	a.StopSimulation()
}

func TestAppSetPower(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConnectionString = testConnStr
	a := newTestApp(t, cfg)

	a.SetPower(1.5)
	assert.Equal(t, int64(1500), a.sim.Next(time.Now()).PowerW)
	a.ClearPower()
	assert.Equal(t, int64(2000), a.sim.Next(time.Now()).PowerW)
}
