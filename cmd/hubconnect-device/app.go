package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/client"
	"github.com/hubconnect/hubconnect-go/pkg/connection"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/multiplex"
	"github.com/hubconnect/hubconnect-go/pkg/retry"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

// app runs one or more simulated devices.
type app struct {
	cfg     Config
	logger  *logrus.Entry
	clients []*client.Client
	mux     *client.MultiplexingClient
	sim     *Simulator

	mu        sync.Mutex
	simCancel context.CancelFunc
}

func newApp(cfg Config, logger *logrus.Entry, plog hublog.Logger) (*app, error) {
	protocol, err := transport.ParseProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	opts := client.Options{
		Protocol:       protocol,
		RetryPolicy:    cfg.RetryPolicy(),
		ProductInfo:    "hubconnect-device",
		Logger:         logger,
		ProtocolLogger: plog,
	}
	if cfg.CACert != "" {
		pool, err := transport.LoadRootCAs(cfg.CACert)
		if err != nil {
			return nil, err
		}
		opts.TLS = &transport.TLSConfig{RootCAs: pool}
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		opts.Certificate = &cert
	}

	a := &app{cfg: cfg, logger: logger, sim: NewSimulator(cfg.Type)}
	for _, cs := range cfg.Connections() {
		c, err := client.NewFromConnectionString(cs, opts)
		if err != nil {
			return nil, err
		}
		key := c.Identity().Key()
		client.SetMessageCallbackWithContext(c, a.onMessage, key)
		if cfg.Multiplexed() {
			c.OnRegistrationChange(a.onRegistration)
		} else {
			client.OnConnectionStatusChange(c, a.onStatus, key)
		}
		a.clients = append(a.clients, c)
	}

	if cfg.Multiplexed() {
		cs, err := auth.ParseConnectionString(cfg.Connections()[0])
		if err != nil {
			return nil, err
		}
		a.mux, err = client.NewMultiplexingClient(cs.EndpointHost(), opts)
		if err != nil {
			return nil, err
		}
		a.mux.OnConnectionStatusChange(func(sc connection.StatusChange) { a.onStatus(sc, "multiplexed") })
		if err := a.mux.RegisterClients(context.Background(), a.clients...); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Open implements interactive.Device.
func (a *app) Open(ctx context.Context) error {
	if a.mux != nil {
		return a.mux.Open(ctx, true)
	}
	var errs []error
	for _, c := range a.clients {
		if err := c.Open(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Identity(), err))
		}
	}
	return errors.Join(errs...)
}

// Close implements interactive.Device.
func (a *app) Close(ctx context.Context) error {
	if a.mux != nil {
		err := a.mux.Close(ctx)
		// Close detaches the clients; keep them on the connection.
		if regErr := a.mux.RegisterClients(ctx, a.clients...); regErr != nil {
			a.logger.WithError(regErr).Warn("re-adding clients failed")
		}
		return err
	}
	var errs []error
	for _, c := range a.clients {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// shutdown closes every connection for good.
func (a *app) shutdown(ctx context.Context) error {
	if a.mux != nil {
		return a.mux.Close(ctx)
	}
	return a.Close(ctx)
}

// Send implements interactive.Device.
func (a *app) Send(ctx context.Context, payload []byte) error {
	var errs []error
	for _, c := range a.clients {
		msg := message.New(payload)
		if err := c.SendEvent(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Identity(), err))
		}
	}
	return errors.Join(errs...)
}

// Status implements interactive.Device.
func (a *app) Status() []string {
	if a.mux != nil {
		return []string{fmt.Sprintf("multiplexed (%d devices): %s", a.mux.Len(), a.mux.Status())}
	}
	out := make([]string, 0, len(a.clients))
	for _, c := range a.clients {
		out = append(out, fmt.Sprintf("%s: %s", c.Identity(), c.Status()))
	}
	return out
}

// Registrations implements interactive.Device.
func (a *app) Registrations() []string {
	if a.mux == nil {
		return nil
	}
	regs := a.mux.Registrations()
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		line := fmt.Sprintf("%s: %s", r.Key, r.State)
		if r.Err != nil {
			line += " (" + r.Err.Error() + ")"
		}
		out = append(out, line)
	}
	return out
}

// SetMaxAttempts implements interactive.Device.
func (a *app) SetMaxAttempts(n int) {
	var p retry.Policy = retry.NoRetry{}
	if n > 0 {
		b := retry.DefaultExponentialBackoff()
		b.MaxAttempts = n
		p = b
	}
	if a.mux != nil {
		a.mux.SetRetryPolicy(p)
		return
	}
	for _, c := range a.clients {
		c.SetRetryPolicy(p)
	}
}

// SetPower implements interactive.Device.
func (a *app) SetPower(kw float64) { a.sim.SetPower(kw) }

// ClearPower implements interactive.Device.
func (a *app) ClearPower() { a.sim.ClearPower() }

// StartSimulation implements interactive.Device.
func (a *app) StartSimulation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.simCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.simCancel = cancel
	go a.runSimulation(ctx)
	a.logger.WithField("interval", a.cfg.Interval).Info("simulation started")
}

// StopSimulation implements interactive.Device.
func (a *app) StopSimulation() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.simCancel == nil {
		return
	}
	a.simCancel()
	a.simCancel = nil
	a.logger.Info("simulation stopped")
}

// SimulationRunning implements interactive.Device.
func (a *app) SimulationRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.simCancel != nil
}

func (a *app) runSimulation(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.publish(a.sim.Next(now))
		}
	}
}

// publish sends r from every device without waiting for delivery.
func (a *app) publish(r Reading) {
	payload, err := r.Payload()
	if err != nil {
		a.logger.WithError(err).Error("encode reading")
		return
	}
	for _, c := range a.clients {
		msg := message.New(payload)
		msg.ContentType = "application/json"
		msg.ContentEncoding = "utf-8"
		msg.SetProperty("deviceType", string(r.DeviceType))

		key := c.Identity().Key()
		err := client.SendEventAsyncWithContext(c, msg, a.onSent, sentInfo{device: key, seq: r.Seq})
		if err != nil {
			a.logger.WithError(err).WithField("device_id", key).Debug("reading not queued")
		}
	}
}

type sentInfo struct {
	device string
	seq    uint64
}

func (a *app) onSent(err error, info sentInfo) {
	entry := a.logger.WithFields(logrus.Fields{"device_id": info.device, "seq": info.seq})
	if err != nil {
		entry.WithError(err).Warn("reading not delivered")
		return
	}
	entry.Debug("reading delivered")
}

func (a *app) onStatus(sc connection.StatusChange, name string) {
	entry := a.logger.WithFields(logrus.Fields{
		"connection": name,
		"status":     sc.Status.String(),
		"reason":     sc.Reason.String(),
	})
	if sc.Attempt > 0 {
		entry = entry.WithField("attempt", sc.Attempt)
	}
	if sc.Cause != nil {
		entry = entry.WithError(sc.Cause)
	}
	switch sc.Status {
	case connection.StatusConnected:
		entry.Info("connected")
	case connection.StatusDisconnectedRetrying:
		entry.Warn("connection lost, retrying")
	default:
		entry.Warn("disconnected")
	}
}

func (a *app) onRegistration(r multiplex.Registration) {
	entry := a.logger.WithFields(logrus.Fields{"device": r.Key, "registration": r.State.String()})
	if r.Err != nil {
		entry.WithError(r.Err).Warn("registration changed")
		return
	}
	entry.Info("registration changed")
}

func (a *app) onMessage(msg *message.Message, device string) message.Disposition {
	a.logger.WithFields(logrus.Fields{
		"device_id": device,
		"msg_id":    msg.ID,
		"size":      len(msg.Payload),
	}).Infof("cloud message: %s", msg.Payload)
	return message.Complete
}
