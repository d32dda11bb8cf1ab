package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/connection"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/multiplex"
	"github.com/hubconnect/hubconnect-go/pkg/retry"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

const (
	identityRecoveryDelay    = time.Second
	maxIdentityRecoveryDelay = time.Minute
)

// MultiplexingClient carries many device clients over one AMQP
// connection. Registered clients send and receive through it; their own
// connections stay unused.
type MultiplexingClient struct {
	host     string
	protocol transport.Protocol
	conn     *connection.Manager
	mux      *multiplex.Manager
	logger   *logrus.Entry

	mu      sync.Mutex
	clients map[string]*Client

	// regErr is the outcome of the registration pass of the last connect.
	regErr error

	// recovery re-registers identities the hub dropped while the shared
	// connection stayed up. Close cancels it.
	recoveryCtx    context.Context
	recoveryCancel context.CancelFunc
	recovering     map[string]bool
	recoveryDelay  time.Duration
}

// NewMultiplexingClient creates a multiplexing client for the hub at host.
// opts.Protocol must be AMQPS or AMQPS_WS.
func NewMultiplexingClient(host string, opts Options) (*MultiplexingClient, error) {
	if host == "" {
		return nil, &failure.ConfigurationError{Field: "HostName", Err: errors.New("missing")}
	}
	if !opts.Protocol.SupportsMultiplexing() {
		return nil, &failure.ConfigurationError{
			Field: "Protocol",
			Err:   fmt.Errorf("%s does not support multiplexing", opts.Protocol),
		}
	}

	connID := uuid.NewString()
	logger := hublog.EntryOrDiscard(opts.Logger).WithField("conn_id", connID)
	m := &MultiplexingClient{
		host:     host,
		protocol: opts.Protocol,
		logger:   logger,
		clients:  make(map[string]*Client),

		recovering:    make(map[string]bool),
		recoveryDelay: identityRecoveryDelay,
	}
	m.recoveryCtx, m.recoveryCancel = context.WithCancel(context.Background())

	tr, err := newTransport(opts, m.refresh)
	if err != nil {
		return nil, err
	}
	reg, ok := tr.(transport.Registrar)
	if !ok {
		return nil, &failure.ConfigurationError{Field: "Transport", Err: errors.New("transport cannot register identities")}
	}

	m.mux, err = multiplex.New(multiplex.Config{
		Registrar:     reg,
		MaxIdentities: opts.Protocol.MaxMultiplexed(),
		Logger:        logger,
		Recorder:      hublog.NewRecorder(opts.ProtocolLogger, connID, tr.Protocol().String()),
		OnChange:      m.onRegistrationChange,
	})
	if err != nil {
		return nil, err
	}

	m.conn, err = connection.NewManager(connection.Config{
		Transport:             tr,
		Credentials:           auth.NewHostProvider(host),
		RetryPolicy:           opts.RetryPolicy,
		OnConnect:             m.onConnect,
		OnIdentityLost:        m.onIdentityLost,
		ConnectTimeout:        opts.ConnectTimeout,
		ThrottleMinDelay:      opts.ThrottleMinDelay,
		DefaultMessageTimeout: opts.DefaultMessageTimeout,
		ConnectionID:          connID,
		Logger:                logger,
		ProtocolLogger:        opts.ProtocolLogger,
	})
	if err != nil {
		return nil, err
	}
	m.conn.SetMessageHandler(m.route)
	return m, nil
}

// Open connects and registers every client added so far. A nil error from
// the connection with failed registrations returns a
// *failure.RegistrationError; the connection stays open.
func (m *MultiplexingClient) Open(ctx context.Context, withRetry bool) error {
	if err := m.conn.Open(ctx, withRetry); err != nil {
		return err
	}
	return m.registrationError()
}

// Close disconnects and removes every registered client. Removed clients
// may open their own connections again.
func (m *MultiplexingClient) Close(ctx context.Context) error {
	m.mu.Lock()
	m.recoveryCancel()
	m.recoveryCtx, m.recoveryCancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	err := m.conn.Close(ctx)

	m.mux.MarkDisconnected()
	for _, r := range m.mux.Snapshot() {
		_ = m.mux.Remove(ctx, r.Key)
	}

	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.regErr = nil
	m.mu.Unlock()

	for _, c := range clients {
		c.detach()
	}
	return err
}

// RegisterClients adds clients to the connection. While connected they are
// registered right away and failures are returned as a
// *failure.RegistrationError; the others stay registered. Otherwise they
// register on the next connect.
func (m *MultiplexingClient) RegisterClients(ctx context.Context, clients ...*Client) error {
	if err := m.validate(clients); err != nil {
		return err
	}

	keys := make([]string, 0, len(clients))
	for _, c := range clients {
		if err := m.mux.Add(c.provider); err != nil {
			for _, k := range keys {
				_ = m.mux.Remove(ctx, k)
			}
			return err
		}
		keys = append(keys, c.Identity().Key())
	}

	m.mu.Lock()
	for _, c := range clients {
		m.clients[c.Identity().Key()] = c
	}
	m.mu.Unlock()
	for _, c := range clients {
		c.attach(m)
	}

	if m.conn.Status() != connection.StatusConnected {
		return m.mux.Want(keys...)
	}
	return m.mux.RegisterAll(ctx, keys...)
}

// UnregisterClients closes the clients' links and removes them from the
// connection.
func (m *MultiplexingClient) UnregisterClients(ctx context.Context, clients ...*Client) error {
	var errs []error
	for _, c := range clients {
		if c == nil {
			continue
		}
		key := c.Identity().Key()

		m.mu.Lock()
		owned := m.clients[key] == c
		if owned {
			delete(m.clients, key)
		}
		m.mu.Unlock()
		if !owned {
			errs = append(errs, fmt.Errorf("%w: %s", multiplex.ErrUnknownIdentity, key))
			continue
		}

		c.detach()
		if err := m.mux.Remove(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status returns the status of the shared connection.
func (m *MultiplexingClient) Status() connection.Status { return m.conn.Status() }

// OnConnectionStatusChange adds a listener for the shared connection.
func (m *MultiplexingClient) OnConnectionStatusChange(fn func(connection.StatusChange)) {
	m.conn.OnStatusChange(fn)
}

// SetRetryPolicy replaces the reconnection policy of the shared connection.
func (m *MultiplexingClient) SetRetryPolicy(p retry.Policy) { m.conn.SetRetryPolicy(p) }

// Registrations returns the registration state of every client.
func (m *MultiplexingClient) Registrations() []multiplex.Registration { return m.mux.Snapshot() }

// RegistrationState returns the state and last error of one client.
func (m *MultiplexingClient) RegistrationState(c *Client) (multiplex.State, error, bool) {
	return m.mux.State(c.Identity().Key())
}

// Len returns the number of clients on the connection.
func (m *MultiplexingClient) Len() int { return m.mux.Len() }

func (m *MultiplexingClient) validate(clients []*Client) error {
	seen := make(map[string]bool, len(clients))
	for _, c := range clients {
		if c == nil {
			return &failure.ConfigurationError{Field: "client", Err: errors.New("nil client")}
		}
		key := c.Identity().Key()
		switch {
		case seen[key]:
			return &failure.ConfigurationError{Field: "client", Err: fmt.Errorf("%w: %s", multiplex.ErrDuplicateIdentity, key)}
		case c.Protocol() != m.protocol:
			return &failure.ConfigurationError{Field: "client", Err: fmt.Errorf("%s uses %s, connection uses %s", key, c.Protocol(), m.protocol)}
		case c.provider.HostName() != m.host:
			return &failure.ConfigurationError{Field: "client", Err: fmt.Errorf("%s connects to %s, connection to %s", key, c.provider.HostName(), m.host)}
		case c.multiplexer() != nil:
			return &failure.ConfigurationError{Field: "client", Err: fmt.Errorf("%s is already multiplexed", key)}
		case c.conn.Status() != connection.StatusDisconnected:
			return &failure.ConfigurationError{Field: "client", Err: fmt.Errorf("%s has an open connection", key)}
		}
		seen[key] = true
	}
	return nil
}

// onConnect runs before the shared connection reports CONNECTED. The new
// connection carries no identities, so every wanted one registers again.
// Registration failures do not fail the connection.
func (m *MultiplexingClient) onConnect(ctx context.Context) error {
	m.mux.MarkDisconnected()
	err := m.mux.ReregisterAll(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("identities failed to register")
	}

	m.mu.Lock()
	m.regErr = err
	m.mu.Unlock()
	return nil
}

// onIdentityLost runs when the hub detached one identity while the shared
// connection stayed up. The identity is marked failed and registered again
// in the background.
func (m *MultiplexingClient) onIdentityLost(id auth.Identity, err error) {
	key := id.Key()
	if !m.mux.Lost(key, err) {
		return
	}

	m.mu.Lock()
	if m.recovering[key] {
		m.mu.Unlock()
		return
	}
	m.recovering[key] = true
	ctx := m.recoveryCtx
	m.mu.Unlock()

	go m.recoverIdentity(ctx, key)
}

// recoverIdentity re-registers key with backoff until it succeeds, fails
// terminally, is removed or the shared connection drops. A dropped
// connection re-registers every wanted identity on its next connect.
func (m *MultiplexingClient) recoverIdentity(ctx context.Context, key string) {
	defer func() {
		m.mu.Lock()
		delete(m.recovering, key)
		m.mu.Unlock()
	}()

	logger := m.logger.WithField("identity", key)
	backoff := retry.NewBackoff(retry.BackoffConfig{
		Initial: m.recoveryDelay,
		Max:     maxIdentityRecoveryDelay,
		Jitter:  retry.NewProportionalJitter(retry.DefaultJitterFactor, nil),
	})
	for {
		if !sleepCtx(ctx, backoff.Next()) {
			return
		}
		if m.conn.Status() != connection.StatusConnected {
			return
		}

		err := m.mux.RegisterAll(ctx, key)
		if err == nil {
			logger.Info("identity registered again")
			return
		}
		var regErr *failure.RegistrationError
		if errors.As(err, &regErr) {
			err = regErr.Failures[key]
		}
		if errors.Is(err, multiplex.ErrUnknownIdentity) || ctx.Err() != nil {
			return
		}
		if c := failure.Classify(err); c.IsTerminal() {
			logger.WithError(err).Warn("identity not recoverable")
			return
		}
	}
}

// onRegistrationChange forwards a state change to the client it belongs to.
func (m *MultiplexingClient) onRegistrationChange(r multiplex.Registration) {
	m.mu.Lock()
	c, ok := m.clients[r.Key]
	m.mu.Unlock()
	if ok {
		c.notifyRegistration(r)
	}
}

func (m *MultiplexingClient) registrationError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regErr
}

// route hands a received message to the client it is addressed to.
func (m *MultiplexingClient) route(msg *message.Message) message.Disposition {
	key := msg.Identity.Key()
	m.mu.Lock()
	c, ok := m.clients[key]
	m.mu.Unlock()

	if !ok {
		m.logger.WithField("identity", key).Warn("message for unknown identity")
		return message.Abandon
	}
	return c.dispatch(msg)
}

func (m *MultiplexingClient) refresh(ctx context.Context, id auth.Identity) (*auth.Credentials, error) {
	p, ok := m.mux.Provider(id.Key())
	if !ok {
		return nil, fmt.Errorf("%w: %s", multiplex.ErrUnknownIdentity, id.Key())
	}
	return p.Credentials(ctx)
}

func (c *Client) attach(m *MultiplexingClient) {
	c.mu.Lock()
	c.mux = m
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	c.mux = nil
	c.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
