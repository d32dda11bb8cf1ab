package client

import (
	"context"
	"errors"
	"sync"

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

// ErrMultiplexed is returned by connection operations of a client that is
// registered with a MultiplexingClient; the multiplexing client owns the
// connection.
var ErrMultiplexed = errors.New("client is multiplexed")

// Client is a device or module identity with its own connection.
type Client struct {
	provider  auth.CredentialProvider
	protocol  transport.Protocol
	transport transport.Transport
	conn      *connection.Manager
	logger    *logrus.Entry

	mu             sync.Mutex
	onMessage      func(*message.Message) message.Disposition
	onRegistration []func(multiplex.Registration)
	mux            *MultiplexingClient
}

// NewFromConnectionString creates a client from a device or module
// connection string.
func NewFromConnectionString(connStr string, opts Options) (*Client, error) {
	cs, err := auth.ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}
	p, err := auth.NewProvider(cs, auth.ProviderConfig{SAS: opts.SAS, Certificate: opts.Certificate})
	if err != nil {
		return nil, err
	}
	return New(p, opts)
}

// New creates a client that authenticates with p.
func New(p auth.CredentialProvider, opts Options) (*Client, error) {
	if p == nil {
		return nil, &failure.ConfigurationError{Field: "provider", Err: errors.New("required")}
	}
	id := p.Identity()
	if id.DeviceID == "" {
		return nil, &failure.ConfigurationError{Field: "DeviceId", Err: errors.New("missing")}
	}

	tr, err := newTransport(opts, providerRefresh(p))
	if err != nil {
		return nil, err
	}

	logger := hublog.EntryOrDiscard(opts.Logger).WithField("device_id", id.Key())
	conn, err := connection.NewManager(connection.Config{
		Transport:             tr,
		Credentials:           p,
		RetryPolicy:           opts.RetryPolicy,
		ConnectTimeout:        opts.ConnectTimeout,
		ThrottleMinDelay:      opts.ThrottleMinDelay,
		DefaultMessageTimeout: opts.DefaultMessageTimeout,
		Logger:                logger,
		ProtocolLogger:        opts.ProtocolLogger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		provider:  p,
		protocol:  tr.Protocol(),
		transport: tr,
		conn:      conn,
		logger:    logger,
	}
	conn.SetMessageHandler(c.dispatch)
	return c, nil
}

// Identity returns the client's device or module identity.
func (c *Client) Identity() auth.Identity { return c.provider.Identity() }

// Protocol returns the client's transport protocol.
func (c *Client) Protocol() transport.Protocol { return c.protocol }

// Open connects. See connection.Manager.Open.
func (c *Client) Open(ctx context.Context, withRetry bool) error {
	if c.multiplexer() != nil {
		return ErrMultiplexed
	}
	return c.conn.Open(ctx, withRetry)
}

// OpenAsync connects in the background and reports the outcome to cb.
func (c *Client) OpenAsync(withRetry bool, cb func(error)) {
	if c.multiplexer() != nil {
		if cb != nil {
			go cb(ErrMultiplexed)
		}
		return
	}
	c.conn.OpenAsync(withRetry, cb)
}

// Close disconnects. Queued sends complete with failure.ErrClientClosed.
func (c *Client) Close(ctx context.Context) error {
	if c.multiplexer() != nil {
		return ErrMultiplexed
	}
	return c.conn.Close(ctx)
}

// SendEvent sends msg and waits for the hub's acknowledgement. A
// multiplexed client sends over the shared connection.
func (c *Client) SendEvent(ctx context.Context, msg *message.Message) error {
	conn, err := c.route(msg)
	if err != nil {
		return err
	}
	return conn.SendEvent(ctx, msg)
}

// SendEventAsync queues msg; cb receives the outcome exactly once.
func (c *Client) SendEventAsync(msg *message.Message, cb func(error)) error {
	conn, err := c.route(msg)
	if err != nil {
		return err
	}
	return conn.SendEventAsync(msg, cb)
}

// SetMessageCallback sets the receiver of cloud-to-device messages. Without
// one, messages are abandoned.
func (c *Client) SetMessageCallback(fn func(*message.Message) message.Disposition) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// OnConnectionStatusChange adds a status listener. A multiplexed client
// keeps its listeners but only its own connection reports to them; use
// OnRegistrationChange for the client's session on the shared connection
// and MultiplexingClient.OnConnectionStatusChange for the connection.
func (c *Client) OnConnectionStatusChange(fn func(connection.StatusChange)) {
	c.conn.OnStatusChange(fn)
}

// OnRegistrationChange adds a listener for the client's registration while
// it is multiplexed: REGISTERED once its links are open,
// REGISTRATION_FAILED when registering fails or the hub drops its links,
// UNREGISTERED when the shared connection goes away or the client is
// removed. Listeners run on registration goroutines, must not block and
// must not call into the MultiplexingClient.
func (c *Client) OnRegistrationChange(fn func(multiplex.Registration)) {
	c.mu.Lock()
	c.onRegistration = append(c.onRegistration, fn)
	c.mu.Unlock()
}

func (c *Client) notifyRegistration(r multiplex.Registration) {
	c.mu.Lock()
	listeners := c.onRegistration
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(r)
	}
}

// SetRetryPolicy replaces the reconnection policy.
func (c *Client) SetRetryPolicy(p retry.Policy) {
	c.conn.SetRetryPolicy(p)
}

// Status returns the connection status; for a multiplexed client the
// status of the shared connection.
func (c *Client) Status() connection.Status {
	if m := c.multiplexer(); m != nil {
		return m.Status()
	}
	return c.conn.Status()
}

func (c *Client) multiplexer() *MultiplexingClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mux
}

func (c *Client) route(msg *message.Message) (*connection.Manager, error) {
	m := c.multiplexer()
	if m == nil {
		return c.conn, nil
	}
	if msg != nil {
		msg.Identity = c.Identity()
	}
	return m.conn, nil
}

func (c *Client) dispatch(msg *message.Message) message.Disposition {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()

	if fn == nil {
		return message.Abandon
	}
	return fn(msg)
}

// OnConnectionStatusChange adds a listener that receives userCtx with every
// status change of c.
func OnConnectionStatusChange[T any](c *Client, fn func(connection.StatusChange, T), userCtx T) {
	connection.OnStatusChange(c.conn, fn, userCtx)
}

// SendEventAsyncWithContext is SendEventAsync with a typed caller context.
func SendEventAsyncWithContext[T any](c *Client, msg *message.Message, fn func(error, T), userCtx T) error {
	return c.SendEventAsync(msg, func(err error) {
		fn(err, userCtx)
	})
}

// SetMessageCallbackWithContext is SetMessageCallback with a typed caller
// context.
func SetMessageCallbackWithContext[T any](c *Client, fn func(*message.Message, T) message.Disposition, userCtx T) {
	c.SetMessageCallback(func(msg *message.Message) message.Disposition {
		return fn(msg, userCtx)
	})
}
