package amqp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

const (
	// DefaultIdleTimeout is the AMQP idle timeout announced to the hub.
	DefaultIdleTimeout = 60 * time.Second

	// tokenRenewalFraction of a token's lifetime elapses before renewal.
	tokenRenewalFraction = 0.85

	tokenRetryInterval = 30 * time.Second
	closeTimeout       = 5 * time.Second
	webSocketPath      = "/$iothub/websocket"
)

// Config configures the AMQP transport.
type Config struct {
	// WebSocket tunnels AMQP over WebSockets on port 443.
	WebSocket bool

	// URL overrides the address derived from the host name, e.g.
	// "amqp://127.0.0.1:5672" or "ws://127.0.0.1:8080/$iothub/websocket".
	URL string

	TLS *transport.TLSConfig

	IdleTimeout time.Duration
	ProductInfo string

	// Refresh supplies renewed tokens for registered identities. Without it
	// tokens are not renewed and the hub detaches links once they expire.
	Refresh transport.RefreshFunc

	// Logger is the operational logger. If nil, logging is disabled.
	Logger *logrus.Entry
}

// links are the per-identity AMQP links.
type links struct {
	identity auth.Identity
	sender   *goamqp.Sender
	receiver *goamqp.Receiver
	cancel   context.CancelFunc
}

// conn is one physical AMQP connection.
type conn struct {
	gen     uint64
	amqp    *goamqp.Conn
	session *goamqp.Session
	cbs     *cbs
	ctx     context.Context
	cancel  context.CancelFunc

	// primary is the identity given to Connect; empty on a multiplexed
	// connection.
	primary auth.Identity
}

// Transport is an AMQP connection that carries one or many identities. It
// implements transport.Registrar.
type Transport struct {
	cfg    Config
	logger *logrus.Entry

	mu      sync.Mutex
	conn    *conn
	links   map[string]*links
	gen     uint64
	handler transport.Handler
}

// New creates an AMQP transport.
func New(cfg Config) *Transport {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	t := &Transport{
		cfg:     cfg,
		links:   make(map[string]*links),
		handler: transport.HandlerFuncs{},
	}
	t.logger = hublog.EntryOrDiscard(cfg.Logger).WithField("transport", t.Protocol().String())
	return t
}

// Protocol implements transport.Transport.
func (t *Transport) Protocol() transport.Protocol {
	if t.cfg.WebSocket {
		return transport.AMQPSWebSocket
	}
	return transport.AMQPS
}

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect implements transport.Transport. It opens the connection, a
// session and the CBS links. When creds names an identity it is registered
// as the connection's primary identity.
func (t *Transport) Connect(ctx context.Context, creds *auth.Credentials) error {
	t.teardown()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	c, err := t.dial(ctx, creds)
	if err != nil {
		return err
	}
	c.gen = gen
	c.primary = creds.Identity

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		c.close()
		return failure.ErrClientClosed
	}
	t.conn = c
	t.mu.Unlock()

	if creds.Identity.DeviceID != "" {
		if err := t.RegisterIdentity(ctx, creds); err != nil {
			t.teardown()
			return err
		}
	}
	t.logger.WithField("identity", creds.Identity.Key()).Debug("amqp connected")
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(context.Context) error {
	t.teardown()
	return nil
}

// RegisterIdentity implements transport.Registrar. It authorizes the
// identity on the CBS node (token credentials) and opens its links.
func (t *Transport) RegisterIdentity(ctx context.Context, creds *auth.Credentials) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return failure.ErrNotConnected
	}

	id := creds.Identity
	expired := tokenExpired(creds)
	if creds.UsesToken() {
		if err := c.cbs.putToken(ctx, creds); err != nil {
			return mapError(id, expired, err)
		}
	}

	sender, err := c.session.NewSender(ctx, telemetryAddress(id), nil)
	if err != nil {
		return mapError(id, expired, fmt.Errorf("attach sender: %w", err))
	}
	receiver, err := c.session.NewReceiver(ctx, c2dAddress(id), &goamqp.ReceiverOptions{Credit: 10})
	if err != nil {
		_ = sender.Close(ctx)
		return mapError(id, expired, fmt.Errorf("attach receiver: %w", err))
	}

	lctx, cancel := context.WithCancel(c.ctx)
	l := &links{identity: id, sender: sender, receiver: receiver, cancel: cancel}

	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		cancel()
		return failure.ErrNotConnected
	}
	old := t.links[id.Key()]
	t.links[id.Key()] = l
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	go t.receiveLoop(lctx, c, l)
	if creds.UsesToken() && t.cfg.Refresh != nil && !creds.ExpiresAt.IsZero() {
		go t.renewLoop(lctx, c, id, time.Now(), creds.ExpiresAt)
	}
	return nil
}

// UnregisterIdentity implements transport.Registrar.
func (t *Transport) UnregisterIdentity(ctx context.Context, id auth.Identity) error {
	t.mu.Lock()
	l := t.links[id.Key()]
	delete(t.links, id.Key())
	t.mu.Unlock()

	if l == nil {
		return nil
	}
	l.close()
	return nil
}

// Send implements transport.Transport. The message travels on the links
// of msg.Identity, or of the primary identity when unset.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	t.mu.Lock()
	c := t.conn
	var l *links
	if c != nil {
		id := msg.Identity
		if id.DeviceID == "" {
			id = c.primary
		}
		l = t.links[id.Key()]
	}
	t.mu.Unlock()

	if c == nil {
		return failure.ErrNotConnected
	}
	if l == nil {
		return fmt.Errorf("identity %q not registered: %w", msg.Identity.Key(), failure.ErrNotConnected)
	}

	if err := l.sender.Send(ctx, toAMQP(msg), nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return mapError(l.identity, false, err)
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, creds *auth.Credentials) (*conn, error) {
	host := creds.HostName
	tlsConfig := transport.NewClientTLSConfig(t.cfg.TLS, host, creds)
	opts := &goamqp.ConnOptions{
		HostName:    host,
		IdleTimeout: t.cfg.IdleTimeout,
		SASLType:    goamqp.SASLTypeAnonymous(),
	}
	if t.cfg.ProductInfo != "" {
		opts.Properties = map[string]any{"com.microsoft:client-version": t.cfg.ProductInfo}
	}

	var (
		ac  *goamqp.Conn
		err error
	)
	if t.cfg.WebSocket {
		var nc net.Conn
		nc, err = dialWebSocket(ctx, t.address(host), tlsConfig)
		if err != nil {
			return nil, err
		}
		ac, err = goamqp.NewConn(ctx, nc, opts)
		if err != nil {
			_ = nc.Close()
		}
	} else {
		opts.TLSConfig = tlsConfig
		ac, err = goamqp.Dial(ctx, t.address(host), opts)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, mapError(creds.Identity, tokenExpired(creds), fmt.Errorf("dial: %w", err))
	}

	session, err := ac.NewSession(ctx, nil)
	if err != nil {
		_ = ac.Close()
		return nil, mapError(creds.Identity, false, fmt.Errorf("begin session: %w", err))
	}
	cb, err := openCBS(ctx, session)
	if err != nil {
		_ = ac.Close()
		return nil, mapError(creds.Identity, false, err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	return &conn{amqp: ac, session: session, cbs: cb, ctx: cctx, cancel: cancel}, nil
}

func (t *Transport) address(host string) string {
	if t.cfg.URL != "" {
		return t.cfg.URL
	}
	if t.cfg.WebSocket {
		return "wss://" + net.JoinHostPort(host, strconv.Itoa(transport.PortHTTPS)) + webSocketPath
	}
	return "amqps://" + net.JoinHostPort(host, strconv.Itoa(transport.PortAMQPS))
}

func (t *Transport) receiveLoop(ctx context.Context, c *conn, l *links) {
	for {
		m, err := l.receiver.Receive(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.linkFailed(c, l, err)
			return
		}

		msg := fromAMQP(m)
		msg.Identity = l.identity

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()

		var settleErr error
		switch h.OnMessage(msg) {
		case message.Complete:
			settleErr = l.receiver.AcceptMessage(ctx, m)
		case message.Reject:
			settleErr = l.receiver.RejectMessage(ctx, m, nil)
		default:
			settleErr = l.receiver.ReleaseMessage(ctx, m)
		}
		if settleErr != nil {
			t.logger.WithError(settleErr).WithField("msg_id", msg.ID).Debug("settle failed")
		}
	}
}

// linkFailed handles a receiver error. Connection failures and failures of
// the primary identity's links end the connection; a detached secondary
// identity only loses its own links and is reported to a handler that
// implements transport.IdentityHandler.
func (t *Transport) linkFailed(c *conn, l *links, err error) {
	mapped := mapError(l.identity, false, err)
	if isConnectionLevel(err) || l.identity == c.primary {
		t.connectionLost(c, mapped)
		return
	}

	t.mu.Lock()
	current := t.links[l.identity.Key()] == l
	if current {
		delete(t.links, l.identity.Key())
	}
	h := t.handler
	t.mu.Unlock()
	l.close()
	if !current {
		return
	}
	t.logger.WithError(mapped).WithField("identity", l.identity.Key()).Warn("identity links detached")
	if ih, ok := h.(transport.IdentityHandler); ok {
		ih.OnIdentityLost(l.identity, mapped)
	}
}

func (t *Transport) connectionLost(c *conn, err error) {
	t.mu.Lock()
	if t.conn != c {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.gen++
	for k, l := range t.links {
		l.cancel()
		delete(t.links, k)
	}
	h := t.handler
	t.mu.Unlock()

	c.close()
	t.logger.WithError(err).Debug("amqp connection lost")
	h.OnConnectionLost(err)
}

// renewLoop renews the identity's CBS token before it expires.
func (t *Transport) renewLoop(ctx context.Context, c *conn, id auth.Identity, issued, expires time.Time) {
	for {
		wait := time.Duration(float64(expires.Sub(issued)) * tokenRenewalFraction)
		wait -= time.Since(issued)
		if !sleep(ctx, wait) {
			return
		}

		creds, err := t.cfg.Refresh(ctx, id)
		if err == nil {
			err = c.cbs.putToken(ctx, creds)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.WithError(err).WithField("identity", id.Key()).Warn("token renewal failed")
			if !sleep(ctx, tokenRetryInterval) {
				return
			}
			continue
		}
		t.logger.WithField("identity", id.Key()).Debug("token renewed")
		issued, expires = time.Now(), creds.ExpiresAt
		if expires.IsZero() {
			return
		}
	}
}

// teardown closes the current connection without reporting a loss.
func (t *Transport) teardown() {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.gen++
	for k, l := range t.links {
		l.cancel()
		delete(t.links, k)
	}
	t.mu.Unlock()

	if c != nil {
		c.close()
	}
}

func (c *conn) close() {
	c.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	c.cbs.close(ctx)
	_ = c.amqp.Close()
}

func (l *links) close() {
	l.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	_ = l.receiver.Close(ctx)
	_ = l.sender.Close(ctx)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Compile-time interface satisfaction checks.
var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Registrar = (*Transport)(nil)
)
