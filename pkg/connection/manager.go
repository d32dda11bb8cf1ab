package connection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/retry"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

// Defaults applied to zero Config fields.
const (
	// DefaultConnectTimeout bounds one connection attempt.
	DefaultConnectTimeout = 30 * time.Second

	// DefaultThrottleMinDelay is the minimum wait after a throttled failure.
	DefaultThrottleMinDelay = time.Second

	// DefaultMessageTimeout is the expiry of messages that set none.
	DefaultMessageTimeout = 4 * time.Minute

	disconnectTimeout = 10 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Transport is the physical connection. Required.
	Transport transport.Transport

	// Credentials are fetched before every connection attempt. Required.
	Credentials auth.CredentialProvider

	// RetryPolicy decides on reconnection. Default: retry.DefaultExponentialBackoff().
	RetryPolicy retry.Policy

	// OnConnect runs after the transport connected and before CONNECTED is
	// reported. An error fails the attempt and is classified like a
	// transport error. Multiplexing re-registers identities here.
	OnConnect func(ctx context.Context) error

	// OnIdentityLost is called when a multiplexing transport drops one
	// registered identity while the connection stays up.
	OnIdentityLost func(id auth.Identity, err error)

	ConnectTimeout        time.Duration
	ThrottleMinDelay      time.Duration
	DefaultMessageTimeout time.Duration

	// ConnectionID names the connection in logs. Default: random UUID.
	ConnectionID string

	// Logger is the operational logger. If nil, logging is disabled.
	Logger *logrus.Entry

	// ProtocolLogger receives protocol events. If nil, capture is disabled.
	ProtocolLogger hublog.Logger
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc

	// err completes in-flight sends once the session ended.
	err error
}

// retrySequence is settled exactly once, when a retry sequence ends in
// CONNECTED or DISCONNECTED.
type retrySequence struct {
	done chan struct{}
	err  error
}

// Manager is the connection state machine of one physical connection.
// It implements transport.Handler.
type Manager struct {
	cfg    Config
	policy retry.Policy
	logger *logrus.Entry
	rec    *hublog.Recorder
	now    func() time.Time

	mu        sync.Mutex
	status    Status
	sess      *session
	opening   bool
	retry     retry.State
	seq       *retrySequence
	listeners []func(StatusChange)
	onMessage func(*message.Message) message.Disposition

	// lostDuringAttempt holds a loss reported while an attempt was still
	// running; the attempt then counts as failed.
	lostDuringAttempt error

	queue    *sendQueue
	notifier *notifier
}

// NewManager creates a manager and installs it as the transport's handler.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, &failure.ConfigurationError{Field: "Transport", Err: errors.New("required")}
	}
	if cfg.Credentials == nil {
		return nil, &failure.ConfigurationError{Field: "Credentials", Err: errors.New("required")}
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = retry.DefaultExponentialBackoff()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ThrottleMinDelay <= 0 {
		cfg.ThrottleMinDelay = DefaultThrottleMinDelay
	}
	if cfg.DefaultMessageTimeout <= 0 {
		cfg.DefaultMessageTimeout = DefaultMessageTimeout
	}
	if cfg.ConnectionID == "" {
		cfg.ConnectionID = uuid.NewString()
	}

	protocol := cfg.Transport.Protocol().String()
	m := &Manager{
		cfg:    cfg,
		policy: cfg.RetryPolicy,
		logger: hublog.EntryOrDiscard(cfg.Logger).WithFields(logrus.Fields{
			"conn_id":  cfg.ConnectionID,
			"protocol": protocol,
		}),
		rec:      hublog.NewRecorder(cfg.ProtocolLogger, cfg.ConnectionID, protocol),
		now:      time.Now,
		status:   StatusDisconnected,
		queue:    newSendQueue(),
		notifier: newNotifier(),
	}
	cfg.Transport.SetHandler(m)
	return m, nil
}

// Status returns the current connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// RetryAttempts returns the failed attempts of the current retry sequence.
func (m *Manager) RetryAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry.Attempts()
}

// ConnectionID returns the connection's log identifier.
func (m *Manager) ConnectionID() string {
	return m.cfg.ConnectionID
}

// Protocol returns the transport protocol.
func (m *Manager) Protocol() transport.Protocol {
	return m.cfg.Transport.Protocol()
}

// PendingSends returns the number of queued messages.
func (m *Manager) PendingSends() int {
	return m.queue.len()
}

// SetRetryPolicy replaces the policy. It takes effect at the next decision.
func (m *Manager) SetRetryPolicy(p retry.Policy) {
	if p == nil {
		p = retry.DefaultExponentialBackoff()
	}
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// OnStatusChange adds a listener. Listeners run on a single notification
// goroutine, in transition order, and may call back into the manager.
func (m *Manager) OnStatusChange(fn func(StatusChange)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// SetMessageHandler sets the receiver of cloud-to-device messages. With no
// handler received messages are abandoned.
func (m *Manager) SetMessageHandler(fn func(*message.Message) message.Disposition) {
	m.mu.Lock()
	m.onMessage = fn
	m.mu.Unlock()
}

// Open connects and blocks until the connection is established or has
// failed terminally. With withRetry=false the first failure is returned
// without entering DISCONNECTED_RETRYING. Cancelling ctx while a retry
// sequence runs closes the connection.
func (m *Manager) Open(ctx context.Context, withRetry bool) error {
	m.mu.Lock()
	switch {
	case m.status == StatusConnected:
		m.mu.Unlock()
		return nil
	case m.status == StatusDisconnectedRetrying:
		seq := m.seq
		m.mu.Unlock()
		return m.waitSequence(ctx, seq)
	case m.opening:
		m.mu.Unlock()
		return failure.ErrOpenInProgress
	}

	m.opening = true
	s := m.newSessionLocked()
	m.retry.Reset()
	m.mu.Unlock()

	m.logger.Debug("opening connection")
	err := m.attempt(ctx, s)

	m.mu.Lock()
	m.opening = false
	if m.sess != s {
		orphaned := err == nil && m.sess == nil
		m.mu.Unlock()
		if orphaned {
			m.disconnectTransport()
		}
		return failure.ErrClientClosed
	}
	err = m.attemptOutcomeLocked(err)
	if err == nil {
		m.transitionLocked(StatusConnected, ReasonConnectionOK, nil)
		m.mu.Unlock()
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		m.endSessionLocked(s, ctxErr)
		m.mu.Unlock()
		return ctxErr
	}

	c := failure.Classify(err)
	m.rec.Error(hublog.LayerConnection, err, c.String(), "open")
	if !withRetry || c.IsTerminal() {
		m.logger.WithError(err).WithField("kind", c.Kind.String()).Warn("open failed")
		m.endSessionLocked(s, err)
		m.mu.Unlock()
		return err
	}

	dec := m.retry.Decide(m.policy, m.now())
	if !dec.Retry {
		m.endSessionLocked(s, err)
		m.mu.Unlock()
		return fmt.Errorf("%w: %w", failure.ErrRetryExpired, err)
	}
	seq := m.startRetryLocked(s, c, err, m.delayFor(dec, c))
	m.mu.Unlock()

	return m.waitSequence(ctx, seq)
}

// OpenAsync runs Open in the background and reports its outcome to cb.
func (m *Manager) OpenAsync(withRetry bool, cb func(error)) {
	go func() {
		err := m.Open(context.Background(), withRetry)
		if cb != nil {
			cb(err)
		}
	}()
}

// Close disconnects and stops any retry sequence. Queued sends complete
// with failure.ErrClientClosed. Close is idempotent and safe to call from
// a status listener.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	if m.status != StatusDisconnected {
		m.transitionLocked(StatusDisconnected, ReasonClientClose, nil)
	}
	m.endSessionLocked(s, failure.ErrClientClosed)
	m.settleLocked(m.seq, failure.ErrClientClosed)
	pending := m.queue.drain()
	m.mu.Unlock()

	for _, p := range pending {
		m.completeSend(p, failure.ErrClientClosed)
	}

	if err := m.cfg.Transport.Disconnect(ctx); err != nil {
		m.logger.WithError(err).Debug("transport disconnect failed")
		return err
	}
	return nil
}

// OnConnectionLost implements transport.Handler.
func (m *Manager) OnConnectionLost(err error) {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return
	}
	if m.status != StatusConnected {
		m.lostDuringAttempt = err
		m.mu.Unlock()
		return
	}

	c := failure.Classify(err)
	m.rec.Error(hublog.LayerTransport, err, c.String(), "connection lost")
	if c.IsTerminal() {
		pending := m.failLocked(s, ReasonFor(c), err)
		m.mu.Unlock()
		m.finishFailed(pending, err)
		return
	}

	m.retry.Reset()
	dec := m.retry.Decide(m.policy, m.now())
	if !dec.Retry {
		expired := fmt.Errorf("%w: %w", failure.ErrRetryExpired, err)
		pending := m.failLocked(s, ReasonRetryExpired, err)
		m.mu.Unlock()
		m.finishFailed(pending, expired)
		return
	}

	delay := m.delayFor(dec, c)
	if c.Kind == failure.RetryableWithBackoffReset {
		delay = 0
	}
	m.startRetryLocked(s, c, err, delay)
	m.mu.Unlock()
}

// OnMessage implements transport.Handler.
func (m *Manager) OnMessage(msg *message.Message) message.Disposition {
	m.mu.Lock()
	h := m.onMessage
	m.mu.Unlock()

	disposition := message.Abandon
	if h != nil {
		disposition = h(msg)
	}
	m.rec.Message(hublog.LayerConnection, hublog.DirectionIn, msg.Identity.DeviceID, msg.Identity.ModuleID, hublog.MessageEvent{
		MessageID:     msg.ID,
		CorrelationID: msg.CorrelationID,
		Size:          len(msg.Payload),
		Disposition:   disposition.String(),
	})
	return disposition
}

// OnIdentityLost implements transport.IdentityHandler.
func (m *Manager) OnIdentityLost(id auth.Identity, err error) {
	m.rec.Error(hublog.LayerTransport, err, failure.Classify(err).String(), "identity lost: "+id.Key())
	if m.cfg.OnIdentityLost != nil {
		m.cfg.OnIdentityLost(id, err)
	}
}

// attempt fetches credentials, connects the transport and runs the
// connect hook. parent aborts the attempt in addition to the session.
func (m *Manager) attempt(parent context.Context, s *session) error {
	ctx, cancel := context.WithTimeout(s.ctx, m.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(parent, cancel)
	defer stop()

	m.mu.Lock()
	m.lostDuringAttempt = nil
	m.mu.Unlock()

	creds, err := m.cfg.Credentials.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("get credentials: %w", err)
	}
	if err := m.cfg.Transport.Connect(ctx, creds); err != nil {
		return err
	}
	if m.cfg.OnConnect != nil {
		if err := m.cfg.OnConnect(ctx); err != nil {
			m.disconnectTransport()
			return fmt.Errorf("connect hook: %w", err)
		}
	}
	return nil
}

// attemptOutcomeLocked turns a successful attempt into a failure when the
// connection dropped before it could be reported.
func (m *Manager) attemptOutcomeLocked(err error) error {
	if err == nil && m.lostDuringAttempt != nil {
		err = m.lostDuringAttempt
	}
	m.lostDuringAttempt = nil
	return err
}

// reconnectLoop drives one retry sequence. It owns the session until the
// sequence settles or the session is replaced.
func (m *Manager) reconnectLoop(s *session, seq *retrySequence, delay time.Duration) {
	for {
		if !sleep(s.ctx, delay) {
			return
		}

		err := m.attempt(s.ctx, s)

		m.mu.Lock()
		if m.sess != s {
			// A newer session owns the transport; leave it alone.
			orphaned := err == nil && m.sess == nil
			m.mu.Unlock()
			if orphaned {
				m.disconnectTransport()
			}
			return
		}
		err = m.attemptOutcomeLocked(err)
		if err == nil {
			m.retry.Reset()
			m.transitionLocked(StatusConnected, ReasonConnectionOK, nil)
			m.settleLocked(seq, nil)
			m.mu.Unlock()
			return
		}

		c := failure.Classify(err)
		m.rec.Error(hublog.LayerConnection, err, c.String(), "reconnect")
		if c.IsTerminal() {
			pending := m.failLocked(s, ReasonFor(c), err)
			m.settleLocked(seq, err)
			m.mu.Unlock()
			m.finishFailed(pending, err)
			return
		}

		dec := m.retry.Decide(m.policy, m.now())
		if !dec.Retry {
			expired := fmt.Errorf("%w: %w", failure.ErrRetryExpired, err)
			pending := m.failLocked(s, ReasonRetryExpired, err)
			m.settleLocked(seq, expired)
			m.mu.Unlock()
			m.finishFailed(pending, expired)
			return
		}

		m.transitionLocked(StatusDisconnectedRetrying, ReasonFor(c), err)
		delay = m.delayFor(dec, c)
		m.mu.Unlock()
	}
}

func (m *Manager) newSessionLocked() *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{ctx: ctx, cancel: cancel}
	m.sess = s
	go m.runSender(s)
	return s
}

// endSessionLocked detaches s. Its goroutines observe the cancelled
// context and exit without touching manager state.
func (m *Manager) endSessionLocked(s *session, err error) {
	if m.sess == s {
		m.sess = nil
	}
	s.err = err
	s.cancel()
}

func (m *Manager) startRetryLocked(s *session, c failure.Classification, cause error, delay time.Duration) *retrySequence {
	seq := &retrySequence{done: make(chan struct{})}
	m.seq = seq
	m.transitionLocked(StatusDisconnectedRetrying, ReasonFor(c), cause)
	go m.reconnectLoop(s, seq, delay)
	return seq
}

func (m *Manager) settleLocked(seq *retrySequence, err error) {
	if seq == nil {
		return
	}
	if m.seq == seq {
		m.seq = nil
	}
	select {
	case <-seq.done:
	default:
		seq.err = err
		close(seq.done)
	}
}

// failLocked ends the session in DISCONNECTED and returns the queued sends
// for completion outside the lock.
func (m *Manager) failLocked(s *session, reason Reason, cause error) []*pendingSend {
	m.transitionLocked(StatusDisconnected, reason, cause)
	m.endSessionLocked(s, cause)
	return m.queue.drain()
}

func (m *Manager) finishFailed(pending []*pendingSend, err error) {
	for _, p := range pending {
		m.completeSend(p, err)
	}
	m.disconnectTransport()
}

func (m *Manager) disconnectTransport() {
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := m.cfg.Transport.Disconnect(ctx); err != nil {
		m.logger.WithError(err).Debug("transport disconnect failed")
	}
}

func (m *Manager) waitSequence(ctx context.Context, seq *retrySequence) error {
	if seq == nil {
		if m.Status() == StatusConnected {
			return nil
		}
		return failure.ErrNotConnected
	}
	select {
	case <-seq.done:
		return seq.err
	case <-ctx.Done():
		_ = m.Close(context.Background())
		return ctx.Err()
	}
}

// delayFor applies the throttling floor to a policy delay.
func (m *Manager) delayFor(dec retry.Decision, c failure.Classification) time.Duration {
	d := dec.Delay
	if !c.Throttled {
		return d
	}
	floor := m.cfg.ThrottleMinDelay
	if c.RetryAfter > floor {
		floor = c.RetryAfter
	}
	return max(2*d, floor)
}

// transitionLocked records a status change and queues its notification.
func (m *Manager) transitionLocked(next Status, reason Reason, cause error) {
	prev := m.status
	m.status = next

	change := StatusChange{
		Status:   next,
		Previous: prev,
		Reason:   reason,
		Cause:    cause,
		Attempt:  m.retry.Attempts(),
		At:       m.now(),
	}
	listeners := slices.Clone(m.listeners)
	m.notifier.post(func() {
		for _, fn := range listeners {
			fn(change)
		}
	})

	entry := m.logger.WithFields(logrus.Fields{
		"status":  next.String(),
		"reason":  reason.String(),
		"attempt": change.Attempt,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	switch next {
	case StatusConnected:
		entry.Info("connected")
	case StatusDisconnectedRetrying:
		entry.Warn("disconnected, retrying")
	default:
		entry.Info("disconnected")
	}

	m.rec.StateChange(hublog.LayerConnection, hublog.StateEntityConnection, "", "", hublog.StateChangeEvent{
		OldState: prev.String(),
		NewState: next.String(),
		Reason:   reason.String(),
		Attempt:  change.Attempt,
	})

	if next == StatusConnected {
		m.queue.wake()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Compile-time interface satisfaction check.
var (
	_ transport.Handler         = (*Manager)(nil)
	_ transport.IdentityHandler = (*Manager)(nil)
)
