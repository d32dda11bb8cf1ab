package https

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/retry"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

const (
	// DefaultAPIVersion is the REST api-version.
	DefaultAPIVersion = "2020-09-30"

	// DefaultPollInterval is the cloud-to-device polling period.
	DefaultPollInterval = 25 * time.Minute

	// MaxMessageSize is the largest payload of a single event.
	MaxMessageSize = 256 * 1024

	maxPollBackoff = 5 * time.Minute

	// tokenRenewalFraction of a token's lifetime elapses before renewal.
	tokenRenewalFraction = 0.85

	tokenRetryInterval = 30 * time.Second
)

// Config configures the HTTPS transport.
type Config struct {
	// BaseURL overrides "https://{host}", e.g. an httptest server URL.
	BaseURL string

	TLS *transport.TLSConfig

	// HTTPClient replaces the client built from TLS and the credentials.
	HTTPClient *http.Client

	// PollInterval is the cloud-to-device polling period. Negative
	// disables polling.
	PollInterval time.Duration

	APIVersion  string
	ProductInfo string

	// Refresh supplies a renewed token once most of the current token's
	// lifetime has passed. Without it the session ends when the token
	// expires.
	Refresh transport.RefreshFunc

	// Logger is the operational logger. If nil, logging is disabled.
	Logger *logrus.Entry
}

// Transport talks to the hub's REST surface. It holds no connection:
// Connect only stores the credentials and starts the poller. Tokens are
// renewed through Config.Refresh before requests; the transport reports
// connection loss once when its token expired and could not be renewed.
type Transport struct {
	cfg    Config
	logger *logrus.Entry

	// renewMu serializes token renewal.
	renewMu sync.Mutex

	mu      sync.Mutex
	creds   *auth.Credentials
	renewAt time.Time
	lost    bool
	client  *http.Client
	handler transport.Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an HTTPS transport.
func New(cfg Config) *Transport {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	return &Transport{
		cfg:     cfg,
		logger:  hublog.EntryOrDiscard(cfg.Logger).WithField("transport", transport.HTTPS.String()),
		handler: transport.HandlerFuncs{},
	}
}

// Protocol implements transport.Transport.
func (t *Transport) Protocol() transport.Protocol { return transport.HTTPS }

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect implements transport.Transport. It performs no network I/O.
func (t *Transport) Connect(ctx context.Context, creds *auth.Credentials) error {
	if creds.Identity.DeviceID == "" {
		return &failure.ConfigurationError{Field: "DeviceId", Err: errors.New("https needs a device identity")}
	}
	if !creds.UsesToken() && creds.Certificate == nil {
		return &failure.ConfigurationError{Field: "credentials", Err: errors.New("no token or certificate")}
	}
	if creds.IsExpired(time.Now()) {
		return &failure.AuthenticationError{Identity: creds.Identity.Key(), Expired: true}
	}

	t.stop()

	client := t.cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: transport.NewClientTLSConfig(t.cfg.TLS, creds.HostName, creds),
			},
		}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.creds = creds
	t.renewAt = renewalTime(creds, time.Now())
	t.lost = false
	t.client = client
	t.cancel = cancel
	t.mu.Unlock()

	if t.cfg.PollInterval > 0 {
		t.wg.Add(1)
		go t.poll(pollCtx)
	}
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(context.Context) error {
	t.stop()
	return nil
}

// Send implements transport.Transport. It posts one event.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	if len(msg.Payload) > MaxMessageSize {
		return &failure.ConfigurationError{
			Field: "payload",
			Err:   fmt.Errorf("%d bytes exceeds limit of %d", len(msg.Payload), MaxMessageSize),
		}
	}
	creds, client, err := t.session(ctx)
	if err != nil {
		return err
	}

	req, err := t.newRequest(ctx, creds, http.MethodPost, eventsPath(creds.Identity), nil, bytes.NewReader(msg.Payload))
	if err != nil {
		return err
	}
	setMessageHeaders(req.Header, msg)
	if msg.ContentType != "" {
		req.Header.Set("Content-Type", msg.ContentType)
	}
	return t.do(client, creds, req, http.StatusNoContent, http.StatusOK)
}

// SendBatch posts several events in one request.
func (t *Transport) SendBatch(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	creds, client, err := t.session(ctx)
	if err != nil {
		return err
	}
	body, err := encodeBatch(msgs)
	if err != nil {
		return &failure.ConfigurationError{Field: "batch", Err: err}
	}
	if len(body) > MaxMessageSize {
		return &failure.ConfigurationError{Field: "batch", Err: fmt.Errorf("%d bytes exceeds limit of %d", len(body), MaxMessageSize)}
	}

	req, err := t.newRequest(ctx, creds, http.MethodPost, eventsPath(creds.Identity), nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", batchContentType)
	return t.do(client, creds, req, http.StatusNoContent, http.StatusOK)
}

// Receive fetches one cloud-to-device message. It returns nil when the
// queue is empty.
func (t *Transport) Receive(ctx context.Context) (*message.Message, error) {
	creds, client, err := t.session(ctx)
	if err != nil {
		return nil, err
	}
	req, err := t.newRequest(ctx, creds, http.MethodGet, deviceBoundPath(creds.Identity), nil, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, requestError(ctx, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &failure.TransientNetworkError{Op: "read message", Err: err}
		}
		msg := messageFromResponse(resp, body)
		msg.Identity = creds.Identity
		return msg, nil
	default:
		return nil, t.rejected(creds, responseError(resp, creds))
	}
}

// Settle completes, abandons or rejects a received message by its lock
// token.
func (t *Transport) Settle(ctx context.Context, msg *message.Message, d message.Disposition) error {
	if msg.LockToken == "" {
		return &failure.ConfigurationError{Field: "LockToken", Err: errors.New("message has no lock token")}
	}
	creds, client, err := t.session(ctx)
	if err != nil {
		return err
	}

	path := deviceBoundPath(creds.Identity) + "/" + url.PathEscape(msg.LockToken)
	method := http.MethodDelete
	var query url.Values
	switch d {
	case message.Abandon:
		method = http.MethodPost
		path += "/abandon"
	case message.Reject:
		query = url.Values{"reject": nil}
	}

	req, err := t.newRequest(ctx, creds, method, path, query, nil)
	if err != nil {
		return err
	}
	req.Header.Set("If-Match", `"`+msg.LockToken+`"`)
	return t.do(client, creds, req, http.StatusNoContent, http.StatusOK)
}

// session returns the credentials for the next request, renewing the
// token when it is due. An expired token that could not be renewed ends
// the session.
func (t *Transport) session(ctx context.Context) (*auth.Credentials, *http.Client, error) {
	t.mu.Lock()
	creds, client, renewAt := t.creds, t.client, t.renewAt
	t.mu.Unlock()
	if creds == nil {
		return nil, nil, failure.ErrNotConnected
	}

	now := time.Now()
	var err error
	if t.cfg.Refresh != nil && !renewAt.IsZero() && !now.Before(renewAt) {
		if creds, err = t.renew(ctx, creds); creds == nil {
			return nil, nil, err
		}
	}
	if creds.IsExpired(now) {
		expired := &failure.AuthenticationError{Identity: creds.Identity.Key(), Expired: true, Err: err}
		t.lose(creds, expired)
		return nil, nil, expired
	}
	return creds, client, nil
}

// renew replaces stale with credentials from Config.Refresh. On failure it
// returns stale with the error and retries after tokenRetryInterval.
func (t *Transport) renew(ctx context.Context, stale *auth.Credentials) (*auth.Credentials, error) {
	t.renewMu.Lock()
	defer t.renewMu.Unlock()

	t.mu.Lock()
	current := t.creds
	t.mu.Unlock()
	switch {
	case current == nil:
		return nil, failure.ErrNotConnected
	case current != stale:
		return current, nil
	}

	fresh, err := t.cfg.Refresh(ctx, stale.Identity)
	if err == nil && (fresh == nil || !fresh.UsesToken()) {
		err = errors.New("refresh returned no token")
	}
	now := time.Now()
	if err != nil {
		t.logger.WithError(err).Warn("token renewal failed")
		t.mu.Lock()
		if t.creds == stale {
			t.renewAt = now.Add(tokenRetryInterval)
		}
		t.mu.Unlock()
		return stale, err
	}

	t.mu.Lock()
	if t.creds == stale {
		t.creds = fresh
		t.renewAt = renewalTime(fresh, now)
	}
	t.mu.Unlock()
	t.logger.WithField("expires_at", fresh.ExpiresAt).Debug("token renewed")
	return fresh, nil
}

// rejected inspects a request error. A rejected token is renewed before
// the next request; an expired one ends the session.
func (t *Transport) rejected(creds *auth.Credentials, err error) error {
	var authErr *failure.AuthenticationError
	if !errors.As(err, &authErr) {
		return err
	}
	if authErr.Expired {
		t.lose(creds, err)
		return err
	}
	t.mu.Lock()
	if t.creds == creds && t.cfg.Refresh != nil && creds.UsesToken() {
		t.renewAt = time.Now()
	}
	t.mu.Unlock()
	return err
}

// lose reports the end of the session started with creds, once.
func (t *Transport) lose(creds *auth.Credentials, err error) {
	t.mu.Lock()
	if t.creds != creds || t.lost {
		t.mu.Unlock()
		return
	}
	t.lost = true
	h := t.handler
	t.mu.Unlock()

	t.logger.WithError(err).Warn("session expired")
	// The handler may call Disconnect, which waits for the poller.
	go h.OnConnectionLost(err)
}

func renewalTime(creds *auth.Credentials, now time.Time) time.Time {
	if !creds.UsesToken() || creds.ExpiresAt.IsZero() {
		return time.Time{}
	}
	return now.Add(time.Duration(float64(creds.ExpiresAt.Sub(now)) * tokenRenewalFraction))
}

func (t *Transport) newRequest(ctx context.Context, creds *auth.Credentials, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	base := t.cfg.BaseURL
	if base == "" {
		base = "https://" + creds.HostName
	}
	q := url.Values{}
	for k, v := range query {
		q[k] = v
	}
	q.Set("api-version", t.cfg.APIVersion)

	req, err := http.NewRequestWithContext(ctx, method, base+path+"?"+q.Encode(), body)
	if err != nil {
		return nil, &failure.ConfigurationError{Field: "url", Err: err}
	}
	if creds.UsesToken() {
		req.Header.Set("Authorization", creds.SASToken)
	}
	if t.cfg.ProductInfo != "" {
		req.Header.Set("User-Agent", t.cfg.ProductInfo)
	}
	return req, nil
}

func (t *Transport) do(client *http.Client, creds *auth.Credentials, req *http.Request, ok ...int) error {
	resp, err := client.Do(req)
	if err != nil {
		return requestError(req.Context(), err)
	}
	defer resp.Body.Close()

	for _, code := range ok {
		if resp.StatusCode == code {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
	}
	return t.rejected(creds, responseError(resp, creds))
}

func requestError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &failure.TransientNetworkError{Op: "http", Err: err}
}

// poll fetches cloud-to-device messages until stopped. A settled message
// is followed by an immediate poll. Empty polls and abandoned messages
// wait PollInterval, failures back off exponentially.
func (t *Transport) poll(ctx context.Context) {
	defer t.wg.Done()

	backoff := retry.NewBackoff(retry.BackoffConfig{
		Initial: time.Second,
		Max:     maxPollBackoff,
	})
	wait := time.Duration(0)
	for {
		if !sleep(ctx, wait) {
			return
		}

		msg, err := t.Receive(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			wait = backoff.Next()
			t.logger.WithError(err).WithField("retry_in", wait).Debug("poll failed")
			continue
		case msg == nil:
			backoff.Reset()
			wait = t.cfg.PollInterval
			continue
		}
		backoff.Reset()

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()

		d := h.OnMessage(msg)
		wait = 0
		if d == message.Abandon {
			// the message comes straight back
			wait = t.cfg.PollInterval
		}
		if err := t.Settle(ctx, msg, d); err != nil && ctx.Err() == nil {
			t.logger.WithError(err).WithField("msg_id", msg.ID).Warn("settle failed")
		}
	}
}

func (t *Transport) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.creds = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
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

// Compile-time interface satisfaction check.
var _ transport.Transport = (*Transport)(nil)
