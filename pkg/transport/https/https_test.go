package https

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

const testToken = "SharedAccessSignature sr=hub.test%2Fdevices%2Fdev1&sig=x&se=4102444800"

func testCredentials(deviceID string) *auth.Credentials {
	return &auth.Credentials{
		HostName:  "hub.test",
		Identity:  auth.Identity{DeviceID: deviceID},
		SASToken:  testToken,
		ExpiresAt: time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// connectTo returns a transport connected to srv with polling disabled.
func connectTo(t *testing.T, srv *httptest.Server) *Transport {
	t.Helper()
	tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: -1})
	require.NoError(t, tr.Connect(context.Background(), testCredentials("dev1")))
	t.Cleanup(func() { _ = tr.Disconnect(context.Background()) })
	return tr
}

func TestConnect(t *testing.T) {
	t.Run("Protocol", func(t *testing.T) {
		assert.Equal(t, transport.HTTPS, New(Config{}).Protocol())
	})

	t.Run("NoDeviceID", func(t *testing.T) {
		err := New(Config{}).Connect(context.Background(), testCredentials(""))
		var cfgErr *failure.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("NoCredentials", func(t *testing.T) {
		creds := testCredentials("dev1")
		creds.SASToken = ""
		err := New(Config{}).Connect(context.Background(), creds)
		assert.Equal(t, failure.TerminalConfig, failure.Classify(err).Kind)
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		creds := testCredentials("dev1")
		creds.ExpiresAt = time.Now().Add(-time.Minute)
		err := New(Config{}).Connect(context.Background(), creds)
		c := failure.Classify(err)
		assert.Equal(t, failure.TerminalAuth, c.Kind)
		assert.True(t, c.Expired)
	})

	t.Run("NoNetworkIO", func(t *testing.T) {
		tr := New(Config{BaseURL: "http://127.0.0.1:1", PollInterval: -1})
		require.NoError(t, tr.Connect(context.Background(), testCredentials("dev1")))
		require.NoError(t, tr.Disconnect(context.Background()))
	})
}

func TestSend(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := connectTo(t, srv)
	msg := message.New([]byte(`{"temp":21}`))
	msg.CorrelationID = "corr-1"
	msg.ContentType = "application/json"
	msg.SetProperty("unit", "celsius")

	require.NoError(t, tr.Send(context.Background(), msg))
	require.NotNil(t, got)

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/devices/dev1/messages/events", got.URL.Path)
	assert.Equal(t, DefaultAPIVersion, got.URL.Query().Get("api-version"))
	assert.Equal(t, testToken, got.Header.Get("Authorization"))
	assert.Equal(t, msg.ID, got.Header.Get("iothub-messageid"))
	assert.Equal(t, "corr-1", got.Header.Get("iothub-correlationid"))
	assert.Equal(t, "application/json", got.Header.Get("iothub-contenttype"))
	assert.Equal(t, "celsius", got.Header.Get("iothub-app-unit"))
	assert.Equal(t, `{"temp":21}`, string(body))
}

func TestSendModulePath(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: -1})
	creds := testCredentials("dev1")
	creds.Identity.ModuleID = "filter"
	require.NoError(t, tr.Connect(context.Background(), creds))
	defer tr.Disconnect(context.Background())

	require.NoError(t, tr.Send(context.Background(), message.New([]byte("x"))))
	assert.Equal(t, "/devices/dev1/modules/filter/messages/events", <-paths)
}

func TestSendErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		header    map[string]string
		body      string
		kind      failure.Kind
		throttled bool
		check     func(t *testing.T, err error)
	}{
		{
			name:      "Throttled",
			status:    http.StatusTooManyRequests,
			header:    map[string]string{"Retry-After": "7"},
			kind:      failure.Retryable,
			throttled: true,
			check: func(t *testing.T, err error) {
				assert.Equal(t, 7*time.Second, failure.Classify(err).RetryAfter)
			},
		},
		{name: "Unauthorized", status: http.StatusUnauthorized, kind: failure.TerminalAuth},
		{name: "Forbidden", status: http.StatusForbidden, kind: failure.TerminalAuth},
		{name: "ServerError", status: http.StatusInternalServerError, kind: failure.Retryable},
		{name: "Unavailable", status: http.StatusServiceUnavailable, kind: failure.Retryable},
		{
			name:   "BadRequest",
			status: http.StatusBadRequest,
			body:   `{"Message":"ErrorCode:ArgumentInvalid;bad property"}`,
			kind:   failure.TerminalConfig,
			check: func(t *testing.T, err error) {
				var se *failure.ServiceError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusBadRequest, se.StatusCode)
				assert.Contains(t, se.Description, "bad property")
			},
		},
		{name: "NotFound", status: http.StatusNotFound, kind: failure.TerminalConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			err := connectTo(t, srv).Send(context.Background(), message.New([]byte("x")))
			require.Error(t, err)

			c := failure.Classify(err)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.throttled, c.Throttled)
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestSendNotConnected(t *testing.T) {
	err := New(Config{}).Send(context.Background(), message.New([]byte("x")))
	assert.ErrorIs(t, err, failure.ErrNotConnected)
}

func TestSendTooLarge(t *testing.T) {
	tr := New(Config{PollInterval: -1})
	err := tr.Send(context.Background(), message.New(make([]byte, MaxMessageSize+1)))
	assert.Equal(t, failure.TerminalConfig, failure.Classify(err).Kind)
}

func TestSendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	tr := connectTo(t, srv)
	srv.Close()

	err := tr.Send(context.Background(), message.New([]byte("x")))
	var netErr *failure.TransientNetworkError
	assert.ErrorAs(t, err, &netErr)
	assert.Equal(t, failure.Retryable, failure.Classify(err).Kind)
}

func TestSendCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := connectTo(t, srv).Send(ctx, message.New([]byte("x")))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSendBatch(t *testing.T) {
	var contentType string
	var items []batchItem
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &items)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := connectTo(t, srv)
	a := message.New([]byte("one"))
	a.SetProperty("seq", "1")
	b := message.New([]byte("two"))

	require.NoError(t, tr.SendBatch(context.Background(), []*message.Message{a, b}))
	assert.Equal(t, batchContentType, contentType)
	require.Len(t, items, 2)

	body, err := base64.StdEncoding.DecodeString(items[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "one", string(body))
	assert.True(t, items[0].Base64Encoded)
	assert.Equal(t, "1", items[0].Properties["iothub-app-seq"])
	assert.Equal(t, a.ID, items[0].Properties["iothub-messageid"])
	assert.Equal(t, b.ID, items[1].Properties["iothub-messageid"])

	t.Run("Empty", func(t *testing.T) {
		assert.NoError(t, New(Config{}).SendBatch(context.Background(), nil))
	})
}

func TestReceive(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		msg, err := connectTo(t, srv).Receive(context.Background())
		require.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("Message", func(t *testing.T) {
		var path string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path = r.URL.Path
			w.Header().Set("ETag", `"lock-1"`)
			w.Header().Set("iothub-messageid", "m1")
			w.Header().Set("iothub-correlationid", "c1")
			w.Header().Set("iothub-app-color", "blue")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "hello")
		}))
		defer srv.Close()

		msg, err := connectTo(t, srv).Receive(context.Background())
		require.NoError(t, err)
		require.NotNil(t, msg)

		assert.Equal(t, "/devices/dev1/messages/deviceBound", path)
		assert.Equal(t, "lock-1", msg.LockToken)
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "c1", msg.CorrelationID)
		assert.Equal(t, "hello", string(msg.Payload))
		assert.Equal(t, "dev1", msg.Identity.DeviceID)
		v, ok := msg.Property("color")
		assert.True(t, ok)
		assert.Equal(t, "blue", v)
	})

	t.Run("Error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := connectTo(t, srv).Receive(context.Background())
		assert.Equal(t, failure.TerminalAuth, failure.Classify(err).Kind)
	})
}

func TestSettle(t *testing.T) {
	tests := []struct {
		disposition message.Disposition
		method      string
		path        string
		reject      bool
	}{
		{message.Complete, http.MethodDelete, "/devices/dev1/messages/deviceBound/lock-1", false},
		{message.Reject, http.MethodDelete, "/devices/dev1/messages/deviceBound/lock-1", true},
		{message.Abandon, http.MethodPost, "/devices/dev1/messages/deviceBound/lock-1/abandon", false},
	}

	for _, tt := range tests {
		t.Run(tt.disposition.String(), func(t *testing.T) {
			var got *http.Request
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = r
				w.WriteHeader(http.StatusNoContent)
			}))
			defer srv.Close()

			msg := &message.Message{ID: "m1", LockToken: "lock-1"}
			require.NoError(t, connectTo(t, srv).Settle(context.Background(), msg, tt.disposition))

			require.NotNil(t, got)
			assert.Equal(t, tt.method, got.Method)
			assert.Equal(t, tt.path, got.URL.Path)
			_, hasReject := got.URL.Query()["reject"]
			assert.Equal(t, tt.reject, hasReject)
			assert.Equal(t, `"lock-1"`, got.Header.Get("If-Match"))
		})
	}

	t.Run("NoLockToken", func(t *testing.T) {
		err := New(Config{}).Settle(context.Background(), &message.Message{}, message.Complete)
		var cfgErr *failure.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr)
	})
}

// hubQueue serves a fixed list of cloud-to-device payloads and records
// settlements.
type hubQueue struct {
	mu       sync.Mutex
	pending  []string
	settled  chan string
	requests int
}

func (q *hubQueue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests++

	switch r.Method {
	case http.MethodGet:
		if len(q.pending) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		payload := q.pending[0]
		q.pending = q.pending[1:]
		w.Header().Set("ETag", `"`+payload+`"`)
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, payload)
	case http.MethodDelete:
		q.settled <- r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestPoller(t *testing.T) {
	q := &hubQueue{pending: []string{"a", "b"}, settled: make(chan string, 4)}
	srv := httptest.NewServer(q)
	defer srv.Close()

	received := make(chan string, 4)
	tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: time.Hour})
	tr.SetHandler(transport.HandlerFuncs{
		OnMessageFunc: func(msg *message.Message) message.Disposition {
			received <- string(msg.Payload)
			return message.Complete
		},
		OnConnectionLostFunc: func(error) { t.Error("https never reports connection loss") },
	})
	require.NoError(t, tr.Connect(context.Background(), testCredentials("dev1")))
	defer tr.Disconnect(context.Background())

	for _, want := range []string{"a", "b"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %q not received", want)
		}
		select {
		case path := <-q.settled:
			assert.Equal(t, "/devices/dev1/messages/deviceBound/"+want, path)
		case <-time.After(5 * time.Second):
			t.Fatalf("message %q not settled", want)
		}
	}
}

func TestPollerStopsOnDisconnect(t *testing.T) {
	q := &hubQueue{settled: make(chan string, 1)}
	srv := httptest.NewServer(q)
	defer srv.Close()

	tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: 5 * time.Millisecond})
	require.NoError(t, tr.Connect(context.Background(), testCredentials("dev1")))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tr.Disconnect(context.Background()))
	time.Sleep(10 * time.Millisecond)

	q.mu.Lock()
	after := q.requests
	q.mu.Unlock()
	assert.Positive(t, after)

	time.Sleep(30 * time.Millisecond)
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, after, q.requests)
}

// tokenHub accepts tokens until their expiry and counts issued tokens.
type tokenHub struct {
	ttl time.Duration

	mu      sync.Mutex
	expiry  map[string]time.Time
	issued  int
	rejects int
}

func newTokenHub(ttl time.Duration) *tokenHub {
	return &tokenHub{ttl: ttl, expiry: make(map[string]time.Time)}
}

func (h *tokenHub) credentials() *auth.Credentials {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.issued++
	creds := testCredentials("dev1")
	creds.SASToken = fmt.Sprintf("SharedAccessSignature sr=hub.test%%2Fdevices%%2Fdev1&sig=%d", h.issued)
	creds.ExpiresAt = time.Now().Add(h.ttl)
	h.expiry[creds.SASToken] = creds.ExpiresAt
	return creds
}

func (h *tokenHub) refresh(context.Context, auth.Identity) (*auth.Credentials, error) {
	return h.credentials(), nil
}

func (h *tokenHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	exp, ok := h.expiry[r.Header.Get("Authorization")]
	if !ok || !time.Now().Before(exp) {
		h.rejects++
		h.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *tokenHub) counts() (issued, rejects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.issued, h.rejects
}

func TestTokenExpiry(t *testing.T) {
	t.Run("Renewed", func(t *testing.T) {
		hub := newTokenHub(200 * time.Millisecond)
		srv := httptest.NewServer(hub)
		defer srv.Close()

		var lost atomic.Int32
		tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: -1, Refresh: hub.refresh})
		tr.SetHandler(transport.HandlerFuncs{OnConnectionLostFunc: func(error) { lost.Add(1) }})
		require.NoError(t, tr.Connect(context.Background(), hub.credentials()))
		defer tr.Disconnect(context.Background())

		require.NoError(t, tr.Send(context.Background(), message.New([]byte("a"))))
		time.Sleep(400 * time.Millisecond)
		require.NoError(t, tr.Send(context.Background(), message.New([]byte("b"))))
		require.NoError(t, tr.Send(context.Background(), message.New([]byte("c"))))

		issued, rejects := hub.counts()
		assert.Equal(t, 2, issued)
		assert.Zero(t, rejects)
		assert.Zero(t, lost.Load())
	})

	t.Run("ExpiredWithoutRefresh", func(t *testing.T) {
		hub := newTokenHub(200 * time.Millisecond)
		srv := httptest.NewServer(hub)
		defer srv.Close()

		lost := make(chan error, 2)
		tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: -1})
		tr.SetHandler(transport.HandlerFuncs{OnConnectionLostFunc: func(err error) { lost <- err }})
		require.NoError(t, tr.Connect(context.Background(), hub.credentials()))
		defer tr.Disconnect(context.Background())

		time.Sleep(400 * time.Millisecond)
		err := tr.Send(context.Background(), message.New([]byte("x")))
		c := failure.Classify(err)
		assert.Equal(t, failure.TerminalAuth, c.Kind)
		assert.True(t, c.Expired)

		select {
		case err := <-lost:
			assert.True(t, failure.Classify(err).Expired)
		case <-time.After(time.Second):
			t.Fatal("connection loss not reported")
		}

		assert.Error(t, tr.Send(context.Background(), message.New([]byte("y"))))
		assert.Never(t, func() bool { return len(lost) > 0 }, 50*time.Millisecond, 10*time.Millisecond)
	})

	t.Run("RefreshFails", func(t *testing.T) {
		hub := newTokenHub(400 * time.Millisecond)
		srv := httptest.NewServer(hub)
		defer srv.Close()

		lost := make(chan error, 1)
		refresh := func(context.Context, auth.Identity) (*auth.Credentials, error) {
			return nil, errors.New("provider down")
		}
		tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: -1, Refresh: refresh})
		tr.SetHandler(transport.HandlerFuncs{OnConnectionLostFunc: func(err error) { lost <- err }})
		require.NoError(t, tr.Connect(context.Background(), hub.credentials()))
		defer tr.Disconnect(context.Background())

		// renewal is due but the old token still works
		time.Sleep(350 * time.Millisecond)
		require.NoError(t, tr.Send(context.Background(), message.New([]byte("a"))))

		time.Sleep(100 * time.Millisecond)
		err := tr.Send(context.Background(), message.New([]byte("b")))
		assert.True(t, failure.Classify(err).Expired)
		select {
		case <-lost:
		case <-time.After(time.Second):
			t.Fatal("connection loss not reported")
		}
	})

	t.Run("RejectedTokenRenewed", func(t *testing.T) {
		hub := newTokenHub(time.Hour)
		srv := httptest.NewServer(hub)
		defer srv.Close()

		tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: -1, Refresh: hub.refresh})
		creds := testCredentials("dev1")
		require.NoError(t, tr.Connect(context.Background(), creds))
		defer tr.Disconnect(context.Background())

		// unknown to the hub, not yet expired
		err := tr.Send(context.Background(), message.New([]byte("a")))
		assert.Equal(t, failure.TerminalAuth, failure.Classify(err).Kind)
		require.NoError(t, tr.Send(context.Background(), message.New([]byte("b"))))

		issued, rejects := hub.counts()
		assert.Equal(t, 1, issued)
		assert.Equal(t, 1, rejects)
	})

	t.Run("Reconnect", func(t *testing.T) {
		hub := newTokenHub(100 * time.Millisecond)
		srv := httptest.NewServer(hub)
		defer srv.Close()

		lost := make(chan error, 2)
		tr := New(Config{BaseURL: srv.URL, HTTPClient: srv.Client(), PollInterval: -1})
		tr.SetHandler(transport.HandlerFuncs{OnConnectionLostFunc: func(err error) { lost <- err }})
		require.NoError(t, tr.Connect(context.Background(), hub.credentials()))
		defer tr.Disconnect(context.Background())

		time.Sleep(150 * time.Millisecond)
		assert.Error(t, tr.Send(context.Background(), message.New([]byte("a"))))
		<-lost

		require.NoError(t, tr.Connect(context.Background(), hub.credentials()))
		require.NoError(t, tr.Send(context.Background(), message.New([]byte("b"))))
		time.Sleep(150 * time.Millisecond)
		assert.Error(t, tr.Send(context.Background(), message.New([]byte("c"))))
		select {
		case <-lost:
		case <-time.After(time.Second):
			t.Fatal("loss after reconnect not reported")
		}
	})
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Equal(t, time.Duration(0), retryAfter("garbage"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := retryAfter(future)
	assert.Greater(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, time.Minute)
}
