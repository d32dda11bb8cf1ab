package amqp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	goamqp "github.com/Azure/go-amqp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

var (
	device = auth.Identity{DeviceID: "dev1"}
	module = auth.Identity{DeviceID: "dev1", ModuleID: "mod"}
)

func TestAddresses(t *testing.T) {
	assert.Equal(t, "/devices/dev1/messages/events", telemetryAddress(device))
	assert.Equal(t, "/devices/dev1/modules/mod/messages/events", telemetryAddress(module))
	assert.Equal(t, "/devices/dev1/messages/devicebound", c2dAddress(device))
	assert.Equal(t, "/devices/dev1/modules/mod/messages/events", c2dAddress(module))

	assert.Equal(t, "amqps://hub.test:5671", New(Config{}).address("hub.test"))
	assert.Equal(t, "wss://hub.test:443/$iothub/websocket", New(Config{WebSocket: true}).address("hub.test"))
	assert.Equal(t, "amqp://x:1", New(Config{URL: "amqp://x:1"}).address("hub.test"))
}

func TestProtocol(t *testing.T) {
	assert.Equal(t, transport.AMQPS, New(Config{}).Protocol())
	assert.Equal(t, transport.AMQPSWebSocket, New(Config{WebSocket: true}).Protocol())
}

func TestMessageConversion(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &message.Message{
		ID:              "m1",
		CorrelationID:   "c1",
		UserID:          "u",
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Payload:         []byte(`{"x":1}`),
		CreatedAt:       created,
		ExpiryTime:      created.Add(time.Hour),
	}
	in.SetProperty("alert", "high")

	m := toAMQP(in)
	assert.Equal(t, in.Payload, m.GetData())
	assert.Equal(t, "m1", m.Properties.MessageID)
	assert.Equal(t, "high", m.ApplicationProperties["alert"])

	out := fromAMQP(m)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, in.UserID, out.UserID)
	assert.Equal(t, in.ContentType, out.ContentType)
	assert.Equal(t, in.ContentEncoding, out.ContentEncoding)
	assert.Equal(t, in.CreatedAt, out.CreatedAt)
	assert.Equal(t, in.ExpiryTime, out.ExpiryTime)
	assert.Equal(t, in.Properties, out.Properties)
}

func TestFromAMQPNonStringIDs(t *testing.T) {
	m := goamqp.NewMessage(nil)
	m.Properties = &goamqp.MessageProperties{MessageID: uint64(42)}
	m.ApplicationProperties = map[string]any{"n": int32(7)}

	out := fromAMQP(m)
	assert.Equal(t, "42", out.ID)
	assert.Equal(t, "7", out.Properties["n"])
}

func TestMapError(t *testing.T) {
	remote := func(cond goamqp.ErrCond) *goamqp.Error { return &goamqp.Error{Condition: cond} }

	tests := []struct {
		name    string
		err     error
		want    failure.Kind
		expired bool
	}{
		{"unauthorized link", &goamqp.LinkError{RemoteErr: remote(goamqp.ErrCondUnauthorizedAccess)}, failure.TerminalAuth, false},
		{"unauthorized conn", &goamqp.ConnError{RemoteErr: remote(goamqp.ErrCondUnauthorizedAccess)}, failure.TerminalAuth, true},
		{"throttled", &goamqp.LinkError{RemoteErr: remote(condThrottled)}, failure.Retryable, false},
		{"forced", &goamqp.ConnError{RemoteErr: remote(goamqp.ErrCondConnectionForced)}, failure.RetryableWithBackoffReset, false},
		{"not found", &goamqp.LinkError{RemoteErr: remote(goamqp.ErrCondNotFound)}, failure.TerminalConfig, false},
		{"internal", &goamqp.SessionError{RemoteErr: remote(goamqp.ErrCondInternalError)}, failure.Retryable, false},
		{"local close", &goamqp.ConnError{}, failure.Retryable, false},
		{"bare remote", remote(goamqp.ErrCondUnauthorizedAccess), failure.TerminalAuth, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := failure.Classify(mapError(device, tt.expired, tt.err))
			assert.Equal(t, tt.want, c.Kind)
			assert.Equal(t, tt.expired, c.Expired)
		})
	}

	assert.NoError(t, mapError(device, false, nil))
	plain := errors.New("plain")
	assert.Same(t, plain, mapError(device, false, plain))
}

func TestIsConnectionLevel(t *testing.T) {
	assert.True(t, isConnectionLevel(&goamqp.ConnError{}))
	assert.True(t, isConnectionLevel(&goamqp.SessionError{}))
	assert.False(t, isConnectionLevel(&goamqp.LinkError{}))
}

type fakeSender struct {
	sent []*goamqp.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg *goamqp.Message, _ *goamqp.SendOptions) error {
	s.sent = append(s.sent, msg)
	return s.err
}

func (s *fakeSender) Close(context.Context) error { return nil }

// fakeReceiver answers every request sent on its paired sender with the
// status in replies, in order.
type fakeReceiver struct {
	sender   *fakeSender
	replies  []int32
	accepted int
	stale    bool
}

func (r *fakeReceiver) Receive(ctx context.Context, _ *goamqp.ReceiveOptions) (*goamqp.Message, error) {
	if len(r.replies) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	code := r.replies[0]
	corr := r.sender.sent[len(r.sender.sent)-1].Properties.MessageID
	if r.stale {
		r.stale = false
		corr = "someone-else"
	} else {
		r.replies = r.replies[1:]
	}
	return &goamqp.Message{
		Properties:            &goamqp.MessageProperties{CorrelationID: corr},
		ApplicationProperties: map[string]any{"status-code": code, "status-description": "desc"},
	}, nil
}

func (r *fakeReceiver) AcceptMessage(context.Context, *goamqp.Message) error {
	r.accepted++
	return nil
}

func (r *fakeReceiver) Close(context.Context) error { return nil }

func TestPutToken(t *testing.T) {
	creds := &auth.Credentials{
		HostName:  "hub.test",
		Identity:  device,
		SASToken:  "SharedAccessSignature sr=x",
		Audience:  "hub.test/devices/dev1",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	t.Run("Accepted", func(t *testing.T) {
		s := &fakeSender{}
		c := &cbs{sender: s, receiver: &fakeReceiver{sender: s, replies: []int32{200}}}
		require.NoError(t, c.putToken(context.Background(), creds))

		require.Len(t, s.sent, 1)
		req := s.sent[0]
		assert.Equal(t, creds.SASToken, req.Value)
		assert.Equal(t, "put-token", req.ApplicationProperties["operation"])
		assert.Equal(t, cbsTokenType, req.ApplicationProperties["type"])
		assert.Equal(t, creds.Audience, req.ApplicationProperties["name"])
		assert.Equal(t, cbsReplyTo, *req.Properties.ReplyTo)
	})

	t.Run("SkipsUncorrelatedReplies", func(t *testing.T) {
		s := &fakeSender{}
		r := &fakeReceiver{sender: s, replies: []int32{202}, stale: true}
		c := &cbs{sender: s, receiver: r}
		require.NoError(t, c.putToken(context.Background(), creds))
		assert.Equal(t, 2, r.accepted)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		s := &fakeSender{}
		c := &cbs{sender: s, receiver: &fakeReceiver{sender: s, replies: []int32{401}}}
		err := c.putToken(context.Background(), creds)
		assert.Equal(t, failure.TerminalAuth, failure.Classify(err).Kind)
	})

	t.Run("Throttled", func(t *testing.T) {
		s := &fakeSender{}
		c := &cbs{sender: s, receiver: &fakeReceiver{sender: s, replies: []int32{429}}}
		c2 := failure.Classify(c.putToken(context.Background(), creds))
		assert.True(t, c2.Throttled)
	})

	t.Run("SendFails", func(t *testing.T) {
		s := &fakeSender{err: &goamqp.LinkError{}}
		c := &cbs{sender: s, receiver: &fakeReceiver{sender: s}}
		err := c.putToken(context.Background(), creds)
		var linkErr *goamqp.LinkError
		assert.ErrorAs(t, err, &linkErr)
	})
}

func TestCBSResultWithoutStatus(t *testing.T) {
	err := cbsResult(&auth.Credentials{}, &goamqp.Message{})
	assert.Equal(t, failure.Retryable, failure.Classify(err).Kind)
}

func TestNotConnected(t *testing.T) {
	tr := New(Config{})
	assert.ErrorIs(t, tr.Send(context.Background(), message.New(nil)), failure.ErrNotConnected)
	assert.ErrorIs(t, tr.RegisterIdentity(context.Background(), &auth.Credentials{Identity: device}), failure.ErrNotConnected)
	assert.NoError(t, tr.UnregisterIdentity(context.Background(), device))
	assert.NoError(t, tr.Disconnect(context.Background()))
}

func TestConnectUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	tr := New(Config{URL: "amqp://" + addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := tr.Connect(ctx, &auth.Credentials{HostName: "hub.test", Identity: device})
	require.Error(t, err)
	assert.True(t, failure.Classify(err).IsRetryable(), "got %v", err)
}

func TestWebSocketRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := New(Config{WebSocket: true, URL: "ws" + strings.TrimPrefix(srv.URL, "http") + webSocketPath})
	err := tr.Connect(context.Background(), &auth.Credentials{HostName: "hub.test", Identity: device})
	assert.Equal(t, failure.TerminalAuth, failure.Classify(err).Kind)
}

func TestWSConn(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{webSocketSubprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		assert.Equal(t, webSocketSubprotocol, ws.Subprotocol())

		// Text frames are ignored by the client; binary frames are split
		// to show boundaries do not matter.
		_ = ws.WriteMessage(websocket.TextMessage, []byte("noise"))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("AMQP"))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 0, 0})

		_, data, err := ws.ReadMessage()
		if err == nil {
			_ = ws.WriteMessage(websocket.BinaryMessage, data)
		}
		_, _, _ = ws.ReadMessage()
	}))
	defer srv.Close()

	nc, err := dialWebSocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer nc.Close()

	header := make([]byte, 8)
	_, err = io.ReadFull(nc, header)
	require.NoError(t, err)
	assert.Equal(t, []byte("AMQP\x00\x01\x00\x00"), header)

	n, err := nc.Write([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	echo := make([]byte, 4)
	require.NoError(t, nc.SetDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(nc, echo)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echo))
	assert.NotNil(t, nc.LocalAddr())
	assert.NotNil(t, nc.RemoteAddr())
}
