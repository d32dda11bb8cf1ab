package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

const (
	// DefaultAPIVersion is sent in the CONNECT user name.
	DefaultAPIVersion = "2021-04-12"

	// DefaultKeepAlive is the MQTT keep-alive interval.
	DefaultKeepAlive = 230 * time.Second

	// MaxMessageSize is the largest telemetry payload the hub accepts.
	MaxMessageSize = 256 * 1024

	webSocketPath   = "/$iothub/websocket"
	disconnectQuiet = 250 // milliseconds
)

// Config configures the MQTT transport.
type Config struct {
	// WebSocket tunnels MQTT over WebSockets on port 443.
	WebSocket bool

	// BrokerURL overrides the URL derived from the credentials' host name,
	// e.g. "tcp://127.0.0.1:1883".
	BrokerURL string

	TLS *transport.TLSConfig

	KeepAlive   time.Duration
	APIVersion  string
	ProductInfo string

	// Logger is the operational logger. If nil, logging is disabled.
	Logger *logrus.Entry
}

// Transport carries one device or module identity over MQTT.
type Transport struct {
	cfg    Config
	logger *logrus.Entry

	mu       sync.Mutex
	client   pahomqtt.Client
	identity auth.Identity
	gen      uint64
	handler  transport.Handler
}

// New creates an MQTT transport.
func New(cfg Config) *Transport {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	t := &Transport{
		cfg:     cfg,
		handler: transport.HandlerFuncs{},
	}
	t.logger = hublog.EntryOrDiscard(cfg.Logger).WithField("transport", t.Protocol().String())
	return t
}

// Protocol implements transport.Transport.
func (t *Transport) Protocol() transport.Protocol {
	if t.cfg.WebSocket {
		return transport.MQTTWebSocket
	}
	return transport.MQTT
}

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Connect implements transport.Transport. It opens a new MQTT session and
// subscribes to cloud-to-device messages.
func (t *Transport) Connect(ctx context.Context, creds *auth.Credentials) error {
	t.dropClient()

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	opts := t.clientOptions(creds, gen)
	client := pahomqtt.NewClient(opts)

	if err := wait(ctx, client.Connect()); err != nil {
		go client.Disconnect(0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return mapConnectError(creds, err)
	}

	id := creds.Identity
	filter := c2dTopicFilter(id)
	if err := wait(ctx, client.Subscribe(filter, 1, t.messageHandler(id))); err != nil {
		client.Disconnect(0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &failure.TransientNetworkError{Op: "subscribe " + filter, Err: err}
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		client.Disconnect(0)
		return failure.ErrClientClosed
	}
	t.client = client
	t.identity = id
	t.mu.Unlock()

	t.logger.WithField("identity", id.Key()).Debug("mqtt connected")
	return nil
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect(context.Context) error {
	t.dropClient()
	return nil
}

// Send implements transport.Transport. It publishes msg with QoS 1 and
// waits for the PUBACK.
func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	if len(msg.Payload) > MaxMessageSize {
		return &failure.ConfigurationError{
			Field: "payload",
			Err:   fmt.Errorf("%d bytes exceeds limit of %d", len(msg.Payload), MaxMessageSize),
		}
	}

	t.mu.Lock()
	client, id := t.client, t.identity
	t.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return failure.ErrNotConnected
	}

	if err := wait(ctx, client.Publish(telemetryTopic(id, msg), 1, false, msg.Payload)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &failure.TransientNetworkError{Op: "publish", Err: err}
	}
	return nil
}

func (t *Transport) clientOptions(creds *auth.Credentials, gen uint64) *pahomqtt.ClientOptions {
	host := creds.HostName
	opts := pahomqtt.NewClientOptions().
		AddBroker(t.brokerURL(host)).
		SetClientID(creds.Identity.Key()).
		SetUsername(username(host, creds.Identity, t.cfg.APIVersion, t.cfg.ProductInfo)).
		SetKeepAlive(t.cfg.KeepAlive).
		SetCleanSession(false).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetAutoAckDisabled(true).
		SetTLSConfig(transport.NewClientTLSConfig(t.cfg.TLS, host, creds)).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			t.connectionLost(gen, err)
		})
	if creds.UsesToken() {
		opts.SetPassword(creds.SASToken)
	}
	return opts
}

func (t *Transport) brokerURL(host string) string {
	if t.cfg.BrokerURL != "" {
		return t.cfg.BrokerURL
	}
	if t.cfg.WebSocket {
		return "wss://" + net.JoinHostPort(host, strconv.Itoa(transport.PortHTTPS)) + webSocketPath
	}
	return "ssl://" + net.JoinHostPort(host, strconv.Itoa(transport.PortMQTT))
}

func (t *Transport) messageHandler(id auth.Identity) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, m pahomqtt.Message) {
		msg := parseC2DTopic(m.Topic(), m.Payload())
		msg.Identity = id

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()

		switch d := h.OnMessage(msg); d {
		case message.Complete:
			m.Ack()
		case message.Reject:
			// MQTT has no reject; acknowledge so the hub stops redelivering.
			t.logger.WithField("msg_id", msg.ID).Warn("reject not supported over mqtt, completing")
			m.Ack()
		default:
			// Unacknowledged messages are redelivered on the next session.
		}
	}
}

func (t *Transport) connectionLost(gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen || t.client == nil {
		t.mu.Unlock()
		return
	}
	t.client = nil
	h := t.handler
	t.mu.Unlock()

	t.logger.WithError(err).Debug("mqtt connection lost")
	h.OnConnectionLost(&failure.TransientNetworkError{Op: "mqtt", Err: err})
}

// dropClient closes the current client; its loss callback is ignored.
func (t *Transport) dropClient() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.gen++
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(disconnectQuiet)
	}
}

func wait(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mapConnectError classifies a refused CONNECT.
func mapConnectError(creds *auth.Credentials, err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return &failure.AuthenticationError{
			Identity: creds.Identity.Key(),
			Expired:  creds.IsExpired(time.Now()),
			Err:      err,
		}
	case errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return &failure.ConfigurationError{Field: "mqtt", Err: err}
	default:
		return &failure.TransientNetworkError{Op: "connect", Err: err}
	}
}

// Compile-time interface satisfaction check.
var _ transport.Transport = (*Transport)(nil)
