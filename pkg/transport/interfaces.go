package transport

import (
	"context"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/message"
)

// Transport is one physical connection to the hub over a wire protocol.
// Implemented by mqtt.Transport, amqp.Transport and https.Transport.
//
// Transports report failures as errors from the failure package so the
// connection layer can classify them. They never retry on their own.
type Transport interface {
	// Protocol returns the wire protocol.
	Protocol() Protocol

	// Connect establishes the connection with fresh credentials. It is
	// called again for every reconnection attempt and must discard any
	// previous connection state.
	Connect(ctx context.Context, creds *auth.Credentials) error

	// Disconnect closes the connection. Safe to call when not connected.
	Disconnect(ctx context.Context) error

	// Send delivers one message and returns when the hub acknowledged it.
	Send(ctx context.Context, msg *message.Message) error

	// SetHandler installs the event sink. Called before the first Connect.
	SetHandler(h Handler)
}

// Handler receives asynchronous transport events.
type Handler interface {
	// OnConnectionLost is called once when an established connection
	// drops. It is not called for failures of Connect itself, nor after
	// Disconnect.
	OnConnectionLost(err error)

	// OnMessage delivers a cloud-to-device message and returns how the
	// transport should settle it.
	OnMessage(msg *message.Message) message.Disposition
}

// Registrar is implemented by transports that can carry several device
// identities over one connection.
type Registrar interface {
	// RegisterIdentity authenticates one identity on the open connection
	// and opens its links.
	RegisterIdentity(ctx context.Context, creds *auth.Credentials) error

	// UnregisterIdentity closes the identity's links.
	UnregisterIdentity(ctx context.Context, id auth.Identity) error
}

// IdentityHandler is optionally implemented by a Handler installed on a
// Registrar. OnIdentityLost is called when the hub drops one registered
// identity while the connection itself stays up. The identity is no
// longer registered and must be registered again.
type IdentityHandler interface {
	OnIdentityLost(id auth.Identity, err error)
}

// RefreshFunc returns fresh credentials for id when its token needs renewal.
type RefreshFunc func(ctx context.Context, id auth.Identity) (*auth.Credentials, error)

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored;
// a nil OnMessageFunc abandons every message.
type HandlerFuncs struct {
	OnConnectionLostFunc func(err error)
	OnMessageFunc        func(msg *message.Message) message.Disposition
}

// OnConnectionLost implements Handler.
func (h HandlerFuncs) OnConnectionLost(err error) {
	if h.OnConnectionLostFunc != nil {
		h.OnConnectionLostFunc(err)
	}
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(msg *message.Message) message.Disposition {
	if h.OnMessageFunc == nil {
		return message.Abandon
	}
	return h.OnMessageFunc(msg)
}

// Compile-time interface satisfaction check.
var _ Handler = HandlerFuncs{}
