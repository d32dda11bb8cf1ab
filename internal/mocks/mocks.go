// Package mocks provides testify mocks of the transport contracts.
package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/message"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

// Transport is a mock transport.Transport that also implements
// transport.Registrar.
type Transport struct {
	mock.Mock

	protocol transport.Protocol

	mu          sync.Mutex
	handler     transport.Handler
	disconnects atomic.Int32
}

// NewTransport creates a mock for protocol p.
func NewTransport(p transport.Protocol) *Transport {
	return &Transport{protocol: p}
}

func (t *Transport) Protocol() transport.Protocol { return t.protocol }

func (t *Transport) Connect(ctx context.Context, creds *auth.Credentials) error {
	return t.Called(ctx, creds).Error(0)
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.disconnects.Add(1)
	return t.Called(ctx).Error(0)
}

// Disconnects returns how often Disconnect was called. Safe to poll while
// the code under test runs.
func (t *Transport) Disconnects() int {
	return int(t.disconnects.Load())
}

func (t *Transport) Send(ctx context.Context, msg *message.Message) error {
	return t.Called(ctx, msg).Error(0)
}

func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) RegisterIdentity(ctx context.Context, creds *auth.Credentials) error {
	return t.Called(ctx, creds).Error(0)
}

func (t *Transport) UnregisterIdentity(ctx context.Context, id auth.Identity) error {
	return t.Called(ctx, id).Error(0)
}

// Handler returns the installed handler.
func (t *Transport) Handler() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// LoseConnection simulates an asynchronous connection loss.
func (t *Transport) LoseConnection(err error) {
	t.Handler().OnConnectionLost(err)
}

// LoseIdentity simulates the hub detaching one identity's links while the
// connection stays up.
func (t *Transport) LoseIdentity(id auth.Identity, err error) {
	if h, ok := t.Handler().(transport.IdentityHandler); ok {
		h.OnIdentityLost(id, err)
	}
}

// Deliver simulates a received cloud-to-device message.
func (t *Transport) Deliver(msg *message.Message) message.Disposition {
	return t.Handler().OnMessage(msg)
}

// BlockUntilCancelled is a mock Run function that waits for the call's
// context (argument 0) to end.
func BlockUntilCancelled(args mock.Arguments) {
	<-args.Get(0).(context.Context).Done()
}

// Registrar is a mock transport.Registrar.
type Registrar struct {
	mock.Mock
}

func (r *Registrar) RegisterIdentity(ctx context.Context, creds *auth.Credentials) error {
	return r.Called(ctx, creds).Error(0)
}

func (r *Registrar) UnregisterIdentity(ctx context.Context, id auth.Identity) error {
	return r.Called(ctx, id).Error(0)
}

// StaticProvider returns fixed credentials, or Err when set.
type StaticProvider struct {
	Host string
	ID   auth.Identity
	Err  error
}

// NewStaticProvider creates a provider for deviceID on hub.test.
func NewStaticProvider(deviceID string) *StaticProvider {
	return &StaticProvider{Host: "hub.test", ID: auth.Identity{DeviceID: deviceID}}
}

func (p *StaticProvider) Identity() auth.Identity { return p.ID }

func (p *StaticProvider) HostName() string { return p.Host }

func (p *StaticProvider) Credentials(context.Context) (*auth.Credentials, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	return &auth.Credentials{
		HostName: p.Host,
		Identity: p.ID,
		SASToken: "SharedAccessSignature sr=" + p.Host + "&sig=test&se=4102444800",
		Audience: p.Host + "/" + p.ID.ResourcePath(),
	}, nil
}

// Compile-time interface satisfaction checks.
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.Registrar     = (*Transport)(nil)
	_ transport.Registrar     = (*Registrar)(nil)
	_ auth.CredentialProvider = (*StaticProvider)(nil)
)
