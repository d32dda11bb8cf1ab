package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
)

const (
	// DefaultMaxConcurrency bounds parallel registrations within one pass.
	DefaultMaxConcurrency = 10

	// DefaultRegistrationTimeout bounds one identity's registration.
	DefaultRegistrationTimeout = 60 * time.Second
)

var (
	// ErrUnknownIdentity is returned for keys that were never added.
	ErrUnknownIdentity = errors.New("identity not added")

	// ErrDuplicateIdentity is returned when adding a key twice.
	ErrDuplicateIdentity = errors.New("identity already added")

	// ErrCapacity is returned when the connection carries the maximum
	// number of identities.
	ErrCapacity = errors.New("multiplexing capacity reached")
)

// Config configures a Manager.
type Config struct {
	// Registrar opens and closes identity links. Required.
	Registrar transport.Registrar

	// MaxConcurrency bounds parallel registrations. Default: DefaultMaxConcurrency.
	MaxConcurrency int

	// MaxIdentities limits Add. 0 means unlimited.
	MaxIdentities int

	// RegistrationTimeout bounds each identity's registration.
	RegistrationTimeout time.Duration

	// Logger is the operational logger. If nil, logging is disabled.
	Logger *logrus.Entry

	// Recorder receives registration events. May be nil.
	Recorder *hublog.Recorder

	// OnChange is called after an identity's state changed. It runs on
	// registration goroutines without locks held and must not block.
	OnChange func(Registration)
}

type entry struct {
	provider auth.CredentialProvider
	state    State
	err      error

	// wanted is set once the identity was asked to register and cleared by
	// Remove. ReregisterAll restores wanted identities.
	wanted bool
}

// Manager is the registration map of one physical connection.
type Manager struct {
	cfg    Config
	logger *logrus.Entry

	// passMu serializes registration passes.
	passMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Registrar == nil {
		return nil, &failure.ConfigurationError{Field: "Registrar", Err: errors.New("required")}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.RegistrationTimeout <= 0 {
		cfg.RegistrationTimeout = DefaultRegistrationTimeout
	}
	return &Manager{
		cfg:     cfg,
		logger:  hublog.EntryOrDiscard(cfg.Logger),
		entries: make(map[string]*entry),
	}, nil
}

// Add puts an identity on the connection in StateUnregistered. It does not
// register it.
func (m *Manager) Add(p auth.CredentialProvider) error {
	key := p.Identity().Key()
	if key == "" {
		return &failure.ConfigurationError{Field: "identity", Err: errors.New("empty device id")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; ok {
		return &failure.ConfigurationError{Field: "identity", Err: fmt.Errorf("%w: %s", ErrDuplicateIdentity, key)}
	}
	if m.cfg.MaxIdentities > 0 && len(m.entries) >= m.cfg.MaxIdentities {
		return &failure.ConfigurationError{Field: "identity", Err: fmt.Errorf("%w: %d", ErrCapacity, m.cfg.MaxIdentities)}
	}
	m.entries[key] = &entry{provider: p}
	m.order = append(m.order, key)
	return nil
}

// Remove unregisters the identity if it is registered and drops it from
// the connection. An unregister failure is returned but the identity is
// removed regardless.
func (m *Manager) Remove(ctx context.Context, key string) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, key)
	}
	registered := e.state == StateRegistered
	id := e.provider.Identity()
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.record(id, StateUnregistered, nil)
	if !registered {
		return nil
	}
	if err := m.cfg.Registrar.UnregisterIdentity(ctx, id); err != nil {
		m.logger.WithError(err).WithField("identity", key).Warn("unregister failed")
		return fmt.Errorf("unregister %s: %w", key, err)
	}
	return nil
}

// RegisterAll registers the given identities, or every added identity when
// keys is empty. Identities already registered are skipped. It returns a
// *failure.RegistrationError naming each identity that failed.
func (m *Manager) RegisterAll(ctx context.Context, keys ...string) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	m.mu.Lock()
	if len(keys) == 0 {
		keys = append([]string(nil), m.order...)
	}
	var targets []string
	failures := make(map[string]error)
	for _, k := range keys {
		e, ok := m.entries[k]
		if !ok {
			failures[k] = ErrUnknownIdentity
			continue
		}
		e.wanted = true
		if e.state != StateRegistered {
			targets = append(targets, k)
		}
	}
	m.mu.Unlock()

	m.runPass(ctx, targets, failures)
	if len(failures) > 0 {
		return &failure.RegistrationError{Failures: failures}
	}
	return nil
}

// Want marks identities for registration without registering them now.
// The next ReregisterAll picks them up, which lets identities be added
// while the physical connection is down.
func (m *Manager) Want(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		e, ok := m.entries[k]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownIdentity, k)
		}
		e.wanted = true
	}
	return nil
}

// ReregisterAll registers every wanted identity that is not registered. It
// is run after a physical reconnect, before CONNECTED is reported.
func (m *Manager) ReregisterAll(ctx context.Context) error {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	m.mu.Lock()
	var targets []string
	for _, k := range m.order {
		if e := m.entries[k]; e.wanted && e.state != StateRegistered {
			targets = append(targets, k)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}
	m.logger.WithField("count", len(targets)).Debug("re-registering identities")

	failures := make(map[string]error)
	m.runPass(ctx, targets, failures)
	if len(failures) > 0 {
		return &failure.RegistrationError{Failures: failures}
	}
	return nil
}

// MarkDisconnected resets registered identities after the physical
// connection went away. Membership and the wanted flag are kept.
func (m *Manager) MarkDisconnected() {
	m.mu.Lock()
	var reset []auth.Identity
	for _, k := range m.order {
		e := m.entries[k]
		if e.state == StateRegistered || e.state == StateRegistering {
			e.state = StateUnregistered
			reset = append(reset, e.provider.Identity())
		}
	}
	m.mu.Unlock()

	for _, id := range reset {
		m.record(id, StateUnregistered, nil)
	}
}

// Lost marks a registered identity whose links the hub dropped while the
// physical connection stayed up. The identity stays wanted, so the next
// RegisterAll or ReregisterAll restores it. Lost reports whether the
// identity was registered.
func (m *Manager) Lost(key string, err error) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok || e.state != StateRegistered {
		m.mu.Unlock()
		return false
	}
	e.state = StateRegistrationFailed
	e.err = err
	id := e.provider.Identity()
	m.mu.Unlock()

	m.logger.WithError(err).WithField("identity", key).Warn("identity lost")
	m.record(id, StateRegistrationFailed, err)
	return true
}

// State returns the state and last error of key.
func (m *Manager) State(key string) (State, error, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return StateUnregistered, nil, false
	}
	return e.state, e.err, true
}

// Provider returns the credential provider of key.
func (m *Manager) Provider(key string) (auth.CredentialProvider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Snapshot returns every identity in insertion order.
func (m *Manager) Snapshot() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Registration, 0, len(m.order))
	for _, k := range m.order {
		e := m.entries[k]
		out = append(out, Registration{Key: k, State: e.state, Err: e.err})
	}
	return out
}

// Len returns the number of identities on the connection.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// runPass registers keys concurrently and adds failures to the map. The
// caller holds passMu.
func (m *Manager) runPass(ctx context.Context, keys []string, failures map[string]error) {
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
		sem   = make(chan struct{}, m.cfg.MaxConcurrency)
	)
	for _, k := range keys {
		m.mu.Lock()
		e, ok := m.entries[k]
		if ok {
			e.state = StateRegistering
			e.err = nil
		}
		m.mu.Unlock()
		if !ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			m.settle(k, ctx.Err())
			resMu.Lock()
			failures[k] = ctx.Err()
			resMu.Unlock()
			continue
		}

		wg.Add(1)
		go func(key string, p auth.CredentialProvider) {
			defer wg.Done()
			defer func() { <-sem }()

			err := m.register(ctx, p)
			m.settle(key, err)
			if err != nil {
				resMu.Lock()
				failures[key] = err
				resMu.Unlock()
			}
		}(k, e.provider)
	}
	wg.Wait()
}

func (m *Manager) register(ctx context.Context, p auth.CredentialProvider) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RegistrationTimeout)
	defer cancel()

	creds, err := p.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("get credentials: %w", err)
	}
	return m.cfg.Registrar.RegisterIdentity(ctx, creds)
}

// settle stores the outcome unless the identity was removed meanwhile.
func (m *Manager) settle(key string, err error) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	state := StateRegistered
	if err != nil {
		state = StateRegistrationFailed
	}
	e.state = state
	e.err = err
	id := e.provider.Identity()
	m.mu.Unlock()

	entry := m.logger.WithFields(logrus.Fields{"identity": key, "state": state.String()})
	if err != nil {
		entry.WithError(err).Warn("identity registration failed")
	} else {
		entry.Debug("identity registered")
	}
	m.record(id, state, err)
}

func (m *Manager) record(id auth.Identity, state State, err error) {
	m.cfg.Recorder.Registration(id.DeviceID, id.ModuleID, id.Key(), state.String(), err)
	if m.cfg.OnChange != nil {
		m.cfg.OnChange(Registration{Key: id.Key(), State: state, Err: err})
	}
}
