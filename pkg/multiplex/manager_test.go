package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hubconnect/hubconnect-go/internal/mocks"
	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

func forIdentity(key string) any {
	return mock.MatchedBy(func(c *auth.Credentials) bool { return c.Identity.Key() == key })
}

func newManager(t *testing.T, reg *mocks.Registrar, n int) *Manager {
	t.Helper()
	m, err := New(Config{Registrar: reg, MaxConcurrency: 2})
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		require.NoError(t, m.Add(mocks.NewStaticProvider(fmt.Sprintf("dev%d", i))))
	}
	return m
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Equal(t, failure.TerminalConfig, failure.Classify(err).Kind)
}

func TestAdd(t *testing.T) {
	reg := &mocks.Registrar{}

	t.Run("Duplicate", func(t *testing.T) {
		m := newManager(t, reg, 1)
		err := m.Add(mocks.NewStaticProvider("dev1"))
		assert.ErrorIs(t, err, ErrDuplicateIdentity)
		assert.Equal(t, failure.TerminalConfig, failure.Classify(err).Kind)
	})

	t.Run("Capacity", func(t *testing.T) {
		m, err := New(Config{Registrar: reg, MaxIdentities: 2})
		require.NoError(t, err)
		require.NoError(t, m.Add(mocks.NewStaticProvider("a")))
		require.NoError(t, m.Add(mocks.NewStaticProvider("b")))
		assert.ErrorIs(t, m.Add(mocks.NewStaticProvider("c")), ErrCapacity)
		assert.Equal(t, 2, m.Len())
	})

	t.Run("EmptyIdentity", func(t *testing.T) {
		m := newManager(t, reg, 0)
		assert.Error(t, m.Add(&mocks.StaticProvider{}))
	})

	t.Run("StartsUnregistered", func(t *testing.T) {
		m := newManager(t, reg, 1)
		st, err, ok := m.State("dev1")
		assert.True(t, ok)
		assert.NoError(t, err)
		assert.Equal(t, StateUnregistered, st)
		reg.AssertNotCalled(t, "RegisterIdentity", mock.Anything, mock.Anything)
	})
}

func TestRegisterAll(t *testing.T) {
	t.Run("AllSucceed", func(t *testing.T) {
		reg := &mocks.Registrar{}
		reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)
		m := newManager(t, reg, 3)

		require.NoError(t, m.RegisterAll(context.Background()))
		for _, r := range m.Snapshot() {
			assert.Equal(t, StateRegistered, r.State, r.Key)
		}

		// Registered identities are skipped on a second pass.
		require.NoError(t, m.RegisterAll(context.Background()))
		reg.AssertNumberOfCalls(t, "RegisterIdentity", 3)
	})

	t.Run("PartialFailure", func(t *testing.T) {
		reg := &mocks.Registrar{}
		boom := errors.New("link refused")
		reg.On("RegisterIdentity", mock.Anything, forIdentity("dev3")).Return(boom)
		reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)
		m := newManager(t, reg, 5)

		err := m.RegisterAll(context.Background())
		require.Error(t, err)

		var regErr *failure.RegistrationError
		require.ErrorAs(t, err, &regErr)
		assert.Equal(t, []string{"dev3"}, regErr.Identities())
		assert.ErrorIs(t, err, boom)

		for _, r := range m.Snapshot() {
			if r.Key == "dev3" {
				assert.Equal(t, StateRegistrationFailed, r.State)
				assert.ErrorIs(t, r.Err, boom)
				continue
			}
			assert.Equal(t, StateRegistered, r.State, r.Key)
			assert.NoError(t, r.Err)
		}
	})

	t.Run("SelectedKeys", func(t *testing.T) {
		reg := &mocks.Registrar{}
		reg.On("RegisterIdentity", mock.Anything, forIdentity("dev2")).Return(nil).Once()
		m := newManager(t, reg, 3)

		require.NoError(t, m.RegisterAll(context.Background(), "dev2"))
		st, _, _ := m.State("dev2")
		assert.Equal(t, StateRegistered, st)
		st, _, _ = m.State("dev1")
		assert.Equal(t, StateUnregistered, st)
		reg.AssertExpectations(t)
	})

	t.Run("UnknownKey", func(t *testing.T) {
		m := newManager(t, &mocks.Registrar{}, 0)
		err := m.RegisterAll(context.Background(), "ghost")
		var regErr *failure.RegistrationError
		require.ErrorAs(t, err, &regErr)
		assert.ErrorIs(t, regErr.Failures["ghost"], ErrUnknownIdentity)
	})

	t.Run("CredentialFailure", func(t *testing.T) {
		reg := &mocks.Registrar{}
		m := newManager(t, reg, 0)
		require.NoError(t, m.Add(&mocks.StaticProvider{ID: auth.Identity{DeviceID: "bad"}, Err: &failure.AuthenticationError{Expired: true}}))

		err := m.RegisterAll(context.Background())
		require.Error(t, err)
		assert.True(t, failure.Classify(err).Expired)
		reg.AssertNotCalled(t, "RegisterIdentity", mock.Anything, mock.Anything)
	})

	t.Run("BoundedConcurrency", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		reg := &mocks.Registrar{}
		reg.On("RegisterIdentity", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}).Return(nil)
		m := newManager(t, reg, 8)

		require.NoError(t, m.RegisterAll(context.Background()))
		assert.LessOrEqual(t, peak.Load(), int32(2))
		reg.AssertNumberOfCalls(t, "RegisterIdentity", 8)
	})

	t.Run("PassesSerialized", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		reg := &mocks.Registrar{}
		reg.On("RegisterIdentity", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			n := inFlight.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
		}).Return(nil)

		m, err := New(Config{Registrar: reg, MaxConcurrency: 1})
		require.NoError(t, err)
		require.NoError(t, m.Add(mocks.NewStaticProvider("a")))
		require.NoError(t, m.Add(mocks.NewStaticProvider("b")))

		var wg sync.WaitGroup
		for _, k := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.RegisterAll(context.Background(), k))
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), peak.Load())
	})
}

func TestReregisterAll(t *testing.T) {
	reg := &mocks.Registrar{}
	reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)
	m := newManager(t, reg, 3)

	require.NoError(t, m.RegisterAll(context.Background(), "dev1", "dev2"))
	m.MarkDisconnected()

	for _, r := range m.Snapshot() {
		assert.Equal(t, StateUnregistered, r.State, r.Key)
	}

	require.NoError(t, m.ReregisterAll(context.Background()))
	st, _, _ := m.State("dev1")
	assert.Equal(t, StateRegistered, st)
	st, _, _ = m.State("dev2")
	assert.Equal(t, StateRegistered, st)
	st, _, _ = m.State("dev3")
	assert.Equal(t, StateUnregistered, st, "never requested identities stay unregistered")
	reg.AssertNumberOfCalls(t, "RegisterIdentity", 4)
}

func TestReregisterAllRetriesFailed(t *testing.T) {
	reg := &mocks.Registrar{}
	reg.On("RegisterIdentity", mock.Anything, forIdentity("dev1")).Return(errors.New("busy")).Once()
	reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)
	m := newManager(t, reg, 1)

	require.Error(t, m.RegisterAll(context.Background()))
	require.NoError(t, m.ReregisterAll(context.Background()))
	st, err, _ := m.State("dev1")
	assert.Equal(t, StateRegistered, st)
	assert.NoError(t, err)
}

func TestLost(t *testing.T) {
	reg := &mocks.Registrar{}
	reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)

	var mu sync.Mutex
	var changes []Registration
	m, err := New(Config{Registrar: reg, OnChange: func(r Registration) {
		mu.Lock()
		changes = append(changes, r)
		mu.Unlock()
	}})
	require.NoError(t, err)
	require.NoError(t, m.Add(mocks.NewStaticProvider("dev1")))
	require.NoError(t, m.Add(mocks.NewStaticProvider("dev2")))
	require.NoError(t, m.RegisterAll(context.Background(), "dev1"))

	detached := errors.New("link detached")
	t.Run("Registered", func(t *testing.T) {
		assert.True(t, m.Lost("dev1", detached))
		st, err, _ := m.State("dev1")
		assert.Equal(t, StateRegistrationFailed, st)
		assert.ErrorIs(t, err, detached)
	})

	t.Run("NotRegistered", func(t *testing.T) {
		assert.False(t, m.Lost("dev1", detached), "already lost")
		assert.False(t, m.Lost("dev2", detached))
		assert.False(t, m.Lost("nope", detached))
	})

	t.Run("RegisteredAgain", func(t *testing.T) {
		require.NoError(t, m.ReregisterAll(context.Background()))
		st, err, _ := m.State("dev1")
		assert.Equal(t, StateRegistered, st)
		assert.NoError(t, err)
		st, _, _ = m.State("dev2")
		assert.Equal(t, StateUnregistered, st, "never requested identities stay unregistered")
		reg.AssertNumberOfCalls(t, "RegisterIdentity", 2)
	})

	t.Run("Changes", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, changes, 3)
		assert.Equal(t, Registration{Key: "dev1", State: StateRegistered}, changes[0])
		assert.Equal(t, StateRegistrationFailed, changes[1].State)
		assert.ErrorIs(t, changes[1].Err, detached)
		assert.Equal(t, Registration{Key: "dev1", State: StateRegistered}, changes[2])
	})
}

func TestWant(t *testing.T) {
	reg := &mocks.Registrar{}
	reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)
	m := newManager(t, reg, 3)

	require.NoError(t, m.Want("dev1", "dev3"))
	reg.AssertNotCalled(t, "RegisterIdentity", mock.Anything, mock.Anything)
	assert.ErrorIs(t, m.Want("nope"), ErrUnknownIdentity)

	require.NoError(t, m.ReregisterAll(context.Background()))
	st, _, _ := m.State("dev1")
	assert.Equal(t, StateRegistered, st)
	st, _, _ = m.State("dev2")
	assert.Equal(t, StateUnregistered, st)
	st, _, _ = m.State("dev3")
	assert.Equal(t, StateRegistered, st)
}

func TestRemove(t *testing.T) {
	reg := &mocks.Registrar{}
	reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)
	reg.On("UnregisterIdentity", mock.Anything, auth.Identity{DeviceID: "dev1"}).Return(nil).Once()
	m := newManager(t, reg, 2)
	require.NoError(t, m.RegisterAll(context.Background(), "dev1"))

	require.NoError(t, m.Remove(context.Background(), "dev1"))
	require.NoError(t, m.Remove(context.Background(), "dev2"), "unregistered identity needs no unregister call")

	_, _, ok := m.State("dev1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
	assert.ErrorIs(t, m.Remove(context.Background(), "dev1"), ErrUnknownIdentity)
	reg.AssertExpectations(t)
}

func TestRemoveUnregisterFailure(t *testing.T) {
	reg := &mocks.Registrar{}
	reg.On("RegisterIdentity", mock.Anything, mock.Anything).Return(nil)
	reg.On("UnregisterIdentity", mock.Anything, mock.Anything).Return(errors.New("detach failed"))
	m := newManager(t, reg, 1)
	require.NoError(t, m.RegisterAll(context.Background()))

	assert.Error(t, m.Remove(context.Background(), "dev1"))
	assert.Equal(t, 0, m.Len(), "identity is removed even when unregister fails")
}

func TestCancelledPass(t *testing.T) {
	reg := &mocks.Registrar{}
	reg.On("RegisterIdentity", mock.Anything, mock.Anything).Run(mocks.BlockUntilCancelled).Return(context.Canceled)
	m := newManager(t, reg, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.RegisterAll(ctx)
	var regErr *failure.RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Len(t, regErr.Failures, 3)
	for _, r := range m.Snapshot() {
		assert.Equal(t, StateRegistrationFailed, r.State)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNREGISTERED", StateUnregistered.String())
	assert.Equal(t, "REGISTERING", StateRegistering.String())
	assert.Equal(t, "REGISTERED", StateRegistered.String())
	assert.Equal(t, "REGISTRATION_FAILED", StateRegistrationFailed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
