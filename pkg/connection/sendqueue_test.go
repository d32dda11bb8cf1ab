package connection

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubconnect/hubconnect-go/pkg/message"
)

func pending(id string, deadline time.Time) *pendingSend {
	msg := message.New(nil)
	msg.ID = id
	return &pendingSend{msg: msg, deadline: deadline}
}

func TestSendQueue(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("FIFO", func(t *testing.T) {
		q := newSendQueue()
		q.push(pending("a", now.Add(time.Minute)))
		q.push(pending("b", now.Add(time.Minute)))
		q.pushFront(pending("z", now.Add(time.Minute)))

		var got []string
		for {
			p, _ := q.pop(now)
			if p == nil {
				break
			}
			got = append(got, p.msg.ID)
		}
		assert.Equal(t, []string{"z", "a", "b"}, got)
	})

	t.Run("NotBefore", func(t *testing.T) {
		q := newSendQueue()
		p := pending("a", now.Add(time.Minute))
		p.notBefore = now.Add(time.Second)
		q.push(p)

		got, readyAt := q.pop(now)
		assert.Nil(t, got)
		assert.Equal(t, now.Add(time.Second), readyAt)

		got, _ = q.pop(now.Add(time.Second))
		assert.Same(t, p, got)
	})

	t.Run("Expire", func(t *testing.T) {
		q := newSendQueue()
		q.push(pending("old", now))
		q.push(pending("later", now.Add(2*time.Second)))
		q.push(pending("soon", now.Add(time.Second)))

		expired, next := q.expire(now)
		require.Len(t, expired, 1)
		assert.Equal(t, "old", expired[0].msg.ID)
		assert.Equal(t, now.Add(time.Second), next)
		assert.Equal(t, 2, q.len())
	})

	t.Run("Remove", func(t *testing.T) {
		q := newSendQueue()
		a, b := pending("a", now), pending("b", now)
		q.push(a)
		q.push(b)

		assert.True(t, q.remove(a))
		assert.False(t, q.remove(a))
		assert.Equal(t, []*pendingSend{b}, q.drain())
		assert.Equal(t, 0, q.len())
	})

	t.Run("SignalCoalesces", func(t *testing.T) {
		q := newSendQueue()
		q.wake()
		q.wake()
		q.push(pending("a", now))
		assert.Len(t, q.signal, 1)
	})
}

func TestPendingSendCompletesOnce(t *testing.T) {
	calls := 0
	p := &pendingSend{done: func(error) { calls++ }}
	p.complete(nil)
	p.complete(assert.AnError)
	assert.Equal(t, 1, calls)

	// A nil callback is allowed.
	(&pendingSend{}).complete(nil)
}

// wait blocks until every callback posted so far has run. Callbacks run
// in order, so a trailing marker is enough.
func (n *notifier) wait() {
	done := make(chan struct{})
	n.post(func() { close(done) })
	<-done
}

func TestNotifierOrder(t *testing.T) {
	n := newNotifier()

	var mu sync.Mutex
	var got []int
	for i := range 100 {
		n.post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	n.wait()

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestNotifierPostFromCallback(t *testing.T) {
	n := newNotifier()
	done := make(chan struct{})
	n.post(func() {
		n.post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("nested post never ran")
	}
	n.wait()
}
