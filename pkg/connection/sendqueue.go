package connection

import (
	"sync"
	"time"

	"github.com/hubconnect/hubconnect-go/pkg/message"
)

// pendingSend is a message waiting for delivery.
type pendingSend struct {
	msg      *message.Message
	enqueued time.Time
	deadline time.Time

	// notBefore delays a re-queued message after a retryable send failure.
	notBefore time.Time
	attempts  int

	once sync.Once
	done func(error)
}

// complete reports the outcome exactly once.
func (p *pendingSend) complete(err error) {
	p.once.Do(func() {
		if p.done != nil {
			p.done(err)
		}
	})
}

// sendQueue is the FIFO of outgoing messages. The sender goroutine is the
// only consumer; signal wakes it after any change.
type sendQueue struct {
	mu     sync.Mutex
	items  []*pendingSend
	signal chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{signal: make(chan struct{}, 1)}
}

// wake nudges the sender without blocking.
func (q *sendQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *sendQueue) push(p *pendingSend) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	q.wake()
}

// pushFront re-queues a message ahead of everything else to keep FIFO
// order across send retries.
func (q *sendQueue) pushFront(p *pendingSend) {
	q.mu.Lock()
	q.items = append([]*pendingSend{p}, q.items...)
	q.mu.Unlock()
	q.wake()
}

// pop removes the head if it is ready at now. Otherwise it returns the
// time the head becomes ready (zero when the queue is empty).
func (q *sendQueue) pop(now time.Time) (*pendingSend, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, time.Time{}
	}
	head := q.items[0]
	if now.Before(head.notBefore) {
		return nil, head.notBefore
	}
	q.items[0] = nil
	q.items = q.items[1:]
	return head, time.Time{}
}

// expire removes every message whose deadline passed at now and returns
// them together with the earliest remaining deadline.
func (q *sendQueue) expire(now time.Time) ([]*pendingSend, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*pendingSend
	var next time.Time
	kept := q.items[:0]
	for _, p := range q.items {
		if !now.Before(p.deadline) {
			expired = append(expired, p)
			continue
		}
		if next.IsZero() || p.deadline.Before(next) {
			next = p.deadline
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return expired, next
}

// remove drops p if it is still queued.
func (q *sendQueue) remove(p *pendingSend) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item == p {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// drain empties the queue.
func (q *sendQueue) drain() []*pendingSend {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	return items
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
