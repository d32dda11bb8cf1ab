package connection

import "sync"

// notifier runs callbacks one at a time in the order they were posted.
// The drain goroutine exists only while work is pending, so an idle
// manager holds no goroutine.
type notifier struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func newNotifier() *notifier {
	return &notifier{}
}

// post enqueues fn without blocking.
func (n *notifier) post(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.queue = append(n.queue, fn)
	if !n.running {
		n.running = true
		go n.drain()
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.running = false
			n.mu.Unlock()
			return
		}
		fn := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()

		fn()
	}
}
