package connection

import (
	"context"
	"errors"
	"time"

	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/message"
)

// SendEvent queues msg and waits for its delivery outcome. While
// DISCONNECTED it fails immediately with failure.ErrNotConnected. If ctx
// ends first, a still-queued message is withdrawn and ctx.Err() returned.
func (m *Manager) SendEvent(ctx context.Context, msg *message.Message) error {
	done := make(chan error, 1)
	p, err := m.enqueue(msg, func(err error) { done <- err })
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		m.queue.remove(p)
		return ctx.Err()
	}
}

// SendEventAsync queues msg; cb receives the delivery outcome exactly once.
// While DISCONNECTED it returns failure.ErrNotConnected and cb is not called.
func (m *Manager) SendEventAsync(msg *message.Message, cb func(error)) error {
	_, err := m.enqueue(msg, cb)
	return err
}

func (m *Manager) enqueue(msg *message.Message, cb func(error)) (*pendingSend, error) {
	if msg == nil {
		return nil, &failure.ConfigurationError{Field: "message", Err: errors.New("nil message")}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.status == StatusDisconnected {
		return nil, failure.ErrNotConnected
	}

	now := m.now()
	deadline := msg.ExpiryTime
	if deadline.IsZero() {
		deadline = now.Add(m.cfg.DefaultMessageTimeout)
	}
	p := &pendingSend{
		msg:      msg,
		enqueued: now,
		deadline: deadline,
		done:     cb,
	}
	m.queue.push(p)
	return p, nil
}

// runSender drains the queue while CONNECTED and expires messages at all
// times. One sender runs per session.
func (m *Manager) runSender(s *session) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		now := m.now()
		expired, wakeAt := m.queue.expire(now)
		for _, p := range expired {
			m.completeSend(p, &failure.ExpiredMessageError{MessageID: p.msg.ID, ExpiredAt: p.deadline})
		}

		if m.canSend(s) {
			p, readyAt := m.queue.pop(now)
			if p != nil {
				m.deliver(s, p)
				continue
			}
			if !readyAt.IsZero() && (wakeAt.IsZero() || readyAt.Before(wakeAt)) {
				wakeAt = readyAt
			}
		}

		var timerC <-chan time.Time
		if !wakeAt.IsZero() {
			timer.Reset(max(wakeAt.Sub(now), time.Millisecond))
			timerC = timer.C
		}
		select {
		case <-s.ctx.Done():
			return
		case <-m.queue.signal:
		case <-timerC:
		}
		timer.Stop()
	}
}

func (m *Manager) canSend(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess == s && m.status == StatusConnected
}

// deliver sends one message. Retryable failures put it back at the head
// of the queue until it expires.
func (m *Manager) deliver(s *session, p *pendingSend) {
	p.attempts++
	ctx, cancel := context.WithDeadline(s.ctx, p.deadline)
	err := m.cfg.Transport.Send(ctx, p.msg)
	cancel()

	if err == nil {
		m.completeSend(p, nil)
		return
	}
	if s.ctx.Err() != nil {
		m.completeSend(p, s.err)
		return
	}

	now := m.now()
	if !now.Before(p.deadline) {
		m.completeSend(p, &failure.ExpiredMessageError{MessageID: p.msg.ID, ExpiredAt: p.deadline})
		return
	}

	c := failure.Classify(err)
	if c.IsTerminal() {
		m.completeSend(p, err)
		return
	}

	m.mu.Lock()
	dec := m.policy.ShouldRetry(p.attempts, now.Sub(p.enqueued))
	m.mu.Unlock()
	delay := m.delayFor(dec, c)
	if !dec.Retry {
		// Messages live until their own expiry even when the connection
		// policy is exhausted.
		delay = max(delay, m.cfg.ThrottleMinDelay)
	}
	p.notBefore = now.Add(delay)

	m.logger.WithError(err).WithField("msg_id", p.msg.ID).Debug("send failed, requeued")
	m.queue.pushFront(p)
}

func (m *Manager) completeSend(p *pendingSend, err error) {
	if err == nil && p.msg != nil {
		m.logger.WithField("msg_id", p.msg.ID).Debug("message delivered")
	}
	latency := m.now().Sub(p.enqueued)
	m.rec.Message(hublog.LayerConnection, hublog.DirectionOut, p.msg.Identity.DeviceID, p.msg.Identity.ModuleID, hublog.MessageEvent{
		MessageID:     p.msg.ID,
		CorrelationID: p.msg.CorrelationID,
		Size:          len(p.msg.Payload),
		Status:        message.StatusOf(err).String(),
		Latency:       &latency,
	})
	p.complete(err)
}
