package message

import (
	"errors"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

// Message is a telemetry event or a cloud-to-device message.
type Message struct {
	// ID uniquely identifies the message. New assigns a UUID.
	ID string

	CorrelationID   string
	UserID          string
	To              string
	ContentType     string
	ContentEncoding string

	Payload []byte

	// Properties are application properties.
	Properties map[string]string

	CreatedAt time.Time

	// ExpiryTime is the latest time the message may be delivered.
	// Zero means the connection's default message timeout applies.
	ExpiryTime time.Time

	// Identity routes the message on a multiplexed connection. For
	// received messages it names the recipient.
	Identity auth.Identity

	// LockToken identifies a received message for settlement on
	// transports that need it (HTTPS ETag).
	LockToken string
}

// New creates a message with a fresh ID.
func New(payload []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// SetProperty sets an application property.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

// Property returns an application property.
func (m *Message) Property(key string) (string, bool) {
	v, ok := m.Properties[key]
	return v, ok
}

// WithTimeout sets the expiry relative to now and returns m.
func (m *Message) WithTimeout(d time.Duration) *Message {
	m.ExpiryTime = time.Now().Add(d)
	return m
}

// IsExpired reports whether the message expired at now.
func (m *Message) IsExpired(now time.Time) bool {
	return !m.ExpiryTime.IsZero() && !now.Before(m.ExpiryTime)
}

// Clone returns a copy with its own property map and payload slice.
func (m *Message) Clone() *Message {
	c := *m
	c.Properties = maps.Clone(m.Properties)
	c.Payload = append([]byte(nil), m.Payload...)
	return &c
}

// Disposition is the application's verdict on a received message.
type Disposition uint8

const (
	// Complete removes the message from the device queue.
	Complete Disposition = iota
	// Abandon returns the message to the queue for redelivery.
	Abandon
	// Reject dead-letters the message.
	Reject
)

// String returns the disposition name.
func (d Disposition) String() string {
	switch d {
	case Complete:
		return "COMPLETE"
	case Abandon:
		return "ABANDON"
	case Reject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Status is the delivery outcome of a sent message as reported to
// callbacks and the protocol log.
type Status uint8

const (
	StatusOK Status = iota
	StatusBadFormat
	StatusUnauthorized
	StatusNotFound
	StatusThrottled
	StatusServerError
	StatusError
	StatusMessageExpired
	StatusCancelledOnClose
	StatusNotConnected
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadFormat:
		return "BAD_FORMAT"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusThrottled:
		return "THROTTLED"
	case StatusServerError:
		return "SERVER_ERROR"
	case StatusMessageExpired:
		return "MESSAGE_EXPIRED"
	case StatusCancelledOnClose:
		return "MESSAGE_CANCELLED_ONCLOSE"
	case StatusNotConnected:
		return "NOT_CONNECTED"
	default:
		return "ERROR"
	}
}

// StatusOf maps a send completion error to a Status.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	switch {
	case errors.Is(err, failure.ErrMessageExpired):
		return StatusMessageExpired
	case errors.Is(err, failure.ErrClientClosed):
		return StatusCancelledOnClose
	case errors.Is(err, failure.ErrNotConnected):
		return StatusNotConnected
	}

	var svc *failure.ServiceError
	if errors.As(err, &svc) {
		switch {
		case svc.StatusCode == 400:
			return StatusBadFormat
		case svc.StatusCode == 404:
			return StatusNotFound
		}
	}

	c := failure.Classify(err)
	switch {
	case c.Kind == failure.TerminalAuth:
		return StatusUnauthorized
	case c.Throttled:
		return StatusThrottled
	case c.IsRetryable():
		return StatusServerError
	}
	return StatusError
}
