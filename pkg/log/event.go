package log

import "time"

// Event is one record in a protocol log. Integer CBOR keys keep records
// small; the numbers are part of the file format and must not change.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the physical connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// Protocol is the transport protocol name (MQTT, AMQPS, ...).
	Protocol string `cbor:"6,keyasint,omitempty"`

	// DeviceID and ModuleID name the identity the event concerns.
	DeviceID string `cbor:"7,keyasint,omitempty"`
	ModuleID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Message      *MessageEvent      `cbor:"10,keyasint,omitempty"`
	StateChange  *StateChangeEvent  `cbor:"11,keyasint,omitempty"`
	Registration *RegistrationEvent `cbor:"12,keyasint,omitempty"`
	Error        *ErrorEventData    `cbor:"13,keyasint,omitempty"`
}

// Direction is DirectionIn for cloud-to-device traffic and DirectionOut
// for device-to-cloud.
type Direction uint8

const (
	DirectionIn Direction = iota
	DirectionOut
)

// Layer is the component that recorded the event.
type Layer uint8

const (
	LayerTransport Layer = iota
	LayerConnection
	LayerMultiplex
	LayerClient
)

// Category says which payload field of Event is set.
type Category uint8

const (
	CategoryMessage Category = iota
	CategoryState
	CategoryRegistration
	CategoryError
)

var (
	directionNames = [...]string{"IN", "OUT"}
	layerNames     = [...]string{"TRANSPORT", "CONNECTION", "MULTIPLEX", "CLIENT"}
	categoryNames  = [...]string{"MESSAGE", "STATE", "REGISTRATION", "ERROR"}
	entityNames    = [...]string{"CONNECTION", "IDENTITY"}
)

func name(names []string, i uint8) string {
	if int(i) < len(names) {
		return names[i]
	}
	return "UNKNOWN"
}

func (d Direction) String() string   { return name(directionNames[:], uint8(d)) }
func (l Layer) String() string       { return name(layerNames[:], uint8(l)) }
func (c Category) String() string    { return name(categoryNames[:], uint8(c)) }
func (s StateEntity) String() string { return name(entityNames[:], uint8(s)) }

// ParseCategory is the inverse of Category.String.
func ParseCategory(s string) (Category, bool) {
	for i, n := range categoryNames {
		if n == s {
			return Category(i), true
		}
	}
	return 0, false
}

// MessageEvent captures a telemetry or cloud-to-device message.
type MessageEvent struct {
	MessageID     string `cbor:"1,keyasint"`
	CorrelationID string `cbor:"2,keyasint,omitempty"`

	// Size is the payload size in bytes.
	Size int `cbor:"3,keyasint"`

	// Status is the delivery outcome for sent messages.
	Status string `cbor:"4,keyasint,omitempty"`

	// Disposition is the settlement of received messages.
	Disposition string `cbor:"5,keyasint,omitempty"`

	Properties map[string]string `cbor:"6,keyasint,omitempty"`

	// Latency from enqueue to completion (sent messages only).
	Latency *time.Duration `cbor:"7,keyasint,omitempty"`
}

// StateChangeEvent captures a status transition.
type StateChangeEvent struct {
	Entity StateEntity `cbor:"1,keyasint"`

	OldState string `cbor:"2,keyasint,omitempty"`
	NewState string `cbor:"3,keyasint"`
	Reason   string `cbor:"4,keyasint,omitempty"`

	// Attempt is the retry attempt count at the time of the change.
	Attempt int `cbor:"5,keyasint,omitempty"`
}

// StateEntity is what a StateChangeEvent describes.
type StateEntity uint8

const (
	StateEntityConnection StateEntity = iota
	// StateEntityIdentity is one identity on a multiplexed connection.
	StateEntityIdentity
)

// RegistrationEvent captures the outcome of registering one identity.
type RegistrationEvent struct {
	Identity string `cbor:"1,keyasint"`
	State    string `cbor:"2,keyasint"`
	Error    string `cbor:"3,keyasint,omitempty"`
}

// ErrorEventData captures a classified error.
type ErrorEventData struct {
	Layer   Layer  `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`

	// Kind is the classification (RETRYABLE, TERMINAL_AUTH, ...).
	Kind string `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
