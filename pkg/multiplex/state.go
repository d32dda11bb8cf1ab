package multiplex

// State is the registration state of one identity on the shared connection.
type State uint8

const (
	// StateUnregistered means the identity has no open links.
	StateUnregistered State = iota

	// StateRegistering means a registration is in flight.
	StateRegistering

	// StateRegistered means the identity is authenticated and its links are open.
	StateRegistered

	// StateRegistrationFailed means the last registration attempt failed.
	StateRegistrationFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateRegistering:
		return "REGISTERING"
	case StateRegistered:
		return "REGISTERED"
	case StateRegistrationFailed:
		return "REGISTRATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Registration is a point-in-time view of one identity.
type Registration struct {
	Key   string
	State State

	// Err is the last registration error, set in StateRegistrationFailed.
	Err error
}
