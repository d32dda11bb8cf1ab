package connection

import (
	"time"

	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

// Status is the externally visible connection status.
type Status uint8

const (
	// StatusDisconnected indicates no connection and no retry in progress.
	StatusDisconnected Status = iota

	// StatusDisconnectedRetrying indicates the connection dropped or failed
	// and the reconnect loop is running.
	StatusDisconnectedRetrying

	// StatusConnected indicates an established connection.
	StatusConnected
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusDisconnectedRetrying:
		return "DISCONNECTED_RETRYING"
	case StatusConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Reason explains a status change.
type Reason uint8

const (
	ReasonConnectionOK Reason = iota
	ReasonClientClose
	ReasonCommunicationError
	ReasonRetryExpired
	ReasonBadCredential
	ReasonExpiredSASToken
	ReasonNoNetwork
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case ReasonConnectionOK:
		return "CONNECTION_OK"
	case ReasonClientClose:
		return "CLIENT_CLOSE"
	case ReasonCommunicationError:
		return "COMMUNICATION_ERROR"
	case ReasonRetryExpired:
		return "RETRY_EXPIRED"
	case ReasonBadCredential:
		return "BAD_CREDENTIAL"
	case ReasonExpiredSASToken:
		return "EXPIRED_SAS_TOKEN"
	case ReasonNoNetwork:
		return "NO_NETWORK"
	default:
		return "UNKNOWN"
	}
}

// ReasonFor maps a classified error to the reason reported with the
// resulting status change.
func ReasonFor(c failure.Classification) Reason {
	switch c.Kind {
	case failure.TerminalAuth:
		if c.Expired {
			return ReasonExpiredSASToken
		}
		return ReasonBadCredential
	case failure.Retryable:
		if c.Throttled {
			return ReasonCommunicationError
		}
		return ReasonNoNetwork
	default:
		return ReasonCommunicationError
	}
}

// StatusChange is delivered to status listeners once per transition.
type StatusChange struct {
	Status   Status
	Previous Status
	Reason   Reason

	// Cause is the error behind the change; nil for CONNECTION_OK and
	// CLIENT_CLOSE.
	Cause error

	// Attempt is the number of failed attempts in the current retry
	// sequence (0 once connected).
	Attempt int

	At time.Time
}
