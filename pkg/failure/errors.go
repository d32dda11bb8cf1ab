package failure

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Sentinel errors shared by the connection layers.
var (
	// ErrNotConnected is returned when an operation needs an open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClientClosed completes pending work when the client is closed.
	ErrClientClosed = errors.New("client closed")

	// ErrMessageExpired completes a message whose expiry passed before delivery.
	ErrMessageExpired = errors.New("message expired")

	// ErrRetryExpired is returned when the retry policy gives up.
	ErrRetryExpired = errors.New("retry budget exhausted")

	// ErrOpenInProgress is returned when Open is called while another Open
	// has not finished its first attempt.
	ErrOpenInProgress = errors.New("open already in progress")
)

// TransientNetworkError is a network-level failure that may succeed on retry.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient network error: %v", e.Err)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ThrottlingError reports that the hub rejected a request because of rate
// limits. RetryAfter is zero when the hub gave no hint.
type ThrottlingError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottlingError) Error() string {
	if e.Err == nil {
		return "throttled by hub"
	}
	return fmt.Sprintf("throttled by hub: %v", e.Err)
}

func (e *ThrottlingError) Unwrap() error { return e.Err }

// AuthenticationError is a credential rejection. Expired is set when the
// rejected credential was a SAS token past its expiry.
type AuthenticationError struct {
	Identity string
	Expired  bool
	Err      error
}

func (e *AuthenticationError) Error() string {
	var b strings.Builder
	b.WriteString("authentication failed")
	if e.Identity != "" {
		b.WriteString(" for ")
		b.WriteString(e.Identity)
	}
	if e.Expired {
		b.WriteString(" (token expired)")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConfigurationError is a local or remote configuration problem that no
// amount of retrying will fix.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RemoteCloseError reports that the hub closed a healthy connection
// gracefully, for example during a service upgrade or token refresh.
type RemoteCloseError struct {
	Err error
}

func (e *RemoteCloseError) Error() string {
	if e.Err == nil {
		return "connection closed by remote"
	}
	return fmt.Sprintf("connection closed by remote: %v", e.Err)
}

func (e *RemoteCloseError) Unwrap() error { return e.Err }

// ExpiredMessageError completes a message that could not be delivered
// before its expiry time.
type ExpiredMessageError struct {
	MessageID string
	ExpiredAt time.Time
}

func (e *ExpiredMessageError) Error() string {
	return fmt.Sprintf("message %s expired at %s", e.MessageID, e.ExpiredAt.Format(time.RFC3339Nano))
}

func (e *ExpiredMessageError) Unwrap() error { return ErrMessageExpired }

// ServiceError is a status code returned by the hub.
type ServiceError struct {
	StatusCode  int
	Description string
}

func (e *ServiceError) Error() string {
	text := http.StatusText(e.StatusCode)
	if text == "" {
		text = "status"
	}
	if e.Description == "" {
		return fmt.Sprintf("hub returned %d %s", e.StatusCode, text)
	}
	return fmt.Sprintf("hub returned %d %s: %s", e.StatusCode, text, e.Description)
}

// NewServiceError wraps a hub status code into the matching taxonomy error.
func NewServiceError(statusCode int, description string) error {
	se := &ServiceError{StatusCode: statusCode, Description: description}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &ThrottlingError{Err: se}
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return &AuthenticationError{Err: se}
	case statusCode >= 500:
		return &TransientNetworkError{Op: "hub", Err: se}
	case statusCode >= 400:
		return &ConfigurationError{Err: se}
	}
	return se
}

// RegistrationError aggregates per-identity failures of one multiplexing
// registration pass. It is only created when at least one identity failed.
type RegistrationError struct {
	Failures map[string]error
}

func (e *RegistrationError) Error() string {
	keys := e.Identities()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, e.Failures[k]))
	}
	return fmt.Sprintf("registration failed for %d identities: %s", len(keys), strings.Join(parts, "; "))
}

// Identities returns the failed identity keys in sorted order.
func (e *RegistrationError) Identities() []string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *RegistrationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, k := range e.Identities() {
		errs = append(errs, e.Failures[k])
	}
	return errs
}
