// Package failure defines the error taxonomy of the device client and the
// classifier that turns any error into a retry decision input.
//
// Transports wrap their native errors into one of the taxonomy types
// (TransientNetworkError, ThrottlingError, AuthenticationError,
// ConfigurationError, RemoteCloseError, ServiceError). The connection state
// machine calls Classify exactly once per failure and never inspects error
// types itself.
//
// # Precedence
//
// Classify walks the full wrapped chain. When a chain holds both an
// authentication failure and a network symptom, the authentication failure
// wins: retrying with a rejected credential only burns the retry budget.
package failure
