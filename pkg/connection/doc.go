// Package connection implements the device-side connection state machine.
//
// This package handles:
//   - Opening a transport with fresh credentials
//   - Classifying failures and consulting the retry policy
//   - Automatic reconnection on connection loss
//   - Status notifications in transition order
//   - The outgoing message queue and message expiry
//
// # States
//
//	DISCONNECTED ──Open ok──────────────────────────► CONNECTED
//	DISCONNECTED ──Open fails, retryable────────────► DISCONNECTED_RETRYING
//	CONNECTED ────loss, retryable, budget left──────► DISCONNECTED_RETRYING
//	CONNECTED ────Close / terminal / no budget──────► DISCONNECTED
//	RETRYING ─────attempt fails, retryable──────────► RETRYING (new cause)
//	RETRYING ─────attempt ok────────────────────────► CONNECTED
//	RETRYING ─────exhausted / terminal / Close──────► DISCONNECTED
//
// Every failed retry attempt is reported, so an application sees each
// DISCONNECTED_RETRYING with its cause and attempt number.
//
// # Sessions
//
// Each Open starts a session with its own context. Close cancels the
// session instead of waiting for its goroutines; a reconnect worker or
// sender that finds its session replaced exits without touching state.
// This keeps Close safe to call from a status listener.
//
// # Notifications
//
// Transitions are queued while the state lock is held and delivered by a
// single goroutine after it is released, so listeners observe changes in
// order and may call Open, Close or SendEvent.
//
// # Throttling
//
// A throttled failure waits at least twice the policy delay and never less
// than Config.ThrottleMinDelay (or the hub's retry-after hint).
//
// # Backoff Reset
//
// A graceful remote close of a healthy connection reconnects immediately
// with a fresh retry budget. During a retry sequence it counts as a plain
// retryable failure so bounded policies still terminate.
package connection
