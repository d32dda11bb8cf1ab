// Package retry provides reconnection policies and backoff helpers.
//
// A Policy is a pure function of the attempt count and the time since the
// first failure. The bookkeeping (State) belongs to the connection that
// retries, so one policy value can be shared by many clients.
//
// # Default Curve
//
// DefaultExponentialBackoff retries the first failure immediately, then
// waits 100ms, 200ms, 400ms, ... up to 10s per attempt, for at most four
// minutes:
//
//	delay(n) = min(base * 2^(n-2), max) * jitter   (n >= 2)
//
// # Jitter
//
// ProportionalJitter spreads each delay by ±20% so that a fleet of devices
// dropped by the same outage does not reconnect in lockstep. The random
// source is injectable for reproducible tests.
package retry
