// Package multiplex tracks the device and module identities that share one
// physical connection.
//
// A Manager belongs to exactly one connection. Identities are added with
// Add and registered on the open connection with RegisterAll. Each identity
// registers independently: a failure is recorded on that identity only and
// returned as part of a *failure.RegistrationError that lists every identity
// that failed in the pass.
//
// # Reconnects
//
// When the physical connection drops, MarkDisconnected resets registered
// identities to StateUnregistered while remembering that they are wanted.
// ReregisterAll, called from the connection's connect hook, registers them
// again before the connection reports CONNECTED, so an application never
// observes CONNECTED with a previously registered identity missing.
//
// # Concurrency
//
// Registration passes (RegisterAll, ReregisterAll, Remove) are serialized
// per Manager. Inside a pass identities register concurrently, bounded by
// Config.MaxConcurrency. State and Snapshot may be called at any time.
package multiplex
