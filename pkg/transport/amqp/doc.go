// Package amqp implements the AMQP 1.0 transport, directly on port 5671 or
// tunnelled through WebSockets (subprotocol AMQPWSB10) on port 443.
//
// One Transport is one AMQP connection with a single session. Identities
// authenticate with a put-token request on the $cbs node and then attach a
// telemetry sender and a cloud-to-device receiver. Because identities are
// independent, the transport implements transport.Registrar and can carry
// many identities on one connection (see package multiplex). When the hub
// detaches a secondary identity's links, only that identity is dropped and
// a handler implementing transport.IdentityHandler is told.
//
// Tokens of registered identities are renewed on the CBS node before they
// expire when Config.Refresh is set.
package amqp
