// Package transport defines the contract between the connection state
// machine and the wire protocols.
//
// A Transport owns exactly one physical connection. It connects when asked,
// reports asynchronous loss through Handler.OnConnectionLost, delivers
// received messages through Handler.OnMessage and wraps every failure in a
// failure package error. Reconnection, backoff and status reporting live in
// the connection package.
//
// # Implementations
//
//   - mqtt: MQTT 3.1.1 over TLS or WebSockets
//   - amqp: AMQP 1.0 over TLS or WebSockets, with per-identity CBS
//     authentication for multiplexing
//   - https: request/response telemetry and polled cloud-to-device
//     messages; there is no connection to lose
//
// # Endpoints
//
//	MQTT      ssl://{host}:8883
//	MQTT_WS   wss://{host}:443/$iothub/websocket
//	AMQPS     amqps://{host}:5671
//	AMQPS_WS  wss://{host}:443/$iothub/websocket   (subprotocol AMQPWSB10)
//	HTTPS     https://{host}/devices/{id}/messages/...
package transport
