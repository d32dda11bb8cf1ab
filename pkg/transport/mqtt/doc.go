// Package mqtt implements the MQTT transport, directly on TCP port 8883 or
// tunnelled through WebSockets on port 443.
//
// The client ID is the identity key and the SAS token travels as the
// CONNECT password. Telemetry is published with QoS 1 to
// devices/{id}/messages/events/ with system and application properties
// url-encoded into the topic. Cloud-to-device messages arrive on
// devices/{id}/messages/devicebound/#.
//
// The transport never reconnects on its own. A dropped session is reported
// once through transport.Handler.OnConnectionLost.
package mqtt
