package transport

import (
	"fmt"
	"strings"
)

// Protocol is the wire protocol of a transport.
type Protocol uint8

const (
	AMQPS Protocol = iota
	AMQPSWebSocket
	MQTT
	MQTTWebSocket
	HTTPS
)

// Default ports.
const (
	PortMQTT  = 8883
	PortAMQPS = 5671
	PortHTTPS = 443
)

// Multiplexing capacity per physical connection.
const (
	MaxMultiplexedAMQPS          = 1000
	MaxMultiplexedAMQPSWebSocket = 500
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case AMQPS:
		return "AMQPS"
	case AMQPSWebSocket:
		return "AMQPS_WS"
	case MQTT:
		return "MQTT"
	case MQTTWebSocket:
		return "MQTT_WS"
	case HTTPS:
		return "HTTPS"
	default:
		return "UNKNOWN"
	}
}

// ParseProtocol parses a protocol name as returned by String.
// Matching is case-insensitive.
func ParseProtocol(s string) (Protocol, error) {
	for _, p := range []Protocol{AMQPS, AMQPSWebSocket, MQTT, MQTTWebSocket, HTTPS} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

// UsesWebSocket reports whether the protocol is tunneled over WebSockets.
func (p Protocol) UsesWebSocket() bool {
	return p == AMQPSWebSocket || p == MQTTWebSocket
}

// SupportsMultiplexing reports whether several identities can share one
// connection.
func (p Protocol) SupportsMultiplexing() bool {
	return p == AMQPS || p == AMQPSWebSocket
}

// MaxMultiplexed returns the identity limit for multiplexing, or 0 when
// the protocol does not support it.
func (p Protocol) MaxMultiplexed() int {
	switch p {
	case AMQPS:
		return MaxMultiplexedAMQPS
	case AMQPSWebSocket:
		return MaxMultiplexedAMQPSWebSocket
	default:
		return 0
	}
}

// Port returns the default TCP port.
func (p Protocol) Port() int {
	switch p {
	case MQTT:
		return PortMQTT
	case AMQPS:
		return PortAMQPS
	default:
		return PortHTTPS
	}
}

// IsConnectionless reports whether the protocol has no persistent
// connection whose loss could be observed.
func (p Protocol) IsConnectionless() bool {
	return p == HTTPS
}
