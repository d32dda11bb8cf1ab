package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
	"github.com/hubconnect/hubconnect-go/pkg/retry"
	"github.com/hubconnect/hubconnect-go/pkg/transport"
	"github.com/hubconnect/hubconnect-go/pkg/transport/amqp"
	"github.com/hubconnect/hubconnect-go/pkg/transport/https"
	"github.com/hubconnect/hubconnect-go/pkg/transport/mqtt"
	"github.com/hubconnect/hubconnect-go/pkg/version"
)

// Options configures a Client or a MultiplexingClient.
type Options struct {
	// Protocol selects the transport. The zero value is AMQPS.
	Protocol transport.Protocol

	TLS *transport.TLSConfig

	// RetryPolicy decides on reconnection. Default: retry.DefaultExponentialBackoff().
	RetryPolicy retry.Policy

	// SAS configures tokens generated from a shared access key.
	SAS auth.SASConfig

	// Certificate is the client certificate for x509=true connection strings.
	Certificate *tls.Certificate

	ConnectTimeout        time.Duration
	ThrottleMinDelay      time.Duration
	DefaultMessageTimeout time.Duration

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration

	// PollInterval is the HTTPS cloud-to-device polling period.
	PollInterval time.Duration

	// ProductInfo is appended to the SDK's user agent.
	ProductInfo string

	// Logger is the operational logger. If nil, logging is disabled.
	Logger *logrus.Entry

	// ProtocolLogger captures protocol events. If nil, capture is disabled.
	ProtocolLogger hublog.Logger

	// Transport replaces the transport built from Protocol.
	Transport transport.Transport
}

// DefaultOptions returns options for an MQTT client with the default
// retry policy.
func DefaultOptions() Options {
	return Options{
		Protocol:    transport.MQTT,
		RetryPolicy: retry.DefaultExponentialBackoff(),
	}
}

// newTransport builds the transport for opts.Protocol. refresh supplies
// renewed tokens to the AMQP and HTTPS transports.
func newTransport(opts Options, refresh transport.RefreshFunc) (transport.Transport, error) {
	if opts.Transport != nil {
		return opts.Transport, nil
	}

	productInfo := version.ProductInfo(opts.ProductInfo)
	switch opts.Protocol {
	case transport.MQTT, transport.MQTTWebSocket:
		return mqtt.New(mqtt.Config{
			WebSocket:   opts.Protocol.UsesWebSocket(),
			TLS:         opts.TLS,
			KeepAlive:   opts.KeepAlive,
			ProductInfo: productInfo,
			Logger:      opts.Logger,
		}), nil
	case transport.AMQPS, transport.AMQPSWebSocket:
		return amqp.New(amqp.Config{
			WebSocket:   opts.Protocol.UsesWebSocket(),
			TLS:         opts.TLS,
			ProductInfo: productInfo,
			Refresh:     refresh,
			Logger:      opts.Logger,
		}), nil
	case transport.HTTPS:
		return https.New(https.Config{
			TLS:          opts.TLS,
			PollInterval: opts.PollInterval,
			ProductInfo:  productInfo,
			Refresh:      refresh,
			Logger:       opts.Logger,
		}), nil
	default:
		return nil, &failure.ConfigurationError{Field: "Protocol", Err: fmt.Errorf("unsupported protocol %s", opts.Protocol)}
	}
}

// providerRefresh renews tokens from a single provider.
func providerRefresh(p auth.CredentialProvider) transport.RefreshFunc {
	return func(ctx context.Context, _ auth.Identity) (*auth.Credentials, error) {
		return p.Credentials(ctx)
	}
}
