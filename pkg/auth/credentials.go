package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"time"

	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

// Credentials are what a transport needs to authenticate one identity.
// Either SASToken or Certificate is set.
type Credentials struct {
	// HostName is the endpoint to connect to (hub or gateway).
	HostName string

	Identity Identity

	// SASToken is the full "SharedAccessSignature sr=...&sig=...&se=..." string.
	SASToken string

	// Audience is the resource URI the token was signed for.
	Audience string

	// ExpiresAt is the token expiry; zero for certificates.
	ExpiresAt time.Time

	// Certificate is the client certificate for X.509 authentication.
	Certificate *tls.Certificate
}

// UsesToken reports whether the credentials carry a SAS token.
func (c *Credentials) UsesToken() bool {
	return c.SASToken != ""
}

// IsExpired reports whether the token expired at now.
func (c *Credentials) IsExpired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// CredentialProvider supplies fresh credentials before every connection
// attempt. Implementations must be safe for concurrent use.
type CredentialProvider interface {
	Identity() Identity
	HostName() string
	Credentials(ctx context.Context) (*Credentials, error)
}

// ProviderConfig selects provider options for NewProvider.
type ProviderConfig struct {
	SAS SASConfig

	// Certificate is required when the connection string sets x509=true.
	Certificate *tls.Certificate
}

// NewProvider creates the provider matching the connection string's
// authentication method.
func NewProvider(cs *ConnectionString, cfg ProviderConfig) (CredentialProvider, error) {
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	switch {
	case cs.SharedAccessKey != "":
		return NewSASTokenProvider(cs, cfg.SAS)
	case cs.SharedAccessSignature != "":
		return NewStaticTokenProvider(cs.EndpointHost(), cs.Identity, cs.SharedAccessSignature)
	default:
		if cfg.Certificate == nil {
			return nil, &failure.ConfigurationError{Field: "certificate", Err: errors.New("x509 connection string requires a client certificate")}
		}
		return NewX509Provider(cs.EndpointHost(), cs.Identity, *cfg.Certificate), nil
	}
}

// HostProvider supplies host-only credentials. A multiplexed connection
// uses it for the physical link and authenticates each identity later.
type HostProvider struct {
	host string
}

// NewHostProvider creates a provider for host.
func NewHostProvider(host string) *HostProvider {
	return &HostProvider{host: host}
}

// Identity returns the zero identity.
func (p *HostProvider) Identity() Identity { return Identity{} }

// HostName returns the host.
func (p *HostProvider) HostName() string { return p.host }

// Credentials returns credentials carrying only the host name.
func (p *HostProvider) Credentials(context.Context) (*Credentials, error) {
	return &Credentials{HostName: p.host}, nil
}

// Compile-time interface satisfaction checks.
var (
	_ CredentialProvider = (*HostProvider)(nil)
	_ CredentialProvider = (*SASTokenProvider)(nil)
	_ CredentialProvider = (*StaticTokenProvider)(nil)
	_ CredentialProvider = (*X509Provider)(nil)
)
