package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

const tokenPrefix = "SharedAccessSignature "

// SAS token defaults.
const (
	// DefaultTokenTTL is the lifetime of generated tokens.
	DefaultTokenTTL = time.Hour

	// DefaultRenewalFraction is the share of the TTL after which a cached
	// token is replaced.
	DefaultRenewalFraction = 0.85
)

var errTokenExpired = errors.New("shared access signature expired")

// BuildToken signs a SAS token for resourceURI valid until expiry.
// key is the base64 shared access key. keyName is optional.
func BuildToken(resourceURI, key, keyName string, expiry time.Time) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", &failure.ConfigurationError{Field: keySharedAccessKey, Err: fmt.Errorf("not base64: %w", err)}
	}

	audience := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(audience + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("%ssr=%s&sig=%s&se=%s", tokenPrefix, audience, url.QueryEscape(sig), se)
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}

// TokenInfo holds the public fields of a SAS token.
type TokenInfo struct {
	Audience  string
	ExpiresAt time.Time
	KeyName   string
}

// ParseToken extracts audience and expiry from a SAS token.
func ParseToken(token string) (TokenInfo, error) {
	body, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return TokenInfo{}, &failure.ConfigurationError{Field: keySharedAccessSignature, Err: errors.New("missing SharedAccessSignature prefix")}
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return TokenInfo{}, &failure.ConfigurationError{Field: keySharedAccessSignature, Err: err}
	}
	if values.Get("sr") == "" || values.Get("sig") == "" || values.Get("se") == "" {
		return TokenInfo{}, &failure.ConfigurationError{Field: keySharedAccessSignature, Err: errors.New("sr, sig and se are required")}
	}
	se, err := strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil {
		return TokenInfo{}, &failure.ConfigurationError{Field: keySharedAccessSignature, Err: fmt.Errorf("bad expiry: %w", err)}
	}
	return TokenInfo{
		Audience:  values.Get("sr"),
		ExpiresAt: time.Unix(se, 0),
		KeyName:   values.Get("skn"),
	}, nil
}

// SASConfig configures generated tokens.
type SASConfig struct {
	// TTL is the token lifetime. Default: DefaultTokenTTL.
	TTL time.Duration

	// RenewalMargin is how long before expiry a cached token is replaced.
	// Default: (1 - DefaultRenewalFraction) * TTL.
	RenewalMargin time.Duration
}

// SASTokenProvider generates tokens from a shared access key and caches
// them until they approach expiry.
type SASTokenProvider struct {
	hubHost  string
	endpoint string
	identity Identity
	key      string
	keyName  string
	ttl      time.Duration
	margin   time.Duration

	now func() time.Time

	mu     sync.Mutex
	cached *Credentials
}

// NewSASTokenProvider creates a provider for a connection string with a
// SharedAccessKey.
func NewSASTokenProvider(cs *ConnectionString, cfg SASConfig) (*SASTokenProvider, error) {
	if _, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey); err != nil {
		return nil, &failure.ConfigurationError{Field: keySharedAccessKey, Err: fmt.Errorf("not base64: %w", err)}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if cfg.RenewalMargin <= 0 || cfg.RenewalMargin >= cfg.TTL {
		cfg.RenewalMargin = time.Duration(float64(cfg.TTL) * (1 - DefaultRenewalFraction))
	}
	return &SASTokenProvider{
		hubHost:  cs.HostName,
		endpoint: cs.EndpointHost(),
		identity: cs.Identity,
		key:      cs.SharedAccessKey,
		keyName:  cs.SharedAccessKeyName,
		ttl:      cfg.TTL,
		margin:   cfg.RenewalMargin,
		now:      time.Now,
	}, nil
}

// Identity returns the identity the tokens are signed for.
func (p *SASTokenProvider) Identity() Identity { return p.identity }

// HostName returns the endpoint host.
func (p *SASTokenProvider) HostName() string { return p.endpoint }

// Credentials returns a cached token or signs a new one.
func (p *SASTokenProvider) Credentials(context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.cached != nil && now.Before(p.cached.ExpiresAt.Add(-p.margin)) {
		c := *p.cached
		return &c, nil
	}

	audience := p.hubHost + "/" + p.identity.ResourcePath()
	expiry := now.Add(p.ttl)
	token, err := BuildToken(audience, p.key, p.keyName, expiry)
	if err != nil {
		return nil, err
	}

	p.cached = &Credentials{
		HostName:  p.endpoint,
		Identity:  p.identity,
		SASToken:  token,
		Audience:  audience,
		ExpiresAt: expiry,
	}
	c := *p.cached
	return &c, nil
}

// StaticTokenProvider hands out a user-supplied token. Once the token
// expires every call fails with an expired AuthenticationError.
type StaticTokenProvider struct {
	host     string
	identity Identity
	token    string
	info     TokenInfo

	now func() time.Time
}

// NewStaticTokenProvider creates a provider for a pre-signed token.
func NewStaticTokenProvider(host string, id Identity, token string) (*StaticTokenProvider, error) {
	info, err := ParseToken(token)
	if err != nil {
		return nil, err
	}
	return &StaticTokenProvider{host: host, identity: id, token: token, info: info, now: time.Now}, nil
}

// Identity returns the identity.
func (p *StaticTokenProvider) Identity() Identity { return p.identity }

// HostName returns the endpoint host.
func (p *StaticTokenProvider) HostName() string { return p.host }

// Credentials returns the token unless it has expired.
func (p *StaticTokenProvider) Credentials(context.Context) (*Credentials, error) {
	if !p.now().Before(p.info.ExpiresAt) {
		return nil, &failure.AuthenticationError{Identity: p.identity.Key(), Expired: true, Err: errTokenExpired}
	}
	return &Credentials{
		HostName:  p.host,
		Identity:  p.identity,
		SASToken:  p.token,
		Audience:  p.info.Audience,
		ExpiresAt: p.info.ExpiresAt,
	}, nil
}
