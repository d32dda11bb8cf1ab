package auth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"crypto/x509"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/hubconnect/hubconnect-go/pkg/cert"
	"github.com/hubconnect/hubconnect-go/pkg/failure"
)

// X509Provider authenticates with a client certificate.
type X509Provider struct {
	host     string
	identity Identity
	cert     tls.Certificate
}

// NewX509Provider creates a provider from a loaded certificate.
func NewX509Provider(host string, id Identity, cert tls.Certificate) *X509Provider {
	return &X509Provider{host: host, identity: id, cert: cert}
}

// LoadX509KeyPair loads a PEM certificate and key from disk.
func LoadX509KeyPair(host string, id Identity, certFile, keyFile string) (*X509Provider, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, &failure.ConfigurationError{Field: "certificate", Err: err}
	}
	return NewX509Provider(host, id, cert), nil
}

// LoadPKCS12 loads a certificate bundle (.pfx / .p12) holding one
// certificate and its private key.
func LoadPKCS12(host string, id Identity, path, password string) (*X509Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &failure.ConfigurationError{Field: "certificate", Err: err}
	}
	key, leaf, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, &failure.ConfigurationError{Field: "certificate", Err: fmt.Errorf("decode pkcs12: %w", err)}
	}
	if leaf == nil || key == nil {
		return nil, &failure.ConfigurationError{Field: "certificate", Err: errors.New("pkcs12 bundle lacks certificate or key")}
	}
	cert := tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return NewX509Provider(host, id, cert), nil
}

// Identity returns the identity.
func (p *X509Provider) Identity() Identity { return p.identity }

// HostName returns the endpoint host.
func (p *X509Provider) HostName() string { return p.host }

// Credentials returns the certificate credentials. An expired
// certificate fails with an AuthenticationError marked Expired.
func (p *X509Provider) Credentials(context.Context) (*Credentials, error) {
	c := p.cert
	creds := &Credentials{
		HostName:    p.host,
		Identity:    p.identity,
		Certificate: &c,
	}
	leaf, err := leafOf(&c)
	if err != nil {
		return nil, &failure.ConfigurationError{Field: "certificate", Err: err}
	}
	if err := cert.CheckValidity(leaf, time.Now()); err != nil {
		if errors.Is(err, cert.ErrCertExpired) {
			return nil, &failure.AuthenticationError{Identity: p.identity.Key(), Expired: true, Err: err}
		}
		return nil, &failure.AuthenticationError{Identity: p.identity.Key(), Err: err}
	}
	return creds, nil
}

func leafOf(c *tls.Certificate) (*x509.Certificate, error) {
	if c.Leaf != nil {
		return c.Leaf, nil
	}
	if len(c.Certificate) == 0 {
		return nil, cert.ErrNoCertificate
	}
	return x509.ParseCertificate(c.Certificate[0])
}
