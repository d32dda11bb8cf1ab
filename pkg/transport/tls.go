package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
)

// TLSConfig is the part of the TLS setup callers may override. The zero
// value verifies the hub against the system roots.
type TLSConfig struct {
	// RootCAs replaces the system pool, e.g. for a private hub.
	RootCAs *x509.CertPool

	// ServerName is verified instead of the connection host.
	ServerName string

	// InsecureSkipVerify is for local test brokers only.
	InsecureSkipVerify bool
}

// LoadRootCAs builds a pool from the PEM bundle at path.
func LoadRootCAs(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if pool := x509.NewCertPool(); pool.AppendCertsFromPEM(pem) {
		return pool, nil
	}
	return nil, fmt.Errorf("%s: no PEM certificates", path)
}

// NewClientTLSConfig returns the tls.Config every transport dials with.
// The hub requires TLS 1.2 or later. X.509 credentials are presented as
// the client certificate.
func NewClientTLSConfig(cfg *TLSConfig, host string, creds *auth.Credentials) *tls.Config {
	var c TLSConfig
	if cfg != nil {
		c = *cfg
	}
	if c.ServerName == "" {
		c.ServerName = host
	}

	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            c.RootCAs,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
	if creds != nil && creds.Certificate != nil {
		out.Certificates = append(out.Certificates, *creds.Certificate)
	}
	return out
}
