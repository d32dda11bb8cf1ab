package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
	"time"
)

const (
	// DefaultValidity is the validity of generated device certificates.
	DefaultValidity = 365 * 24 * time.Hour

	// CAValidity is the validity of generated CA certificates.
	CAValidity = 10 * 365 * 24 * time.Hour

	// RenewalWindow is how long before expiry a certificate should be
	// replaced.
	RenewalWindow = 30 * 24 * time.Hour

	// clockSkew backdates NotBefore so freshly generated certificates
	// are accepted by hosts with slightly late clocks.
	clockSkew = 5 * time.Minute
)

// ErrInvalidDeviceID is returned when a certificate is requested for an
// empty device ID.
var ErrInvalidDeviceID = errors.New("device ID required")

// DeviceCert is a device certificate with its private key.
type DeviceCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey

	// Issuer is the CA certificate, nil when self-signed.
	Issuer *x509.Certificate
}

// CA issues device certificates.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// DeviceID returns the certificate's common name.
func (dc *DeviceCert) DeviceID() string {
	if dc == nil || dc.Certificate == nil {
		return ""
	}
	return dc.Certificate.Subject.CommonName
}

// ExpiresAt returns when the certificate expires.
func (dc *DeviceCert) ExpiresAt() time.Time {
	if dc == nil || dc.Certificate == nil {
		return time.Time{}
	}
	return dc.Certificate.NotAfter
}

// NeedsRenewal reports whether the certificate expires within
// RenewalWindow of now.
func (dc *DeviceCert) NeedsRenewal(now time.Time) bool {
	if dc == nil || dc.Certificate == nil {
		return true
	}
	return now.Add(RenewalWindow).After(dc.Certificate.NotAfter)
}

// TLSCertificate converts the certificate for use in a TLS handshake.
// The issuer, when known, is appended to the chain.
func (dc *DeviceCert) TLSCertificate() tls.Certificate {
	if dc == nil || dc.Certificate == nil || dc.PrivateKey == nil {
		return tls.Certificate{}
	}
	chain := [][]byte{dc.Certificate.Raw}
	if dc.Issuer != nil {
		chain = append(chain, dc.Issuer.Raw)
	}
	return tls.Certificate{
		Certificate: chain,
		PrivateKey:  dc.PrivateKey,
		Leaf:        dc.Certificate,
	}
}

// Thumbprint returns the upper-case hex SHA-256 fingerprint used to
// register self-signed certificates with the hub.
func Thumbprint(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	sum := sha256.Sum256(c.Raw)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// GenerateSelfSigned creates a P-256 self-signed client certificate for
// deviceID.
func GenerateSelfSigned(deviceID string, validity time.Duration) (*DeviceCert, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl, err := clientTemplate(deviceID, validity)
	if err != nil {
		return nil, err
	}
	c, err := create(tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &DeviceCert{Certificate: c, PrivateKey: key}, nil
}

// GenerateCA creates a self-signed CA for issuing device certificates.
func GenerateCA(commonName string, validity time.Duration) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	c, err := create(tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: c, PrivateKey: key}, nil
}

// Issue creates a client certificate for deviceID signed by ca.
func (ca *CA) Issue(deviceID string, validity time.Duration) (*DeviceCert, error) {
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl, err := clientTemplate(deviceID, validity)
	if err != nil {
		return nil, err
	}
	if tmpl.NotAfter.After(ca.Certificate.NotAfter) {
		tmpl.NotAfter = ca.Certificate.NotAfter
	}
	c, err := create(tmpl, ca.Certificate, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &DeviceCert{Certificate: c, PrivateKey: key, Issuer: ca.Certificate}, nil
}

// Pool returns a pool holding the CA certificate.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Certificate)
	return pool
}

func clientTemplate(deviceID string, validity time.Duration) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: deviceID},
		NotBefore:    now.Add(-clockSkew),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, nil
}

func create(tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
}
