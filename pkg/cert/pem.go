package cert

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidPEM is returned for data without the expected PEM block.
var ErrInvalidPEM = errors.New("invalid PEM data")

const (
	blockCertificate = "CERTIFICATE"
	blockECKey       = "EC PRIVATE KEY"
)

// EncodeCertPEM encodes a certificate as PEM.
func EncodeCertPEM(c *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockCertificate, Bytes: c.Raw})
}

// DecodeCertPEM decodes the first certificate in data.
func DecodeCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockCertificate {
		return nil, ErrInvalidPEM
	}
	return x509.ParseCertificate(block.Bytes)
}

// EncodeKeyPEM encodes an ECDSA private key as PEM.
func EncodeKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockECKey, Bytes: der}), nil
}

// DecodeKeyPEM decodes an ECDSA private key.
func DecodeKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockECKey {
		return nil, ErrInvalidPEM
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

// WriteFiles writes the certificate chain and the key (mode 0600). The
// files load with tls.LoadX509KeyPair.
func (dc *DeviceCert) WriteFiles(certPath, keyPath string) error {
	certPEM := EncodeCertPEM(dc.Certificate)
	if dc.Issuer != nil {
		certPEM = append(certPEM, EncodeCertPEM(dc.Issuer)...)
	}
	keyPEM, err := EncodeKeyPEM(dc.PrivateKey)
	if err != nil {
		return err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// Load reads a certificate and key written by WriteFiles.
func Load(certPath, keyPath string) (*DeviceCert, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not ECDSA", ErrInvalidPEM)
	}
	dc := &DeviceCert{Certificate: pair.Leaf, PrivateKey: key}
	if dc.Certificate == nil {
		if dc.Certificate, err = x509.ParseCertificate(pair.Certificate[0]); err != nil {
			return nil, err
		}
	}
	if len(pair.Certificate) > 1 {
		if dc.Issuer, err = x509.ParseCertificate(pair.Certificate[1]); err != nil {
			return nil, err
		}
	}
	return dc, nil
}
