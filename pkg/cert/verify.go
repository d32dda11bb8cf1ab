package cert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// Verification errors.
var (
	ErrNoCertificate    = errors.New("no certificate")
	ErrCertExpired      = errors.New("certificate has expired")
	ErrCertNotYetValid  = errors.New("certificate is not yet valid")
	ErrInvalidChain     = errors.New("invalid certificate chain")
	ErrIdentityMismatch = errors.New("certificate common name does not match device ID")
)

// CheckValidity checks c's validity period at now.
func CheckValidity(c *x509.Certificate, now time.Time) error {
	if c == nil {
		return ErrNoCertificate
	}
	if now.Before(c.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(c.NotAfter) {
		return fmt.Errorf("%w: %s", ErrCertExpired, c.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// Verify checks that c is valid at now, names deviceID and, when ca is
// non-nil, chains to ca.
func Verify(c *x509.Certificate, deviceID string, ca *x509.Certificate, now time.Time) error {
	if err := CheckValidity(c, now); err != nil {
		return err
	}
	if c.Subject.CommonName != deviceID {
		return fmt.Errorf("%w: %q != %q", ErrIdentityMismatch, c.Subject.CommonName, deviceID)
	}
	if ca == nil {
		return nil
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err := c.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return nil
}
