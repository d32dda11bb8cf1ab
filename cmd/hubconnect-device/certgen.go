package main

import (
	"fmt"
	"io"

	"github.com/hubconnect/hubconnect-go/pkg/auth"
	"github.com/hubconnect/hubconnect-go/pkg/cert"
)

// generateCert writes a self-signed certificate for the configured
// device and prints the thumbprint to register with the hub.
func generateCert(cfg Config, w io.Writer) error {
	cs, err := auth.ParseConnectionString(cfg.Connections()[0])
	if err != nil {
		return err
	}
	if !cs.X509 {
		return fmt.Errorf("connection string for %s does not use x509=true", cs.Identity)
	}

	dc, err := cert.GenerateSelfSigned(cs.Identity.DeviceID, cert.DefaultValidity)
	if err != nil {
		return err
	}
	if err := dc.WriteFiles(cfg.CertFile, cfg.KeyFile); err != nil {
		return err
	}

	fmt.Fprintf(w, "Device:     %s\n", cs.Identity.DeviceID)
	fmt.Fprintf(w, "Expires:    %s\n", dc.ExpiresAt().Format("2006-01-02"))
	fmt.Fprintf(w, "Thumbprint: %s\n", cert.Thumbprint(dc.Certificate))
	return nil
}
