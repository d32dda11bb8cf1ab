package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hubconnect/hubconnect-go/pkg/cert"
	hublog "github.com/hubconnect/hubconnect-go/pkg/log"
)

func TestGenerateCert(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "dev.pem"), filepath.Join(dir, "dev.key")

	cfg, err := loadConfig([]string{
		"-gen-cert",
		"-cert-file", certFile,
		"-key-file", keyFile,
		"-connection-string", "HostName=hub.test;DeviceId=evse1;x509=true",
	})
	require.NoError(t, err)
	require.True(t, cfg.GenCert)

	var out bytes.Buffer
	require.NoError(t, generateCert(cfg, &out))

	dc, err := cert.Load(certFile, keyFile)
	require.NoError(t, err)
	assert.NoError(t, cert.Verify(dc.Certificate, "evse1", nil, time.Now()))
	assert.Contains(t, out.String(), "Thumbprint: "+cert.Thumbprint(dc.Certificate))

	// The written pair authenticates the same device.
	logger, err := newLogger("error")
	require.NoError(t, err)
	cfg.GenCert = false
	a, err := newApp(cfg, logger, hublog.NoopLogger{})
	require.NoError(t, err)
	require.Len(t, a.clients, 1)
	assert.Equal(t, "evse1", a.clients[0].Identity().DeviceID)
}

func TestGenerateCertRequiresX509(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ConnectionString = testConnStr
	cfg.CertFile, cfg.KeyFile = filepath.Join(dir, "c.pem"), filepath.Join(dir, "c.key")
	cfg.GenCert = true
	require.NoError(t, cfg.Validate())

	err := generateCert(cfg, &bytes.Buffer{})
	assert.ErrorContains(t, err, "x509=true")
}

func TestGenCertValidation(t *testing.T) {
	_, err := loadConfig([]string{"-gen-cert", "-connection-string", testConnStr})
	assert.ErrorContains(t, err, "gen-cert needs")
}
