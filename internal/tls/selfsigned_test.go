package tls

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSelfSigned(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cert, err := SelfSigned(now)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)

	assert.Equal(t, []string{"localhost"}, cert.Leaf.DNSNames)
	assert.True(t, cert.Leaf.NotAfter.Equal(now.Add(365*24*time.Hour)))
	assert.True(t, cert.Leaf.IPAddresses[0].Equal(net.IPv4(127, 0, 0, 1)))
	_, ok := cert.PrivateKey.(*ecdsa.PrivateKey)
	assert.True(t, ok)
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("x"))
	assert.Len(t, strings.Split(fp, ":"), 32)
	assert.Equal(t, fp, strings.ToUpper(fp))
}

func TestServerConfigSelfSigned(t *testing.T) {
	cfg, err := ServerConfig("", "", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestServerConfigFromFiles(t *testing.T) {
	cert, err := SelfSigned(time.Now())
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cfg, err := ServerConfig(certFile, keyFile, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], cfg.Certificates[0].Certificate[0])
}

func TestServerConfigNeedsBothFiles(t *testing.T) {
	_, err := ServerConfig("cert.pem", "", zaptest.NewLogger(t))
	assert.Error(t, err)
}
