package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorledger/errors"
)

func generateTestCert(t *testing.T) []byte {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Org1"},
			CommonName:   "ca.org1.example.com",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
}

func TestReadSingleFile(t *testing.T) {
	t.Run("exactly one file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cert.pem"), []byte("pem"), 0o600))
		require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

		data, path, err := ReadSingleFile(dir)
		require.NoError(t, err)
		assert.Equal(t, []byte("pem"), data)
		assert.Equal(t, filepath.Join(dir, "cert.pem"), path)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, _, err := ReadSingleFile(t.TempDir())
		assert.ErrorIs(t, err, ErrNoFiles)
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("multiple files", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a_sk"), []byte("a"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b_sk"), []byte("b"), 0o600))

		_, _, err := ReadSingleFile(dir)
		assert.ErrorIs(t, err, ErrMultipleFiles)
	})

	t.Run("missing directory", func(t *testing.T) {
		_, _, err := ReadSingleFile(filepath.Join(t.TempDir(), "absent"))
		assert.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})
}

func TestLoadCertPool(t *testing.T) {
	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.crt")
	require.NoError(t, os.WriteFile(caFile, generateTestCert(t), 0o644))

	pool, err := LoadCertPool(caFile)
	require.NoError(t, err)
	assert.NotNil(t, pool)

	badFile := filepath.Join(dir, "bad.crt")
	require.NoError(t, os.WriteFile(badFile, []byte("not a cert"), 0o644))
	_, err = LoadCertPool(badFile)
	assert.ErrorIs(t, err, ErrInvalidPEM)

	_, err = LoadCertPool(filepath.Join(dir, "missing.crt"))
	assert.Error(t, err)
}

func TestClientConfig(t *testing.T) {
	caFile := filepath.Join(t.TempDir(), "ca.crt")
	require.NoError(t, os.WriteFile(caFile, generateTestCert(t), 0o644))

	cfg, err := ClientConfig(caFile, "peer0.org1.example.com")
	require.NoError(t, err)
	assert.Equal(t, "peer0.org1.example.com", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.NotNil(t, cfg.RootCAs)
}
