package fabric

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/ledger"
)

// writeCredentials creates a self-signed identity laid out like a crypto directory.
func writeCredentials(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "peer0.org1.example.com"},
		DNSNames:              []string{"peer0.org1.example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	cfg := ConfigFromCryptoPath(Config{
		MSPID:         "Org1MSP",
		PeerHostAlias: "peer0.org1.example.com",
		Channel:       "mychannel",
		Chaincode:     "basic",
	}, dir, "User1@org1.example.com", "peer0.org1.example.com")

	for path, data := range map[string][]byte{
		filepath.Join(cfg.CertDir, "cert.pem"): certPEM,
		filepath.Join(cfg.KeyDir, "priv_sk"):   keyPEM,
		cfg.TLSCertPath:                        certPEM,
	} {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	full := Config{
		PeerEndpoint: "localhost:7051", MSPID: "Org1MSP", CertDir: "c", KeyDir: "k",
		TLSCertPath: "ca.crt", Channel: "mychannel", Chaincode: "basic",
	}
	require.NoError(t, full.Validate())

	blank := []func(*Config){
		func(c *Config) { c.PeerEndpoint = "" },
		func(c *Config) { c.MSPID = "" },
		func(c *Config) { c.CertDir = "" },
		func(c *Config) { c.KeyDir = "" },
		func(c *Config) { c.TLSCertPath = "" },
		func(c *Config) { c.Channel = "" },
		func(c *Config) { c.Chaincode = "" },
	}
	for i, unset := range blank {
		t.Run(fmt.Sprintf("missing-%d", i), func(t *testing.T) {
			cfg := full
			unset(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, errors.ErrMissingConfig)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestConfigFromCryptoPath(t *testing.T) {
	cfg := ConfigFromCryptoPath(Config{KeyDir: "/explicit/keys"}, "/crypto", "User1", "peer0")
	assert.Equal(t, filepath.Join("/crypto", "users", "User1", "msp", "signcerts"), cfg.CertDir)
	assert.Equal(t, "/explicit/keys", cfg.KeyDir)
	assert.Equal(t, filepath.Join("/crypto", "peers", "peer0", "tls", "ca.crt"), cfg.TLSCertPath)

	unchanged := ConfigFromCryptoPath(Config{}, "", "User1", "peer0")
	assert.Empty(t, unchanged.CertDir)
}

func TestConnector_Connect(t *testing.T) {
	t.Run("missing certificate is an identity error", func(t *testing.T) {
		cfg := writeCredentials(t)
		cfg.PeerEndpoint = "127.0.0.1:1"
		require.NoError(t, os.Remove(filepath.Join(cfg.CertDir, "cert.pem")))

		conn, err := NewConnector(cfg, nil)
		require.NoError(t, err)
		_, err = conn.Connect(context.Background())
		assert.Equal(t, ledger.KindIdentity, ledger.KindOf(err))
		assert.True(t, errors.IsFatal(err))
	})

	t.Run("two keys is an identity error", func(t *testing.T) {
		cfg := writeCredentials(t)
		cfg.PeerEndpoint = "127.0.0.1:1"
		require.NoError(t, os.WriteFile(filepath.Join(cfg.KeyDir, "other_sk"), []byte("x"), 0o600))

		conn, err := NewConnector(cfg, nil)
		require.NoError(t, err)
		_, err = conn.Connect(context.Background())
		assert.Equal(t, ledger.KindIdentity, ledger.KindOf(err))
	})

	t.Run("bad TLS root is a connection error", func(t *testing.T) {
		cfg := writeCredentials(t)
		cfg.PeerEndpoint = "127.0.0.1:1"
		require.NoError(t, os.WriteFile(cfg.TLSCertPath, []byte("not pem"), 0o600))

		conn, err := NewConnector(cfg, nil)
		require.NoError(t, err)
		_, err = conn.Connect(context.Background())
		assert.True(t, ledger.IsConnection(err))
	})

	t.Run("unreachable peer is a connection error", func(t *testing.T) {
		cfg := writeCredentials(t)
		cfg.PeerEndpoint = "127.0.0.1:1"
		cfg.Timeouts.Dial = 300 * time.Millisecond

		conn, err := NewConnector(cfg, nil)
		require.NoError(t, err)
		_, err = conn.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, ledger.IsConnection(err))
		assert.ErrorIs(t, err, errors.ErrConnection)
	})
}

func TestNewConnector_InvalidConfig(t *testing.T) {
	_, err := NewConnector(Config{}, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		fallback ledger.Kind
		want     ledger.Kind
	}{
		{"deadline status", status.Error(codes.DeadlineExceeded, "slow peer"), ledger.KindEndorsement, ledger.KindTimeout},
		{"context deadline", fmt.Errorf("endorse: %w", context.DeadlineExceeded), ledger.KindEndorsement, ledger.KindTimeout},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), ledger.KindEndorsement, ledger.KindConnection},
		{"aborted endorsement", status.Error(codes.Aborted, "proposal mismatch"), ledger.KindEndorsement, ledger.KindEndorsement},
		{"submit rejected", status.Error(codes.FailedPrecondition, "orderer rejected"), ledger.KindCommit, ledger.KindCommit},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			e := classify("StoreSensorData", ledger.PhaseEndorse, test.fallback, test.err)
			assert.Equal(t, test.want, e.Kind)
			assert.Equal(t, "StoreSensorData", e.Transaction)
			assert.ErrorIs(t, e, test.err)
		})
	}
}
