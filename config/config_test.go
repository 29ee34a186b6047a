package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorledger/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mychannel", cfg.Ledger.Channel)
	assert.Equal(t, "basic", cfg.Ledger.Chaincode)
	assert.Equal(t, "Org1MSP", cfg.Ledger.MSPID)
	assert.Equal(t, "localhost:7051", cfg.Ledger.PeerEndpoint)
	assert.Equal(t, "peer0.org1.example.com", cfg.Ledger.PeerHostAlias)
	assert.Equal(t, "Warehouse-A", cfg.Ledger.Location)
	assert.Equal(t, 9600, cfg.Device.Serial.BaudRate)
	assert.Equal(t, ":3001", cfg.HTTP.Address)
	assert.Equal(t, 30*time.Second, cfg.Commit.Interval)
	assert.Equal(t, 5*time.Second, cfg.Ledger.Timeouts.Evaluate)
	assert.Equal(t, 15*time.Second, cfg.Ledger.Timeouts.Endorse)
	assert.Equal(t, time.Minute, cfg.Ledger.Timeouts.CommitStatus)
}

func TestLedgerFabric_DerivesCredentialPaths(t *testing.T) {
	cfg := Default()
	f := cfg.Ledger.Fabric()

	assert.Equal(t, filepath.Join(cfg.Ledger.CryptoPath, "users", "User1@org1.example.com", "msp", "keystore"), f.KeyDir)
	assert.Equal(t, filepath.Join(cfg.Ledger.CryptoPath, "users", "User1@org1.example.com", "msp", "signcerts"), f.CertDir)
	assert.Equal(t, filepath.Join(cfg.Ledger.CryptoPath, "peers", "peer0.org1.example.com", "tls", "ca.crt"), f.TLSCertPath)

	cfg.Ledger.KeyDir = "/keys"
	assert.Equal(t, "/keys", cfg.Ledger.Fabric().KeyDir)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "gateway.yaml", `
device:
  type: tcp
  delimiter: '\r'
  tcp:
    address: bridge.local:4001
    dial_timeout: 2s
commit:
  interval: 45s
  gate: complete
  max_attempts: 5
ledger:
  peer_endpoint: peer1:7051
  location: Cold-Store-2
  init_on_start: true
  breaker:
    failure_threshold: 5
http:
  address: 127.0.0.1:8080
  cors_origins: [http://dashboard.local]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DeviceTCP, cfg.Device.Type)
	assert.Equal(t, byte('\r'), cfg.Device.DelimiterByte())
	assert.Equal(t, "bridge.local:4001", cfg.Device.TCP.Address)
	assert.Equal(t, 2*time.Second, cfg.Device.TCP.DialTimeout)
	assert.Equal(t, 30*time.Second, cfg.Device.TCP.KeepAlive, "untouched keys keep defaults")
	assert.Equal(t, 45*time.Second, cfg.Commit.Interval)
	assert.Equal(t, "complete", cfg.Commit.Gate)
	assert.Equal(t, 5, cfg.Commit.RetryPolicy().MaxAttempts)
	assert.Equal(t, "peer1:7051", cfg.Ledger.PeerEndpoint)
	assert.Equal(t, "mychannel", cfg.Ledger.Channel)
	assert.Equal(t, "Cold-Store-2", cfg.Ledger.Location)
	assert.True(t, cfg.Ledger.InitOnStart)
	assert.Equal(t, uint32(5), cfg.Ledger.Breaker.FailureThreshold)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Address)
	assert.Equal(t, []string{"http://dashboard.local"}, cfg.HTTP.CORSOrigins)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "gateway.json", `{
		"device": {"type": "mqtt", "mqtt": {"broker": "tcp://broker:1883", "topic": "sensors/raw", "qos": 2}},
		"journal": {"type": "nats", "nats": {"bucket": "COMMITS"}},
		"nats": {"url": "nats://localhost:4222"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DeviceMQTT, cfg.Device.Type)
	assert.Equal(t, byte(2), cfg.Device.MQTT.QoS)
	assert.Equal(t, 256, cfg.Device.MQTT.BufferSize)
	assert.Equal(t, JournalNATS, cfg.Journal.Type)
	assert.Equal(t, "COMMITS", cfg.Journal.NATS.Bucket)
	assert.True(t, cfg.Journal.NATS.PublishEvents)
}

func TestLoad_Environment(t *testing.T) {
	t.Run("prefixed overrides", func(t *testing.T) {
		t.Setenv("SENSORLEDGER_COMMIT_INTERVAL", "10s")
		t.Setenv("SENSORLEDGER_DEVICE_SERIAL_PORT", "/dev/ttyUSB0")
		t.Setenv("SENSORLEDGER_LOG_LEVEL", "debug")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, cfg.Commit.Interval)
		assert.Equal(t, "/dev/ttyUSB0", cfg.Device.Serial.Port)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("legacy aliases", func(t *testing.T) {
		t.Setenv("CHANNEL_NAME", "sensors")
		t.Setenv("CHAINCODE_NAME", "sensorcc")
		t.Setenv("PEER_ENDPOINT", "peer9:7051")
		t.Setenv("CRYPTO_PATH", "/crypto/org1")
		t.Setenv("TLS_CERT_PATH", "/tls/ca.pem")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "sensors", cfg.Ledger.Channel)
		assert.Equal(t, "sensorcc", cfg.Ledger.Chaincode)
		assert.Equal(t, "peer9:7051", cfg.Ledger.PeerEndpoint)

		f := cfg.Ledger.Fabric()
		assert.Equal(t, "/tls/ca.pem", f.TLSCertPath)
		assert.True(t, strings.HasPrefix(f.KeyDir, "/crypto/org1"))
	})

	t.Run("prefixed name wins over alias", func(t *testing.T) {
		t.Setenv("CHANNEL_NAME", "legacy")
		t.Setenv("SENSORLEDGER_LEDGER_CHANNEL", "primary")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "primary", cfg.Ledger.Channel)
	})

	t.Run("environment beats file", func(t *testing.T) {
		path := writeFile(t, "gateway.yaml", "ledger:\n  channel: fromfile\n")
		t.Setenv("SENSORLEDGER_LEDGER_CHANNEL", "fromenv")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "fromenv", cfg.Ledger.Channel)
	})
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "gateway.ini", "[device]\n"},
		{"malformed yaml", "gateway.yaml", "device: [unclosed\n"},
		{"unbalanced json", "gateway.json", `{"device": {"type": "tcp"}`},
		{"invalid value", "gateway.yaml", "commit:\n  gate: sometimes\n"},
		{"bad duration", "gateway.yaml", "commit:\n  interval: soon\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeFile(t, test.file, test.content))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "got %v", err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"unknown device type", func(c *Config) { c.Device.Type = "usb" }, "device.type"},
		{"serial without port", func(c *Config) { c.Device.Serial.Port = "" }, "device.serial"},
		{"tcp without address", func(c *Config) { c.Device.Type = DeviceTCP }, "device.tcp"},
		{"mqtt without broker", func(c *Config) { c.Device.Type = DeviceMQTT }, "device.mqtt"},
		{"multi-byte delimiter", func(c *Config) { c.Device.Delimiter = "||" }, "device.delimiter"},
		{"zero line length", func(c *Config) { c.Device.MaxLineLength = 0 }, "device.max_line_length"},
		{"empty record delimiter", func(c *Config) { c.Parser.RecordDelimiter = " " }, "parser.record_delimiter"},
		{"zero interval", func(c *Config) { c.Commit.Interval = 0 }, "commit.interval"},
		{"unknown gate", func(c *Config) { c.Commit.Gate = "partial" }, "commit.gate"},
		{"no attempts", func(c *Config) { c.Commit.MaxAttempts = 0 }, "commit.max_attempts"},
		{"retry cap below delay", func(c *Config) { c.Commit.MaxRetryDelay = time.Millisecond }, "commit.max_retry_delay"},
		{"missing channel", func(c *Config) { c.Ledger.Channel = "" }, "ledger"},
		{"missing credentials", func(c *Config) { c.Ledger.CryptoPath = "" }, "ledger"},
		{"nats journal without url", func(c *Config) { c.Journal.Type = JournalNATS }, "nats.url"},
		{"unknown journal", func(c *Config) { c.Journal.Type = "sqlite" }, "journal.type"},
		{"bad http address", func(c *Config) { c.HTTP.Address = "3001" }, "http"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.Contains(t, err.Error(), test.key)
		})
	}
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		in   string
		want byte
		ok   bool
	}{
		{`\n`, '\n', true},
		{"\n", '\n', true},
		{`\r`, '\r', true},
		{";", ';', true},
		{"", 0, false},
		{"ab", 0, false},
	}
	for _, test := range tests {
		got, err := ParseDelimiter(test.in)
		if !test.ok {
			assert.Error(t, err, "%q", test.in)
			continue
		}
		require.NoError(t, err, "%q", test.in)
		assert.Equal(t, test.want, got)
	}
}

func TestPolicies(t *testing.T) {
	d := Default()
	p := d.Commit.RetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)

	d.Device.ReconnectDelay = 250 * time.Millisecond
	d.Device.MaxReconnectDelay = 5 * time.Second
	r := d.Device.ReconnectPolicy()
	assert.Equal(t, 250*time.Millisecond, r.InitialDelay)
	assert.Equal(t, 5*time.Second, r.MaxDelay)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": {"b": "[{not brackets}"}}`)))
	assert.Error(t, validateJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1)+strings.Repeat("]", maxJSONDepth+1))))
	assert.Error(t, validateJSONDepth([]byte(`{"a": 1}}`)))
}
