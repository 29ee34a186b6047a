package config

import (
	"bytes"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/c360/sensorledger/errors"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SENSORLEDGER"

// legacyEnv maps configuration keys to the environment variables used by
// the original Fabric sample application.
var legacyEnv = map[string]string{
	"ledger.channel":         "CHANNEL_NAME",
	"ledger.chaincode":       "CHAINCODE_NAME",
	"ledger.msp_id":          "MSP_ID",
	"ledger.crypto_path":     "CRYPTO_PATH",
	"ledger.key_dir":         "KEY_DIRECTORY_PATH",
	"ledger.cert_dir":        "CERT_DIRECTORY_PATH",
	"ledger.tls_cert_path":   "TLS_CERT_PATH",
	"ledger.peer_endpoint":   "PEER_ENDPOINT",
	"ledger.peer_host_alias": "PEER_HOST_ALIAS",
}

// Load reads path (optional) and the environment into a validated Config.
// With an empty path, sensorledger.{json,yaml,toml} is looked up in the
// working directory and /etc/sensorledger; a missing file is not an error.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	for key, legacy := range legacyEnv {
		if err := validateEnvVar(legacy, os.Getenv(legacy)); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read "+legacy)
		}
		// The prefixed name is listed first so it wins over the alias.
		if err := v.BindEnv(key, envName(key), legacy); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "bind "+legacy)
		}
	}

	if path == "" {
		v.SetConfigName("sensorledger")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sensorledger")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
			}
		}
		return v, nil
	}

	data, err := safeReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "read "+path)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "json" {
		if err := validateJSONDepth(data); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse "+path)
		}
	}
	v.SetConfigType(ext)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "parse "+path)
	}
	return v, nil
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// setDefaults registers every key so environment overrides apply even when
// the file does not mention the key.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("device.type", d.Device.Type)
	v.SetDefault("device.delimiter", d.Device.Delimiter)
	v.SetDefault("device.max_line_length", d.Device.MaxLineLength)
	v.SetDefault("device.reconnect_delay", d.Device.ReconnectDelay)
	v.SetDefault("device.max_reconnect_delay", d.Device.MaxReconnectDelay)
	v.SetDefault("device.serial.port", d.Device.Serial.Port)
	v.SetDefault("device.serial.baud_rate", d.Device.Serial.BaudRate)
	v.SetDefault("device.serial.data_bits", d.Device.Serial.DataBits)
	v.SetDefault("device.serial.parity", d.Device.Serial.Parity)
	v.SetDefault("device.serial.stop_bits", d.Device.Serial.StopBits)
	v.SetDefault("device.tcp.address", d.Device.TCP.Address)
	v.SetDefault("device.tcp.dial_timeout", d.Device.TCP.DialTimeout)
	v.SetDefault("device.tcp.keep_alive", d.Device.TCP.KeepAlive)
	v.SetDefault("device.mqtt.broker", d.Device.MQTT.Broker)
	v.SetDefault("device.mqtt.topic", d.Device.MQTT.Topic)
	v.SetDefault("device.mqtt.client_id", d.Device.MQTT.ClientID)
	v.SetDefault("device.mqtt.qos", d.Device.MQTT.QoS)
	v.SetDefault("device.mqtt.username", d.Device.MQTT.Username)
	v.SetDefault("device.mqtt.password", d.Device.MQTT.Password)
	v.SetDefault("device.mqtt.connect_timeout", d.Device.MQTT.ConnectTimeout)
	v.SetDefault("device.mqtt.buffer_size", d.Device.MQTT.BufferSize)

	v.SetDefault("parser.record_delimiter", d.Parser.RecordDelimiter)

	v.SetDefault("commit.interval", d.Commit.Interval)
	v.SetDefault("commit.tick_interval", d.Commit.TickInterval)
	v.SetDefault("commit.gate", d.Commit.Gate)
	v.SetDefault("commit.id_prefix", d.Commit.IDPrefix)
	v.SetDefault("commit.max_attempts", d.Commit.MaxAttempts)
	v.SetDefault("commit.retry_delay", d.Commit.RetryDelay)
	v.SetDefault("commit.max_retry_delay", d.Commit.MaxRetryDelay)

	v.SetDefault("ledger.peer_endpoint", d.Ledger.PeerEndpoint)
	v.SetDefault("ledger.peer_host_alias", d.Ledger.PeerHostAlias)
	v.SetDefault("ledger.msp_id", d.Ledger.MSPID)
	v.SetDefault("ledger.cert_dir", d.Ledger.CertDir)
	v.SetDefault("ledger.key_dir", d.Ledger.KeyDir)
	v.SetDefault("ledger.tls_cert_path", d.Ledger.TLSCertPath)
	v.SetDefault("ledger.channel", d.Ledger.Channel)
	v.SetDefault("ledger.chaincode", d.Ledger.Chaincode)
	v.SetDefault("ledger.timeouts.evaluate", d.Ledger.Timeouts.Evaluate)
	v.SetDefault("ledger.timeouts.endorse", d.Ledger.Timeouts.Endorse)
	v.SetDefault("ledger.timeouts.submit", d.Ledger.Timeouts.Submit)
	v.SetDefault("ledger.timeouts.commit_status", d.Ledger.Timeouts.CommitStatus)
	v.SetDefault("ledger.timeouts.dial", d.Ledger.Timeouts.Dial)
	v.SetDefault("ledger.crypto_path", d.Ledger.CryptoPath)
	v.SetDefault("ledger.user", d.Ledger.User)
	v.SetDefault("ledger.peer", d.Ledger.Peer)
	v.SetDefault("ledger.location", d.Ledger.Location)
	v.SetDefault("ledger.init_on_start", d.Ledger.InitOnStart)
	v.SetDefault("ledger.breaker.failure_threshold", d.Ledger.Breaker.FailureThreshold)
	v.SetDefault("ledger.breaker.open_timeout", d.Ledger.Breaker.OpenTimeout)

	v.SetDefault("journal.type", d.Journal.Type)
	v.SetDefault("journal.capacity", d.Journal.Capacity)
	v.SetDefault("journal.nats.bucket", d.Journal.NATS.Bucket)
	v.SetDefault("journal.nats.ttl", d.Journal.NATS.TTL)
	v.SetDefault("journal.nats.replicas", d.Journal.NATS.Replicas)
	v.SetDefault("journal.nats.publish_events", d.Journal.NATS.PublishEvents)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.username", d.NATS.Username)
	v.SetDefault("nats.password", d.NATS.Password)
	v.SetDefault("nats.token", d.NATS.Token)
	v.SetDefault("nats.ca_file", d.NATS.CAFile)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.timeout", d.NATS.Timeout)

	v.SetDefault("http.address", d.HTTP.Address)
	v.SetDefault("http.cors_origins", d.HTTP.CORSOrigins)
	v.SetDefault("http.read_header_timeout", d.HTTP.ReadHeaderTimeout)
	v.SetDefault("http.idle_timeout", d.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.request_timeout", d.HTTP.RequestTimeout)
	v.SetDefault("http.stream_ping", d.HTTP.StreamPing)

	v.SetDefault("health.interval", d.Health.Interval)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}
