// Package config loads and validates the gateway configuration.
//
// Configuration comes from an optional JSON, YAML or TOML file, overridden by
// SENSORLEDGER_* environment variables (dots become underscores, e.g.
// SENSORLEDGER_LEDGER_CHANNEL). The environment variables of the original
// Fabric sample application (CHANNEL_NAME, PEER_ENDPOINT, ...) are accepted as
// aliases for the ledger section.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/sensorledger/errors"
	httpgw "github.com/c360/sensorledger/gateway/http"
	"github.com/c360/sensorledger/input/mqtt"
	"github.com/c360/sensorledger/input/serial"
	"github.com/c360/sensorledger/input/tcp"
	"github.com/c360/sensorledger/journal"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/ledger/fabric"
	"github.com/c360/sensorledger/pkg/retry"
	"github.com/c360/sensorledger/reading"
)

// Device channel types
const (
	DeviceSerial = "serial"
	DeviceTCP    = "tcp"
	DeviceMQTT   = "mqtt"
)

// Journal backends
const (
	JournalMemory = "memory"
	JournalNATS   = "nats"
)

// Config represents the complete gateway configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Parser  ParserConfig  `mapstructure:"parser"`
	Commit  CommitConfig  `mapstructure:"commit"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Journal JournalConfig `mapstructure:"journal"`
	NATS    NATSConfig    `mapstructure:"nats"`
	HTTP    httpgw.Config `mapstructure:"http"`
	Health  HealthConfig  `mapstructure:"health"`
	Log     LogConfig     `mapstructure:"log"`
}

// DeviceConfig selects and configures the device channel.
type DeviceConfig struct {
	Type string `mapstructure:"type"`
	// Delimiter frames records; escapes \n, \r and \t are accepted.
	Delimiter         string        `mapstructure:"delimiter"`
	MaxLineLength     int           `mapstructure:"max_line_length"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`

	Serial serial.Config `mapstructure:"serial"`
	TCP    tcp.Config    `mapstructure:"tcp"`
	MQTT   mqtt.Config   `mapstructure:"mqtt"`
}

// ParserConfig configures record tokenizing.
type ParserConfig struct {
	RecordDelimiter string `mapstructure:"record_delimiter"`
}

// CommitConfig configures the commit scheduler.
type CommitConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	TickInterval  time.Duration `mapstructure:"tick_interval"`
	Gate          string        `mapstructure:"gate"`
	IDPrefix      string        `mapstructure:"id_prefix"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
}

// LedgerConfig binds the gateway to a Fabric peer and contract.
type LedgerConfig struct {
	fabric.Config `mapstructure:",squash"`

	// CryptoPath is an organization crypto directory used to derive any
	// credential path left empty.
	CryptoPath string `mapstructure:"crypto_path"`
	User       string `mapstructure:"user"`
	Peer       string `mapstructure:"peer"`

	Location    string               `mapstructure:"location"`
	InitOnStart bool                 `mapstructure:"init_on_start"`
	Breaker     ledger.BreakerConfig `mapstructure:"breaker"`
}

// JournalConfig selects the commit journal backend.
type JournalConfig struct {
	Type     string             `mapstructure:"type"`
	Capacity int                `mapstructure:"capacity"`
	NATS     journal.NATSConfig `mapstructure:"nats"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
	CAFile        string        `mapstructure:"ca_file"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// HealthConfig controls the periodic health refresh.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	sched := retry.Commit()
	reconnect := retry.Reconnect()
	return Config{
		Device: DeviceConfig{
			Type:              DeviceSerial,
			Delimiter:         `\n`,
			MaxLineLength:     1024,
			ReconnectDelay:    reconnect.InitialDelay,
			MaxReconnectDelay: reconnect.MaxDelay,
			Serial:            withPort(serial.DefaultConfig(), "COM6"),
			TCP:               tcp.DefaultConfig(),
			MQTT:              mqtt.DefaultConfig(),
		},
		Parser: ParserConfig{RecordDelimiter: ","},
		Commit: CommitConfig{
			Interval:      30 * time.Second,
			TickInterval:  time.Second,
			Gate:          string(reading.GateMinimum),
			IDPrefix:      ledger.DefaultIDPrefix,
			MaxAttempts:   sched.MaxAttempts,
			RetryDelay:    sched.InitialDelay,
			MaxRetryDelay: sched.MaxDelay,
		},
		Ledger: LedgerConfig{
			Config: fabric.Config{
				PeerEndpoint:  "localhost:7051",
				PeerHostAlias: "peer0.org1.example.com",
				MSPID:         "Org1MSP",
				Channel:       "mychannel",
				Chaincode:     "basic",
				Timeouts:      fabric.DefaultTimeouts(),
			},
			CryptoPath: "../test-network/organizations/peerOrganizations/org1.example.com",
			User:       "User1@org1.example.com",
			Peer:       "peer0.org1.example.com",
			Location:   ledger.DefaultLocation,
			Breaker:    ledger.DefaultBreakerConfig(),
		},
		Journal: JournalConfig{
			Type:     JournalMemory,
			Capacity: journal.DefaultCapacity,
			NATS:     journal.NATSConfig{Bucket: journal.DefaultBucket, Replicas: 1, PublishEvents: true},
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
		},
		HTTP:   httpgw.DefaultConfig(),
		Health: HealthConfig{Interval: 10 * time.Second},
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

func withPort(c serial.Config, port string) serial.Config {
	c.Port = port
	return c
}

func invalid(key string, err error) error {
	return errors.WrapInvalid(err, "Config", "Validate", key)
}

func invalidValue(key string, v any) error {
	return invalid(key, fmt.Errorf("%w: %s=%v", errors.ErrInvalidConfig, key, v))
}

// Validate checks the configuration and names the first offending key.
func (c *Config) Validate() error {
	if _, err := ParseDelimiter(c.Device.Delimiter); err != nil {
		return invalid("device.delimiter", err)
	}
	if c.Device.MaxLineLength <= 0 {
		return invalidValue("device.max_line_length", c.Device.MaxLineLength)
	}
	if c.Device.ReconnectDelay < 0 || c.Device.MaxReconnectDelay < c.Device.ReconnectDelay {
		return invalidValue("device.max_reconnect_delay", c.Device.MaxReconnectDelay)
	}

	switch c.Device.Type {
	case DeviceSerial:
		if err := c.Device.Serial.Validate(); err != nil {
			return invalid("device.serial", err)
		}
	case DeviceTCP:
		if err := c.Device.TCP.Validate(); err != nil {
			return invalid("device.tcp", err)
		}
	case DeviceMQTT:
		if err := c.Device.MQTT.Validate(); err != nil {
			return invalid("device.mqtt", err)
		}
	default:
		return invalidValue("device.type", c.Device.Type)
	}

	if strings.TrimSpace(c.Parser.RecordDelimiter) == "" {
		return invalidValue("parser.record_delimiter", c.Parser.RecordDelimiter)
	}

	if c.Commit.Interval <= 0 {
		return invalidValue("commit.interval", c.Commit.Interval)
	}
	if c.Commit.TickInterval <= 0 {
		return invalidValue("commit.tick_interval", c.Commit.TickInterval)
	}
	switch reading.Gate(c.Commit.Gate) {
	case reading.GateMinimum, reading.GateComplete:
	default:
		return invalidValue("commit.gate", c.Commit.Gate)
	}
	if c.Commit.MaxAttempts < 1 {
		return invalidValue("commit.max_attempts", c.Commit.MaxAttempts)
	}
	if c.Commit.RetryDelay < 0 || c.Commit.MaxRetryDelay < c.Commit.RetryDelay {
		return invalidValue("commit.max_retry_delay", c.Commit.MaxRetryDelay)
	}

	if err := c.Ledger.Fabric().Validate(); err != nil {
		return invalid("ledger", err)
	}

	switch c.Journal.Type {
	case JournalMemory:
	case JournalNATS:
		if c.NATS.URL == "" {
			return invalid("nats.url", fmt.Errorf("%w: required by journal.type=nats", errors.ErrMissingConfig))
		}
	default:
		return invalidValue("journal.type", c.Journal.Type)
	}

	if err := c.HTTP.Validate(); err != nil {
		return invalid("http", err)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalidValue("log.format", c.Log.Format)
	}
	return nil
}

// Fabric returns the connector settings with credential paths derived from
// CryptoPath where they were left empty.
func (l LedgerConfig) Fabric() fabric.Config {
	return fabric.ConfigFromCryptoPath(l.Config, l.CryptoPath, l.User, l.Peer)
}

// ParseDelimiter converts a configured delimiter to its byte.
func ParseDelimiter(s string) (byte, error) {
	switch s {
	case `\n`, "\n":
		return '\n', nil
	case `\r`, "\r":
		return '\r', nil
	case `\t`, "\t":
		return '\t', nil
	}
	if len(s) != 1 {
		return 0, fmt.Errorf("%w: delimiter %q must be a single byte", errors.ErrInvalidConfig, s)
	}
	return s[0], nil
}

// DelimiterByte returns the parsed delimiter, or newline if it is invalid.
func (d DeviceConfig) DelimiterByte() byte {
	b, err := ParseDelimiter(d.Delimiter)
	if err != nil {
		return '\n'
	}
	return b
}

// ReconnectPolicy returns the backoff used between device sessions.
func (d DeviceConfig) ReconnectPolicy() retry.Config {
	p := retry.Reconnect()
	if d.ReconnectDelay > 0 {
		p.InitialDelay = d.ReconnectDelay
	}
	if d.MaxReconnectDelay > 0 {
		p.MaxDelay = d.MaxReconnectDelay
	}
	return p
}

// RetryPolicy returns the backoff used for commit-level ledger failures.
func (c CommitConfig) RetryPolicy() retry.Config {
	p := retry.Commit()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.RetryDelay > 0 {
		p.InitialDelay = c.RetryDelay
	}
	if c.MaxRetryDelay > 0 {
		p.MaxDelay = c.MaxRetryDelay
	}
	return p
}
