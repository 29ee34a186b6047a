package natsclient

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	pingInterval = 30 * time.Second
	drainTimeout = 10 * time.Second
)

// settings collects connection parameters before Connect.
type settings struct {
	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration

	username string
	password string
	token    string
	caFile   string

	logger         *slog.Logger
	onHealthChange func(bool)
}

func defaultSettings() settings {
	return settings{
		name:          "sensorledger",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		logger:        slog.Default().With("component", "natsclient"),
	}
}

// auth returns the authentication and TLS options for the configured credentials.
func (s settings) auth() []nats.Option {
	var opts []nats.Option
	if s.username != "" {
		opts = append(opts, nats.UserInfo(s.username, s.password))
	}
	if s.token != "" {
		opts = append(opts, nats.Token(s.token))
	}
	if s.caFile != "" {
		opts = append(opts, nats.RootCAs(s.caFile))
	}
	return opts
}

// ClientOption configures a Client.
type ClientOption func(*settings) error

// WithMaxReconnects bounds reconnect attempts; -1 retries forever.
func WithMaxReconnects(n int) ClientOption {
	return func(s *settings) error {
		s.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d < 0 {
			return fmt.Errorf("reconnect wait cannot be negative: %v", d)
		}
		s.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive: %v", d)
		}
		s.timeout = d
		return nil
	}
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithCredentials authenticates with user and password.
func WithCredentials(username, password string) ClientOption {
	return func(s *settings) error {
		if username == "" {
			return fmt.Errorf("username cannot be empty")
		}
		s.username, s.password = username, password
		return nil
	}
}

// WithToken authenticates with a token.
func WithToken(token string) ClientOption {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithRootCA trusts the PEM CA in caFile.
func WithRootCA(caFile string) ClientOption {
	return func(s *settings) error {
		s.caFile = caFile
		return nil
	}
}

// WithName sets the connection name reported to the server.
func WithName(name string) ClientOption {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithHealthChangeCallback is told whenever the connection goes up or down.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(s *settings) error {
		s.onHealthChange = fn
		return nil
	}
}
