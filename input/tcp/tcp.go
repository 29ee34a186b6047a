// Package tcp reads the device channel from a serial-over-TCP bridge
// (ser2net, an ESP32 bridge or similar) that relays the board's raw output.
package tcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/c360/sensorledger/errors"
)

// Config describes the bridge endpoint.
type Config struct {
	Address     string        `mapstructure:"address"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	KeepAlive   time.Duration `mapstructure:"keep_alive"`
}

// DefaultConfig returns a 5s dial timeout and 30s keep-alive.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 5 * time.Second,
		KeepAlive:   30 * time.Second,
	}
}

// Validate checks the endpoint.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "tcp.Config", "Validate", "address")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
			"tcp.Config", "Validate", "address")
	}
	if c.DialTimeout < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative dial_timeout", errors.ErrInvalidConfig),
			"tcp.Config", "Validate", "dial_timeout")
	}
	return nil
}

// Source dials the bridge on every Open call.
type Source struct {
	cfg    Config
	dialer net.Dialer
	logger *slog.Logger
}

// NewSource validates cfg and returns a Source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "tcp-source")
	}
	return &Source{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive},
		logger: logger,
	}, nil
}

func (s *Source) String() string {
	return "tcp://" + s.cfg.Address
}

// Open dials the bridge. Dial failures are transient.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrDeviceClosed, err),
			"tcp.Source", "Open", "dial "+s.cfg.Address)
	}
	s.logger.Debug("Bridge connected", "address", s.cfg.Address, "local", conn.LocalAddr().String())
	return conn, nil
}
