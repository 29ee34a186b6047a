// Package serial opens the sensor board's serial port as a device channel.
package serial

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"

	"go.bug.st/serial"

	"github.com/c360/sensorledger/errors"
)

// DefaultBaudRate matches the sensor board firmware.
const DefaultBaudRate = 9600

// Config describes the serial line.
type Config struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	Parity   string `mapstructure:"parity"`
	StopBits string `mapstructure:"stop_bits"`
}

// DefaultConfig returns 9600 8N1 with no port selected.
func DefaultConfig() Config {
	return Config{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		Parity:   "none",
		StopBits: "1",
	}
}

var parities = map[string]serial.Parity{
	"none":  serial.NoParity,
	"odd":   serial.OddParity,
	"even":  serial.EvenParity,
	"mark":  serial.MarkParity,
	"space": serial.SpaceParity,
}

var stopBits = map[string]serial.StopBits{
	"1":   serial.OneStopBit,
	"1.5": serial.OnePointFiveStopBits,
	"2":   serial.TwoStopBits,
}

// Validate checks the line settings.
func (c Config) Validate() error {
	if c.Port == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "serial.Config", "Validate", "port")
	}
	if c.BaudRate <= 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: baud_rate %d", errors.ErrInvalidConfig, c.BaudRate),
			"serial.Config", "Validate", "baud_rate")
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return errors.WrapInvalid(fmt.Errorf("%w: data_bits %d", errors.ErrInvalidConfig, c.DataBits),
			"serial.Config", "Validate", "data_bits")
	}
	if _, ok := parities[c.Parity]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: parity %q", errors.ErrInvalidConfig, c.Parity),
			"serial.Config", "Validate", "parity")
	}
	if _, ok := stopBits[c.StopBits]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: stop_bits %q", errors.ErrInvalidConfig, c.StopBits),
			"serial.Config", "Validate", "stop_bits")
	}
	return nil
}

// Mode converts the settings to the driver's Mode.
func (c Config) Mode() *serial.Mode {
	return &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   parities[c.Parity],
		StopBits: stopBits[c.StopBits],
	}
}

// Source opens a serial port on every Open call.
type Source struct {
	cfg    Config
	logger *slog.Logger
	open   func(name string, mode *serial.Mode) (serial.Port, error)
}

// NewSource validates cfg and returns a Source.
func NewSource(cfg Config, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "serial-source")
	}
	return &Source{cfg: cfg, logger: logger, open: serial.Open}, nil
}

func (s *Source) String() string {
	return fmt.Sprintf("serial://%s@%d", s.cfg.Port, s.cfg.BaudRate)
}

// Open opens the port. Unsupported line settings are fatal; every other
// failure (port missing, busy, permission) is transient so an unplugged
// board is picked up again once it reappears.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port, err := s.open(s.cfg.Port, s.cfg.Mode())
	if err != nil {
		return nil, classify(err, s.cfg.Port)
	}
	s.logger.Debug("Serial port opened", "port", s.cfg.Port, "baud_rate", s.cfg.BaudRate)
	return port, nil
}

func classify(err error, port string) error {
	var pe *serial.PortError
	if stderrors.As(err, &pe) {
		switch pe.Code() {
		case serial.InvalidSpeed, serial.InvalidDataBits, serial.InvalidParity, serial.InvalidStopBits:
			return errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err),
				"serial.Source", "Open", "configure "+port)
		}
	}
	return errors.WrapTransient(err, "serial.Source", "Open", "open "+port)
}

// Ports lists the serial ports present on this host.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.WrapTransient(err, "serial", "Ports", "enumerate ports")
	}
	return ports, nil
}
