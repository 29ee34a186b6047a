package service

import (
	"context"
	"log/slog"

	"github.com/c360/sensorledger/config"
	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/input"
	"github.com/c360/sensorledger/input/mqtt"
	"github.com/c360/sensorledger/input/serial"
	"github.com/c360/sensorledger/input/tcp"
	"github.com/c360/sensorledger/journal"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/ledger/fabric"
	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/natsclient"
)

// Journal modes reported by JournalMode.
const (
	JournalModeMemory   = "memory"
	JournalModeNATS     = "nats"
	JournalModeFallback = "memory-fallback"
)

// NewSource builds the configured device channel.
func NewSource(cfg config.DeviceConfig, logger *slog.Logger) (input.Source, error) {
	var (
		src input.Source
		err error
	)
	switch cfg.Type {
	case config.DeviceSerial:
		src, err = serial.NewSource(cfg.Serial, logger.With("component", "serial"))
	case config.DeviceTCP:
		src, err = tcp.NewSource(cfg.TCP, logger.With("component", "tcp"))
	case config.DeviceMQTT:
		m := cfg.MQTT
		m.Delimiter = cfg.DelimiterByte()
		src, err = mqtt.NewSource(m, logger.With("component", "mqtt"))
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "NewSource", "device type "+cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

// NewConnector builds the Fabric Gateway connector from the ledger section.
func NewConnector(cfg *config.Config, logger *slog.Logger) (ledger.Connector, error) {
	c, err := fabric.NewConnector(cfg.Ledger.Fabric(), logger.With("component", "fabric"))
	if err != nil {
		return nil, err
	}
	return c, nil
}

// NewLedger builds the session client and the sensor contract over it.
func NewLedger(cfg *config.Config, connector ledger.Connector, registry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*ledger.Client, *ledger.Contract) {
	client := ledger.NewClient(ledger.ClientDeps{
		Connector:       connector,
		Breaker:         cfg.Ledger.Breaker,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "ledger"),
	})
	return client, ledger.NewContract(client, cfg.Ledger.Location)
}

func (s *Service) openJournal(ctx context.Context, override journal.Journal) error {
	deps := journal.Deps{
		Capacity:        s.cfg.Journal.Capacity,
		MetricsRegistry: s.registry,
		Logger:          s.logger.With("component", "journal"),
	}

	switch {
	case override != nil:
		s.journal, s.journalMode = override, JournalModeMemory
		return nil
	case s.cfg.Journal.Type == config.JournalMemory:
		s.journal, s.journalMode = journal.NewMemoryJournal(deps), JournalModeMemory
		return nil
	case s.cfg.Journal.Type != config.JournalNATS:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Service", "openJournal", "journal type "+s.cfg.Journal.Type)
	}

	nc, err := natsclient.NewClient(s.cfg.NATS.URL, s.natsOptions()...)
	if err != nil {
		return err
	}

	j, err := s.connectNATSJournal(ctx, nc, deps)
	if err != nil {
		s.logger.Warn("NATS journal unavailable, using memory journal", "url", s.cfg.NATS.URL, "error", err)
		_ = nc.Close(ctx)
		s.journal, s.journalMode = journal.NewMemoryJournal(deps), JournalModeFallback
		return nil
	}
	s.nats = nc
	s.journal, s.journalMode = j, JournalModeNATS
	return nil
}

func (s *Service) connectNATSJournal(ctx context.Context, nc *natsclient.Client, deps journal.Deps) (*journal.NATSJournal, error) {
	connectCtx := ctx
	if s.cfg.NATS.Timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.NATS.Timeout)
		defer cancel()
	}
	if err := nc.Connect(connectCtx); err != nil {
		return nil, err
	}
	return journal.NewNATSJournal(ctx, nc, s.cfg.Journal.NATS, deps)
}

func (s *Service) natsOptions() []natsclient.ClientOption {
	n := s.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithName(Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithLogger(s.logger.With("component", "natsclient")),
		natsclient.WithHealthChangeCallback(func(bool) {
			s.monitor.Update("journal", s.journalHealth(context.Background()))
		}),
	}
	if n.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.Timeout))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.CAFile != "" {
		opts = append(opts, natsclient.WithRootCA(n.CAFile))
	}
	return opts
}
