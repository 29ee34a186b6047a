// Package service wires the ingestion pipeline, the commit scheduler, the
// ledger session and the query gateway into one runnable unit.
//
// Run connects the ledger session (a failure is fatal), optionally submits
// InitLedger, then runs the device ingestor, scheduler, HTTP gateway and
// health monitor until the context ends or one of them fails.
package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sensorledger/config"
	"github.com/c360/sensorledger/errors"
	httpgw "github.com/c360/sensorledger/gateway/http"
	"github.com/c360/sensorledger/gateway/query"
	"github.com/c360/sensorledger/health"
	"github.com/c360/sensorledger/input"
	"github.com/c360/sensorledger/journal"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/natsclient"
	"github.com/c360/sensorledger/processor/accumulator"
	"github.com/c360/sensorledger/processor/parser"
	"github.com/c360/sensorledger/reading"
	"github.com/c360/sensorledger/scheduler"
)

// Name labels the service in logs and metrics.
const Name = "sensorledger"

// Status represents the current lifecycle state of the service
type Status int32

// Possible service statuses
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
	StatusFailed
)

// String returns the string representation of Status
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Deps holds runtime dependencies for the Service. Source, Connector,
// Journal and Clock replace the configured implementations when set.
type Deps struct {
	Config          *config.Config
	Version         string
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	Source    input.Source
	Connector ledger.Connector
	Journal   journal.Journal
	Clock     scheduler.Clock
}

// Service owns every gateway component.
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	status   atomic.Int32

	accumulator *accumulator.Accumulator
	source      string
	ingestor    *input.Ingestor
	client      *ledger.Client
	contract    *ledger.Contract
	journal     journal.Journal
	journalMode string
	nats        *natsclient.Client
	scheduler   *scheduler.Scheduler
	query       *query.Service
	gateway     *httpgw.Gateway
	monitor     *health.Monitor
}

// New builds every component. Only the journal touches the network here:
// a NATS journal that cannot be opened falls back to memory.
func New(ctx context.Context, deps Deps) (*Service, error) {
	if deps.Config == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "configuration")
	}
	cfg := deps.Config

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "service")
	}
	registry := deps.MetricsRegistry
	if registry == nil {
		registry = metric.NewMetricsRegistry()
	}
	if deps.Version != "" {
		registry.CoreMetrics().RecordBuildInfo(deps.Version)
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		monitor:  health.NewMonitor(),
	}
	s.monitor.OnChange(func(st health.Status) {
		registry.CoreMetrics().RecordHealthStatus(st.Component, st.Status)
		if !st.IsHealthy() {
			logger.Warn("Component health changed", "component", st.Component, "status", st.Status, "message", st.Message)
		} else {
			logger.Info("Component health changed", "component", st.Component, "status", st.Status)
		}
	})
	s.setStatus(StatusStopped)

	s.accumulator = accumulator.New(accumulator.Deps{
		Gate:            reading.Gate(cfg.Commit.Gate),
		MetricsRegistry: registry,
		Logger:          logger.With("component", "accumulator"),
	})

	source := deps.Source
	if source == nil {
		var err error
		if source, err = NewSource(cfg.Device, logger); err != nil {
			return nil, err
		}
	}

	s.source = source.String()

	inCfg := input.DefaultConfig()
	inCfg.Delimiter = cfg.Device.DelimiterByte()
	inCfg.MaxLineLength = cfg.Device.MaxLineLength
	inCfg.Reconnect = cfg.Device.ReconnectPolicy()
	ingestor, err := input.New(input.Deps{
		Config:          inCfg,
		Source:          source,
		Parser:          parser.NewRecordParser(parser.WithRecordDelimiter(cfg.Parser.RecordDelimiter)),
		Sink:            s.accumulator,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "ingestor"),
		OnConnectionChange: func(bool, error) {
			s.monitor.Update("device", s.deviceHealth(context.Background()))
		},
	})
	if err != nil {
		return nil, err
	}
	s.ingestor = ingestor

	connector := deps.Connector
	if connector == nil {
		if connector, err = NewConnector(cfg, logger); err != nil {
			return nil, err
		}
	}
	s.client, s.contract = NewLedger(cfg, connector, registry, logger)

	if err := s.openJournal(ctx, deps.Journal); err != nil {
		return nil, err
	}

	schedCfg := scheduler.Config{
		Interval:     cfg.Commit.Interval,
		TickInterval: cfg.Commit.TickInterval,
		IDPrefix:     cfg.Commit.IDPrefix,
		Retry:        cfg.Commit.RetryPolicy(),
	}
	s.scheduler, err = scheduler.New(scheduler.Deps{
		Config:          schedCfg,
		Source:          s.accumulator,
		Store:           s.contract,
		Journal:         s.journal,
		Clock:           deps.Clock,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "scheduler"),
	})
	if err != nil {
		return nil, err
	}

	s.query, err = query.New(query.Deps{
		Snapshots: s.accumulator,
		Commits:   s.scheduler,
		Ledger:    s.contract,
		Journal:   s.journal,
		Logger:    logger.With("component", "query"),
	})
	if err != nil {
		return nil, err
	}

	s.gateway, err = httpgw.NewGateway(httpgw.Deps{
		Config:          cfg.HTTP,
		Query:           s.query,
		Health:          s.monitor,
		MetricsRegistry: registry,
		Logger:          logger.With("component", "http-gateway"),
	})
	if err != nil {
		return nil, err
	}

	s.registerHealthChecks()
	return s, nil
}

func (s *Service) setStatus(st Status) {
	s.status.Store(int32(st))
	s.registry.CoreMetrics().RecordServiceStatus(Name, int(st))
}

// Status returns the lifecycle state.
func (s *Service) Status() Status {
	return Status(s.status.Load())
}

// Run blocks until ctx is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	if !s.status.CompareAndSwap(int32(StatusStopped), int32(StatusStarting)) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Service", "Run", "start")
	}
	s.setStatus(StatusStarting)
	s.logger.Info("Starting sensor ledger gateway",
		"device", s.source,
		"peer", s.cfg.Ledger.PeerEndpoint,
		"channel", s.cfg.Ledger.Channel,
		"chaincode", s.cfg.Ledger.Chaincode,
		"journal", s.journalMode)

	if err := s.client.Connect(ctx); err != nil {
		s.registry.CoreMetrics().RecordError("ledger", errors.ErrorFatal.String())
		s.setStatus(StatusFailed)
		s.close()
		return errors.WrapFatal(err, "Service", "Run", "connect to ledger")
	}
	if s.cfg.Ledger.InitOnStart {
		if err := s.contract.InitLedger(ctx); err != nil {
			s.logger.Warn("InitLedger failed", "error", err)
		} else {
			s.logger.Info("Ledger initialized")
		}
	}
	s.monitor.Refresh(ctx)

	s.setStatus(StatusRunning)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingestor.Run(gctx) })
	g.Go(func() error { return s.scheduler.Run(gctx) })
	g.Go(func() error { return s.gateway.Run(gctx) })
	g.Go(func() error { return s.monitor.Run(gctx, s.cfg.Health.Interval) })

	err := g.Wait()
	s.setStatus(StatusStopping)
	s.close()
	if err != nil {
		s.registry.CoreMetrics().RecordError(Name, errors.Classify(err).String())
		s.setStatus(StatusFailed)
		s.logger.Error("Gateway stopped with error", "error", err)
		return err
	}
	s.setStatus(StatusStopped)
	s.logger.Info("Gateway stopped")
	return nil
}

func (s *Service) close() {
	if err := s.client.Disconnect(); err != nil {
		s.logger.Warn("Ledger disconnect failed", "error", err)
	}
	if s.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.nats.Close(ctx); err != nil {
			s.logger.Warn("NATS close failed", "error", err)
		}
	}
}

// Accumulator returns the snapshot accumulator.
func (s *Service) Accumulator() *accumulator.Accumulator { return s.accumulator }

// Scheduler returns the commit scheduler.
func (s *Service) Scheduler() *scheduler.Scheduler { return s.scheduler }

// Query returns the query service.
func (s *Service) Query() *query.Service { return s.query }

// Gateway returns the HTTP gateway.
func (s *Service) Gateway() *httpgw.Gateway { return s.gateway }

// Health returns the health monitor.
func (s *Service) Health() *health.Monitor { return s.monitor }

// JournalMode reports the active journal backend: memory, nats or
// memory-fallback.
func (s *Service) JournalMode() string { return s.journalMode }
