// Package http serves the query API over HTTP with a gorilla/mux router.
//
// Routes:
//
//	GET  /snapshot              current snapshot; ?since=<version>&wait=<duration> long-polls
//	GET  /snapshot/stream       websocket push of the latest snapshot on every change
//	POST /commit                out-of-band commit; ?wait=true blocks until terminal
//	GET  /commits/{id}          commit record from the journal
//	GET  /records               committed records; ?since=<RFC3339>&limit=<n>
//	GET  /records/{id}          RetrieveSensorData(id)
//	GET  /health                aggregate component health
//	GET  /metrics               Prometheus exposition
//
// GET /data and GET /retrieveData/{id} are kept as aliases for dashboards
// built against the earlier API.
package http

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/gateway/query"
	"github.com/c360/sensorledger/health"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/reading"
)

// SystemName labels the aggregate health status.
const SystemName = "sensorledger"

// Config holds HTTP server settings.
type Config struct {
	Address           string        `mapstructure:"address"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	StreamPing        time.Duration `mapstructure:"stream_ping"`
}

// DefaultConfig listens on :3001 and allows any origin, as the dashboard did.
func DefaultConfig() Config {
	return Config{
		Address:           ":3001",
		CORSOrigins:       []string{"*"},
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestTimeout:    30 * time.Second,
		StreamPing:        30 * time.Second,
	}
}

// Validate checks the server settings.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "http.Config", "Validate", "address")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(err, "http.Config", "Validate", "address")
	}
	if c.RequestTimeout < 0 || c.ShutdownTimeout < 0 || c.StreamPing < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "http.Config", "Validate", "negative timeout")
	}
	return nil
}

// QueryService is the read API the gateway exposes.
type QueryService interface {
	Snapshot() reading.SensorSnapshot
	WaitSnapshot(ctx context.Context, since uint64, wait time.Duration) reading.SensorSnapshot
	ListCommittedRecords(ctx context.Context, f query.Filter) ([]query.CommittedRecord, error)
	GetRecord(ctx context.Context, id string) (ledger.Record, error)
	Commit(ctx context.Context, wait bool) (reading.CommitRecord, error)
	CommitStatus(ctx context.Context, id string) (reading.CommitRecord, error)
}

// HealthReporter produces the aggregate health status.
type HealthReporter interface {
	AggregateHealth(ctx context.Context, systemName string) health.Status
}

// Deps holds runtime dependencies for the Gateway
type Deps struct {
	Config          Config
	Query           QueryService
	Health          HealthReporter
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Gateway serves the query API.
type Gateway struct {
	cfg      Config
	query    QueryService
	health   HealthReporter
	registry *metric.MetricsRegistry
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
	handler  http.Handler

	listening chan net.Addr
}

// NewGateway creates the gateway and builds its router.
func NewGateway(deps Deps) (*Gateway, error) {
	if deps.Query == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "NewGateway", "query service")
	}
	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.StreamPing <= 0 {
		cfg.StreamPing = defaults.StreamPing
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = defaults.ReadHeaderTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "http-gateway")
	}

	g := &Gateway{
		cfg:       cfg,
		query:     deps.Query,
		health:    deps.Health,
		registry:  deps.MetricsRegistry,
		logger:    logger,
		metrics:   newMetrics(deps.MetricsRegistry),
		listening: make(chan net.Addr, 1),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.originAllowed,
	}
	g.handler = g.buildHandler()
	return g, nil
}

// Handler returns the router wrapped in recovery, CORS and access logging.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Listening yields the bound address once Run has started listening.
func (g *Gateway) Listening() <-chan net.Addr {
	return g.listening
}

func (g *Gateway) buildHandler() http.Handler {
	r := mux.NewRouter()
	r.Use(g.requestIDMiddleware)

	r.HandleFunc("/snapshot", g.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/stream", g.handleSnapshotStream).Methods(http.MethodGet)
	r.HandleFunc("/commit", g.handleCommit).Methods(http.MethodPost)
	r.HandleFunc("/commits/{id}", g.handleCommitStatus).Methods(http.MethodGet)
	r.HandleFunc("/records", g.handleRecords).Methods(http.MethodGet)
	r.HandleFunc("/records/{id}", g.handleRecord).Methods(http.MethodGet)
	r.HandleFunc("/health", g.handleHealth).Methods(http.MethodGet)
	if g.registry != nil {
		r.Handle("/metrics", g.registry.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/data", g.handleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/retrieveData/{id}", g.handleRecord).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method "+req.Method+" not allowed")
	})

	var h http.Handler = r
	h = handlers.CORS(
		handlers.AllowedOrigins(g.cfg.CORSOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
		handlers.ExposedHeaders([]string{"X-Request-ID"}),
	)(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, g.logAccess)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{g.logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Run", "listen on "+g.cfg.Address)
	}

	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: g.cfg.ReadHeaderTimeout,
		IdleTimeout:       g.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.logger.Info("HTTP gateway listening", "address", ln.Addr().String())
	select {
	case g.listening <- ln.Addr():
	default:
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.WrapTransient(err, "Gateway", "Run", "serve")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return errors.WrapTransient(err, "Gateway", "Run", "shutdown")
	}
	g.logger.Info("HTTP gateway stopped")
	return nil
}

func (g *Gateway) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
