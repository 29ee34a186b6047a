// Package ledger owns the transactional session with the permissioned ledger.
//
// A Client holds at most one Session. Sessions are created by a Connector
// (see the fabric subpackage for the Hyperledger Fabric Gateway one) and are
// replaced atomically on reconnect. Connection failures discard the session;
// the failed call is returned to the caller and never retried here.
package ledger

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/metric"
)

// Session is one live binding to a channel and contract.
type Session interface {
	// Submit endorses, orders and commits a transaction, returning its result.
	Submit(ctx context.Context, name string, args ...string) ([]byte, error)
	// Evaluate runs a read-only query against a peer.
	Evaluate(ctx context.Context, name string, args ...string) ([]byte, error)
	// Close releases the transport.
	Close() error
}

// Connector establishes sessions.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Invoker is the operation surface the contract codec and scheduler depend on.
type Invoker interface {
	Submit(ctx context.Context, name string, args ...string) ([]byte, error)
	Evaluate(ctx context.Context, name string, args ...string) ([]byte, error)
}

// BreakerConfig controls the connect circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive connect failures open the circuit.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	// OpenTimeout is how long the circuit stays open before a trial connect.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, OpenTimeout: 30 * time.Second}
}

// Metrics holds Prometheus metrics for the ledger client
type Metrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	sessionUp    prometheus.Gauge
	reconnects   prometheus.Counter
	breakerState prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Ledger calls by operation and outcome",
		}, []string{"op", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Ledger call latency by operation",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60},
		}, []string{"op"}),
		sessionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "session_up",
			Help:      "Whether a ledger session is established",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "connects_total",
			Help:      "Sessions established",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "ledger",
			Name:      "circuit_breaker",
			Help:      "Connect circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
	}

	registry.Register("ledger", "calls", m.calls)
	registry.Register("ledger", "call_duration", m.callDuration)
	registry.Register("ledger", "session_up", m.sessionUp)
	registry.Register("ledger", "connects", m.reconnects)
	registry.Register("ledger", "circuit_breaker", m.breakerState)

	return m
}

// ClientDeps holds runtime dependencies for the ledger client
type ClientDeps struct {
	Connector       Connector
	Breaker         BreakerConfig
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	// OnSessionChange is called with true after connect and false after the
	// session is discarded or closed.
	OnSessionChange func(up bool)
}

// Client owns exactly one Session at a time.
type Client struct {
	connector Connector
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	metrics   *Metrics
	onChange  func(bool)

	// mu guards session. Connect and discard take it exclusively;
	// operations only read the current session under RLock.
	mu      sync.RWMutex
	session Session
	lastErr error
}

// NewClient creates a disconnected client.
func NewClient(deps ClientDeps) *Client {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ledger")
	}

	bc := deps.Breaker
	def := DefaultBreakerConfig()
	if bc.FailureThreshold == 0 {
		bc.FailureThreshold = def.FailureThreshold
	}
	if bc.OpenTimeout <= 0 {
		bc.OpenTimeout = def.OpenTimeout
	}

	c := &Client{
		connector: deps.Connector,
		logger:    logger,
		metrics:   newMetrics(deps.MetricsRegistry),
		onChange:  deps.OnSessionChange,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger-connect",
		MaxRequests: 1,
		Timeout:     bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Ledger circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if c.metrics != nil {
				c.metrics.breakerState.Set(breakerValue(to))
			}
		},
	})

	return c
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Connect establishes a session if none is active. It is a no-op when connected.
// While the breaker is open it fails fast with a connection error.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.ensureSession(ctx)
	return err
}

// Connected reports whether a session is active.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// LastError returns the most recent connect failure, if any.
func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// BreakerState returns the connect circuit breaker state.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) ensureSession(ctx context.Context) (Session, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session, nil
	}
	if c.connector == nil {
		return nil, NewError(KindConnection, "", PhaseConnect, errors.ErrMissingConfig)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.connector.Connect(ctx)
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			err = NewError(KindConnection, "", PhaseConnect, errors.ErrCircuitOpen)
		} else if KindOf(err) == 0 {
			err = NewError(KindConnection, "", PhaseConnect, err)
		}
		c.lastErr = err
		c.logger.Error("Ledger connect failed", "error", err)
		return nil, err
	}

	c.session = result.(Session)
	c.lastErr = nil
	if c.metrics != nil {
		c.metrics.sessionUp.Set(1)
		c.metrics.reconnects.Inc()
	}
	if c.onChange != nil {
		c.onChange(true)
	}
	c.logger.Info("Ledger session established")
	return c.session, nil
}

// discard drops s if it is still the active session.
func (c *Client) discard(s Session, cause error) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.lastErr = cause
	c.mu.Unlock()

	if err := s.Close(); err != nil {
		c.logger.Debug("Closing stale ledger session", "error", err)
	}
	if c.metrics != nil {
		c.metrics.sessionUp.Set(0)
	}
	if c.onChange != nil {
		c.onChange(false)
	}
	c.logger.Warn("Ledger session discarded", "cause", cause)
}

// Submit runs a transaction through endorsement, ordering and commit.
func (c *Client) Submit(ctx context.Context, name string, args ...string) ([]byte, error) {
	return c.invoke(ctx, "submit", name, func(s Session) ([]byte, error) {
		return s.Submit(ctx, name, args...)
	})
}

// Evaluate runs a read-only query.
func (c *Client) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	return c.invoke(ctx, "evaluate", name, func(s Session) ([]byte, error) {
		return s.Evaluate(ctx, name, args...)
	})
}

func (c *Client) invoke(ctx context.Context, op, name string, call func(Session) ([]byte, error)) ([]byte, error) {
	start := time.Now()
	s, err := c.ensureSession(ctx)
	if err != nil {
		c.record(op, err, start)
		return nil, err
	}

	result, err := call(s)
	c.record(op, err, start)
	if err != nil {
		if KindOf(err) == 0 {
			kind := KindEndorsement
			if IsTimeout(err) {
				kind = KindTimeout
			}
			err = NewError(kind, name, op, err)
		}
		if IsConnection(err) {
			c.discard(s, err)
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) record(op string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	c.metrics.calls.WithLabelValues(op, outcome).Inc()
	c.metrics.callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Disconnect releases the active session. It is safe to call repeatedly.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	if c.metrics != nil {
		c.metrics.sessionUp.Set(0)
	}
	if c.onChange != nil {
		c.onChange(false)
	}
	if err := s.Close(); err != nil {
		return errors.WrapTransient(err, "Client", "Disconnect", "close session")
	}
	c.logger.Info("Ledger session closed")
	return nil
}
