package input

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/input/decoder"
	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/pkg/retry"
	"github.com/c360/sensorledger/processor/parser"
	"github.com/c360/sensorledger/reading"
)

// Source opens the device channel. Each call returns a fresh stream; the
// Ingestor closes it when the stream ends or the context is cancelled.
// Errors classified fatal stop the Ingestor instead of being retried.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// LineParser turns one decoded line into a reading.
type LineParser interface {
	Parse(line string) (parser.Result, error)
}

// Sink receives parsed readings and the device connection state.
type Sink interface {
	Apply(r reading.SensorReading) (applied, stale int)
	SetDeviceConnected(connected bool)
}

// Config controls framing, reconnect backoff and log sampling.
type Config struct {
	Delimiter     byte
	MaxLineLength int
	Reconnect     retry.Config

	// LogFirst rejected lines are logged, then at most one per LogEvery.
	LogFirst int
	LogEvery time.Duration
}

// DefaultConfig returns newline framing, the reconnect backoff and log
// sampling of 10 then one per 10s.
func DefaultConfig() Config {
	return Config{
		Delimiter:     decoder.DefaultDelimiter,
		MaxLineLength: decoder.DefaultMaxLineLength,
		Reconnect:     retry.Reconnect(),
		LogFirst:      10,
		LogEvery:      10 * time.Second,
	}
}

// Deps holds runtime dependencies for the Ingestor
type Deps struct {
	Config          Config
	Source          Source
	Parser          LineParser
	Sink            Sink
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	// OnConnectionChange is called after every device state change.
	OnConnectionChange func(connected bool, err error)
}

// Stats is a point-in-time view of the ingestion counters.
type Stats struct {
	Connected    bool      `json:"connected"`
	Lines        int64     `json:"lines"`
	DecodeErrors int64     `json:"decode_errors"`
	ParseErrors  int64     `json:"parse_errors"`
	Unrecognized int64     `json:"unrecognized_keys"`
	Opens        int64     `json:"opens"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Ingestor is the single writer feeding the accumulator.
type Ingestor struct {
	cfg      Config
	source   Source
	parser   LineParser
	sink     Sink
	onChange func(bool, error)
	logger   *slog.Logger
	metrics  *Metrics
	sampler  *rate.Sometimes

	connected    atomic.Bool
	lines        atomic.Int64
	decodeErrors atomic.Int64
	parseErrors  atomic.Int64
	unrecognized atomic.Int64
	opens        atomic.Int64
	lastActivity atomic.Int64

	mu      sync.Mutex
	lastErr error
}

// New creates an Ingestor. Source, Parser and Sink are required.
func New(deps Deps) (*Ingestor, error) {
	switch {
	case deps.Source == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Ingestor", "New", "source")
	case deps.Parser == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Ingestor", "New", "parser")
	case deps.Sink == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Ingestor", "New", "sink")
	}

	cfg := deps.Config
	defaults := DefaultConfig()
	if cfg.Delimiter == 0 {
		cfg.Delimiter = defaults.Delimiter
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = defaults.MaxLineLength
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = defaults.LogEvery
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ingestor")
	}
	logger = logger.With("source", deps.Source.String())

	return &Ingestor{
		cfg:      cfg,
		source:   deps.Source,
		parser:   deps.Parser,
		sink:     deps.Sink,
		onChange: deps.OnConnectionChange,
		logger:   logger,
		metrics:  newMetrics(deps.MetricsRegistry),
		sampler:  &rate.Sometimes{First: cfg.LogFirst, Interval: cfg.LogEvery},
	}, nil
}

// Connected reports whether the device channel is currently open.
func (in *Ingestor) Connected() bool {
	return in.connected.Load()
}

// LastError returns the error that ended the last device session, if any.
func (in *Ingestor) LastError() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastErr
}

// Stats returns the ingestion counters.
func (in *Ingestor) Stats() Stats {
	s := Stats{
		Connected:    in.connected.Load(),
		Lines:        in.lines.Load(),
		DecodeErrors: in.decodeErrors.Load(),
		ParseErrors:  in.parseErrors.Load(),
		Unrecognized: in.unrecognized.Load(),
		Opens:        in.opens.Load(),
	}
	if ts := in.lastActivity.Load(); ts > 0 {
		s.LastActivity = time.Unix(0, ts)
	}
	if err := in.LastError(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

// Run reads the device channel until ctx is cancelled or the Source returns
// a fatal error. It returns nil on cancellation.
func (in *Ingestor) Run(ctx context.Context) error {
	in.logger.Info("Device ingestion started")
	defer in.logger.Info("Device ingestion stopped")

	for {
		var stream io.ReadCloser
		err := retry.Forever(ctx, in.cfg.Reconnect, func() error {
			rc, err := in.source.Open(ctx)
			if err != nil {
				in.recordOpen("error")
				in.setLastErr(err)
				if errors.IsFatal(err) {
					return retry.NonRetryable(err)
				}
				in.logger.Warn("Device channel unavailable", "error", err)
				return err
			}
			in.recordOpen("success")
			stream = rc
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var nre *retry.NonRetryableError
			if stderrors.As(err, &nre) {
				err = nre.Err
			}
			return errors.Wrap(err, "Ingestor", "Run", "open device channel")
		}

		in.setConnected(true, nil)
		err = in.consume(ctx, stream)
		in.setLastErr(err)
		in.setConnected(false, err)

		if ctx.Err() != nil {
			return nil
		}
		in.logger.Warn("Device channel closed, reconnecting", "error", err)

		// Pause before reopening so a channel that closes immediately cannot spin.
		timer := time.NewTimer(in.cfg.Reconnect.Backoff(1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// consume decodes and applies lines until the stream ends. The stream is
// closed on return and as soon as ctx is cancelled.
func (in *Ingestor) consume(ctx context.Context, rc io.ReadCloser) error {
	var closeOnce sync.Once
	closeStream := func() { closeOnce.Do(func() { _ = rc.Close() }) }
	stop := context.AfterFunc(ctx, closeStream)
	defer func() {
		stop()
		closeStream()
	}()

	dec := decoder.New(&countingReader{r: rc, in: in},
		decoder.WithDelimiter(in.cfg.Delimiter),
		decoder.WithMaxLineLength(in.cfg.MaxLineLength))

	for {
		line, err := dec.Next()
		if err != nil {
			var de *decoder.DecodeError
			if stderrors.As(err, &de) {
				in.decodeErrors.Add(1)
				if in.metrics != nil {
					in.metrics.decodeErrors.Inc()
				}
				in.sampled(func() {
					in.logger.Warn("Dropped undecodable record", "reason", de.Reason, "raw", de.Raw)
				})
				continue
			}
			if stderrors.Is(err, io.EOF) {
				return errors.ErrDeviceClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", errors.ErrDeviceClosed, err)
		}
		in.HandleLine(line)
	}
}

// HandleLine parses one decoded line and applies it to the sink. Blank lines
// are ignored. Rejected lines are counted and logged with sampling; they
// never stop the stream.
func (in *Ingestor) HandleLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	in.lines.Add(1)
	now := time.Now()
	in.lastActivity.Store(now.UnixNano())
	if in.metrics != nil {
		in.metrics.lines.Inc()
		in.metrics.lastActivity.Set(float64(now.Unix()))
	}

	res, err := in.parser.Parse(line)
	if err != nil {
		in.parseErrors.Add(1)
		if in.metrics != nil {
			in.metrics.parseErrors.Inc()
		}
		in.sampled(func() {
			in.logger.Warn("Rejected device line", "error", err)
		})
		return
	}

	if n := len(res.Unrecognized); n > 0 {
		in.unrecognized.Add(int64(n))
		if in.metrics != nil {
			in.metrics.unrecognized.Add(float64(n))
		}
		in.logger.Debug("Ignored unrecognized keys", "keys", res.Unrecognized)
	}

	applied, stale := in.sink.Apply(res.Reading)
	if stale > 0 {
		in.logger.Debug("Dropped stale fields", "applied", applied, "stale", stale)
	}
}

func (in *Ingestor) sampled(fn func()) {
	in.sampler.Do(fn)
}

func (in *Ingestor) recordOpen(outcome string) {
	in.opens.Add(1)
	if in.metrics != nil {
		in.metrics.opens.WithLabelValues(outcome).Inc()
	}
}

func (in *Ingestor) setLastErr(err error) {
	in.mu.Lock()
	in.lastErr = err
	in.mu.Unlock()
}

func (in *Ingestor) setConnected(connected bool, err error) {
	if in.connected.Swap(connected) == connected {
		return
	}
	in.sink.SetDeviceConnected(connected)
	if connected {
		in.logger.Info("Device channel connected")
	}
	if in.onChange != nil {
		in.onChange(connected, err)
	}
}

type countingReader struct {
	r  io.Reader
	in *Ingestor
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.in.metrics != nil {
		c.in.metrics.bytesReceived.Add(float64(n))
	}
	return n, err
}
