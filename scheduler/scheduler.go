// Package scheduler turns accumulator snapshots into ledger commits.
//
// A commit starts when the interval since the previous one has elapsed, the
// snapshot passes the commit gate and its version is newer than the last
// committed one, or immediately when triggered out of band. At most one
// CommitRecord is PENDING at any time. Submission runs on its own goroutine so
// a slow ledger never stalls ingestion. Commit-level failures are retried with
// the same record id; after a timeout the ledger is queried first so a commit
// whose acknowledgement was lost is not written twice.
package scheduler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/journal"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/pkg/retry"
	"github.com/c360/sensorledger/reading"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SnapshotSource is the accumulator surface the scheduler reads.
type SnapshotSource interface {
	Snapshot() reading.SensorSnapshot
	Changed() <-chan struct{}
}

// Store is the contract surface the scheduler writes through.
type Store interface {
	StoreSensorData(ctx context.Context, id string, snap reading.SensorSnapshot) error
	RetrieveSensorData(ctx context.Context, id string) (ledger.Record, error)
}

// Config controls commit timing.
type Config struct {
	// Interval is the minimum spacing between interval-driven commits.
	Interval time.Duration `mapstructure:"interval"`
	// TickInterval is how often the gate is re-evaluated without a snapshot change.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// IDPrefix prefixes generated record ids.
	IDPrefix string `mapstructure:"id_prefix"`
	// Retry is the backoff policy for commit-level failures.
	Retry retry.Config `mapstructure:"-"`
}

// DefaultConfig returns a 30s interval, 1s tick and the standard commit retry policy.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		TickInterval: time.Second,
		IDPrefix:     ledger.DefaultIDPrefix,
		Retry:        retry.Commit(),
	}
}

// Deps holds runtime dependencies for the scheduler
type Deps struct {
	Config          Config
	Source          SnapshotSource
	Store           Store
	Journal         journal.Journal
	Clock           Clock
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Status is a point-in-time view of the scheduler for health reporting.
type Status struct {
	Pending             *reading.CommitRecord `json:"pending,omitempty"`
	LastCommitted       time.Time             `json:"lastCommitted"`
	LastFailed          time.Time             `json:"lastFailed"`
	LastReason          string                `json:"lastReason,omitempty"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	Committed           uint64                `json:"committed"`
	Failed              uint64                `json:"failed"`
}

type inflight struct {
	record reading.CommitRecord
	done   chan struct{}
}

// Scheduler owns the commit lifecycle.
type Scheduler struct {
	cfg     Config
	source  SnapshotSource
	store   Store
	journal journal.Journal
	clock   Clock
	logger  *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	pending       *inflight
	finished      map[string]reading.CommitRecord
	lastRef       time.Time
	lastVersion   uint64
	deferredSince uint64
	status        Status
}

// New validates deps and creates an idle scheduler.
func New(deps Deps) (*Scheduler, error) {
	if deps.Source == nil || deps.Store == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Scheduler", "New", "source and store are required")
	}

	cfg := deps.Config
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = def.IDPrefix
	}
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.InitialDelay == 0 {
		cfg.Retry = def.Retry
	}

	j := deps.Journal
	if j == nil {
		j = journal.NewMemoryJournal(journal.Deps{MetricsRegistry: deps.MetricsRegistry})
	}
	clock := deps.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "scheduler")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		source:   deps.Source,
		store:    deps.Store,
		journal:  j,
		clock:    clock,
		logger:   logger,
		metrics:  newMetrics(deps.MetricsRegistry),
		ctx:      ctx,
		cancel:   cancel,
		finished: make(map[string]reading.CommitRecord),
	}, nil
}

// Run evaluates the interval gate on every tick and snapshot change until
// ctx ends, then cancels any in-flight commit and waits for it.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("Commit scheduler started", "interval", s.cfg.Interval)
	for {
		changed := s.source.Changed()
		s.Tick()

		select {
		case <-ctx.Done():
			s.Close()
			s.logger.Info("Commit scheduler stopped")
			return nil
		case <-ticker.C:
		case <-changed:
		}
	}
}

// Close cancels an in-flight commit and waits for it to finish.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Tick evaluates the interval gate once. It returns the started record, if any.
func (s *Scheduler) Tick() (reading.CommitRecord, bool) {
	now := s.clock.Now()
	snap := s.source.Snapshot()

	s.mu.Lock()
	if s.pending != nil || !snap.CommitReady || snap.Version <= s.lastVersion {
		s.mu.Unlock()
		return reading.CommitRecord{}, false
	}
	if !s.lastRef.IsZero() && now.Sub(s.lastRef) < s.cfg.Interval {
		if s.deferredSince != snap.Version {
			s.deferredSince = snap.Version
			if s.metrics != nil {
				s.metrics.deferred.Inc()
			}
			s.logger.Debug("Commit deferred by interval",
				"version", snap.Version, "due_in", s.cfg.Interval-now.Sub(s.lastRef))
		}
		s.mu.Unlock()
		return reading.CommitRecord{}, false
	}
	in := s.reserveLocked(now, snap, false)
	s.mu.Unlock()

	s.start(in)
	return in.record, true
}

// TriggerNow starts an out-of-band commit of the current snapshot, bypassing
// only the interval. It fails with ErrCommitPending while a commit is in
// flight and ErrNotCommitReady if the snapshot does not pass the gate.
func (s *Scheduler) TriggerNow() (reading.CommitRecord, error) {
	now := s.clock.Now()
	snap := s.source.Snapshot()

	s.mu.Lock()
	if s.pending != nil {
		rec := s.pending.record
		s.mu.Unlock()
		return rec, errors.WrapInvalid(errors.ErrCommitPending, "Scheduler", "TriggerNow", "start commit")
	}
	if !snap.CommitReady {
		s.mu.Unlock()
		return reading.CommitRecord{}, errors.WrapInvalid(errors.ErrNotCommitReady, "Scheduler", "TriggerNow", "start commit")
	}
	in := s.reserveLocked(now, snap, true)
	s.mu.Unlock()

	s.start(in)
	return in.record, nil
}

// reserveLocked claims the single pending slot. The caller holds s.mu.
func (s *Scheduler) reserveLocked(now time.Time, snap reading.SensorSnapshot, outOfBand bool) *inflight {
	rec := reading.CommitRecord{
		ID:          ledger.NewRecordID(s.cfg.IDPrefix),
		Snapshot:    snap,
		SubmittedAt: now,
		Status:      reading.StatusPending,
		OutOfBand:   outOfBand,
	}
	in := &inflight{record: rec, done: make(chan struct{})}
	s.pending = in
	s.lastRef = now
	s.status.Pending = &in.record
	s.wg.Add(1)
	if s.metrics != nil {
		s.metrics.pending.Set(1)
	}
	return in
}

// start journals the reserved record outside the lock, then runs it.
func (s *Scheduler) start(in *inflight) {
	rec := in.record
	if err := s.journal.Create(s.ctx, rec); err != nil {
		s.logger.Warn("Failed to journal commit record", "id", rec.ID, "error", err)
	}
	s.logger.Info("Commit started", "id", rec.ID, "version", rec.Snapshot.Version, "out_of_band", rec.OutOfBand)
	go s.execute(in)
}

func (s *Scheduler) execute(in *inflight) {
	defer s.wg.Done()
	rec := in.record
	ctx := s.ctx

	var (
		lastErr   error
		confirmed bool
		// unknown is set by a timed-out submit and cleared only by a
		// definite answer from the ledger. mayExist stays set once any
		// submit timed out.
		unknown  bool
		mayExist bool
	)
	policy := s.cfg.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("Commit attempt failed, retrying",
			"id", rec.ID, "attempt", attempt, "delay", delay, "error", err)
	}

	err := retry.Do(ctx, policy, func() error {
		if unknown {
			_, err := s.store.RetrieveSensorData(ctx, rec.ID)
			switch {
			case err == nil:
				confirmed = true
				return nil
			case ledger.IsNotFound(err):
				unknown = false
			default:
				lastErr = err
				return s.retryable(err)
			}
		}

		rec.Attempts++
		if s.metrics != nil {
			s.metrics.attempts.Inc()
		}
		s.mu.Lock()
		in.record.Attempts = rec.Attempts
		s.mu.Unlock()
		s.save(ctx, rec)

		lastErr = s.store.StoreSensorData(ctx, rec.ID, rec.Snapshot)
		switch {
		case lastErr == nil:
		case ledger.IsTimeout(lastErr):
			unknown = true
			mayExist = true
		case ledger.IsAlreadyExists(lastErr):
			if !mayExist {
				return retry.NonRetryable(lastErr)
			}
			// Ids are never reused, so an earlier attempt of this record landed.
			confirmed = true
			lastErr = nil
		}
		return s.retryable(lastErr)
	})

	now := s.clock.Now()
	rec.CompletedAt = now
	if err == nil {
		rec.Status = reading.StatusCommitted
		if confirmed {
			rec.Reason = "confirmed on ledger after unknown outcome"
			if s.metrics != nil {
				s.metrics.confirmed.Inc()
			}
		}
	} else {
		rec.Status = reading.StatusFailed
		cause := lastErr
		if cause == nil || ctx.Err() != nil {
			cause = err
		}
		rec.Reason = cause.Error()
	}

	s.save(context.WithoutCancel(ctx), rec)
	s.finish(in, rec)
}

func (s *Scheduler) retryable(err error) error {
	if err == nil {
		return nil
	}
	if errors.IsTransient(err) {
		return err
	}
	return retry.NonRetryable(err)
}

func (s *Scheduler) save(ctx context.Context, rec reading.CommitRecord) {
	if err := s.journal.Update(ctx, rec); err != nil {
		if stderrors.Is(err, errors.ErrRecordNotFound) {
			err = s.journal.Create(ctx, rec)
		}
		if err != nil {
			s.logger.Warn("Failed to journal commit record", "id", rec.ID, "status", rec.Status, "error", err)
		}
	}
}

func (s *Scheduler) finish(in *inflight, rec reading.CommitRecord) {
	s.mu.Lock()
	in.record = rec
	s.pending = nil
	s.status.Pending = nil
	s.finished[rec.ID] = rec
	s.trimFinishedLocked()

	switch rec.Status {
	case reading.StatusCommitted:
		if rec.Snapshot.Version > s.lastVersion {
			s.lastVersion = rec.Snapshot.Version
		}
		s.status.LastCommitted = rec.CompletedAt
		s.status.ConsecutiveFailures = 0
		s.status.Committed++
	case reading.StatusFailed:
		// Interval gating resumes from the failure, and only a newer snapshot
		// is committed; TriggerNow remains the way to retry this one.
		if rec.Snapshot.Version > s.lastVersion {
			s.lastVersion = rec.Snapshot.Version
		}
		s.lastRef = rec.CompletedAt
		s.status.LastFailed = rec.CompletedAt
		s.status.LastReason = rec.Reason
		s.status.ConsecutiveFailures++
		s.status.Failed++
	}
	s.mu.Unlock()

	if s.metrics != nil {
		trigger := "interval"
		if rec.OutOfBand {
			trigger = "manual"
		}
		s.metrics.pending.Set(0)
		s.metrics.commits.WithLabelValues(string(rec.Status), trigger).Inc()
		s.metrics.commitDuration.Observe(rec.CompletedAt.Sub(rec.SubmittedAt).Seconds())
	}

	if rec.Status == reading.StatusCommitted {
		s.logger.Info("Commit succeeded", "id", rec.ID, "attempts", rec.Attempts, "version", rec.Snapshot.Version)
	} else {
		s.logger.Error("Commit failed", "id", rec.ID, "attempts", rec.Attempts, "reason", rec.Reason)
	}
	close(in.done)
}

// maxFinished bounds the in-memory cache of terminal records used by Wait.
const maxFinished = 64

func (s *Scheduler) trimFinishedLocked() {
	if len(s.finished) <= maxFinished {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, r := range s.finished {
		if oldestID == "" || r.CompletedAt.Before(oldest) {
			oldestID, oldest = id, r.CompletedAt
		}
	}
	delete(s.finished, oldestID)
}

// Pending returns the in-flight record, if any.
func (s *Scheduler) Pending() (reading.CommitRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return reading.CommitRecord{}, false
	}
	return s.pending.record, true
}

// Wait blocks until the record id is terminal or ctx ends, and returns it.
func (s *Scheduler) Wait(ctx context.Context, id string) (reading.CommitRecord, error) {
	s.mu.Lock()
	in := s.pending
	if in != nil && in.record.ID == id {
		s.mu.Unlock()
		select {
		case <-in.done:
		case <-ctx.Done():
			return in.record, errors.WrapTransient(ctx.Err(), "Scheduler", "Wait", "wait for "+id)
		}
		s.mu.Lock()
		rec := in.record
		s.mu.Unlock()
		return rec, nil
	}
	if rec, ok := s.finished[id]; ok {
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	return s.journal.Get(ctx, id)
}

// Record returns the journaled record for id.
func (s *Scheduler) Record(ctx context.Context, id string) (reading.CommitRecord, error) {
	s.mu.Lock()
	if s.pending != nil && s.pending.record.ID == id {
		rec := s.pending.record
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()
	return s.journal.Get(ctx, id)
}

// Status returns a copy of the scheduler status.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.Pending != nil {
		p := *st.Pending
		st.Pending = &p
	}
	return st
}
