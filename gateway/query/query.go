// Package query serves the read side of the gateway: the live snapshot from
// the accumulator and committed history from the journal and the ledger.
// Apart from Commit, which asks the scheduler for an out-of-band attempt,
// nothing here mutates accumulator or ledger state.
package query

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/journal"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/reading"
	"github.com/c360/sensorledger/scheduler"
)

// Listing bounds
const (
	DefaultLimit       = 100
	MaxLimit           = 1000
	DefaultConcurrency = 8
	MaxWait            = 60 * time.Second
)

// SnapshotSource provides the live snapshot.
type SnapshotSource interface {
	Snapshot() reading.SensorSnapshot
	WaitForVersion(ctx context.Context, since uint64) reading.SensorSnapshot
}

// Committer starts and tracks commits.
type Committer interface {
	TriggerNow() (reading.CommitRecord, error)
	Wait(ctx context.Context, id string) (reading.CommitRecord, error)
	Record(ctx context.Context, id string) (reading.CommitRecord, error)
	Status() scheduler.Status
}

// RecordReader reads stored records back from the ledger.
type RecordReader interface {
	RetrieveSensorData(ctx context.Context, id string) (ledger.Record, error)
}

// Filter selects committed records.
type Filter struct {
	// Since keeps records submitted strictly after this instant.
	Since time.Time
	// Limit caps the result; 0 means DefaultLimit.
	Limit int
}

// CommittedRecord is a ledger record with its journal timestamps.
type CommittedRecord struct {
	ledger.Record
	SubmittedAt time.Time `json:"submittedAt"`
	CommittedAt time.Time `json:"committedAt"`
}

// Deps holds runtime dependencies for the Service
type Deps struct {
	Snapshots   SnapshotSource
	Commits     Committer
	Ledger      RecordReader
	Journal     journal.Journal
	Concurrency int
	Logger      *slog.Logger
}

// Service implements the query operations.
type Service struct {
	snapshots   SnapshotSource
	commits     Committer
	ledger      RecordReader
	journal     journal.Journal
	concurrency int
	logger      *slog.Logger
}

// New creates a Service. Every collaborator is required.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Snapshots == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "snapshot source")
	case deps.Commits == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "committer")
	case deps.Ledger == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "ledger reader")
	case deps.Journal == nil:
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Service", "New", "journal")
	}

	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "query")
	}

	return &Service{
		snapshots:   deps.Snapshots,
		commits:     deps.Commits,
		ledger:      deps.Ledger,
		journal:     deps.Journal,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Snapshot returns the current snapshot without blocking.
func (s *Service) Snapshot() reading.SensorSnapshot {
	return s.snapshots.Snapshot()
}

// WaitSnapshot returns as soon as the snapshot version exceeds since, or
// the current snapshot once wait (capped at MaxWait) elapses or ctx ends.
func (s *Service) WaitSnapshot(ctx context.Context, since uint64, wait time.Duration) reading.SensorSnapshot {
	if wait <= 0 {
		return s.snapshots.Snapshot()
	}
	if wait > MaxWait {
		wait = MaxWait
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return s.snapshots.WaitForVersion(ctx, since)
}

// ListCommittedRecords returns committed records in submission order, read
// back from the ledger. Records the journal lists but the ledger does not
// know are skipped and logged.
func (s *Service) ListCommittedRecords(ctx context.Context, f Filter) ([]CommittedRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	entries, err := s.journal.List(ctx, journal.Filter{
		Since:  f.Since,
		Limit:  limit,
		Status: reading.StatusCommitted,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Service", "ListCommittedRecords", "list journal")
	}

	found := make([]*CommittedRecord, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			rec, err := s.ledger.RetrieveSensorData(gctx, entry.ID)
			if err != nil {
				if ledger.IsNotFound(err) {
					s.logger.Warn("Committed record missing from ledger", "id", entry.ID)
					return nil
				}
				return err
			}
			found[i] = &CommittedRecord{Record: rec, SubmittedAt: entry.SubmittedAt, CommittedAt: entry.CompletedAt}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "Service", "ListCommittedRecords", "retrieve records")
	}

	out := make([]CommittedRecord, 0, len(found))
	for _, r := range found {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// GetRecord evaluates RetrieveSensorData(id). An absent record yields
// errors.ErrRecordNotFound.
func (s *Service) GetRecord(ctx context.Context, id string) (ledger.Record, error) {
	if id == "" {
		return ledger.Record{}, errors.WrapInvalid(errors.ErrRecordNotFound, "Service", "GetRecord", "empty id")
	}
	rec, err := s.ledger.RetrieveSensorData(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return ledger.Record{}, errors.Wrap(errors.ErrRecordNotFound, "Service", "GetRecord", "retrieve "+id)
		}
		return ledger.Record{}, errors.Wrap(err, "Service", "GetRecord", "retrieve "+id)
	}
	return rec, nil
}

// Commit starts an out-of-band commit. With wait set it blocks until the
// record is terminal or ctx ends and returns the latest known state.
func (s *Service) Commit(ctx context.Context, wait bool) (reading.CommitRecord, error) {
	rec, err := s.commits.TriggerNow()
	if err != nil {
		return rec, err
	}
	s.logger.Info("Out-of-band commit requested", "id", rec.ID)
	if !wait {
		return rec, nil
	}
	return s.commits.Wait(ctx, rec.ID)
}

// CommitStatus returns the CommitRecord for id.
func (s *Service) CommitStatus(ctx context.Context, id string) (reading.CommitRecord, error) {
	return s.commits.Record(ctx, id)
}

// SchedulerStatus returns the commit scheduler's counters.
func (s *Service) SchedulerStatus() scheduler.Status {
	return s.commits.Status()
}
