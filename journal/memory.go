package journal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/reading"
)

// DefaultCapacity bounds a MemoryJournal when no capacity is given.
const DefaultCapacity = 10000

// MemoryJournal keeps records in process. When full, the oldest terminal
// record is evicted; PENDING records are never evicted.
type MemoryJournal struct {
	mu       sync.RWMutex
	records  map[string]reading.CommitRecord
	order    []string
	capacity int
	logger   *slog.Logger
	metrics  *metrics
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal(deps Deps) *MemoryJournal {
	capacity := deps.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "journal")
	}
	return &MemoryJournal{
		records:  make(map[string]reading.CommitRecord),
		capacity: capacity,
		logger:   logger,
		metrics:  newMetrics(deps.MetricsRegistry),
	}
}

// Create implements Journal.
func (j *MemoryJournal) Create(_ context.Context, rec reading.CommitRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.records[rec.ID]; ok {
		return errors.WrapInvalid(ErrDuplicate, "MemoryJournal", "Create", "create "+rec.ID)
	}
	if len(j.records) >= j.capacity {
		j.evictLocked()
	}
	j.records[rec.ID] = rec
	j.order = append(j.order, rec.ID)
	j.metrics.observe(rec.Status, len(j.records))
	return nil
}

func (j *MemoryJournal) evictLocked() {
	for i, id := range j.order {
		if j.records[id].Status.Terminal() {
			delete(j.records, id)
			j.order = append(j.order[:i], j.order[i+1:]...)
			j.logger.Debug("Evicted journal record", "id", id)
			return
		}
	}
}

// Update implements Journal.
func (j *MemoryJournal) Update(_ context.Context, rec reading.CommitRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.records[rec.ID]; !ok {
		return errors.Wrap(errors.ErrRecordNotFound, "MemoryJournal", "Update", "update "+rec.ID)
	}
	j.records[rec.ID] = rec
	j.metrics.observe(rec.Status, len(j.records))
	return nil
}

// Get implements Journal.
func (j *MemoryJournal) Get(_ context.Context, id string) (reading.CommitRecord, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rec, ok := j.records[id]
	if !ok {
		return reading.CommitRecord{}, errors.Wrap(errors.ErrRecordNotFound, "MemoryJournal", "Get", "get "+id)
	}
	return rec, nil
}

// List implements Journal.
func (j *MemoryJournal) List(_ context.Context, f Filter) ([]reading.CommitRecord, error) {
	j.mu.RLock()
	all := make([]reading.CommitRecord, 0, len(j.records))
	for _, id := range j.order {
		all = append(all, j.records[id])
	}
	j.mu.RUnlock()
	return Select(all, f), nil
}

// Len returns the number of stored records.
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}
