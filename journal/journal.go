// Package journal persists the CommitRecord lifecycle so commit status and
// committed history survive restarts and can be listed.
package journal

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/c360/sensorledger/reading"
)

// ErrDuplicate is returned by Create when the id is already journaled.
var ErrDuplicate = stderrors.New("journal: record already exists")

// Filter selects records for List.
type Filter struct {
	// Since keeps records submitted strictly after this instant.
	Since time.Time
	// Limit caps the result; 0 means unlimited.
	Limit int
	// Status keeps only records in this state; empty keeps all.
	Status reading.CommitStatus
}

// Journal stores CommitRecords by id.
type Journal interface {
	// Create adds a new record. It fails with ErrDuplicate if the id exists.
	Create(ctx context.Context, rec reading.CommitRecord) error
	// Update replaces an existing record.
	Update(ctx context.Context, rec reading.CommitRecord) error
	// Get returns the record or errors.ErrRecordNotFound.
	Get(ctx context.Context, id string) (reading.CommitRecord, error)
	// List returns matching records ordered by SubmittedAt ascending.
	List(ctx context.Context, f Filter) ([]reading.CommitRecord, error)
}

// Select applies f to records. With Since set it returns the first Limit
// matches after Since; without it, the newest Limit matches. Both are in
// ascending SubmittedAt order.
func Select(records []reading.CommitRecord, f Filter) []reading.CommitRecord {
	out := make([]reading.CommitRecord, 0, len(records))
	for _, r := range records {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && !r.SubmittedAt.After(f.Since) {
			continue
		}
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		if f.Since.IsZero() {
			out = out[len(out)-f.Limit:]
		} else {
			out = out[:f.Limit]
		}
	}
	return out
}
