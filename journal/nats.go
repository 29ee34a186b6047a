package journal

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/natsclient"
	"github.com/c360/sensorledger/reading"
)

// SubjectPrefix prefixes lifecycle events: <prefix>.<status>, e.g. sensorledger.commits.committed.
const SubjectPrefix = "sensorledger.commits"

// NATSConfig configures the KV-backed journal.
type NATSConfig struct {
	Bucket   string        `mapstructure:"bucket"`
	TTL      time.Duration `mapstructure:"ttl"`
	Replicas int           `mapstructure:"replicas"`
	// PublishEvents emits each write on SubjectPrefix.<status>.
	PublishEvents bool `mapstructure:"publish_events"`
}

// DefaultBucket is the KV bucket name used when none is configured.
const DefaultBucket = "SENSORLEDGER_COMMITS"

// Publisher sends lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSJournal stores records in a JetStream KV bucket keyed by record id.
type NATSJournal struct {
	kv        *natsclient.KVStore
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics
}

// NewNATSJournal creates or opens the bucket and returns a journal over it.
func NewNATSJournal(ctx context.Context, client *natsclient.Client, cfg NATSConfig, deps Deps) (*NATSJournal, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "journal")
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "sensor ledger commit records",
		TTL:         cfg.TTL,
		Replicas:    cfg.Replicas,
		History:     1,
	})
	if err != nil {
		return nil, errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavail, err), "NATSJournal", "New", "open bucket "+cfg.Bucket)
	}

	j := &NATSJournal{
		kv:      client.NewKVStore(bucket),
		logger:  logger,
		metrics: newMetrics(deps.MetricsRegistry),
	}
	if cfg.PublishEvents {
		j.publisher = client
	}
	logger.Info("Commit journal ready", "bucket", cfg.Bucket)
	return j, nil
}

// NewNATSJournalFromStore builds a journal over an existing KV store.
func NewNATSJournalFromStore(kv *natsclient.KVStore, publisher Publisher, deps Deps) *NATSJournal {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "journal")
	}
	return &NATSJournal{kv: kv, publisher: publisher, logger: logger, metrics: newMetrics(deps.MetricsRegistry)}
}

func storageErr(err error, method, action string) error {
	return errors.WrapTransient(stderrors.Join(errors.ErrStorageUnavail, err), "NATSJournal", method, action)
}

// Create implements Journal.
func (j *NATSJournal) Create(ctx context.Context, rec reading.CommitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "NATSJournal", "Create", "marshal record")
	}
	if _, err := j.kv.Create(ctx, rec.ID, data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return errors.WrapInvalid(ErrDuplicate, "NATSJournal", "Create", "create "+rec.ID)
		}
		return storageErr(err, "Create", "create "+rec.ID)
	}
	j.metrics.observe(rec.Status, -1)
	j.publish(ctx, rec, data)
	return nil
}

// Update implements Journal.
func (j *NATSJournal) Update(ctx context.Context, rec reading.CommitRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "NATSJournal", "Update", "marshal record")
	}

	err = j.kv.UpdateWithRetry(ctx, rec.ID, func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.ErrRecordNotFound
		}
		return data, nil
	})
	if err != nil {
		if stderrors.Is(err, errors.ErrRecordNotFound) {
			return errors.Wrap(err, "NATSJournal", "Update", "update "+rec.ID)
		}
		return storageErr(err, "Update", "update "+rec.ID)
	}
	j.metrics.observe(rec.Status, -1)
	j.publish(ctx, rec, data)
	return nil
}

func (j *NATSJournal) publish(ctx context.Context, rec reading.CommitRecord, data []byte) {
	if j.publisher == nil {
		return
	}
	subject := fmt.Sprintf("%s.%s", SubjectPrefix, strings.ToLower(string(rec.Status)))
	if err := j.publisher.Publish(ctx, subject, data); err != nil {
		j.logger.Warn("Failed to publish commit event", "id", rec.ID, "subject", subject, "error", err)
	}
}

// Get implements Journal.
func (j *NATSJournal) Get(ctx context.Context, id string) (reading.CommitRecord, error) {
	entry, err := j.kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return reading.CommitRecord{}, errors.Wrap(errors.ErrRecordNotFound, "NATSJournal", "Get", "get "+id)
		}
		return reading.CommitRecord{}, storageErr(err, "Get", "get "+id)
	}
	var rec reading.CommitRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return reading.CommitRecord{}, errors.WrapInvalid(err, "NATSJournal", "Get", "unmarshal "+id)
	}
	return rec, nil
}

// List implements Journal. Records are fetched concurrently; undecodable
// entries are skipped and logged.
func (j *NATSJournal) List(ctx context.Context, f Filter) ([]reading.CommitRecord, error) {
	keys, err := j.kv.Keys(ctx)
	if err != nil {
		return nil, storageErr(err, "List", "list keys")
	}

	records := make([]*reading.CommitRecord, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, key := range keys {
		g.Go(func() error {
			rec, err := j.Get(gctx, key)
			switch {
			case err == nil:
				records[i] = &rec
			case stderrors.Is(err, errors.ErrRecordNotFound):
			case errors.IsInvalid(err):
				j.logger.Warn("Skipping unreadable journal entry", "key", key, "error", err)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := make([]reading.CommitRecord, 0, len(records))
	for _, r := range records {
		if r != nil {
			all = append(all, *r)
		}
	}
	return Select(all, f), nil
}
