package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/journal"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/pkg/retry"
	"github.com/c360/sensorledger/processor/accumulator"
	"github.com/c360/sensorledger/reading"
	fakes "github.com/c360/sensorledger/testutil"
)

var t0 = time.Date(2025, 3, 25, 12, 0, 0, 0, time.UTC)

type harness struct {
	acc       *accumulator.Accumulator
	chaincode *fakes.FakeChaincode
	clock     *fakes.FakeClock
	journal   *journal.MemoryJournal
	registry  *metric.MetricsRegistry
	sched     *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		acc:       accumulator.New(accumulator.Deps{}),
		chaincode: fakes.NewFakeChaincode(),
		clock:     fakes.NewFakeClock(t0),
		journal:   journal.NewMemoryJournal(journal.Deps{}),
		registry:  metric.NewMetricsRegistry(),
	}
	client := ledger.NewClient(ledger.ClientDeps{Connector: h.chaincode})
	sched, err := New(Deps{
		Config: Config{
			Interval: 30 * time.Second,
			Retry: retry.Config{
				MaxAttempts:  3,
				InitialDelay: time.Millisecond,
				MaxDelay:     5 * time.Millisecond,
				Multiplier:   2,
			},
		},
		Source:          h.acc,
		Store:           ledger.NewContract(client, ""),
		Journal:         h.journal,
		Clock:           h.clock,
		MetricsRegistry: h.registry,
	})
	require.NoError(t, err)
	t.Cleanup(sched.Close)
	h.sched = sched
	return h
}

func (h *harness) reading(temp float64) {
	h.acc.SetDeviceConnected(true)
	r := reading.NewSensorReading(h.clock.Now())
	hum := 50.0
	r.Temperature = &temp
	r.Humidity = &hum
	h.acc.Apply(r)
}

func (h *harness) wait(t *testing.T, id string) reading.CommitRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := h.sched.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestNew_RequiresSourceAndStore(t *testing.T) {
	_, err := New(Deps{})
	assert.True(t, errors.IsFatal(err))
}

func TestTick_NotReady(t *testing.T) {
	h := newHarness(t)
	_, started := h.sched.Tick()
	assert.False(t, started, "empty snapshot must not commit")

	temp := 20.0
	r := reading.NewSensorReading(h.clock.Now())
	r.Temperature = &temp
	h.acc.Apply(r)
	_, started = h.sched.Tick()
	assert.False(t, started, "temperature alone does not pass the minimum gate")
}

func TestTick_CommitsAndWritesLedger(t *testing.T) {
	h := newHarness(t)
	h.reading(9)

	rec, started := h.sched.Tick()
	require.True(t, started)
	assert.Equal(t, reading.StatusPending, rec.Status)
	assert.Regexp(t, `^sensor-`, rec.ID)

	done := h.wait(t, rec.ID)
	assert.Equal(t, reading.StatusCommitted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, t0, done.CompletedAt)

	args, ok := h.chaincode.Stored(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "9", args[1])
	assert.Equal(t, ledger.DefaultLocation, args[3])

	journaled, err := h.journal.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, reading.StatusCommitted, journaled.Status)

	_, started = h.sched.Tick()
	assert.False(t, started, "an unchanged snapshot is not committed twice")
}

func TestTick_IntervalDefersLatestSnapshot(t *testing.T) {
	h := newHarness(t)

	h.reading(10)
	first, started := h.sched.Tick()
	require.True(t, started)
	h.wait(t, first.ID)

	h.clock.Advance(5 * time.Second)
	h.reading(11)
	_, started = h.sched.Tick()
	assert.False(t, started, "second attempt 5s later is deferred")

	h.clock.Advance(5 * time.Second)
	h.reading(12)
	_, started = h.sched.Tick()
	assert.False(t, started)

	h.clock.Set(t0.Add(30 * time.Second))
	second, started := h.sched.Tick()
	require.True(t, started, "deferred snapshot commits once the interval elapses")
	assert.Equal(t, 12.0, second.Snapshot.Temperature.Value, "the latest snapshot is committed")
	h.wait(t, second.ID)

	assert.Equal(t, 2, h.chaincode.Len())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.sched.metrics.deferred))
}

func TestExecute_EndorsementTimeoutsExhaustRetries(t *testing.T) {
	h := newHarness(t)
	h.chaincode.SetSubmitErrs(
		fakes.Timeout(ledger.TxStoreSensorData),
		fakes.Timeout(ledger.TxStoreSensorData),
		fakes.Timeout(ledger.TxStoreSensorData),
	)

	h.reading(9)
	rec, started := h.sched.Tick()
	require.True(t, started)

	done := h.wait(t, rec.ID)
	assert.Equal(t, reading.StatusFailed, done.Status)
	assert.Equal(t, 3, done.Attempts)
	assert.Contains(t, done.Reason, "timeout")
	assert.Equal(t, 3, h.chaincode.CountCalls("submit", ledger.TxStoreSensorData))
	assert.Equal(t, 2, h.chaincode.CountCalls("evaluate", ledger.TxRetrieveSensorData),
		"the ledger is checked before each resubmission")

	status := h.sched.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Nil(t, status.Pending)

	// The failed snapshot is not resubmitted by the interval.
	_, started = h.sched.Tick()
	assert.False(t, started)
	h.clock.Advance(30 * time.Second)
	_, started = h.sched.Tick()
	assert.False(t, started, "a failed snapshot waits for a newer reading")
	h.clock.Advance(30 * time.Second)
	_, started = h.sched.Tick()
	assert.False(t, started)
	assert.Equal(t, 3, h.chaincode.CountCalls("submit", ledger.TxStoreSensorData))

	h.reading(10)
	next, started := h.sched.Tick()
	require.True(t, started, "a newer reading is committed")
	assert.NotEqual(t, rec.ID, next.ID)
	assert.Greater(t, next.Snapshot.Version, rec.Snapshot.Version)
	assert.Equal(t, reading.StatusCommitted, h.wait(t, next.ID).Status)
	assert.Equal(t, 0, h.sched.Status().ConsecutiveFailures)
}

func TestTriggerNow_RetriesFailedSnapshot(t *testing.T) {
	h := newHarness(t)
	h.chaincode.SetSubmitErrs(ledger.NewError(ledger.KindIdentity, ledger.TxStoreSensorData, ledger.PhaseEndorse,
		errors.ErrIdentity))

	h.reading(9)
	rec, _ := h.sched.Tick()
	require.Equal(t, reading.StatusFailed, h.wait(t, rec.ID).Status)

	h.clock.Advance(30 * time.Second)
	_, started := h.sched.Tick()
	require.False(t, started)

	again, err := h.sched.TriggerNow()
	require.NoError(t, err)
	assert.Equal(t, rec.Snapshot.Version, again.Snapshot.Version)
	assert.Equal(t, reading.StatusCommitted, h.wait(t, again.ID).Status)
}

func TestExecute_TimeoutWithLostAcknowledgement(t *testing.T) {
	h := newHarness(t)
	h.chaincode.StoreOnError = true
	h.chaincode.SetSubmitErrs(fakes.Timeout(ledger.TxStoreSensorData))

	h.reading(9)
	rec, _ := h.sched.Tick()
	done := h.wait(t, rec.ID)

	assert.Equal(t, reading.StatusCommitted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, 1, h.chaincode.CountCalls("submit", ledger.TxStoreSensorData), "no duplicate write")
	assert.Equal(t, 1, h.chaincode.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.sched.metrics.confirmed))
}

func TestExecute_UnknownOutcomeSurvivesFailedCheck(t *testing.T) {
	h := newHarness(t)
	h.chaincode.StoreOnError = true
	h.chaincode.SetSubmitErrs(fakes.Timeout(ledger.TxStoreSensorData))
	h.chaincode.EvaluateErrs = []error{
		ledger.NewError(ledger.KindEndorsement, ledger.TxRetrieveSensorData, ledger.PhaseEvaluate,
			errors.ErrEndorsement),
	}

	h.reading(9)
	rec, _ := h.sched.Tick()
	done := h.wait(t, rec.ID)

	assert.Equal(t, reading.StatusCommitted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, 1, h.chaincode.CountCalls("submit", ledger.TxStoreSensorData),
		"a failed existence check must not lead to a blind resubmit")
	assert.Equal(t, 2, h.chaincode.CountCalls("evaluate", ledger.TxRetrieveSensorData))
	assert.Equal(t, 1, h.chaincode.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.sched.metrics.confirmed))
}

func TestExecute_AlreadyExistsOnResubmitConfirms(t *testing.T) {
	h := newHarness(t)
	h.chaincode.StoreOnError = true
	h.chaincode.SetSubmitErrs(fakes.Timeout(ledger.TxStoreSensorData))
	// A lagging peer answers the check before the write is visible.
	h.chaincode.EvaluateErrs = []error{
		ledger.NewError(ledger.KindEndorsement, ledger.TxRetrieveSensorData, ledger.PhaseEvaluate,
			fmt.Errorf("the sensor %s does not exist", "sensor-1")),
	}

	h.reading(9)
	rec, _ := h.sched.Tick()
	done := h.wait(t, rec.ID)

	assert.Equal(t, reading.StatusCommitted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, 2, h.chaincode.CountCalls("submit", ledger.TxStoreSensorData))
	assert.Equal(t, 1, h.chaincode.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.sched.metrics.confirmed))
}

func TestExecute_AlreadyExistsOnFirstSubmitFails(t *testing.T) {
	h := newHarness(t)
	h.reading(9)

	release := make(chan struct{})
	h.sched.store = blockingStore{Store: h.sched.store, release: release}
	rec, _ := h.sched.Tick()
	h.chaincode.Put(rec.ID, "1", "2", "loc", "0", "0", "0", "ts")
	close(release)

	done := h.wait(t, rec.ID)
	assert.Equal(t, reading.StatusFailed, done.Status)
	assert.Equal(t, 1, done.Attempts, "an id collision is not retried")
	assert.Contains(t, done.Reason, "already exists")
	assert.Equal(t, float64(0), testutil.ToFloat64(h.sched.metrics.confirmed))
}

func TestExecute_RetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.chaincode.SetSubmitErrs(ledger.NewError(ledger.KindCommit, ledger.TxStoreSensorData, ledger.PhaseCommitStatus,
		errors.ErrCommit))

	h.reading(9)
	rec, _ := h.sched.Tick()
	done := h.wait(t, rec.ID)

	assert.Equal(t, reading.StatusCommitted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, 0, h.chaincode.CountCalls("evaluate", ledger.TxRetrieveSensorData),
		"only timeouts trigger an existence check")
	_, ok := h.chaincode.Stored(rec.ID)
	assert.True(t, ok, "the retry reuses the record id")
}

func TestExecute_FatalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.chaincode.SetSubmitErrs(ledger.NewError(ledger.KindIdentity, ledger.TxStoreSensorData, ledger.PhaseEndorse,
		errors.ErrIdentity))

	h.reading(9)
	rec, _ := h.sched.Tick()
	done := h.wait(t, rec.ID)
	assert.Equal(t, reading.StatusFailed, done.Status)
	assert.Equal(t, 1, done.Attempts)
}

func TestTriggerNow(t *testing.T) {
	t.Run("not ready", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.sched.TriggerNow()
		assert.ErrorIs(t, err, errors.ErrNotCommitReady)
	})

	t.Run("bypasses the interval", func(t *testing.T) {
		h := newHarness(t)
		h.reading(9)
		first, _ := h.sched.Tick()
		h.wait(t, first.ID)

		h.clock.Advance(time.Second)
		rec, err := h.sched.TriggerNow()
		require.NoError(t, err)
		assert.True(t, rec.OutOfBand)
		assert.Equal(t, reading.StatusCommitted, h.wait(t, rec.ID).Status)
	})

	t.Run("conflicts with a pending commit", func(t *testing.T) {
		h := newHarness(t)
		block := make(chan struct{})
		h.sched.store = blockingStore{Store: h.sched.store, release: block}

		h.reading(9)
		rec, err := h.sched.TriggerNow()
		require.NoError(t, err)

		pending, err := h.sched.TriggerNow()
		assert.ErrorIs(t, err, errors.ErrCommitPending)
		assert.Equal(t, rec.ID, pending.ID)

		_, started := h.sched.Tick()
		assert.False(t, started)

		close(block)
		assert.Equal(t, reading.StatusCommitted, h.wait(t, rec.ID).Status)
	})
}

type blockingStore struct {
	Store
	release chan struct{}
}

func (b blockingStore) StoreSensorData(ctx context.Context, id string, snap reading.SensorSnapshot) error {
	<-b.release
	return b.Store.StoreSensorData(ctx, id, snap)
}

func TestAtMostOnePending(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.sched.store = blockingStore{Store: h.sched.store, release: release}
	h.reading(9)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started []string
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if rec, ok := h.sched.Tick(); ok {
					mu.Lock()
					started = append(started, rec.ID)
					mu.Unlock()
				}
				return
			}
			if rec, err := h.sched.TriggerNow(); err == nil {
				mu.Lock()
				started = append(started, rec.ID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, started, 1)

	pending, err := h.journal.List(context.Background(), journal.Filter{Status: reading.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	close(release)
	h.wait(t, started[0])
}

type blockingJournal struct {
	journal.Journal
	entered chan struct{}
	release chan struct{}
}

func (b blockingJournal) Create(ctx context.Context, rec reading.CommitRecord) error {
	close(b.entered)
	<-b.release
	return b.Journal.Create(ctx, rec)
}

func TestStart_JournalsOutsideLock(t *testing.T) {
	h := newHarness(t)
	bj := blockingJournal{Journal: h.journal, entered: make(chan struct{}), release: make(chan struct{})}
	h.sched.journal = bj
	h.reading(9)

	started := make(chan reading.CommitRecord, 1)
	go func() {
		rec, _ := h.sched.Tick()
		started <- rec
	}()
	<-bj.entered

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NotNil(t, h.sched.Status().Pending)
		_, err := h.sched.TriggerNow()
		assert.ErrorIs(t, err, errors.ErrCommitPending)
		_, ok := h.sched.Tick()
		assert.False(t, ok)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler lock held while journaling")
	}

	close(bj.release)
	rec := <-started
	assert.Equal(t, reading.StatusCommitted, h.wait(t, rec.ID).Status)
}

func TestClose_CancelsInflightCommit(t *testing.T) {
	h := newHarness(t)
	h.sched.store = ctxStore{}
	h.reading(9)
	rec, _ := h.sched.Tick()

	h.sched.Close()
	got, err := h.journal.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, reading.StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "context canceled")
}

type ctxStore struct{}

func (ctxStore) StoreSensorData(ctx context.Context, _ string, _ reading.SensorSnapshot) error {
	<-ctx.Done()
	return ctx.Err()
}

func (ctxStore) RetrieveSensorData(context.Context, string) (ledger.Record, error) {
	return ledger.Record{}, errors.ErrRecordNotFound
}

func TestRun_CommitsOnSnapshotChange(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	h.reading(9)
	assert.Eventually(t, func() bool { return h.chaincode.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
