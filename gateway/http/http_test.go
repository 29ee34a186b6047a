package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/gateway/query"
	"github.com/c360/sensorledger/health"
	"github.com/c360/sensorledger/ledger"
	"github.com/c360/sensorledger/metric"
	"github.com/c360/sensorledger/processor/accumulator"
	"github.com/c360/sensorledger/reading"
)

var t0 = time.Date(2025, 3, 25, 12, 0, 0, 0, time.UTC)

type mockQuery struct {
	mock.Mock
}

func (m *mockQuery) Snapshot() reading.SensorSnapshot {
	return m.Called().Get(0).(reading.SensorSnapshot)
}

func (m *mockQuery) WaitSnapshot(ctx context.Context, since uint64, wait time.Duration) reading.SensorSnapshot {
	return m.Called(ctx, since, wait).Get(0).(reading.SensorSnapshot)
}

func (m *mockQuery) ListCommittedRecords(ctx context.Context, f query.Filter) ([]query.CommittedRecord, error) {
	args := m.Called(ctx, f)
	recs, _ := args.Get(0).([]query.CommittedRecord)
	return recs, args.Error(1)
}

func (m *mockQuery) GetRecord(ctx context.Context, id string) (ledger.Record, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(ledger.Record), args.Error(1)
}

func (m *mockQuery) Commit(ctx context.Context, wait bool) (reading.CommitRecord, error) {
	args := m.Called(ctx, wait)
	return args.Get(0).(reading.CommitRecord), args.Error(1)
}

func (m *mockQuery) CommitStatus(ctx context.Context, id string) (reading.CommitRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(reading.CommitRecord), args.Error(1)
}

func newTestGateway(t *testing.T, q QueryService, mon HealthReporter) (*Gateway, *metric.MetricsRegistry) {
	t.Helper()
	reg := metric.NewMetricsRegistry()
	cfg := DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	cfg.StreamPing = 50 * time.Millisecond
	g, err := NewGateway(Deps{Config: cfg, Query: q, Health: mon, MetricsRegistry: reg})
	require.NoError(t, err)
	return g, reg
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func f64(v float64) *float64 { return &v }

func TestNewGateway(t *testing.T) {
	_, err := NewGateway(Deps{})
	assert.True(t, errors.IsFatal(err))

	_, err = NewGateway(Deps{Query: &mockQuery{}, Config: Config{Address: "no-port"}})
	assert.True(t, errors.IsInvalid(err))
}

func TestSnapshotRoutes(t *testing.T) {
	empty := reading.SensorSnapshot{Version: 3}

	t.Run("current snapshot with null fields", func(t *testing.T) {
		q := &mockQuery{}
		q.On("Snapshot").Return(empty)
		g, _ := newTestGateway(t, q, nil)

		for _, path := range []string{"/snapshot", "/data"} {
			rec := do(t, g.Handler(), http.MethodGet, path)
			require.Equal(t, http.StatusOK, rec.Code, path)
			body := decode(t, rec)
			assert.Equal(t, 3.0, body["version"])
			assert.Equal(t, false, body["deviceConnected"])
			assert.Nil(t, body["temperature"])
			assert.Contains(t, body, "commitReady")
		}
	})

	t.Run("long poll passes since and wait", func(t *testing.T) {
		q := &mockQuery{}
		q.On("WaitSnapshot", mock.Anything, uint64(3), 2*time.Second).Return(reading.SensorSnapshot{Version: 4})
		g, _ := newTestGateway(t, q, nil)

		rec := do(t, g.Handler(), http.MethodGet, "/snapshot?since=3&wait=2s")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 4.0, decode(t, rec)["version"])
		q.AssertExpectations(t)
	})

	t.Run("wait without since waits past the current version", func(t *testing.T) {
		q := &mockQuery{}
		q.On("Snapshot").Return(empty)
		q.On("WaitSnapshot", mock.Anything, uint64(3), 5*time.Second).Return(reading.SensorSnapshot{Version: 5})
		g, _ := newTestGateway(t, q, nil)

		rec := do(t, g.Handler(), http.MethodGet, "/snapshot?wait=5")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5.0, decode(t, rec)["version"])
	})

	t.Run("bad parameters", func(t *testing.T) {
		g, _ := newTestGateway(t, &mockQuery{}, nil)
		for _, target := range []string{"/snapshot?since=-1", "/snapshot?since=x&wait=1s", "/snapshot?since=1&wait=soon", "/snapshot?since=1&wait=-5"} {
			rec := do(t, g.Handler(), http.MethodGet, target)
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		}
	})
}

func TestCommitRoute(t *testing.T) {
	pending := reading.CommitRecord{ID: "sensor-1", Status: reading.StatusPending, SubmittedAt: t0}

	tests := []struct {
		name       string
		target     string
		wait       bool
		rec        reading.CommitRecord
		err        error
		wantCode   int
		wantStatus string
		wantID     string
	}{
		{"accepted", "/commit", false, pending, nil, http.StatusAccepted, "PENDING", "sensor-1"},
		{"wait committed", "/commit?wait=true", true,
			reading.CommitRecord{ID: "sensor-1", Status: reading.StatusCommitted, Attempts: 1}, nil,
			http.StatusOK, "COMMITTED", "sensor-1"},
		{"wait failed", "/commit?wait=1", true,
			reading.CommitRecord{ID: "sensor-1", Status: reading.StatusFailed, Reason: "endorsement failed"}, nil,
			http.StatusOK, "FAILED", "sensor-1"},
		{"already pending", "/commit", false, pending,
			errors.WrapInvalid(errors.ErrCommitPending, "Scheduler", "TriggerNow", "start commit"),
			http.StatusConflict, "", "sensor-1"},
		{"not ready", "/commit", false, reading.CommitRecord{},
			errors.WrapInvalid(errors.ErrNotCommitReady, "Scheduler", "TriggerNow", "start commit"),
			http.StatusUnprocessableEntity, "", ""},
		{"wait outlives request", "/commit?wait=true", true, pending,
			errors.WrapTransient(context.DeadlineExceeded, "Scheduler", "Wait", "wait for sensor-1"),
			http.StatusAccepted, "PENDING", "sensor-1"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			q := &mockQuery{}
			q.On("Commit", mock.Anything, test.wait).Return(test.rec, test.err)
			g, _ := newTestGateway(t, q, nil)

			rec := do(t, g.Handler(), http.MethodPost, test.target)
			require.Equal(t, test.wantCode, rec.Code, rec.Body.String())
			body := decode(t, rec)
			if test.wantStatus != "" {
				assert.Equal(t, test.wantStatus, body["status"])
			}
			if test.wantID != "" {
				assert.Equal(t, test.wantID, body["id"])
			}
			q.AssertExpectations(t)
		})
	}

	t.Run("failed reason is reported", func(t *testing.T) {
		q := &mockQuery{}
		q.On("Commit", mock.Anything, true).Return(reading.CommitRecord{
			ID: "sensor-2", Status: reading.StatusFailed, Reason: "ledger timeout error in StoreSensorData",
		}, nil)
		g, _ := newTestGateway(t, q, nil)

		body := decode(t, do(t, g.Handler(), http.MethodPost, "/commit?wait=true"))
		assert.Equal(t, "ledger timeout error in StoreSensorData", body["reason"])
	})

	t.Run("bad wait flag", func(t *testing.T) {
		g, _ := newTestGateway(t, &mockQuery{}, nil)
		assert.Equal(t, http.StatusBadRequest, do(t, g.Handler(), http.MethodPost, "/commit?wait=maybe").Code)
	})

	t.Run("GET is not allowed", func(t *testing.T) {
		g, _ := newTestGateway(t, &mockQuery{}, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, do(t, g.Handler(), http.MethodGet, "/commit").Code)
	})
}

func TestCommitStatusRoute(t *testing.T) {
	q := &mockQuery{}
	q.On("CommitStatus", mock.Anything, "sensor-1").Return(reading.CommitRecord{
		ID: "sensor-1", Status: reading.StatusCommitted, SubmittedAt: t0, CompletedAt: t0.Add(time.Second), Attempts: 2,
	}, nil)
	q.On("CommitStatus", mock.Anything, "sensor-x").Return(reading.CommitRecord{},
		errors.Wrap(errors.ErrRecordNotFound, "MemoryJournal", "Get", "lookup sensor-x"))
	g, _ := newTestGateway(t, q, nil)

	rec := do(t, g.Handler(), http.MethodGet, "/commits/sensor-1")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "COMMITTED", body["status"])
	assert.Equal(t, 2.0, body["attempts"])
	assert.Contains(t, body, "snapshot")
	assert.Contains(t, body, "completedAt")

	assert.Equal(t, http.StatusNotFound, do(t, g.Handler(), http.MethodGet, "/commits/sensor-x").Code)
}

func TestRecordsRoute(t *testing.T) {
	since := t0.Add(-time.Hour)
	recs := []query.CommittedRecord{{
		Record:      ledger.Record{ID: "sensor-1", Temperature: f64(9), Humidity: f64(90), Location: "Warehouse-A", Timestamp: t0},
		SubmittedAt: t0,
		CommittedAt: t0.Add(2 * time.Second),
	}}

	t.Run("filter is passed through", func(t *testing.T) {
		q := &mockQuery{}
		q.On("ListCommittedRecords", mock.Anything, query.Filter{Since: since, Limit: 2}).Return(recs, nil)
		g, _ := newTestGateway(t, q, nil)

		rec := do(t, g.Handler(), http.MethodGet, "/records?since="+since.Format(time.RFC3339)+"&limit=2")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var out []map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		require.Len(t, out, 1)
		assert.Equal(t, "sensor-1", out[0]["id"])
		assert.Equal(t, 9.0, out[0]["temperature"])
		assert.Contains(t, out[0], "committedAt")
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		q := &mockQuery{}
		q.On("ListCommittedRecords", mock.Anything, query.Filter{}).Return(nil, nil)
		g, _ := newTestGateway(t, q, nil)

		rec := do(t, g.Handler(), http.MethodGet, "/records")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	})

	t.Run("ledger errors map to gateway status", func(t *testing.T) {
		tests := []struct {
			err  error
			want int
		}{
			{ledger.NewError(ledger.KindConnection, ledger.TxRetrieveSensorData, ledger.PhaseEvaluate, stderrors.New("refused")), http.StatusServiceUnavailable},
			{ledger.NewError(ledger.KindTimeout, ledger.TxRetrieveSensorData, ledger.PhaseEvaluate, context.DeadlineExceeded), http.StatusGatewayTimeout},
			{stderrors.New("boom"), http.StatusInternalServerError},
		}
		for _, test := range tests {
			q := &mockQuery{}
			q.On("ListCommittedRecords", mock.Anything, query.Filter{}).Return(nil, test.err)
			g, _ := newTestGateway(t, q, nil)

			rec := do(t, g.Handler(), http.MethodGet, "/records")
			assert.Equal(t, test.want, rec.Code)
			assert.NotContains(t, rec.Body.String(), "refused")
		}
	})

	t.Run("bad parameters", func(t *testing.T) {
		g, _ := newTestGateway(t, &mockQuery{}, nil)
		for _, target := range []string{"/records?since=yesterday", "/records?limit=-1", "/records?limit=ten"} {
			assert.Equal(t, http.StatusBadRequest, do(t, g.Handler(), http.MethodGet, target).Code, target)
		}
	})
}

func TestRecordRoute(t *testing.T) {
	q := &mockQuery{}
	q.On("GetRecord", mock.Anything, "sensor-1").Return(ledger.Record{ID: "sensor-1", Temperature: f64(21.5), Timestamp: t0}, nil)
	q.On("GetRecord", mock.Anything, "sensor-404").Return(ledger.Record{},
		errors.Wrap(errors.ErrRecordNotFound, "Service", "GetRecord", "retrieve sensor-404"))
	g, _ := newTestGateway(t, q, nil)

	for _, path := range []string{"/records/sensor-1", "/retrieveData/sensor-1"} {
		rec := do(t, g.Handler(), http.MethodGet, path)
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, 21.5, decode(t, rec)["temperature"])
	}

	rec := do(t, g.Handler(), http.MethodGet, "/records/sensor-404")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Sensor data not found", decode(t, rec)["error"])
}

func TestHealthRoute(t *testing.T) {
	mon := health.NewMonitor()
	mon.UpdateHealthy("device", "connected")
	g, _ := newTestGateway(t, &mockQuery{}, mon)

	rec := do(t, g.Handler(), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode(t, rec)["status"])

	mon.UpdateDegraded("journal", "using memory")
	assert.Equal(t, http.StatusOK, do(t, g.Handler(), http.MethodGet, "/health").Code)

	mon.UpdateUnhealthy("ledger", "no session")
	rec = do(t, g.Handler(), http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", decode(t, rec)["status"])
}

func TestMiddleware(t *testing.T) {
	t.Run("request id is echoed or generated", func(t *testing.T) {
		q := &mockQuery{}
		q.On("Snapshot").Return(reading.SensorSnapshot{})
		g, _ := newTestGateway(t, q, nil)

		req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
		req.Header.Set("X-Request-ID", "abc123")
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "abc123", rec.Header().Get("X-Request-ID"))

		rec = do(t, g.Handler(), http.MethodGet, "/snapshot")
		assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
	})

	t.Run("cors preflight", func(t *testing.T) {
		g, _ := newTestGateway(t, &mockQuery{}, nil)
		req := httptest.NewRequest(http.MethodOptions, "/commit", nil)
		req.Header.Set("Origin", "http://dashboard.local")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		g.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("panics become 500", func(t *testing.T) {
		q := &mockQuery{}
		q.On("Snapshot").Run(func(mock.Arguments) { panic("accumulator exploded") }).Return(reading.SensorSnapshot{})
		g, _ := newTestGateway(t, q, nil)

		rec := do(t, g.Handler(), http.MethodGet, "/snapshot")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		g, _ := newTestGateway(t, &mockQuery{}, nil)
		rec := do(t, g.Handler(), http.MethodGet, "/nope")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("metrics count requests by route", func(t *testing.T) {
		q := &mockQuery{}
		q.On("GetRecord", mock.Anything, mock.Anything).Return(ledger.Record{ID: "x"}, nil)
		g, _ := newTestGateway(t, q, nil)

		do(t, g.Handler(), http.MethodGet, "/records/a")
		do(t, g.Handler(), http.MethodGet, "/records/b")

		rec := do(t, g.Handler(), http.MethodGet, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `sensorledger_http_requests_total{code="200",route="/records/{id}"} 2`)
	})
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/snapshot", routeLabel("/snapshot"))
	assert.Equal(t, "/records/{id}", routeLabel("/records/sensor-123"))
	assert.Equal(t, "/commits/{id}", routeLabel("/commits/sensor-123"))
	assert.Equal(t, "other", routeLabel("/wp-login.php"))
}

// streamQuery serves snapshots from a real accumulator.
type streamQuery struct {
	*mockQuery
	acc *accumulator.Accumulator
}

func (s streamQuery) Snapshot() reading.SensorSnapshot { return s.acc.Snapshot() }

func (s streamQuery) WaitSnapshot(ctx context.Context, since uint64, wait time.Duration) reading.SensorSnapshot {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return s.acc.WaitForVersion(ctx, since)
}

func TestSnapshotStream(t *testing.T) {
	acc := accumulator.New(accumulator.Deps{})
	g, _ := newTestGateway(t, streamQuery{mockQuery: &mockQuery{}, acc: acc}, nil)
	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/snapshot/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var first reading.SensorSnapshot
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, uint64(0), first.Version)

	acc.SetDeviceConnected(true)
	r := reading.NewSensorReading(time.Now())
	r.Temperature = f64(9)
	r.Humidity = f64(90)
	acc.Apply(r)

	// Intermediate versions may be coalesced; read until the reading shows up.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var next reading.SensorSnapshot
		require.NoError(t, conn.SetReadDeadline(deadline))
		require.NoError(t, conn.ReadJSON(&next))
		assert.Greater(t, next.Version, first.Version)
		if next.Temperature.Valid {
			assert.Equal(t, 9.0, next.Temperature.Value)
			assert.True(t, next.CommitReady)
			break
		}
	}
}

func TestRun(t *testing.T) {
	q := &mockQuery{}
	q.On("Snapshot").Return(reading.SensorSnapshot{Version: 1})
	g, _ := newTestGateway(t, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	var addr string
	select {
	case a := <-g.Listening():
		addr = a.String()
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not start listening")
	}

	resp, err := http.Get("http://" + addr + "/snapshot")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"version":1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}
