package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/gateway/query"
	"github.com/c360/sensorledger/health"
	"github.com/c360/sensorledger/reading"
)

type commitResponse struct {
	ID       string               `json:"id"`
	Status   reading.CommitStatus `json:"status"`
	Reason   string               `json:"reason,omitempty"`
	Attempts int                  `json:"attempts,omitempty"`
}

func newCommitResponse(rec reading.CommitRecord) commitResponse {
	return commitResponse{ID: rec.ID, Status: rec.Status, Reason: rec.Reason, Attempts: rec.Attempts}
}

// parseWait accepts a Go duration ("30s") or whole seconds ("30").
func parseWait(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, stderrors.New("negative wait")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, stderrors.New("negative wait")
	}
	return d, nil
}

func badRequest(method, action string, err error) error {
	return errors.WrapInvalid(err, "Gateway", method, action)
}

func (g *Gateway) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sinceStr, waitStr := q.Get("since"), q.Get("wait")
	if sinceStr == "" && waitStr == "" {
		writeJSON(w, http.StatusOK, g.query.Snapshot())
		return
	}

	var since uint64
	if sinceStr != "" {
		v, err := strconv.ParseUint(sinceStr, 10, 64)
		if err != nil {
			g.fail(w, r, badRequest("handleSnapshot", "parse since", err))
			return
		}
		since = v
	} else {
		since = g.query.Snapshot().Version
	}

	var wait time.Duration
	if waitStr != "" {
		d, err := parseWait(waitStr)
		if err != nil {
			g.fail(w, r, badRequest("handleSnapshot", "parse wait", err))
			return
		}
		wait = d
	}

	writeJSON(w, http.StatusOK, g.query.WaitSnapshot(r.Context(), since, wait))
}

func (g *Gateway) handleCommit(w http.ResponseWriter, r *http.Request) {
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			g.fail(w, r, badRequest("handleCommit", "parse wait", err))
			return
		}
		wait = b
	}

	ctx := r.Context()
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}

	rec, err := g.query.Commit(ctx, wait)
	switch {
	case err == nil && wait:
		writeJSON(w, http.StatusOK, newCommitResponse(rec))
	case err == nil:
		writeJSON(w, http.StatusAccepted, newCommitResponse(rec))
	case stderrors.Is(err, errors.ErrCommitPending):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":  sanitizeError(err),
			"status": http.StatusConflict,
			"id":     rec.ID,
		})
	case wait && rec.ID != "" && stderrors.Is(err, context.DeadlineExceeded):
		// Still in flight; the caller can poll /commits/{id}.
		writeJSON(w, http.StatusAccepted, newCommitResponse(rec))
	default:
		g.fail(w, r, err)
	}
}

func (g *Gateway) handleCommitStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := g.query.CommitStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f query.Filter

	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			g.fail(w, r, badRequest("handleRecords", "parse since", err))
			return
		}
		f.Since = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			g.fail(w, r, badRequest("handleRecords", "parse limit", errors.ErrInvalidConfig))
			return
		}
		f.Limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	recs, err := g.query.ListCommittedRecords(ctx, f)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []query.CommittedRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (g *Gateway) handleRecord(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	rec, err := g.query.GetRecord(ctx, mux.Vars(r)["id"])
	if err != nil {
		g.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if g.health == nil {
		writeJSON(w, http.StatusOK, health.NewHealthy(SystemName, "No health monitor configured"))
		return
	}
	st := g.health.AggregateHealth(r.Context(), SystemName)
	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}
