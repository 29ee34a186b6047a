package http

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/sensorledger/errors"
	"github.com/c360/sensorledger/metric"
)

type ctxKey int

const requestIDKey ctxKey = iota

// Metrics holds Prometheus metrics for the HTTP gateway
type Metrics struct {
	requests      *prometheus.CounterVec
	streamClients prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "http",
			Name:      "stream_clients",
			Help:      "Connected snapshot stream clients",
		}),
	}
	registry.Register("http", "requests", m.requests)
	registry.Register("http", "stream_clients", m.streamClients)
	return m
}

// getOrGenerateRequestID extracts the request ID from headers or generates one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" && len(reqID) <= 64 {
		return reqID
	}
	return uuid.NewString()[:8]
}

func (g *Gateway) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var staticRoutes = map[string]bool{
	"/snapshot": true, "/snapshot/stream": true, "/commit": true, "/records": true,
	"/health": true, "/metrics": true, "/data": true,
}

// routeLabel collapses id segments and unknown paths so the metric label
// stays bounded.
func routeLabel(path string) string {
	if staticRoutes[path] {
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 2 && (parts[0] == "records" || parts[0] == "commits" || parts[0] == "retrieveData") {
		return "/" + parts[0] + "/{id}"
	}
	return "other"
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// logAccess is a handlers.LogFormatter that emits slog records.
func (g *Gateway) logAccess(_ io.Writer, p handlers.LogFormatterParams) {
	if g.metrics != nil {
		g.metrics.requests.WithLabelValues(routeLabel(p.URL.Path), strconv.Itoa(p.StatusCode)).Inc()
	}

	level := slog.LevelDebug
	if p.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	g.logger.Log(p.Request.Context(), level, "HTTP request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"remote", p.Request.RemoteAddr,
		"request_id", p.Request.Header.Get("X-Request-ID"),
	)
}

// recoveryLogger adapts slog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error("Recovered from handler panic", "detail", strings.TrimSpace(fmt.Sprintln(v...)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

// statusFor maps gateway errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, errors.ErrCommitPending):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrNotCommitReady):
		return http.StatusUnprocessableEntity
	case stderrors.Is(err, errors.ErrRecordNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, context.Canceled):
		return 499
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a safe error message for external clients.
// Internal details are logged, never exposed.
func sanitizeError(err error) string {
	switch statusFor(err) {
	case http.StatusConflict:
		return "a commit is already pending"
	case http.StatusUnprocessableEntity:
		return "snapshot is not commit-ready"
	case http.StatusNotFound:
		return "Sensor data not found"
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusGatewayTimeout:
		return "ledger request timed out"
	case http.StatusServiceUnavailable:
		return "ledger temporarily unavailable"
	case 499:
		return "request cancelled"
	default:
		return "internal server error"
	}
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		g.logger.Warn("Request failed", "path", r.URL.Path, "request_id", requestID(r), "error", err)
	} else {
		g.logger.Debug("Request rejected", "path", r.URL.Path, "request_id", requestID(r), "error", err)
	}
	writeError(w, status, sanitizeError(err))
}
