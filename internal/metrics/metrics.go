// Package metrics holds the node's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InboxListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_inbox_room_listeners",
		Help: "Rooms with an open message feed subscription",
	})
	InboxUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_inbox_updates_total",
		Help: "Inbox preview updates by outcome (applied, noop)",
	}, []string{"result"})
	InboxWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_inbox_write_failures_total",
		Help: "Optimistic inbox writes rolled back, by operation",
	}, []string{"op"})
	CallSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_call_sessions_active",
		Help: "Call sessions not yet torn down",
	})
	CallTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_call_transitions_total",
		Help: "Call state machine transitions by target state",
	}, []string{"state"})
	SignalingWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_signaling_write_failures_total",
		Help: "Failed writes to the signaling record, by field",
	}, []string{"field"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func init() {
	prometheus.MustRegister(
		InboxListeners, InboxUpdates, InboxWriteFailures,
		CallSessions, CallTransitions, SignalingWriteFailures,
		HTTPRequests, HTTPRequestDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records request counts and latencies. pattern labels the route.
func Middleware(pattern string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		HTTPRequests.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
