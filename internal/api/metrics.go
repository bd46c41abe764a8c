package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Label values for SSE streams and task submissions.
const (
	streamLogs   = "logs"
	streamEvents = "events"

	submitAccepted  = "accepted"
	submitDuplicate = "duplicate"
	submitInvalid   = "invalid"
	submitError     = "error"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_http_requests_total",
			Help: "HTTP requests by route and status code.",
		},
		[]string{"method", "route", "status"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskmesh_http_request_duration_seconds",
			Help:    "HTTP handler latency. Streaming routes include the stream lifetime.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	sseSubscribers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmesh_http_sse_subscribers",
			Help: "Open server-sent event streams.",
		},
		[]string{"stream"},
	)

	taskSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmesh_http_task_submissions_total",
			Help: "Task submissions received over HTTP by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(httpRequests, httpLatency, sseSubscribers, taskSubmissions)
}

// instrument labels requests by chi route pattern, so ids in the path do
// not create new series.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// trackStream counts an open SSE stream until the returned func is called.
func trackStream(stream string) func() {
	g := sseSubscribers.WithLabelValues(stream)
	g.Inc()
	return g.Dec
}
