package httpx

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "activitybus",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method, route and status code.",
	}, []string{"method", "route", "code"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "activitybus",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})
)

// quietPaths are probe and scrape endpoints logged only at debug.
var quietPaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// slowRequest promotes an access log line to warn.
const slowRequest = 2 * time.Second

type recordingWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *recordingWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *recordingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// routeLabel keeps metric cardinality bounded: anything the mux did not
// match collapses into one series.
func routeLabel(r *http.Request, status int) string {
	if status == http.StatusNotFound {
		return "unmatched"
	}
	return r.URL.Path
}

// WithAccessLog writes one log line per request and records the HTTP metrics.
func WithAccessLog(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			if rw.status == 0 {
				rw.status = http.StatusOK
			}
			took := time.Since(start)
			route := routeLabel(r, rw.status)
			httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
			httpLatency.WithLabelValues(r.Method, route).Observe(took.Seconds())

			level := slog.LevelInfo
			switch {
			case rw.status >= http.StatusInternalServerError, took >= slowRequest:
				level = slog.LevelWarn
			case quietPaths[r.URL.Path]:
				level = slog.LevelDebug
			}
			ctx := r.Context()
			logger.Log(ctx, level, "http request",
				"request_id", RequestIDFromContext(ctx),
				"correlation_id", CorrelationIDFromContext(ctx),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status,
				"bytes", rw.written,
				"duration_ms", took.Milliseconds(),
			)
		})
	}
}
