// ABOUTME: HTTP middleware: records every request into the ring log and
// ABOUTME: Prometheus instruments using the matched route pattern as the label.

package gateway

import (
	"net/http"
	"time"

	"github.com/OmegaTeee/mcp-router/internal/observability"
)

// statusRecorder captures the status code a handler writes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Flush forwards to the underlying writer so SSE streaming keeps working
// behind the recorder.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// requestLogging records method, route, status, and latency for every
// request. The route label comes from the matched ServeMux pattern so
// high-cardinality paths collapse into one series.
func (g *Gateway) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}

		g.requestLog.Record(observability.RequestEntry{
			Timestamp: start,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    rec.status,
			LatencyMS: float64(elapsed.Microseconds()) / 1000,
			Client:    r.Header.Get("X-Client-Name"),
		})
		g.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)

		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}
