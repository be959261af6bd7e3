package adminapi

import (
	"net/http"
	"time"

	"github.com/go-kit/kit/log"

	"github.com/edgewasm/fleet/internal/telemetry"
)

// loggingMiddleware logs method/path/status/duration for every request,
// following the teacher's request-logging middleware slot in its own
// alice chain.
func loggingMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			telemetry.Info(logger).Log(
				"msg", "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
			)
		})
	}
}

// recoverMiddleware converts a panic in any handler into a 500 response
// instead of crashing the serving goroutine, matching spec §7's "no
// panic path escapes a reconciliation or session task" for the HTTP
// surface too.
func recoverMiddleware(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					telemetry.Error(logger).Log("msg", "panic recovered", "err", rec, "path", r.URL.Path)
					writeJSON(w, http.StatusInternalServerError, envelope{Success: false, Error: "internal error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
