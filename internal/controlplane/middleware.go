// Package controlplane exposes the admin/control-plane HTTP surface: a
// health check, a live evidence tail, and the Prometheus scrape endpoint.
// Jobs are not submitted, queried or cancelled over it. It is adapted from the teacher's
// infrastructure/middleware chain (recovery, request logging, metrics,
// security headers, body limiting) rewired onto this engine's own
// enginelog/telemetry packages instead of the teacher's httputil/logging.
package controlplane

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/req2run-engine/internal/enginelog"
	"github.com/R3E-Network/req2run-engine/internal/telemetry"
)

const defaultMaxRequestBodyBytes int64 = 1 << 20 // 1MiB; no control plane route reads a request body

// responseWriter wraps http.ResponseWriter to capture the status code for
// logging and metrics middleware.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// recoveryMiddleware recovers panics in handlers, logs the stack, and
// returns a 500 instead of letting the connection die silently.
func recoveryMiddleware(log *enginelog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorw("panic in control plane handler", "path", r.URL.Path, "panic", rec)
					writeJSONError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestLoggingMiddleware logs every request's method, path, status, and
// duration once it completes.
func requestLoggingMiddleware(log *enginelog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			log.Infow("control plane request",
				"method", r.Method, "path", r.URL.Path,
				"status", wrapped.statusCode, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

// metricsMiddleware records per-request HTTP status/duration into the
// telemetry registry, keyed by route template rather than raw path so
// /runs/{jobId}/log doesn't explode into one series per job ID.
func metricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			telemetry.RecordHTTPRequest(path, telemetry.StatusLabel(wrapped.statusCode), time.Since(start))
		})
	}
}

// securityHeadersMiddleware attaches a conservative baseline of response
// headers; the control plane speaks JSON only and serves no browsable UI.
func securityHeadersMiddleware() mux.MiddlewareFunc {
	headers := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range headers {
				w.Header().Set(k, v)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bodyLimitMiddleware caps request bodies so a malformed or hostile
// request can't exhaust memory decoding it.
func bodyLimitMiddleware(maxBytes int64) mux.MiddlewareFunc {
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
