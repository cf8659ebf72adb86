// Package httpmw provides the HTTP middleware stack for the atelier API:
// security headers, request body limits, request IDs, and structured request
// logging.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range httpmw.DefaultStack(16 << 20) {
//	    r.Use(mw)
//	}
package httpmw

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/atelier/idgen"
	"github.com/hazyhaar/atelier/kit"
)

// DefaultStack returns the standard middleware stack for the atelier API.
// Ordered: SecurityHeaders, MaxJSONBody, RequestID, RequestLogger.
func DefaultStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders,
		MaxJSONBody(maxBody),
		RequestID,
		RequestLogger,
	}
}

// SecurityHeaders sets the response headers appropriate for a JSON API that
// also serves raw PNG bytes.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// MaxJSONBody returns middleware that caps the request body size for JSON
// requests. Baseline specs are small; reference images never travel in
// request bodies, so a tight cap is safe.
func MaxJSONBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID assigns each request an ID, injecting it into the context and
// the X-Request-ID response header. Incoming X-Request-ID headers are
// honoured so callers can correlate across services.
func RequestID(next http.Handler) http.Handler {
	gen := idgen.Prefixed("req_", idgen.Default)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = gen()
		}
		ctx := kit.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger logs one structured line per request with method, path,
// status, duration and the request ID.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"request_id", kit.GetRequestID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}
