package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// withMiddleware wraps the mux with the middleware shared by every route.
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	handler = jsonMiddleware(handler)
	handler = s.authMiddleware(handler)
	handler = s.timeoutMiddleware(handler)
	handler = s.recoveryMiddleware(handler)
	handler = requestIDMiddleware(handler)
	return handler
}

// requestIDMiddleware reuses the caller's X-Request-ID or assigns one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

// jsonMiddleware sets JSON content type for all responses.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.WithContext(r.Context()).Error("Panic recovered",
					logging.F("panic", fmt.Sprint(rec)),
					logging.F("path", r.URL.Path))
				w.Header().Set("Content-Type", "application/json")
				writeErrorBody(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// timeoutMiddleware bounds the request context. Handlers see
// context.DeadlineExceeded, which maps to 504.
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	if s.cfg.RequestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// publicPaths skip API-key authentication.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/version": true,
	"/metrics": true,
}

// authMiddleware requires a configured API key as a bearer token or in
// X-API-Key. With no keys configured every request is allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if len(s.cfg.APIKeys) == 0 {
		return next
	}
	keys := make([][]byte, 0, len(s.cfg.APIKeys))
	for _, k := range s.cfg.APIKeys {
		keys = append(keys, []byte(k))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		presented := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if auth := r.Header.Get("Authorization"); presented == "" && strings.HasPrefix(auth, "Bearer ") {
			presented = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if presented != "" {
			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(presented), k) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("WWW-Authenticate", `Bearer realm="vcmatrix"`)
		writeErrorBody(w, http.StatusUnauthorized, "unauthorized", "a valid API key is required")
	})
}

// route instruments one registered pattern: body limit, span, metrics,
// access log and, for writes, an audit entry.
func (s *Server) route(pattern string, limit int64, h http.HandlerFunc) http.Handler {
	method, path, _ := strings.Cut(pattern, " ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.deps.Metrics.InFlight(1)
		defer s.deps.Metrics.InFlight(-1)

		if limit > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		ctx, span := s.deps.Tracer.StartHTTPSpan(r.Context(), method, path)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r.WithContext(ctx))

		status := rec.code()
		elapsed := time.Since(start)
		observability.NewSpanHelper(span).SetHTTPStatus(status)
		s.deps.Metrics.ObserveHTTP(method, path, status, elapsed)

		log := s.logger.WithContext(r.Context())
		fields := []logging.Field{
			logging.F("method", r.Method),
			logging.F("route", path),
			logging.F("path", r.URL.Path),
			logging.F("status", status),
			logging.F("duration_ms", elapsed.Milliseconds()),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("Request served", fields...)
		} else {
			log.Debug("Request served", fields...)
		}

		if s.deps.Audit != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
			s.deps.Audit.Write(logging.LogEntry{
				Timestamp: start.UTC(),
				Level:     "info",
				Service:   s.cfg.ServiceName,
				Component: "api",
				Message:   pattern,
				RequestID: logging.RequestIDFromContext(r.Context()),
				Fields: map[string]string{
					"path":        r.URL.Path,
					"status":      fmt.Sprint(status),
					"duration_ms": fmt.Sprint(elapsed.Milliseconds()),
					"remote_addr": r.RemoteAddr,
				},
			})
		}
	})
}
