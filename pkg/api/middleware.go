package api

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
)

// RequestIDHeader carries the request correlation id
const RequestIDHeader = "X-Request-ID"

// requestIDMiddleware reuses the caller's request id or assigns one
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := common.ContextWithCorrelationID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs one line per request and records HTTP metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := routeName(r)
		s.metrics.ObserveHTTP(route, r.Method, wrapped.statusCode, duration)

		event := s.logger.Info()
		if r.URL.Path == "/healthz" || r.URL.Path == s.config.MetricsPath {
			event = s.logger.Debug()
		}
		requestID, _ := common.CorrelationIDFromContext(r.Context())
		event.
			Str("method", r.Method).
			Str("route", route).
			Str("remote_addr", r.RemoteAddr).
			Str("request_id", requestID).
			Int("status", wrapped.statusCode).
			Dur("duration", duration).
			Int64("bytes", wrapped.bytes).
			Msg("HTTP request")
	})
}

// authMiddleware checks the shared-secret header in constant time
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	secret := []byte(s.config.SharedSecret)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		provided := []byte(r.Header.Get(s.config.AuthHeader))
		if subtle.ConstantTimeCompare(provided, secret) != 1 {
			s.writeError(w, r, common.NewSandboxError(common.ErrCodeForbidden, "forbidden", "invalid or missing shared secret"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility types

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	bytes       int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

// Hijack lets the event stream upgrade through the wrapper
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
