package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Brownie44l1/medscan-api/internal/metrics"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// requestIDMiddleware tags the request logger with a request id, reusing the
// caller's X-Request-ID when present.
func requestIDMiddleware(base logr.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			log := logr.FromContextOrDiscard(r.Context())
			if log.GetSink() == nil {
				log = base
			}
			ctx := logr.NewContext(r.Context(), log.WithValues("requestID", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// observeMiddleware records request metrics and writes an access log line.
func observeMiddleware(m *metrics.Manager) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			elapsed := time.Since(start)
			route := routeTemplate(r)
			m.RecordHTTPRequest(route, r.Method, strconv.Itoa(wrapped.statusCode), elapsed)

			log := logr.FromContextOrDiscard(r.Context())
			log.Info("request served",
				"method", r.Method,
				"route", route,
				"status", wrapped.statusCode,
				"duration", elapsed,
			)
		})
	}
}

// routeTemplate keeps metric label cardinality bounded to registered routes.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write response: %w", err)
	}
	return n, nil
}

// recoveryLogger adapts logr to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	log logr.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error(fmt.Errorf("%s", fmt.Sprint(v...)), "panic recovered")
}
