// Package middleware provides the HTTP middleware of the ops listener.
package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/R3E-Network/orgpay/internal/engine/events"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

// TraceHeader carries the request's trace id in and out.
const TraceHeader = "X-Trace-ID"

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Tracing adopts or generates a trace id, stamps it on the request context for
// logs and events, echoes it in the response and logs the request.
func Tracing(log *logger.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get(TraceHeader)
			if traceID == "" {
				traceID = uuid.NewString()
			}
			ctx := logger.ContextWithTraceID(r.Context(), traceID)
			ctx = events.WithTraceID(ctx, traceID)
			w.Header().Set(TraceHeader, traceID)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r.WithContext(ctx))

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}
			log.WithContext(ctx).
				WithField("method", r.Method).
				WithField("path", path).
				WithField("status", rw.statusCode).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Debug("http request")
		})
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(log *logger.Logger) mux.MiddlewareFunc {
	if log == nil {
		log = logger.NewDefault("http")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					log.WithContext(r.Context()).
						WithField("path", r.URL.Path).
						WithField("panic", p).
						Error("handler panicked")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
