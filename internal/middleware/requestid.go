package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader carries the correlation id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds client-supplied correlation ids.
const maxRequestIDLen = 128

type requestIDKey struct{}

type requestLoggerKey struct{}

// RequestID tags every request with a correlation id and stores a logger
// carrying it in the context, so log lines downstream can be tied back
// to one request. A client-supplied id is kept only when it is plain;
// anything with control characters or other noise is replaced, so log
// lines cannot be forged through the header.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !plainRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			ctx := context.WithValue(r.Context(), requestIDKey{}, id)
			ctx = context.WithValue(ctx, requestLoggerKey{}, logger.With("request_id", id))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// plainRequestID accepts ids of up to 128 alphanumeric, dash, or
// underscore characters.
func plainRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// RequestIDFromContext returns the request's correlation id, or an empty
// string outside a request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggerFromContext returns the request-scoped logger stamped with the
// correlation id. Outside a request it falls back to the default logger,
// so callers never need a nil check.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(requestLoggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
