// Package middleware provides the HTTP middleware stack: credential
// authentication with sliding renewal, request ids, per-client rate
// limiting, and request deadlines.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"carbontrace/internal/domain"
	"carbontrace/internal/principal"
	"carbontrace/internal/session"
)

type principalCtxKey struct{}

// WithPrincipal stores the resolved principal in the context.
func WithPrincipal(ctx context.Context, p principal.Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// PrincipalFromContext extracts the resolved principal from the context.
func PrincipalFromContext(ctx context.Context) (principal.Principal, bool) {
	p, ok := ctx.Value(principalCtxKey{}).(principal.Principal)
	return p, ok
}

// Auth authenticates every request on the wrapped routes: the bearer
// credential is read from the cookie or Authorization header, verified,
// and resolved to a live account. Requests inside the renewal window get
// a fresh credential attached to the response before the first body
// byte, on the same transport the request used.
func Auth(mgr *session.Manager, resolver *principal.Resolver, secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The request-scoped logger carries the correlation id.
			logger := LoggerFromContext(r.Context()).With("component", "auth")
			raw, transport, err := session.FromRequest(r)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			cred, err := mgr.Verify(raw)
			if err != nil {
				writeUnauthorized(w, err)
				return
			}
			p, err := resolver.Resolve(r.Context(), cred)
			if err != nil {
				var unauthenticated *domain.UnauthenticatedError
				if errors.As(err, &unauthenticated) {
					writeUnauthorized(w, err)
					return
				}
				logger.Error("resolving principal failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			renewed, ok, err := mgr.MaybeRenew(cred, time.Now())
			if err != nil {
				logger.Error("renewing credential failed", "error", err)
			} else if ok {
				w = &renewalWriter{
					ResponseWriter: w,
					token:          renewed,
					transport:      transport,
					secure:         secure,
				}
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// renewalWriter attaches a renewed credential to the response headers
// just before they flush. Error responses keep the old credential so a
// failed request cannot extend a session.
type renewalWriter struct {
	http.ResponseWriter
	token     string
	transport session.Transport
	secure    bool
	done      bool
}

func (w *renewalWriter) WriteHeader(status int) {
	if !w.done {
		w.done = true
		if status < http.StatusBadRequest {
			session.Attach(w.ResponseWriter, w.token, w.transport, w.secure)
		}
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *renewalWriter) Write(b []byte) (int, error) {
	if !w.done {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	writeError(w, http.StatusUnauthorized, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    status,
		"message": message,
	})
}
