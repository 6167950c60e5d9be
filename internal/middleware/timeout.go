package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout caps how long a request's context stays live. Handlers pass
// the context into every store call, so an expired deadline surfaces as
// a timeout error from the data layer rather than a hung request.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
