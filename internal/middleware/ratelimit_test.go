package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbontrace/internal/session"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func limitedRequest(addr, bearer string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/products", nil)
	req.RemoteAddr = addr
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	handler := RateLimiter(RateLimitConfig{RequestsPerSecond: 100, Burst: 10})(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, limitedRequest("203.0.113.9:4000", ""))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Limit"))
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestRateLimiterRejectsOverBurst(t *testing.T) {
	handler := RateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, limitedRequest("203.0.113.9:4000", ""))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest("203.0.113.9:4001", ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "rate limit exceeded", body["message"])
}

func TestRateLimiterBucketsByCredential(t *testing.T) {
	handler := RateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})(okHandler())

	// Tenant A, behind some NAT, exhausts its bucket.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, limitedRequest("198.51.100.1:9000", "token-tenant-a"))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest("198.51.100.1:9000", "token-tenant-a"))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Tenant B on the same address is unaffected.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest("198.51.100.1:9000", "token-tenant-b"))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Tenant A from a fresh address is still in its exhausted bucket.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest("198.51.100.77:9000", "token-tenant-a"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiterAnonymousBucketsByAddress(t *testing.T) {
	handler := RateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, limitedRequest("10.0.0.1:1234", ""))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest("10.0.0.1:5678", ""))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, limitedRequest("10.0.0.2:1234", ""))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallerKey(t *testing.T) {
	bearer := limitedRequest("10.0.0.1:1234", "abc")
	assert.Equal(t, "credential:abc", callerKey(bearer))

	cookie := limitedRequest("10.0.0.1:1234", "")
	cookie.AddCookie(&http.Cookie{Name: session.TokenCookie, Value: "xyz"})
	assert.Equal(t, "credential:xyz", callerKey(cookie))

	ipv4 := limitedRequest("192.168.1.1:12345", "")
	assert.Equal(t, "addr:192.168.1.1", callerKey(ipv4))

	ipv6 := limitedRequest("[::1]:12345", "")
	assert.Equal(t, "addr:::1", callerKey(ipv6))

	// X-Forwarded-For must not influence the key.
	spoofed := limitedRequest("10.0.0.1:1234", "")
	spoofed.Header.Set("X-Forwarded-For", "203.0.113.50")
	assert.Equal(t, "addr:10.0.0.1", callerKey(spoofed))
}
