package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbontrace/internal/domain"
)

func TestFromRequest_BearerHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	r.Header.Set("Authorization", "Bearer raw-token")

	raw, tr, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "raw-token", raw)
	assert.Equal(t, TransportHeader, tr)
}

func TestFromRequest_MalformedHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic abc")

	_, _, err := FromRequest(r)
	var unauth *domain.UnauthenticatedError
	require.ErrorAs(t, err, &unauth)
}

func TestFromRequest_CookieGet(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "cookie-token"})

	raw, tr, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "cookie-token", raw)
	assert.Equal(t, TransportCookie, tr)
}

func TestFromRequest_CookieMutatingNeedsCSRF(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "cookie-token"})
	r.AddCookie(&http.Cookie{Name: CSRFCookie, Value: "csrf-value"})

	_, _, err := FromRequest(r)
	var unauth *domain.UnauthenticatedError
	require.ErrorAs(t, err, &unauth, "missing CSRF header must fail")

	r.Header.Set(CSRFHeader, "wrong")
	_, _, err = FromRequest(r)
	require.ErrorAs(t, err, &unauth, "mismatched CSRF header must fail")

	r.Header.Set(CSRFHeader, "csrf-value")
	raw, tr, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "cookie-token", raw)
	assert.Equal(t, TransportCookie, tr)
}

func TestFromRequest_NoCredential(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, _, err := FromRequest(r)
	var unauth *domain.UnauthenticatedError
	require.ErrorAs(t, err, &unauth)
}

func TestAttach_Header(t *testing.T) {
	w := httptest.NewRecorder()
	Attach(w, "renewed", TransportHeader, false)
	assert.Equal(t, "renewed", w.Header().Get(RenewedHeader))
	assert.Empty(t, w.Result().Cookies())
}

func TestAttach_CookiePair(t *testing.T) {
	w := httptest.NewRecorder()
	Attach(w, "renewed", TransportCookie, true)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 2)
	byName := map[string]*http.Cookie{}
	for _, c := range cookies {
		byName[c.Name] = c
	}

	token := byName[TokenCookie]
	require.NotNil(t, token)
	assert.Equal(t, "renewed", token.Value)
	assert.True(t, token.HttpOnly)
	assert.True(t, token.Secure)

	csrf := byName[CSRFCookie]
	require.NotNil(t, csrf)
	assert.NotEmpty(t, csrf.Value)
	assert.False(t, csrf.HttpOnly)
}

func TestClearCookies(t *testing.T) {
	w := httptest.NewRecorder()
	ClearCookies(w)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, c := range cookies {
		assert.Empty(t, c.Value)
		assert.Negative(t, c.MaxAge)
	}
}
