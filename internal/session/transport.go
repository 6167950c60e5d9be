package session

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"carbontrace/internal/domain"
)

// Transport records where a request's credential came from, so a renewed
// credential can ride back out the same way.
type Transport int

const (
	// TransportHeader is an Authorization bearer header.
	TransportHeader Transport = iota
	// TransportCookie is the cookie pair: the token cookie plus a
	// CSRF-binding cookie double-submitted via header on mutating methods.
	TransportCookie
)

// Cookie and header names for the cookie transport.
const (
	TokenCookie   = "access_token"
	CSRFCookie    = "csrf_token"
	CSRFHeader    = "X-CSRF-Token"
	RenewedHeader = "X-Renewed-Token"
)

var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// FromRequest extracts the raw credential from the bearer header or the
// cookie pair. Cookie-borne credentials on mutating methods must carry a
// CSRF header matching the CSRF cookie. Which transport carried the bytes
// does not change verification semantics.
func FromRequest(r *http.Request) (string, Transport, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || raw == "" {
			return "", TransportHeader, domain.ErrUnauthenticated("malformed authorization header")
		}
		return raw, TransportHeader, nil
	}

	tokenCookie, err := r.Cookie(TokenCookie)
	if err != nil || tokenCookie.Value == "" {
		return "", TransportHeader, domain.ErrUnauthenticated("missing credential")
	}
	if mutatingMethods[r.Method] {
		csrfCookie, err := r.Cookie(CSRFCookie)
		if err != nil || csrfCookie.Value == "" || r.Header.Get(CSRFHeader) != csrfCookie.Value {
			return "", TransportCookie, domain.ErrUnauthenticated("missing or mismatched CSRF token")
		}
	}
	return tokenCookie.Value, TransportCookie, nil
}

// Attach writes a credential to the response via the given transport:
// a renewed-token header, or the cookie pair with a fresh CSRF value.
func Attach(w http.ResponseWriter, token string, tr Transport, secure bool) {
	switch tr {
	case TransportHeader:
		w.Header().Set(RenewedHeader, token)
	case TransportCookie:
		http.SetCookie(w, &http.Cookie{
			Name:     TokenCookie,
			Value:    token,
			Path:     "/",
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
		http.SetCookie(w, &http.Cookie{
			Name:     CSRFCookie,
			Value:    newCSRFValue(),
			Path:     "/",
			HttpOnly: false, // the client echoes it back in the CSRF header
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// ClearCookies expires the cookie pair. Used at logout.
func ClearCookies(w http.ResponseWriter) {
	for _, name := range []string{TokenCookie, CSRFCookie} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}

func newCSRFValue() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
