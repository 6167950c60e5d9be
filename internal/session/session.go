// Package session manages bearer credentials: issuing, verifying, and the
// sliding-expiry renewal that rides on every authenticated response.
//
// Two credential classes exist. User credentials never expire; partner
// credentials carry an expiry and are silently reissued when a request
// arrives inside the renewal window. Validity is purely cryptographic and
// time-based — nothing is persisted server-side, so there is no
// revocation list.
package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
)

// DefaultRenewalWindow is how close to expiry a sliding credential must be
// before a renewed one is attached to the response.
const DefaultRenewalWindow = 30 * time.Minute

// DefaultTokenTTL is the lifetime of a sliding-expiry credential.
const DefaultTokenTTL = time.Hour

type claims struct {
	Kind    string `json:"savior_type"`
	Partner string `json:"partner,omitempty"` // company id; subject is the acting user
	jwt.RegisteredClaims
}

// Manager issues and verifies credentials with a shared HS256 secret.
type Manager struct {
	secret        []byte
	tokenTTL      time.Duration
	renewalWindow time.Duration
	now           func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenTTL overrides the sliding credential lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(m *Manager) { m.tokenTTL = d }
}

// WithRenewalWindow overrides the renewal window.
func WithRenewalWindow(d time.Duration) Option {
	return func(m *Manager) { m.renewalWindow = d }
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. The secret must be non-empty.
func NewManager(secret []byte, opts ...Option) (*Manager, error) {
	if len(secret) == 0 {
		return nil, domain.ErrState("session: signing secret is required")
	}
	m := &Manager{
		secret:        secret,
		tokenTTL:      DefaultTokenTTL,
		renewalWindow: DefaultRenewalWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// RenewalWindow returns the configured renewal window.
func (m *Manager) RenewalWindow() time.Duration { return m.renewalWindow }

// Issue creates a signed credential. Partner credentials embed the company
// id alongside the acting user id and expire after the token TTL; user
// credentials are issued without an expiry.
func (m *Manager) Issue(principalID primitive.ObjectID, kind domain.PrincipalKind, actingUserID primitive.ObjectID) (string, error) {
	if !kind.Valid() {
		return "", domain.ErrState("session: unknown principal kind %q", kind)
	}
	now := m.now().UTC()
	c := claims{
		Kind: string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	switch kind {
	case domain.KindPartner:
		if actingUserID.IsZero() {
			return "", domain.ErrState("session: partner credential needs an acting user id")
		}
		c.Subject = actingUserID.Hex()
		c.Partner = principalID.Hex()
		c.ExpiresAt = jwt.NewNumericDate(now.Add(m.tokenTTL))
	case domain.KindUser:
		c.Subject = principalID.Hex()
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(m.secret)
}

// Verify checks signature and expiry and returns the decoded credential.
// Every failure mode maps to UnauthenticatedError.
func (m *Manager) Verify(raw string) (*domain.Credential, error) {
	if raw == "" {
		return nil, domain.ErrUnauthenticated("missing credential")
	}
	var c claims
	tok, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrUnauthenticated("credential expired")
		}
		return nil, domain.ErrUnauthenticated("invalid credential")
	}
	if !tok.Valid {
		return nil, domain.ErrUnauthenticated("invalid credential")
	}
	kind := domain.PrincipalKind(c.Kind)
	if !kind.Valid() {
		return nil, domain.ErrUnauthenticated("invalid credential claims")
	}

	cred := &domain.Credential{Kind: kind}
	subject, err := primitive.ObjectIDFromHex(c.Subject)
	if err != nil {
		return nil, domain.ErrUnauthenticated("invalid credential claims")
	}
	switch kind {
	case domain.KindPartner:
		company, err := primitive.ObjectIDFromHex(c.Partner)
		if err != nil {
			return nil, domain.ErrUnauthenticated("invalid credential claims")
		}
		cred.PrincipalID = company
		cred.ActingUserID = subject
		cred.Sliding = true
	case domain.KindUser:
		cred.PrincipalID = subject
	}
	if c.ExpiresAt != nil {
		cred.ExpiresAt = c.ExpiresAt.Unix()
	}
	return cred, nil
}

// MaybeRenew returns a freshly issued credential when now plus the renewal
// window passes the credential's expiry. Non-sliding credentials never
// renew. The renewed credential reuses the same identity claims.
func (m *Manager) MaybeRenew(cred *domain.Credential, now time.Time) (string, bool, error) {
	if cred == nil || !cred.Sliding || cred.ExpiresAt == 0 {
		return "", false, nil
	}
	if now.Add(m.renewalWindow).Unix() <= cred.ExpiresAt {
		return "", false, nil
	}
	token, err := m.Issue(cred.PrincipalID, cred.Kind, cred.ActingUserID)
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}
