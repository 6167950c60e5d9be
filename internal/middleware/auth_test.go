package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
	"carbontrace/internal/principal"
	"carbontrace/internal/session"
	"carbontrace/internal/store"
)

type authFixture struct {
	mem       *store.Memory
	mgr       *session.Manager
	handler   http.Handler
	userID    primitive.ObjectID
	companyID primitive.ObjectID
	partnerID primitive.ObjectID
}

func newAuthFixture(t *testing.T, opts ...session.Option) *authFixture {
	t.Helper()
	mem := store.NewMemory()
	userID := primitive.NewObjectID()
	companyID := primitive.NewObjectID()
	partnerUserID := primitive.NewObjectID()
	mem.Seed(domain.ColUsers, domain.Document{domain.FieldID: userID, "username": "ada"})
	mem.Seed(domain.ColPartners, domain.Document{
		domain.FieldID: partnerUserID, "company_id": companyID, "role": "company", "username": "root",
	})

	mgr, err := session.NewManager([]byte("test-secret"), opts...)
	require.NoError(t, err)
	resolver := principal.NewResolver(mem, gateway.New(mem, nil), slog.Default())

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-Principal", p.ID().Hex())
		w.WriteHeader(http.StatusOK)
	})
	return &authFixture{
		mem:       mem,
		mgr:       mgr,
		handler:   Auth(mgr, resolver, false)(inner),
		userID:    userID,
		companyID: companyID,
		partnerID: partnerUserID,
	}
}

func TestAuthBearerToken(t *testing.T) {
	f := newAuthFixture(t)
	token, err := f.mgr.Issue(f.userID, domain.KindUser, primitive.NilObjectID)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, f.userID.Hex(), w.Header().Get("X-Principal"))
}

func TestAuthMissingCredential(t *testing.T) {
	f := newAuthFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthGarbageToken(t *testing.T) {
	f := newAuthFixture(t)
	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthDeletedAccountFailsClosed(t *testing.T) {
	f := newAuthFixture(t)
	ghost := primitive.NewObjectID()
	token, err := f.mgr.Issue(ghost, domain.KindUser, primitive.NilObjectID)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthCookieMutatingRequiresCSRF(t *testing.T) {
	f := newAuthFixture(t)
	token, err := f.mgr.Issue(f.userID, domain.KindUser, primitive.NilObjectID)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodPost, "/saviors/data", nil)
	r.AddCookie(&http.Cookie{Name: session.TokenCookie, Value: token})
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/saviors/data", nil)
	r.AddCookie(&http.Cookie{Name: session.TokenCookie, Value: token})
	r.AddCookie(&http.Cookie{Name: session.CSRFCookie, Value: "abc123"})
	r.Header.Set(session.CSRFHeader, "abc123")
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRenewsExpiringPartnerCredential(t *testing.T) {
	// A 10 minute TTL sits entirely inside the 30 minute renewal window,
	// so every request renews.
	f := newAuthFixture(t, session.WithTokenTTL(10*time.Minute))
	token, err := f.mgr.Issue(f.companyID, domain.KindPartner, f.partnerID)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	r.AddCookie(&http.Cookie{Name: session.TokenCookie, Value: token})
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	var renewed string
	for _, c := range cookies {
		if c.Name == session.TokenCookie {
			renewed = c.Value
		}
	}
	require.NotEmpty(t, renewed)

	cred, err := f.mgr.Verify(renewed)
	require.NoError(t, err)
	assert.Equal(t, f.companyID, cred.PrincipalID)
	assert.Equal(t, f.partnerID, cred.ActingUserID)
}

func TestAuthRenewalRidesRequestTransport(t *testing.T) {
	f := newAuthFixture(t, session.WithTokenTTL(10*time.Minute))
	token, err := f.mgr.Issue(f.companyID, domain.KindPartner, f.partnerID)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Result().Cookies())
	assert.NotEmpty(t, w.Header().Get(session.RenewedHeader))
}

func TestAuthNoRenewalOnErrorResponse(t *testing.T) {
	mem := store.NewMemory()
	companyID := primitive.NewObjectID()
	partnerUserID := primitive.NewObjectID()
	mem.Seed(domain.ColPartners, domain.Document{
		domain.FieldID: partnerUserID, "company_id": companyID, "role": "company",
	})
	mgr, err := session.NewManager([]byte("test-secret"), session.WithTokenTTL(10*time.Minute))
	require.NoError(t, err)
	resolver := principal.NewResolver(mem, gateway.New(mem, nil), slog.Default())

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	handler := Auth(mgr, resolver, false)(failing)

	token, err := mgr.Issue(companyID, domain.KindPartner, partnerUserID)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodGet, "/missing", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, w.Header().Get(session.RenewedHeader))
}

func TestAuthUserCredentialNeverRenews(t *testing.T) {
	f := newAuthFixture(t, session.WithTokenTTL(time.Minute))
	token, err := f.mgr.Issue(f.userID, domain.KindUser, primitive.NilObjectID)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/saviors/profile", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(session.RenewedHeader))
}
