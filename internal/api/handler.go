// Package api provides the HTTP surface: public account and catalog
// endpoints plus the authenticated principal routes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/account"
	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
	"carbontrace/internal/middleware"
	"carbontrace/internal/principal"
	"carbontrace/internal/session"
)

// Handler serves the REST API.
type Handler struct {
	accounts *account.Service
	sessions *session.Manager
	store    domain.Store
	gw       *gateway.Gateway
	logger   *slog.Logger
	secure   bool
}

// NewHandler creates a Handler. secure controls the Secure flag on
// credential cookies.
func NewHandler(accounts *account.Service, sessions *session.Manager, store domain.Store, gw *gateway.Gateway, logger *slog.Logger, secure bool) *Handler {
	return &Handler{
		accounts: accounts,
		sessions: sessions,
		store:    store,
		gw:       gw,
		logger:   logger.With("component", "api"),
		secure:   secure,
	}
}

// Routes mounts every endpoint. The authed middleware wraps the routes
// that need a resolved principal.
func (h *Handler) Routes(authed func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/partners", h.createPartner)
	r.Post("/partners/login", h.partnerLogin)
	r.Get("/partners", h.listPartners)
	r.Get("/partners/{partnerID}", h.getPartner)
	r.Get("/partners/emails/{email}", h.partnerEmailAvailable)

	r.Post("/users", h.createUser)
	r.Post("/users/login", h.userLogin)
	r.Get("/users/emails/{email}", h.userEmailAvailable)

	r.Get("/products", h.searchProducts)
	r.Get("/products/{productID}", h.getPublicProduct)
	r.Get("/pledges", h.listPledges)
	r.Get("/factors/possibilities", h.factorPossibilities)

	r.Group(func(r chi.Router) {
		r.Use(authed)

		r.Get("/saviors/profile", h.getProfile)
		r.Patch("/saviors/profile", h.updateProfile)
		r.Get("/saviors/logs", h.getLogs)
		r.Post("/saviors/data", h.getData)
		r.Post("/saviors/logout", h.logout)

		r.Get("/factors", h.searchFactors)
		r.Post("/factors", h.createFactor)
		r.Delete("/factors/{factorID}", h.deleteFactor)

		// partner
		r.Post("/saviors/products", h.createProduct)
		r.Get("/saviors/products", h.listProducts)
		r.Get("/saviors/products/{productID}", h.getProduct)
		r.Patch("/saviors/products/{productID}", h.updateProduct)
		r.Delete("/saviors/products/{productID}", h.deleteProduct)
		r.Post("/saviors/products/{productID}/publish", h.publishProduct)
		r.Post("/saviors/products/{productID}/unpublish", h.unpublishProduct)
		r.Post("/saviors/products/{productID}/{stage}/processes", h.createProcess)
		r.Patch("/saviors/processes/{processID}", h.updateProcess)
		r.Delete("/saviors/processes/{processID}", h.deleteProcess)

		r.Get("/saviors/tasks", h.listTasks)
		r.Post("/saviors/tasks", h.createTask)
		r.Get("/saviors/tasks/{taskID}", h.getTask)
		r.Post("/saviors/tasks/{taskID}/complete", h.completeTask)
		r.Post("/saviors/tasks/{taskID}/assignees", h.assignTask)

		r.Get("/saviors/files", h.listFiles)
		r.Get("/saviors/files/{fileID}/logs", h.getFileLogs)
		r.Post("/saviors/files/logs", h.processFileLogs)

		r.Get("/saviors/stats", h.currentStats)
		r.Get("/saviors/overview", h.overview)
		r.Get("/saviors/company/teams", h.companyTeams)
		r.Get("/saviors/company/users", h.companyUsers)
		r.Get("/saviors/company/tree", h.companyTree)
		r.Post("/saviors/company/users", h.inviteUser)
		r.Get("/saviors/suppliers", h.listSuppliers)
		r.Post("/saviors/suppliers", h.addSupplier)

		// user
		r.Post("/saviors/product-logs/{productID}", h.logProductEmissions)
		r.Get("/saviors/product-logs/days", h.productLogsByDay)
		r.Post("/saviors/product-logs/periods", h.emissionsSince)
		r.Get("/saviors/product-logs/count", h.timesLogged)
		r.Get("/saviors/stars", h.starredProducts)
		r.Post("/saviors/stars/{productID}", h.starProduct)
		r.Delete("/saviors/stars/{productID}", h.unstarProduct)
		r.Put("/saviors/pledge", h.setPledge)
		r.Delete("/saviors/pledge", h.clearPledge)
		r.Post("/saviors/spriving", h.startSpriving)
		r.Delete("/saviors/spriving", h.stopSpriving)
	})

	return r
}

// --- helpers ---

func (h *Handler) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("encoding response failed", "error", err)
	}
}

func (h *Handler) respondError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFromError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		middleware.LoggerFromContext(ctx).Error("request failed", "component", "api", "error", err)
		message = "internal error"
	}
	h.respond(w, status, map[string]interface{}{"code": status, "message": message})
}

// decodeJSON reads a JSON body. A missing or non-JSON content type is a
// media type error, matching what clients get for file endpoints.
func decodeJSON(r *http.Request, into interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return domain.ErrMediaType("expected application/json, got %s", ct)
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return domain.ErrInvalidRequest("malformed json body: %v", err)
	}
	return nil
}

func idParam(r *http.Request, name string) (primitive.ObjectID, error) {
	raw := chi.URLParam(r, name)
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		return primitive.NilObjectID, domain.ErrInvalidRequest("invalid id %q", raw)
	}
	return id, nil
}

func principalFrom(r *http.Request) (principal.Principal, error) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		return nil, domain.ErrUnauthenticated("missing credential")
	}
	return p, nil
}

func partnerFrom(r *http.Request) (*principal.Partner, error) {
	p, err := principalFrom(r)
	if err != nil {
		return nil, err
	}
	partner, ok := p.(*principal.Partner)
	if !ok {
		return nil, domain.ErrUnauthenticated("this endpoint requires a partner account")
	}
	return partner, nil
}

func userFrom(r *http.Request) (*principal.User, error) {
	p, err := principalFrom(r)
	if err != nil {
		return nil, err
	}
	user, ok := p.(*principal.User)
	if !ok {
		return nil, domain.ErrUnauthenticated("this endpoint requires a user account")
	}
	return user, nil
}

// toBSON converts decoded JSON documents to the filter shape the domain
// layer expects.
func toBSON(m map[string]interface{}) bson.M {
	if m == nil {
		return bson.M{}
	}
	return bson.M(m)
}
