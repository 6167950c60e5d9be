package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"carbontrace/internal/account"
	"carbontrace/internal/domain"
	"carbontrace/internal/principal"
	"carbontrace/internal/session"
)

type partnerSignupRequest struct {
	CompanyName           string   `json:"company_name"`
	Username              string   `json:"username"`
	Email                 string   `json:"email"`
	Password              string   `json:"password"`
	Region                string   `json:"region"`
	MeasurementCategories []string `json:"measurement_categories"`
}

func (h *Handler) createPartner(w http.ResponseWriter, r *http.Request) {
	var req partnerSignupRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	doc, cred, err := h.accounts.CreatePartner(r.Context(), account.PartnerSignup{
		CompanyName:           req.CompanyName,
		Username:              req.Username,
		Email:                 req.Email,
		Password:              req.Password,
		Region:                req.Region,
		MeasurementCategories: req.MeasurementCategories,
	})
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	if err := h.attachCredential(w, cred, session.TransportCookie); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, doc)
}

func (h *Handler) partnerLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	doc, cred, err := h.accounts.PartnerLogin(r.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	if err := h.attachCredential(w, cred, session.TransportCookie); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, doc)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	doc, cred, err := h.accounts.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	token, err := h.sessions.Issue(cred.PrincipalID, cred.Kind, cred.ActingUserID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	doc["token"] = token
	h.respond(w, http.StatusCreated, doc)
}

func (h *Handler) userLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	doc, cred, err := h.accounts.UserLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	token, err := h.sessions.Issue(cred.PrincipalID, cred.Kind, cred.ActingUserID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	doc["token"] = token
	h.respond(w, http.StatusOK, doc)
}

// attachCredential issues a token for cred and writes it out on the
// given transport.
func (h *Handler) attachCredential(w http.ResponseWriter, cred *domain.Credential, tr session.Transport) error {
	token, err := h.sessions.Issue(cred.PrincipalID, cred.Kind, cred.ActingUserID)
	if err != nil {
		return err
	}
	session.Attach(w, token, tr, h.secure)
	return nil
}

func (h *Handler) listPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := h.accounts.ListPartners(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, partners)
}

func (h *Handler) getPartner(w http.ResponseWriter, r *http.Request) {
	partnerID, err := idParam(r, "partnerID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	card, err := principal.PartnerCard(r.Context(), h.store, partnerID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, card)
}

func (h *Handler) partnerEmailAvailable(w http.ResponseWriter, r *http.Request) {
	h.emailAvailable(w, r, domain.KindPartner)
}

func (h *Handler) userEmailAvailable(w http.ResponseWriter, r *http.Request) {
	h.emailAvailable(w, r, domain.KindUser)
}

func (h *Handler) emailAvailable(w http.ResponseWriter, r *http.Request, kind domain.PrincipalKind) {
	available, err := h.accounts.EmailAvailable(r.Context(), kind, chi.URLParam(r, "email"))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]bool{"is_available": available})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	session.ClearCookies(w)
	h.respond(w, http.StatusOK, map[string]bool{"logged_out": true})
}
