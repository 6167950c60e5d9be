package api

import (
	"net/http"

	"carbontrace/internal/gateway"
)

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	profile, err := p.Profile(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, profile)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var updates map[string]interface{}
	if err := decodeJSON(r, &updates); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	updated, err := p.UpdateProfile(r.Context(), toBSON(updates))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, updated)
}

func (h *Handler) getLogs(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	limit, skip, err := gateway.PageParams(r.URL.Query().Get("limit"), r.URL.Query().Get("skip"))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	page, err := p.Logs(r.Context(), limit, skip)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{
		"logs":     page.Items,
		"has_more": page.HasMore,
	})
}

type dataRequest struct {
	QueryType  string      `json:"query_type"`
	Collection string      `json:"collection"`
	Filters    interface{} `json:"filters"`
}

// getData is the generic query endpoint: tenant-scoped find and
// aggregate on the caller's collections.
func (h *Handler) getData(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var req dataRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	docs, err := p.GetData(r.Context(), req.QueryType, req.Collection, req.Filters)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, docs)
}

func (h *Handler) starProduct(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	productID, err := idParam(r, "productID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	starred, err := p.Star(r.Context(), productID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, starred)
}

func (h *Handler) unstarProduct(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	productID, err := idParam(r, "productID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	unstarred, err := p.Unstar(r.Context(), productID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, unstarred)
}
