package api

import (
	"net/http"
	"strconv"

	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
)

func (h *Handler) logProductEmissions(w http.ResponseWriter, r *http.Request) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	productID, err := idParam(r, "productID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var req struct {
		Value float64 `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	log, err := u.LogProductEmissions(r.Context(), productID, req.Value)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, log)
}

func (h *Handler) productLogsByDay(w http.ResponseWriter, r *http.Request) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.respondError(r.Context(), w, domain.ErrInvalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	result, err := u.ProductLogsByDay(r.Context(), r.URL.Query().Get("tz"), limit)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

// emissionsSince sums logged co2e per named period. The body maps
// period labels to ISO-8601 instants.
func (h *Handler) emissionsSince(w http.ResponseWriter, r *http.Request) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var periods map[string]string
	if err := decodeJSON(r, &periods); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	result, err := u.EmissionsSince(r.Context(), periods)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

func (h *Handler) timesLogged(w http.ResponseWriter, r *http.Request) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	count, err := u.TimesLogged(r.Context(), r.URL.Query().Get("since"))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]int64{"times_logged": count})
}

func (h *Handler) starredProducts(w http.ResponseWriter, r *http.Request) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	limit, skip, err := gateway.PageParams(r.URL.Query().Get("limit"), r.URL.Query().Get("skip"))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	page, err := u.StarredProducts(r.Context(), limit, skip)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]interface{}{
		"products": page.Items,
		"has_more": page.HasMore,
	})
}

func (h *Handler) setPledge(w http.ResponseWriter, r *http.Request) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var pledge map[string]interface{}
	if err := decodeJSON(r, &pledge); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := u.SetPledge(r.Context(), toBSON(pledge))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}

func (h *Handler) clearPledge(w http.ResponseWriter, r *http.Request) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := u.ClearPledge(r.Context())
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}

func (h *Handler) startSpriving(w http.ResponseWriter, r *http.Request) {
	h.setSpriving(w, r, true)
}

func (h *Handler) stopSpriving(w http.ResponseWriter, r *http.Request) {
	h.setSpriving(w, r, false)
}

func (h *Handler) setSpriving(w http.ResponseWriter, r *http.Request, spriving bool) {
	u, err := userFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var ok bool
	if spriving {
		ok, err = u.StartSpriving(r.Context())
	} else {
		ok, err = u.StopSpriving(r.Context())
	}
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}
