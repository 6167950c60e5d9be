package api

import (
	"net/http"

	"go.mongodb.org/mongo-driver/bson"

	"carbontrace/internal/domain"
)

// searchFactors text-searches emission factors visible to the caller:
// public factors plus the caller's own. The activity query parameter is
// the search term; remaining parameters filter fields directly.
func (h *Handler) searchFactors(w http.ResponseWriter, r *http.Request) {
	p, err := principalFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	params := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	if activity, ok := params["activity"]; ok {
		delete(params, "activity")
		params["q"] = activity
	}
	saved := params["saved"] == "true"
	delete(params, "saved")

	baseMatch := bson.M{
		"$or": []bson.M{
			{domain.FieldTenant: p.ID()},
			{"source": bson.M{"$ne": string(domain.KindPartner)}},
		},
	}
	if saved {
		baseMatch["saved_by"] = p.ID()
	}
	result, err := h.gw.TextSearch(r.Context(), domain.ColEmissionFactors, params,
		baseMatch, bson.M{"embeddings": 0}, "factors")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

func (h *Handler) createFactor(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	var factor map[string]interface{}
	if err := decodeJSON(r, &factor); err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	id, err := p.CreateFactor(r.Context(), toBSON(factor))
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]string{"factor_id": id.Hex()})
}

func (h *Handler) deleteFactor(w http.ResponseWriter, r *http.Request) {
	p, err := partnerFrom(r)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	factorID, err := idParam(r, "factorID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	ok, err := p.DeleteFactor(r.Context(), factorID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, ok)
}
