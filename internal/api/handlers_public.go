package api

import (
	"net/http"

	"go.mongodb.org/mongo-driver/bson"

	"carbontrace/internal/domain"
	"carbontrace/internal/principal"
)

// productSearchProjection is the product-level view returned by search.
var productSearchProjection = bson.M{
	"name":                 1,
	domain.FieldCO2e:       1,
	"unit_types":           1,
	"keywords":             1,
	domain.FieldLastUpdate: 1,
	"product_id":           1,
	"rating":               1,
	"image":                1,
}

// searchProducts text-searches published products. Products live in the
// factors collection as published summaries, keyed by product_id.
func (h *Handler) searchProducts(w http.ResponseWriter, r *http.Request) {
	params := map[string]string{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	result, err := h.gw.TextSearch(r.Context(), domain.ColEmissionFactors, params,
		bson.M{"product_id": bson.M{"$exists": true}}, productSearchProjection, "products")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

func (h *Handler) getPublicProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r, "productID")
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	product, err := principal.PublicProduct(r.Context(), h.store, productID)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, product)
}

func (h *Handler) listPledges(w http.ResponseWriter, r *http.Request) {
	pledges, err := principal.ListPledges(r.Context(), h.store)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, pledges)
}

func (h *Handler) factorPossibilities(w http.ResponseWriter, r *http.Request) {
	possibilities, err := principal.FactorPossibilities(r.Context(), h.store)
	if err != nil {
		h.respondError(r.Context(), w, err)
		return
	}
	h.respond(w, http.StatusOK, possibilities)
}
