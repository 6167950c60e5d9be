// Package gateway is the single execution path for caller-shaped queries.
// Every read or write that accepts caller-supplied filter or pipeline
// content goes through here, and the gateway guarantees the caller only
// ever sees or affects documents whose tenant field equals the bound
// principal id, regardless of what the caller put in the query.
package gateway

import (
	"context"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
)

// CollectionRule captures per-collection invariants the gateway merges
// into every query. Table-driven so no collection name is special-cased
// in the query path itself.
type CollectionRule struct {
	// RequireField, when set, restricts reads to documents where the
	// field exists: rows that have completed processing.
	RequireField string
}

// DefaultRules returns the rules for the standard collections: log reads
// only ever see rows whose co2e has been calculated.
func DefaultRules() map[string]CollectionRule {
	return map[string]CollectionRule{
		domain.ColLogs: {RequireField: domain.FieldCO2e},
	}
}

// dateFields are the match-stage fields whose range sub-objects carry
// ISO-8601 strings from clients. The store compares typed timestamps, so
// every string leaf under these keys is parsed before execution.
var dateFields = []string{
	domain.FieldCreated,
	"created",
	domain.FieldLastUpdate,
	"source_file.upload_date",
}

// allowedStages is the aggregation stage vocabulary accepted from
// callers. Stages that write ($merge, $out) or read across collections
// ($lookup, $unionWith, $graphLookup, $facet) would defeat the tenant
// clause and are rejected.
var allowedStages = map[string]bool{
	"$match":     true,
	"$group":     true,
	"$project":   true,
	"$sort":      true,
	"$skip":      true,
	"$limit":     true,
	"$count":     true,
	"$unwind":    true,
	"$addFields": true,
}

// Gateway executes tenant-scoped queries against a document store.
type Gateway struct {
	store domain.Store
	rules map[string]CollectionRule
}

// New creates a Gateway. A nil rules map falls back to DefaultRules.
func New(store domain.Store, rules map[string]CollectionRule) *Gateway {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Gateway{store: store, rules: rules}
}

// requiredFilters builds the non-negotiable clauses for a collection: the
// tenant predicate plus any rule-implied existence check. callerSub is the
// caller's sub-object for the implied field (merged so a caller can still
// range-filter on it without dropping the existence requirement).
func (g *Gateway) requiredFilters(tenantID primitive.ObjectID, collection string, callerSub bson.M) bson.M {
	required := bson.M{domain.FieldTenant: tenantID}
	if rule, ok := g.rules[collection]; ok && rule.RequireField != "" {
		implied := bson.M{"$exists": true}
		for k, v := range callerSub {
			implied[k] = v
		}
		required[rule.RequireField] = implied
	}
	return required
}

// Find executes a find with the tenant clause merged in. On key collision
// the tenant clause wins; caller input can never override it.
func (g *Gateway) Find(ctx context.Context, tenantID primitive.ObjectID, collection string, filters bson.M) ([]domain.Document, error) {
	merged := bson.M{}
	for k, v := range filters {
		merged[k] = v
	}
	var callerSub bson.M
	if rule, ok := g.rules[collection]; ok && rule.RequireField != "" {
		if raw, present := merged[rule.RequireField]; present {
			sub, ok := AsDoc(raw)
			if !ok {
				// A scalar here would be silently displaced by the
				// implied existence check; reject it instead.
				return nil, domain.ErrInvalidRequest(
					"filter on %s must be a document of operators", rule.RequireField)
			}
			callerSub = sub
		}
	}
	for k, v := range g.requiredFilters(tenantID, collection, callerSub) {
		merged[k] = v
	}
	return g.store.Collection(collection).Find(ctx, merged, nil)
}

// Aggregate executes a caller-supplied pipeline with the tenant clause
// merged into its first match stage, or prepended as one when the
// pipeline does not open with a match. Stage kinds outside the allow-list
// fail with InvalidRequestError, as do malformed date strings in the
// match's date fields.
func (g *Gateway) Aggregate(ctx context.Context, tenantID primitive.ObjectID, collection string, pipeline []bson.M) ([]domain.Document, error) {
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, domain.ErrInvalidRequest("pipeline stages must have exactly one operator")
		}
		for op := range stage {
			if !allowedStages[op] {
				return nil, domain.ErrInvalidRequest("pipeline stage %s is not allowed", op)
			}
		}
	}

	rewritten := make([]bson.M, 0, len(pipeline)+1)
	injected := false
	if len(pipeline) > 0 {
		if rawMatch, ok := pipeline[0]["$match"]; ok {
			match, ok := AsDoc(rawMatch)
			if !ok {
				return nil, domain.ErrInvalidRequest("$match stage must be a document")
			}
			merged := bson.M{}
			for k, v := range match {
				merged[k] = v
			}
			var callerSub bson.M
			if rule, ok := g.rules[collection]; ok && rule.RequireField != "" {
				callerSub, _ = AsDoc(merged[rule.RequireField])
			}
			for k, v := range g.requiredFilters(tenantID, collection, callerSub) {
				merged[k] = v
			}
			if err := parseDateRanges(merged); err != nil {
				return nil, err
			}
			rewritten = append(rewritten, bson.M{"$match": merged})
			injected = true
		}
	}
	if !injected {
		rewritten = append(rewritten, bson.M{"$match": g.requiredFilters(tenantID, collection, nil)})
		rewritten = append(rewritten, pipeline...)
	} else {
		rewritten = append(rewritten, pipeline[1:]...)
	}
	return g.store.Collection(collection).Aggregate(ctx, rewritten)
}

// parseDateRanges replaces ISO-8601 string leaves inside date-field range
// sub-objects with typed timestamps, in place.
func parseDateRanges(match bson.M) error {
	for _, field := range dateFields {
		sub, ok := AsDoc(match[field])
		if !ok {
			continue
		}
		parsed := bson.M{}
		for op, leaf := range sub {
			if s, isString := leaf.(string); isString {
				t, err := ParseTime(s)
				if err != nil {
					return domain.ErrInvalidRequest("invalid date string %q for %s", s, field)
				}
				parsed[op] = t
				continue
			}
			parsed[op] = leaf
		}
		match[field] = parsed
	}
	return nil
}

// ParseTime parses an ISO-8601 timestamp as sent by clients. The store
// compares typed timestamps only, so every client-supplied date string
// goes through here before reaching a query.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, domain.ErrInvalidRequest("invalid date string %q", s)
	}
	return t, nil
}

// Paginate runs a tenant-scoped find with lookahead pagination: with a
// positive limit it fetches limit+1 documents after sort and skip, reports
// HasMore when the extra row came back, and truncates. A zero limit
// fetches everything and HasMore is false.
func (g *Gateway) Paginate(ctx context.Context, tenantID primitive.ObjectID, collection string, filter bson.M, sort bson.D, limit, skip int64) (domain.Page, error) {
	if limit < 0 || skip < 0 {
		return domain.Page{}, domain.ErrInvalidRequest("limit and skip must be non-negative")
	}
	merged := bson.M{}
	for k, v := range filter {
		merged[k] = v
	}
	merged[domain.FieldTenant] = tenantID

	opts := &domain.FindOptions{Sort: sort, Skip: skip}
	if limit > 0 {
		opts.Limit = limit + 1
	}
	docs, err := g.store.Collection(collection).Find(ctx, merged, opts)
	if err != nil {
		return domain.Page{}, err
	}
	page := domain.Page{Items: docs}
	if limit > 0 && int64(len(docs)) > limit {
		page.Items = docs[:limit]
		page.HasMore = true
	}
	return page, nil
}

// TextSearch fulfills a text-search request. A q parameter is rewritten
// into the store's text predicate with a relevance score added after the
// projection and a descending relevance sort; without q, results sort by
// last update. Remaining non-reserved parameters merge into the match
// as exact-match filters. The response maps resultField to the items
// plus a has_more lookahead flag.
func (g *Gateway) TextSearch(ctx context.Context, collection string, params map[string]string, baseMatch, projection bson.M, resultField string) (domain.Document, error) {
	limit, skip, err := PageParams(params["limit"], params["skip"])
	if err != nil {
		return nil, err
	}

	match := bson.M{}
	for k, v := range baseMatch {
		match[k] = v
	}
	proj := bson.M{}
	for k, v := range projection {
		proj[k] = v
	}

	sort := bson.D{{Key: domain.FieldLastUpdate, Value: -1}}
	var scored bson.M
	if q, ok := params["q"]; ok && q != "" {
		match["$text"] = bson.M{"$search": q}
		// The score lives in its own $addFields stage: folding a
		// computed field into an exclusion projection is rejected by
		// the server.
		scored = bson.M{"relevance": bson.M{"$meta": "textScore"}}
		sort = bson.D{{Key: "relevance", Value: -1}}
	}
	for k, v := range params {
		switch k {
		case "q", "limit", "skip":
		default:
			match[k] = v
		}
	}

	pipeline := []bson.M{{"$match": match}}
	if len(proj) > 0 {
		pipeline = append(pipeline, bson.M{"$project": proj})
	}
	if scored != nil {
		pipeline = append(pipeline, bson.M{"$addFields": scored})
	}
	pipeline = append(pipeline, bson.M{"$sort": sort})
	if skip > 0 {
		pipeline = append(pipeline, bson.M{"$skip": skip})
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.M{"$limit": limit + 1})
	}

	docs, err := g.store.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	hasMore := false
	if limit > 0 && int64(len(docs)) > limit {
		docs = docs[:limit]
		hasMore = true
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return domain.Document{resultField: docs, "has_more": hasMore}, nil
}

// GuardedUpdate checks the tenant-scoped find matches at least one
// document, then applies the update. A miss fails with NotFound carrying
// notFoundMessage. The check and the update are two store calls; a
// concurrent delete between them shows up as a no-op update, which
// callers tolerate.
func (g *Gateway) GuardedUpdate(ctx context.Context, tenantID primitive.ObjectID, collection string, find, update bson.M, notFoundMessage string) (bool, error) {
	merged := bson.M{}
	for k, v := range find {
		merged[k] = v
	}
	merged[domain.FieldTenant] = tenantID

	col := g.store.Collection(collection)
	existing, err := col.FindOne(ctx, merged, bson.M{domain.FieldID: 1})
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, domain.ErrNotFound("%s", notFoundMessage)
	}
	modified, err := col.UpdateMany(ctx, merged, update)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}

// AssertExists fails with NotFound when the tenant-scoped find matches
// nothing.
func (g *Gateway) AssertExists(ctx context.Context, tenantID primitive.ObjectID, collection string, find bson.M, notFoundMessage string) error {
	merged := bson.M{}
	for k, v := range find {
		merged[k] = v
	}
	merged[domain.FieldTenant] = tenantID
	doc, err := g.store.Collection(collection).FindOne(ctx, merged, bson.M{domain.FieldID: 1})
	if err != nil {
		return err
	}
	if doc == nil {
		return domain.ErrNotFound("%s", notFoundMessage)
	}
	return nil
}

// AsDoc normalizes a decoded JSON object to bson.M. JSON decoding yields
// map[string]interface{} for nested objects; bson decoding yields bson.M.
func AsDoc(v interface{}) (bson.M, bool) {
	switch doc := v.(type) {
	case bson.M:
		return doc, true
	case map[string]interface{}:
		return bson.M(doc), true
	}
	return nil, false
}

// AsPipeline normalizes a decoded JSON array of objects to []bson.M.
func AsPipeline(v interface{}) ([]bson.M, bool) {
	var raw []interface{}
	switch arr := v.(type) {
	case []bson.M:
		return arr, true
	case []interface{}:
		raw = arr
	case bson.A:
		raw = arr
	default:
		return nil, false
	}
	out := make([]bson.M, 0, len(raw))
	for _, e := range raw {
		doc, ok := AsDoc(e)
		if !ok {
			return nil, false
		}
		out = append(out, doc)
	}
	return out, true
}

// PageParams parses limit and skip query parameters. Empty strings default
// to zero; anything that is not a non-negative integer fails with
// InvalidRequestError.
func PageParams(limitRaw, skipRaw string) (int64, int64, error) {
	parse := func(name, raw string) (int64, error) {
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, domain.ErrInvalidRequest("%s must be a non-negative integer", name)
		}
		return n, nil
	}
	limit, err := parse("limit", limitRaw)
	if err != nil {
		return 0, 0, err
	}
	skip, err := parse("skip", skipRaw)
	if err != nil {
		return 0, 0, err
	}
	return limit, skip, nil
}

// First returns the first document of a result, or nil when empty. Find
// and Aggregate always return slices; call sites that logically fetch
// one-or-none use this instead of relying on result-count folding.
func First(docs []domain.Document) domain.Document {
	if len(docs) == 0 {
		return nil
	}
	return docs[0]
}
