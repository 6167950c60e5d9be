package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
)

// Memory is an in-memory domain.Store for tests. It evaluates the filter
// operators the backend actually issues ($eq, $ne, $gt, $gte, $lt, $lte,
// $in, $exists, $or, $and, and a substring stand-in for $text), dotted
// field paths, multi-key sorts, and the $set, $inc, $unset, and $addToSet
// update operators. Aggregate supports the stages that window and shape a
// match ($match, $project, $addFields, $sort, $skip, $limit); pipelines
// beyond that belong in integration tests against a real deployment.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]domain.Document
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: map[string][]domain.Document{}}
}

// Collection returns the named collection, creating it on first use.
func (m *Memory) Collection(name string) domain.Collection {
	return &memoryCollection{store: m, name: name}
}

// Seed inserts documents directly, bypassing ctx plumbing. Tests only.
func (m *Memory) Seed(collection string, docs ...domain.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range docs {
		cp := deepCopy(d)
		if _, ok := cp[domain.FieldID]; !ok {
			cp[domain.FieldID] = primitive.NewObjectID()
		}
		m.data[collection] = append(m.data[collection], cp)
	}
}

type memoryCollection struct {
	store *Memory
	name  string
}

func (c *memoryCollection) Find(ctx context.Context, filter bson.M, opts *domain.FindOptions) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrTimeout("store find: %v", err)
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	var out []domain.Document
	for _, doc := range c.store.data[c.name] {
		if matchFilter(doc, filter) {
			out = append(out, deepCopy(doc))
		}
	}
	if opts != nil {
		if len(opts.Sort) > 0 {
			sortDocs(out, opts.Sort)
		}
		out = window(out, opts.Skip, opts.Limit)
		if opts.Projection != nil {
			for i, doc := range out {
				out[i] = project(doc, opts.Projection)
			}
		}
	}
	return out, nil
}

func (c *memoryCollection) FindOne(ctx context.Context, filter bson.M, projection bson.M) (domain.Document, error) {
	docs, err := c.Find(ctx, filter, &domain.FindOptions{Projection: projection})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

func (c *memoryCollection) Aggregate(ctx context.Context, pipeline []bson.M) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrTimeout("store aggregate: %v", err)
	}
	c.store.mu.RLock()
	var docs []domain.Document
	for _, doc := range c.store.data[c.name] {
		docs = append(docs, deepCopy(doc))
	}
	c.store.mu.RUnlock()

	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, domain.ErrState("memory store: pipeline stage must have exactly one key")
		}
		for op, arg := range stage {
			switch op {
			case "$match":
				match, ok := arg.(bson.M)
				if !ok {
					return nil, domain.ErrState("memory store: $match argument must be a document")
				}
				var kept []domain.Document
				for _, doc := range docs {
					if matchFilter(doc, match) {
						kept = append(kept, doc)
					}
				}
				docs = kept
			case "$project":
				proj, ok := arg.(bson.M)
				if !ok {
					return nil, domain.ErrState("memory store: $project argument must be a document")
				}
				for i, doc := range docs {
					docs[i] = project(doc, proj)
				}
			case "$addFields":
				fields, ok := arg.(bson.M)
				if !ok {
					return nil, domain.ErrState("memory store: $addFields argument must be a document")
				}
				for _, doc := range docs {
					for k, v := range fields {
						doc[k] = addFieldValue(v)
					}
				}
			case "$sort":
				docs = applySortStage(docs, arg)
			case "$skip":
				docs = window(docs, toInt64(arg), 0)
			case "$limit":
				docs = window(docs, 0, toInt64(arg))
			default:
				return nil, domain.ErrState("memory store: unsupported pipeline stage %s", op)
			}
		}
	}
	return docs, nil
}

func (c *memoryCollection) InsertOne(ctx context.Context, doc domain.Document) (primitive.ObjectID, error) {
	ids, err := c.InsertMany(ctx, []domain.Document{doc})
	if err != nil {
		return primitive.NilObjectID, err
	}
	return ids[0], nil
}

func (c *memoryCollection) InsertMany(ctx context.Context, docs []domain.Document) ([]primitive.ObjectID, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrTimeout("store insert: %v", err)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	ids := make([]primitive.ObjectID, 0, len(docs))
	for _, doc := range docs {
		cp := deepCopy(doc)
		id, ok := cp[domain.FieldID].(primitive.ObjectID)
		if !ok {
			id = primitive.NewObjectID()
			cp[domain.FieldID] = id
		}
		c.store.data[c.name] = append(c.store.data[c.name], cp)
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *memoryCollection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (int64, error) {
	return c.update(ctx, filter, update, upsert, 1)
}

func (c *memoryCollection) UpdateMany(ctx context.Context, filter, update bson.M) (int64, error) {
	return c.update(ctx, filter, update, false, -1)
}

func (c *memoryCollection) update(ctx context.Context, filter, update bson.M, upsert bool, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.ErrTimeout("store update: %v", err)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var modified int64
	for _, doc := range c.store.data[c.name] {
		if limit >= 0 && modified >= int64(limit) {
			break
		}
		if matchFilter(doc, filter) {
			applyUpdate(doc, update)
			modified++
		}
	}
	if modified == 0 && upsert {
		seed := domain.Document{}
		for k, v := range filter {
			if !strings.HasPrefix(k, "$") {
				if _, isOp := v.(bson.M); !isOp {
					seed[k] = v
				}
			}
		}
		if _, ok := seed[domain.FieldID]; !ok {
			seed[domain.FieldID] = primitive.NewObjectID()
		}
		applyUpdate(seed, update)
		c.store.data[c.name] = append(c.store.data[c.name], seed)
		return 1, nil
	}
	return modified, nil
}

func (c *memoryCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(ctx, filter, 1)
}

func (c *memoryCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	return c.delete(ctx, filter, -1)
}

func (c *memoryCollection) delete(ctx context.Context, filter bson.M, limit int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.ErrTimeout("store delete: %v", err)
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	var kept []domain.Document
	var deleted int64
	for _, doc := range c.store.data[c.name] {
		if matchFilter(doc, filter) && (limit < 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	c.store.data[c.name] = kept
	return deleted, nil
}

func (c *memoryCollection) Distinct(ctx context.Context, field string, filter bson.M) ([]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.ErrTimeout("store distinct: %v", err)
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	seen := map[string]bool{}
	var out []interface{}
	for _, doc := range c.store.data[c.name] {
		if !matchFilter(doc, filter) {
			continue
		}
		v, ok := lookup(doc, field)
		if !ok || v == nil {
			continue
		}
		key := stringKey(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *memoryCollection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.ErrTimeout("store count: %v", err)
	}
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	var n int64
	for _, doc := range c.store.data[c.name] {
		if matchFilter(doc, filter) {
			n++
		}
	}
	return n, nil
}

// --- filter evaluation ---

func matchFilter(doc domain.Document, filter bson.M) bool {
	for key, want := range filter {
		switch key {
		case "$or":
			subs, ok := toFilterSlice(want)
			if !ok || len(subs) == 0 {
				return false
			}
			matched := false
			for _, sub := range subs {
				if matchFilter(doc, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		case "$and":
			subs, ok := toFilterSlice(want)
			if !ok {
				return false
			}
			for _, sub := range subs {
				if !matchFilter(doc, sub) {
					return false
				}
			}
			continue
		case "$text":
			spec, _ := want.(bson.M)
			q, _ := spec["$search"].(string)
			if !textMatch(doc, q) {
				return false
			}
			continue
		}
		got, exists := lookup(doc, key)
		if ops, ok := asOperatorDoc(want); ok {
			if !matchOperators(got, exists, ops) {
				return false
			}
			continue
		}
		if !exists || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// asOperatorDoc reports whether v is a sub-document whose keys are all
// operators (e.g. {"$exists": true, "$gt": 5}).
func asOperatorDoc(v interface{}) (bson.M, bool) {
	sub, ok := v.(bson.M)
	if !ok || len(sub) == 0 {
		return nil, false
	}
	for k := range sub {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return sub, true
}

func matchOperators(got interface{}, exists bool, ops bson.M) bool {
	for op, arg := range ops {
		switch op {
		case "$exists":
			want, _ := arg.(bool)
			if exists != want {
				return false
			}
		case "$eq":
			if !exists || !valuesEqual(got, arg) {
				return false
			}
		case "$ne":
			if exists && valuesEqual(got, arg) {
				return false
			}
		case "$gt", "$gte", "$lt", "$lte":
			if !exists {
				return false
			}
			cmp, ok := compareValues(got, arg)
			if !ok {
				return false
			}
			switch op {
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			}
		case "$in":
			if !exists {
				return false
			}
			candidates, ok := toSlice(arg)
			if !ok {
				return false
			}
			found := false
			for _, cand := range candidates {
				if valuesEqual(got, cand) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			// Unknown operator: treat as non-matching rather than panic.
			return false
		}
	}
	return true
}

// textMatch stands in for Mongo's text index: a case-insensitive
// substring check over the document's top-level string values.
// addFieldValue resolves a $addFields value. $meta scores need a text
// index, so they are stubbed to zero here; literals pass through.
func addFieldValue(v interface{}) interface{} {
	if sub, ok := v.(bson.M); ok {
		if _, isMeta := sub["$meta"]; isMeta {
			return float64(0)
		}
	}
	return v
}

func textMatch(doc domain.Document, q string) bool {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return false
	}
	for _, v := range doc {
		switch t := v.(type) {
		case string:
			if strings.Contains(strings.ToLower(t), q) {
				return true
			}
		case []interface{}:
			for _, e := range t {
				if s, ok := e.(string); ok && strings.Contains(strings.ToLower(s), q) {
					return true
				}
			}
		}
	}
	return false
}

func toFilterSlice(v interface{}) ([]bson.M, bool) {
	switch s := v.(type) {
	case []bson.M:
		return s, true
	case bson.A:
		out := make([]bson.M, 0, len(s))
		for _, e := range s {
			m, ok := e.(bson.M)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	case []interface{}:
		out := make([]bson.M, 0, len(s))
		for _, e := range s {
			m, ok := e.(bson.M)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}

func lookup(doc domain.Document, path string) (interface{}, bool) {
	cur := interface{}(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(domain.Document)
		if !ok {
			if mm, ok2 := cur.(map[string]interface{}); ok2 {
				m = mm
			} else {
				return nil, false
			}
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func valuesEqual(a, b interface{}) bool {
	if cmp, ok := compareValues(a, b); ok {
		return cmp == 0
	}
	return stringKey(a) == stringKey(b)
}

// compareValues orders two values of compatible types. Returns false when
// the pair is not orderable.
func compareValues(a, b interface{}) (int, bool) {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if ai, ok := a.(primitive.ObjectID); ok {
		if bi, ok := b.(primitive.ObjectID); ok {
			return strings.Compare(ai.Hex(), bi.Hex()), true
		}
		return 0, false
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0, true
			case !ab:
				return -1, true
			}
			return 1, true
		}
		return 0, false
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toInt64(v interface{}) int64 {
	if f, ok := toFloat(v); ok {
		return int64(f)
	}
	return 0
}

func toSlice(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return s, true
	case bson.A:
		return []interface{}(s), true
	case []string:
		out := make([]interface{}, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func stringKey(v interface{}) string {
	switch t := v.(type) {
	case string:
		return "s:" + t
	case primitive.ObjectID:
		return "o:" + t.Hex()
	case time.Time:
		return "t:" + t.UTC().Format(time.RFC3339Nano)
	default:
		if f, ok := toFloat(v); ok {
			return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	return fmt.Sprintf("v:%v", v)
}

// --- sorting, windowing, projection ---

func sortDocs(docs []domain.Document, keys bson.D) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			dir := toInt64(key.Value)
			a, aok := lookup(docs[i], key.Key)
			b, bok := lookup(docs[j], key.Key)
			if !aok && !bok {
				continue
			}
			if !aok {
				return dir > 0
			}
			if !bok {
				return dir < 0
			}
			cmp, ok := compareValues(a, b)
			if !ok || cmp == 0 {
				continue
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func applySortStage(docs []domain.Document, arg interface{}) []domain.Document {
	switch keys := arg.(type) {
	case bson.D:
		sortDocs(docs, keys)
	case bson.M:
		// Single-key sorts only: bson.M iteration order is undefined.
		d := make(bson.D, 0, len(keys))
		for k, v := range keys {
			d = append(d, bson.E{Key: k, Value: v})
		}
		sortDocs(docs, d)
	}
	return docs
}

func window(docs []domain.Document, skip, limit int64) []domain.Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && int64(len(docs)) > limit {
		docs = docs[:limit]
	}
	return docs
}

func project(doc domain.Document, projection bson.M) domain.Document {
	include := false
	for field, v := range projection {
		if field == domain.FieldID {
			continue
		}
		if f, ok := toFloat(v); ok && f != 0 {
			include = true
		}
	}
	if !include {
		// Exclusion-only projection: strip the zeroed fields.
		for field, v := range projection {
			if f, ok := toFloat(v); ok && f == 0 && field != domain.FieldID {
				delete(doc, field)
			}
		}
		return doc
	}
	out := domain.Document{}
	for field, v := range projection {
		switch spec := v.(type) {
		case string:
			// Rename projection: {"savior_id": "$_id"}.
			if strings.HasPrefix(spec, "$") {
				if val, ok := lookup(doc, strings.TrimPrefix(spec, "$")); ok {
					out[field] = val
				}
			}
		default:
			if f, ok := toFloat(v); ok && f != 0 {
				if val, ok := lookup(doc, field); ok {
					out[field] = val
				}
			}
		}
	}
	if f, ok := toFloat(projection[domain.FieldID]); !ok || f != 0 {
		if id, ok := doc[domain.FieldID]; ok {
			out[domain.FieldID] = id
		}
	}
	return out
}

// --- updates ---

func applyUpdate(doc domain.Document, update bson.M) {
	for op, arg := range update {
		fields, ok := arg.(bson.M)
		if !ok {
			continue
		}
		switch op {
		case "$set":
			for k, v := range fields {
				setPath(doc, k, v)
			}
		case "$inc":
			for k, v := range fields {
				cur, _ := lookup(doc, k)
				cf, _ := toFloat(cur)
				vf, _ := toFloat(v)
				setPath(doc, k, cf+vf)
			}
		case "$unset":
			for k := range fields {
				delete(doc, k)
			}
		case "$addToSet":
			for k, v := range fields {
				cur, _ := lookup(doc, k)
				list, _ := toSlice(cur)
				found := false
				for _, e := range list {
					if valuesEqual(e, v) {
						found = true
						break
					}
				}
				if !found {
					setPath(doc, k, append(list, v))
				}
			}
		}
	}
}

func setPath(doc domain.Document, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(domain.Document)
		if !ok {
			next = domain.Document{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func deepCopy(doc domain.Document) domain.Document {
	out := make(domain.Document, len(doc))
	for k, v := range doc {
		switch t := v.(type) {
		case domain.Document:
			out[k] = deepCopy(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
