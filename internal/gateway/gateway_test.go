package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
	"carbontrace/internal/store"
)

// recordingStore captures the filter or pipeline each call hands to the
// store so tests can assert on the rewritten query shape.
type recordingStore struct {
	lastFilter   bson.M
	lastPipeline []bson.M
	result       []domain.Document
	findOneDoc   domain.Document
}

func (r *recordingStore) Collection(string) domain.Collection { return (*recordingCollection)(r) }

type recordingCollection recordingStore

func (c *recordingCollection) Find(_ context.Context, filter bson.M, _ *domain.FindOptions) ([]domain.Document, error) {
	c.lastFilter = filter
	return c.result, nil
}

func (c *recordingCollection) FindOne(_ context.Context, filter bson.M, _ bson.M) (domain.Document, error) {
	c.lastFilter = filter
	return c.findOneDoc, nil
}

func (c *recordingCollection) Aggregate(_ context.Context, pipeline []bson.M) ([]domain.Document, error) {
	c.lastPipeline = pipeline
	return c.result, nil
}

func (c *recordingCollection) InsertOne(context.Context, domain.Document) (primitive.ObjectID, error) {
	return primitive.NewObjectID(), nil
}

func (c *recordingCollection) InsertMany(_ context.Context, docs []domain.Document) ([]primitive.ObjectID, error) {
	return make([]primitive.ObjectID, len(docs)), nil
}

func (c *recordingCollection) UpdateOne(_ context.Context, filter, _ bson.M, _ bool) (int64, error) {
	c.lastFilter = filter
	return 1, nil
}

func (c *recordingCollection) UpdateMany(_ context.Context, filter, _ bson.M) (int64, error) {
	c.lastFilter = filter
	return 1, nil
}

func (c *recordingCollection) DeleteOne(_ context.Context, filter bson.M) (int64, error) {
	c.lastFilter = filter
	return 1, nil
}

func (c *recordingCollection) DeleteMany(_ context.Context, filter bson.M) (int64, error) {
	c.lastFilter = filter
	return 1, nil
}

func (c *recordingCollection) Distinct(context.Context, string, bson.M) ([]interface{}, error) {
	return nil, nil
}

func (c *recordingCollection) CountDocuments(_ context.Context, filter bson.M) (int64, error) {
	c.lastFilter = filter
	return int64(len(c.result)), nil
}

func TestFindInjectsTenantClause(t *testing.T) {
	mem := store.NewMemory()
	g := New(mem, nil)
	ctx := context.Background()

	mine := primitive.NewObjectID()
	other := primitive.NewObjectID()
	mem.Seed(domain.ColPledges, domain.Document{domain.FieldTenant: mine, "name": "ours"})
	mem.Seed(domain.ColPledges, domain.Document{domain.FieldTenant: other, "name": "theirs"})

	docs, err := g.Find(ctx, mine, domain.ColPledges, bson.M{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "ours", docs[0]["name"])
}

func TestFindTenantClauseWinsOverCallerFilter(t *testing.T) {
	mem := store.NewMemory()
	g := New(mem, nil)
	ctx := context.Background()

	mine := primitive.NewObjectID()
	other := primitive.NewObjectID()
	mem.Seed(domain.ColPledges, domain.Document{domain.FieldTenant: other, "name": "theirs"})

	// A caller naming another tenant in its own filter gets nothing.
	docs, err := g.Find(ctx, mine, domain.ColPledges, bson.M{domain.FieldTenant: other})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestFindAppliesImpliedPredicate(t *testing.T) {
	mem := store.NewMemory()
	g := New(mem, nil)
	ctx := context.Background()

	tenant := primitive.NewObjectID()
	mem.Seed(domain.ColLogs, domain.Document{domain.FieldTenant: tenant, domain.FieldCO2e: 4.2})
	mem.Seed(domain.ColLogs, domain.Document{domain.FieldTenant: tenant}) // still processing

	docs, err := g.Find(ctx, tenant, domain.ColLogs, bson.M{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 4.2, docs[0][domain.FieldCO2e])
}

func TestFindMergesCallerRangeIntoImpliedPredicate(t *testing.T) {
	mem := store.NewMemory()
	g := New(mem, nil)
	ctx := context.Background()

	tenant := primitive.NewObjectID()
	mem.Seed(domain.ColLogs, domain.Document{domain.FieldTenant: tenant, domain.FieldCO2e: 2.0})
	mem.Seed(domain.ColLogs, domain.Document{domain.FieldTenant: tenant, domain.FieldCO2e: 9.0})
	mem.Seed(domain.ColLogs, domain.Document{domain.FieldTenant: tenant})

	docs, err := g.Find(ctx, tenant, domain.ColLogs, bson.M{
		domain.FieldCO2e: bson.M{"$gte": 5.0},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 9.0, docs[0][domain.FieldCO2e])
}

func TestFindRejectsScalarOnImpliedField(t *testing.T) {
	rec := &recordingStore{}
	g := New(rec, nil)

	// A bare scalar cannot merge with the implied existence check; it
	// must fail loudly rather than be dropped.
	_, err := g.Find(context.Background(), primitive.NewObjectID(), domain.ColLogs,
		bson.M{domain.FieldCO2e: 5.0})
	var invalid *domain.InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), domain.FieldCO2e)
}

func TestFindDoesNotMutateCallerFilter(t *testing.T) {
	rec := &recordingStore{}
	g := New(rec, nil)

	filter := bson.M{"name": "x"}
	_, err := g.Find(context.Background(), primitive.NewObjectID(), domain.ColLogs, filter)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"name": "x"}, filter)
}

func TestAggregateMergesTenantIntoFirstMatch(t *testing.T) {
	rec := &recordingStore{}
	g := New(rec, nil)
	tenant := primitive.NewObjectID()

	_, err := g.Aggregate(context.Background(), tenant, domain.ColLogs, []bson.M{
		{"$match": bson.M{"category": "transit"}},
		{"$sort": bson.M{domain.FieldCreated: -1}},
	})
	require.NoError(t, err)
	require.Len(t, rec.lastPipeline, 2)

	match, ok := rec.lastPipeline[0]["$match"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, tenant, match[domain.FieldTenant])
	assert.Equal(t, "transit", match["category"])
	assert.Equal(t, bson.M{"$exists": true}, match[domain.FieldCO2e])
}

func TestAggregatePrependsMatchWhenPipelineStartsElsewhere(t *testing.T) {
	rec := &recordingStore{}
	g := New(rec, nil)
	tenant := primitive.NewObjectID()

	_, err := g.Aggregate(context.Background(), tenant, domain.ColPledges, []bson.M{
		{"$sort": bson.M{domain.FieldCreated: -1}},
		{"$limit": int64(3)},
	})
	require.NoError(t, err)
	require.Len(t, rec.lastPipeline, 3)

	match, ok := rec.lastPipeline[0]["$match"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, bson.M{domain.FieldTenant: tenant}, match)
	assert.Contains(t, rec.lastPipeline[1], "$sort")
}

func TestAggregateParsesDateRangeStrings(t *testing.T) {
	rec := &recordingStore{}
	g := New(rec, nil)

	_, err := g.Aggregate(context.Background(), primitive.NewObjectID(), domain.ColLogs, []bson.M{
		{"$match": bson.M{domain.FieldCreated: map[string]interface{}{
			"$gte": "2024-03-01T00:00:00Z",
			"$lt":  "2024-04-01T00:00:00.500Z",
		}}},
	})
	require.NoError(t, err)

	match := rec.lastPipeline[0]["$match"].(bson.M)
	created := match[domain.FieldCreated].(bson.M)
	gte, ok := created["$gte"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), gte.UTC())
	lt, ok := created["$lt"].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 500*int(time.Millisecond), lt.Nanosecond())
}

func TestAggregateRejectsMalformedDateString(t *testing.T) {
	g := New(&recordingStore{}, nil)

	_, err := g.Aggregate(context.Background(), primitive.NewObjectID(), domain.ColLogs, []bson.M{
		{"$match": bson.M{domain.FieldCreated: bson.M{"$gte": "last tuesday"}}},
	})
	require.Error(t, err)
	var invalid *domain.InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestAggregateRejectsDisallowedStages(t *testing.T) {
	g := New(&recordingStore{}, nil)
	ctx := context.Background()
	tenant := primitive.NewObjectID()

	for _, stage := range []string{"$merge", "$out", "$lookup", "$unionWith", "$facet"} {
		_, err := g.Aggregate(ctx, tenant, domain.ColLogs, []bson.M{{stage: bson.M{}}})
		require.Error(t, err, stage)
		var invalid *domain.InvalidRequestError
		assert.ErrorAs(t, err, &invalid, stage)
	}
}

func TestPaginateLookahead(t *testing.T) {
	mem := store.NewMemory()
	g := New(mem, nil)
	ctx := context.Background()
	tenant := primitive.NewObjectID()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		mem.Seed(domain.ColProducts, domain.Document{
			domain.FieldTenant:  tenant,
			"n":                 i,
			domain.FieldCreated: base.Add(time.Duration(i) * time.Hour),
		})
	}
	sort := bson.D{{Key: domain.FieldCreated, Value: 1}}

	page, err := g.Paginate(ctx, tenant, domain.ColProducts, bson.M{}, sort, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	page, err = g.Paginate(ctx, tenant, domain.ColProducts, bson.M{}, sort, 2, 4)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)

	page, err = g.Paginate(ctx, tenant, domain.ColProducts, bson.M{}, sort, 0, 0)
	require.NoError(t, err)
	assert.Len(t, page.Items, 5)
	assert.False(t, page.HasMore)
}

func TestPaginateRejectsNegativeWindow(t *testing.T) {
	g := New(store.NewMemory(), nil)
	_, err := g.Paginate(context.Background(), primitive.NewObjectID(), domain.ColProducts, bson.M{}, nil, -1, 0)
	require.Error(t, err)
	_, err = g.Paginate(context.Background(), primitive.NewObjectID(), domain.ColProducts, bson.M{}, nil, 0, -1)
	require.Error(t, err)
}

func TestTextSearchWithQuery(t *testing.T) {
	rec := &recordingStore{result: []domain.Document{{"name": "steel"}}}
	g := New(rec, nil)

	out, err := g.TextSearch(context.Background(), domain.ColEmissionFactors,
		map[string]string{"q": "steel", "limit": "10", "unit_types": "kg"},
		bson.M{"published": true}, bson.M{"name": 1}, "emission_factors")
	require.NoError(t, err)

	require.Len(t, rec.lastPipeline, 5) // match, project, addFields, sort, limit
	match := rec.lastPipeline[0]["$match"].(bson.M)
	assert.Equal(t, bson.M{"$search": "steel"}, match["$text"])
	assert.Equal(t, true, match["published"])
	assert.Equal(t, "kg", match["unit_types"])

	proj := rec.lastPipeline[1]["$project"].(bson.M)
	assert.Equal(t, bson.M{"name": 1}, proj)

	added := rec.lastPipeline[2]["$addFields"].(bson.M)
	assert.Equal(t, bson.M{"$meta": "textScore"}, added["relevance"])

	sort := rec.lastPipeline[3]["$sort"].(bson.D)
	require.Len(t, sort, 1)
	assert.Equal(t, "relevance", sort[0].Key)

	assert.Equal(t, int64(11), rec.lastPipeline[4]["$limit"])
	assert.Equal(t, false, out["has_more"])
	assert.Len(t, out["emission_factors"], 1)
}

func TestTextSearchKeepsScoreOutOfExclusionProjection(t *testing.T) {
	rec := &recordingStore{}
	g := New(rec, nil)

	// An exclusion projection must never gain a computed field: the
	// store rejects a $project mixing exclusions with computed values.
	_, err := g.TextSearch(context.Background(), domain.ColEmissionFactors,
		map[string]string{"q": "cement"},
		nil, bson.M{"embeddings": 0}, "factors")
	require.NoError(t, err)

	for _, stage := range rec.lastPipeline {
		proj, ok := stage["$project"].(bson.M)
		if !ok {
			continue
		}
		assert.Equal(t, bson.M{"embeddings": 0}, proj)
		for _, v := range proj {
			if sub, ok := v.(bson.M); ok {
				_, hasMeta := sub["$meta"]
				assert.False(t, hasMeta)
			}
		}
	}
	added := rec.lastPipeline[2]["$addFields"].(bson.M)
	assert.Equal(t, bson.M{"$meta": "textScore"}, added["relevance"])
}

func TestTextSearchWithoutQuerySortsByLastUpdate(t *testing.T) {
	rec := &recordingStore{}
	g := New(rec, nil)

	_, err := g.TextSearch(context.Background(), domain.ColProducts,
		map[string]string{}, nil, nil, "products")
	require.NoError(t, err)

	require.Len(t, rec.lastPipeline, 2) // match, sort
	sort := rec.lastPipeline[1]["$sort"].(bson.D)
	require.Len(t, sort, 1)
	assert.Equal(t, domain.FieldLastUpdate, sort[0].Key)
	assert.Equal(t, -1, sort[0].Value)
}

func TestTextSearchLookahead(t *testing.T) {
	rec := &recordingStore{result: []domain.Document{{"n": 0}, {"n": 1}, {"n": 2}}}
	g := New(rec, nil)

	out, err := g.TextSearch(context.Background(), domain.ColProducts,
		map[string]string{"limit": "2"}, nil, nil, "products")
	require.NoError(t, err)
	assert.Equal(t, true, out["has_more"])
	assert.Len(t, out["products"], 2)
}

func TestTextSearchRejectsMalformedWindow(t *testing.T) {
	g := New(&recordingStore{}, nil)
	_, err := g.TextSearch(context.Background(), domain.ColProducts,
		map[string]string{"limit": "many"}, nil, nil, "products")
	require.Error(t, err)
	var invalid *domain.InvalidRequestError
	assert.ErrorAs(t, err, &invalid)
}

func TestGuardedUpdate(t *testing.T) {
	mem := store.NewMemory()
	g := New(mem, nil)
	ctx := context.Background()
	tenant := primitive.NewObjectID()
	other := primitive.NewObjectID()

	mem.Seed(domain.ColPledges, domain.Document{domain.FieldTenant: tenant, "name": "old"})
	mem.Seed(domain.ColPledges, domain.Document{domain.FieldTenant: other, "name": "old"})

	updated, err := g.GuardedUpdate(ctx, tenant, domain.ColPledges,
		bson.M{"name": "old"}, bson.M{"$set": bson.M{"name": "new"}}, "pledge not found")
	require.NoError(t, err)
	assert.True(t, updated)

	// The other tenant's row is untouched.
	docs, err := g.Find(ctx, other, domain.ColPledges, bson.M{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "old", docs[0]["name"])
}

func TestGuardedUpdateMissFailsNotFound(t *testing.T) {
	g := New(store.NewMemory(), nil)
	_, err := g.GuardedUpdate(context.Background(), primitive.NewObjectID(), domain.ColPledges,
		bson.M{"name": "ghost"}, bson.M{"$set": bson.M{"name": "x"}}, "pledge not found")
	require.Error(t, err)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Contains(t, err.Error(), "pledge not found")
}

func TestAsPipeline(t *testing.T) {
	p, ok := AsPipeline([]interface{}{map[string]interface{}{"$match": map[string]interface{}{"a": 1}}})
	require.True(t, ok)
	require.Len(t, p, 1)
	assert.Contains(t, p[0], "$match")

	_, ok = AsPipeline([]interface{}{"not a stage"})
	assert.False(t, ok)

	_, ok = AsPipeline("nope")
	assert.False(t, ok)
}
