// Package store provides the document-store implementations behind the
// domain.Store port: a MongoDB adapter for production and an in-memory
// double for tests.
package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"carbontrace/internal/domain"
)

// Mongo adapts a pooled mongo database to domain.Store. The client is the
// one genuinely shared handle in the process; request handlers receive
// collections from it and must not keep them past the request.
type Mongo struct {
	db *mongo.Database
}

// Connect dials the MongoDB deployment and pings it within the given
// context's deadline.
func Connect(ctx context.Context, uri, dbName string) (*Mongo, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, domain.ErrInternal(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, domain.ErrInternal(err, "mongo ping")
	}
	return &Mongo{db: client.Database(dbName)}, client.Disconnect, nil
}

// Collection returns the named collection.
func (m *Mongo) Collection(name string) domain.Collection {
	return &mongoCollection{col: m.db.Collection(name)}
}

type mongoCollection struct {
	col *mongo.Collection
}

// wrapErr converts driver failures into domain error kinds. Deadline expiry
// becomes Timeout so callers can tell a slow store from a missing resource;
// everything unrecognized becomes Internal.
func wrapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) {
		return domain.ErrTimeout("store %s: deadline exceeded", op)
	}
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrConflict("store %s: duplicate key", op)
	}
	return domain.ErrInternal(err, "store %s", op)
}

func (c *mongoCollection) Find(ctx context.Context, filter bson.M, opts *domain.FindOptions) ([]domain.Document, error) {
	findOpts := options.Find()
	if opts != nil {
		if len(opts.Sort) > 0 {
			findOpts.SetSort(opts.Sort)
		}
		if opts.Skip > 0 {
			findOpts.SetSkip(opts.Skip)
		}
		if opts.Limit > 0 {
			findOpts.SetLimit(opts.Limit)
		}
		if opts.Projection != nil {
			findOpts.SetProjection(opts.Projection)
		}
	}
	cur, err := c.col.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, wrapErr(err, "find")
	}
	var docs []domain.Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapErr(err, "find")
	}
	return docs, nil
}

func (c *mongoCollection) FindOne(ctx context.Context, filter bson.M, projection bson.M) (domain.Document, error) {
	opts := options.FindOne()
	if projection != nil {
		opts.SetProjection(projection)
	}
	var doc domain.Document
	err := c.col.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(err, "find one")
	}
	return doc, nil
}

func (c *mongoCollection) Aggregate(ctx context.Context, pipeline []bson.M) ([]domain.Document, error) {
	cur, err := c.col.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, wrapErr(err, "aggregate")
	}
	var docs []domain.Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrapErr(err, "aggregate")
	}
	return docs, nil
}

func (c *mongoCollection) InsertOne(ctx context.Context, doc domain.Document) (primitive.ObjectID, error) {
	res, err := c.col.InsertOne(ctx, doc)
	if err != nil {
		return primitive.NilObjectID, wrapErr(err, "insert")
	}
	id, _ := res.InsertedID.(primitive.ObjectID)
	return id, nil
}

func (c *mongoCollection) InsertMany(ctx context.Context, docs []domain.Document) ([]primitive.ObjectID, error) {
	payload := make([]interface{}, len(docs))
	for i, d := range docs {
		payload[i] = d
	}
	res, err := c.col.InsertMany(ctx, payload)
	if err != nil {
		return nil, wrapErr(err, "insert many")
	}
	ids := make([]primitive.ObjectID, 0, len(res.InsertedIDs))
	for _, raw := range res.InsertedIDs {
		if id, ok := raw.(primitive.ObjectID); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *mongoCollection) UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (int64, error) {
	opts := options.Update().SetUpsert(upsert)
	res, err := c.col.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return 0, wrapErr(err, "update")
	}
	return res.ModifiedCount + res.UpsertedCount, nil
}

func (c *mongoCollection) UpdateMany(ctx context.Context, filter, update bson.M) (int64, error) {
	res, err := c.col.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, wrapErr(err, "update many")
	}
	return res.ModifiedCount, nil
}

func (c *mongoCollection) DeleteOne(ctx context.Context, filter bson.M) (int64, error) {
	res, err := c.col.DeleteOne(ctx, filter)
	if err != nil {
		return 0, wrapErr(err, "delete")
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	res, err := c.col.DeleteMany(ctx, filter)
	if err != nil {
		return 0, wrapErr(err, "delete many")
	}
	return res.DeletedCount, nil
}

func (c *mongoCollection) Distinct(ctx context.Context, field string, filter bson.M) ([]interface{}, error) {
	values, err := c.col.Distinct(ctx, field, filter)
	if err != nil {
		return nil, wrapErr(err, "distinct")
	}
	return values, nil
}

func (c *mongoCollection) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	n, err := c.col.CountDocuments(ctx, filter)
	if err != nil {
		return 0, wrapErr(err, "count")
	}
	return n, nil
}

// EnsureIndexes creates the indexes the backend relies on: unique emails
// per account collection and the text indexes behind search endpoints.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	type spec struct {
		collection string
		model      mongo.IndexModel
	}
	truePtr := true
	specs := []spec{
		{domain.ColUsers, mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: &options.IndexOptions{Unique: &truePtr},
		}},
		{domain.ColPartners, mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: &options.IndexOptions{Unique: &truePtr},
		}},
		{domain.ColEmissionFactors, mongo.IndexModel{
			Keys: bson.D{{Key: "name", Value: "text"}, {Key: "keywords", Value: "text"}},
		}},
		{domain.ColProducts, mongo.IndexModel{
			Keys: bson.D{{Key: "name", Value: "text"}, {Key: "keywords", Value: "text"}},
		}},
		{domain.ColLogs, mongo.IndexModel{
			Keys: bson.D{{Key: domain.FieldTenant, Value: 1}, {Key: domain.FieldCreated, Value: -1}},
		}},
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, s := range specs {
		if _, err := m.db.Collection(s.collection).Indexes().CreateOne(ctx, s.model); err != nil {
			return domain.ErrInternal(err, "ensure index on %s", s.collection)
		}
	}
	return nil
}
