package domain

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document is a schemaless store document. Every tenant-owned document
// carries FieldTenant equal to the owning principal's id.
type Document = bson.M

// Collection names. All tenant-partitioned data lives in these.
const (
	ColPartners        = "partners"
	ColUsers           = "users"
	ColLogs            = "logs"
	ColPledges         = "pledges"
	ColProducts        = "products"
	ColEmissionFactors = "emission_factors"
	ColProductLogs     = "product_logs"
	ColStars           = "stars"
	ColTasks           = "tasks"
	ColSuppliers       = "suppliers"
)

// Field names shared across collections.
const (
	FieldID         = "_id"
	FieldTenant     = "savior_id"
	FieldCreated    = "created_at"
	FieldLastUpdate = "last_update"
	FieldCO2e       = "co2e"
)

// Page is the result of a paginated query. HasMore is computed from a
// lookahead fetch and never stored.
type Page struct {
	Items   []Document `json:"items"`
	HasMore bool       `json:"has_more"`
}

// FindOptions carries the ordering and windowing applied to a find.
// Sort is applied before Skip and Limit.
type FindOptions struct {
	Sort       bson.D
	Skip       int64
	Limit      int64
	Projection bson.M
}

// Collection is the document-store port: the primitives the gateway and
// principal layers execute against. Implementations must honor ctx
// cancellation and surface deadline expiry as a TimeoutError.
type Collection interface {
	Find(ctx context.Context, filter bson.M, opts *FindOptions) ([]Document, error)
	// FindOne returns (nil, nil) when no document matches.
	FindOne(ctx context.Context, filter bson.M, projection bson.M) (Document, error)
	Aggregate(ctx context.Context, pipeline []bson.M) ([]Document, error)
	InsertOne(ctx context.Context, doc Document) (primitive.ObjectID, error)
	InsertMany(ctx context.Context, docs []Document) ([]primitive.ObjectID, error)
	UpdateOne(ctx context.Context, filter, update bson.M, upsert bool) (int64, error)
	UpdateMany(ctx context.Context, filter, update bson.M) (int64, error)
	DeleteOne(ctx context.Context, filter bson.M) (int64, error)
	DeleteMany(ctx context.Context, filter bson.M) (int64, error)
	Distinct(ctx context.Context, field string, filter bson.M) ([]interface{}, error)
	CountDocuments(ctx context.Context, filter bson.M) (int64, error)
}

// Store hands out collections. The underlying client is pooled and shared
// across requests; Collection handles must not be held past the request.
type Store interface {
	Collection(name string) Collection
}
