// Package principal resolves verified credentials into the two account
// variants, Partner and User, and implements the operations each may
// perform. Both variants share the capability surface in Principal and
// are bound to a tenant id and a store handle for one request only.
package principal

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"

	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
)

// Principal is the capability surface common to both account variants.
type Principal interface {
	ID() primitive.ObjectID
	Kind() domain.PrincipalKind
	Profile(ctx context.Context) (domain.Document, error)
	UpdateProfile(ctx context.Context, updates bson.M) (bool, error)
	Logs(ctx context.Context, limit, skip int64) (domain.Page, error)
	GetData(ctx context.Context, queryType, collection string, filters interface{}) ([]domain.Document, error)
	Star(ctx context.Context, productID primitive.ObjectID) (bool, error)
	Unstar(ctx context.Context, productID primitive.ObjectID) (bool, error)
}

// Resolver builds request-scoped Principals from verified credentials.
type Resolver struct {
	store  domain.Store
	gw     *gateway.Gateway
	logger *slog.Logger
}

func NewResolver(store domain.Store, gw *gateway.Gateway, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, gw: gw, logger: logger.With("component", "principal")}
}

// Resolve switches on the credential's kind and binds the matching
// variant. Both kinds get an existence check against their backing
// collection, so a deleted account fails closed even while its
// credential is still cryptographically valid. An unknown kind is a
// server bug, not caller input.
func (r *Resolver) Resolve(ctx context.Context, cred *domain.Credential) (Principal, error) {
	switch cred.Kind {
	case domain.KindPartner:
		account, err := r.store.Collection(domain.ColPartners).FindOne(ctx,
			bson.M{domain.FieldID: cred.ActingUserID}, bson.M{domain.FieldID: 1})
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, domain.ErrUnauthenticated("no account for credential")
		}
		return &Partner{
			base:   base{id: cred.PrincipalID, kind: domain.KindPartner, store: r.store, gw: r.gw},
			userID: cred.ActingUserID,
		}, nil
	case domain.KindUser:
		account, err := r.store.Collection(domain.ColUsers).FindOne(ctx,
			bson.M{domain.FieldID: cred.PrincipalID}, bson.M{domain.FieldID: 1})
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, domain.ErrUnauthenticated("no account for credential")
		}
		return &User{
			base: base{id: cred.PrincipalID, kind: domain.KindUser, store: r.store, gw: r.gw},
		}, nil
	default:
		return nil, domain.ErrState("unknown principal kind %q", cred.Kind)
	}
}

// base carries the tenant binding and store handles shared by both
// variants.
type base struct {
	id    primitive.ObjectID
	kind  domain.PrincipalKind
	store domain.Store
	gw    *gateway.Gateway
}

func (b *base) ID() primitive.ObjectID     { return b.id }
func (b *base) Kind() domain.PrincipalKind { return b.kind }

// stamp adds the creation timestamp and tenant id to a document about to
// be inserted.
func (b *base) stamp(doc bson.M) bson.M {
	out := bson.M{}
	for k, v := range doc {
		out[k] = v
	}
	out[domain.FieldCreated] = time.Now().UTC()
	out[domain.FieldTenant] = b.id
	return out
}

// GetData is the generic query capability behind the /saviors/data
// endpoint. The tenant predicate injection happens inside the gateway
// and cannot be bypassed from here.
func (b *base) GetData(ctx context.Context, queryType, collection string, filters interface{}) ([]domain.Document, error) {
	switch queryType {
	case "find":
		doc, ok := gateway.AsDoc(filters)
		if !ok {
			if filters == nil {
				doc = bson.M{}
			} else {
				return nil, domain.ErrInvalidRequest("find filters must be a document")
			}
		}
		return b.gw.Find(ctx, b.id, collection, doc)
	case "aggregate":
		pipeline, ok := gateway.AsPipeline(filters)
		if !ok {
			return nil, domain.ErrInvalidRequest("aggregate filters must be a pipeline array")
		}
		return b.gw.Aggregate(ctx, b.id, collection, pipeline)
	default:
		return nil, domain.ErrInvalidRequest("query_type must be one of aggregate or find")
	}
}

// Star records a product star as an upsert keyed by (tenant, resource),
// so starring twice is a no-op. The starred document carries a snapshot
// of the product's display fields.
func (b *base) Star(ctx context.Context, productID primitive.ObjectID) (bool, error) {
	factor, err := b.store.Collection(domain.ColEmissionFactors).FindOne(ctx,
		bson.M{"product_id": productID},
		bson.M{"name": 1, domain.FieldCO2e: 1, "image": 1, domain.FieldID: 0})
	if err != nil {
		return false, err
	}
	if factor == nil {
		return false, domain.ErrNotFound("a product with id %s does not exist", productID.Hex())
	}
	set := bson.M{
		"resource_id":      productID,
		domain.FieldTenant: b.id,
		domain.FieldCreated: time.Now().UTC(),
	}
	for k, v := range factor {
		set[k] = v
	}
	modified, err := b.store.Collection(domain.ColStars).UpdateOne(ctx,
		bson.M{domain.FieldTenant: b.id, "resource_id": productID},
		bson.M{"$set": set}, true)
	if err != nil {
		return false, err
	}
	return modified > 0, nil
}

// Unstar removes a star; removing an absent star is a no-op.
func (b *base) Unstar(ctx context.Context, productID primitive.ObjectID) (bool, error) {
	deleted, err := b.store.Collection(domain.ColStars).DeleteOne(ctx,
		bson.M{domain.FieldTenant: b.id, "resource_id": productID})
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// logsPage pages a collection's documents for this tenant, newest first.
func (b *base) logsPage(ctx context.Context, collection string, limit, skip int64) (domain.Page, error) {
	return b.gw.Paginate(ctx, b.id, collection, bson.M{},
		bson.D{{Key: domain.FieldCreated, Value: -1}}, limit, skip)
}

func hashPassword(plain string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", domain.ErrInternal(err, "hash password")
	}
	return string(hashed), nil
}

// hashPasswordField replaces a plaintext password value inside a profile
// update with its hash. Updates without a password pass through.
func hashPasswordField(updates bson.M) error {
	raw, ok := updates["password"]
	if !ok {
		return nil
	}
	plain, ok := raw.(string)
	if !ok || plain == "" {
		return domain.ErrInvalidRequest("password must be a non-empty string")
	}
	hashed, err := hashPassword(plain)
	if err != nil {
		return err
	}
	updates["password"] = hashed
	return nil
}

// stubCo2e stands in for the emissions calculation engine, which lives
// outside this service. It mirrors the upstream stub's value range.
func stubCo2e(max int) float64 {
	return float64(rand.Intn(max + 1))
}
