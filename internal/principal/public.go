package principal

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
)

// Public reads: narrow, fixed queries that run without a principal.
// Nothing here accepts caller-shaped filters, so they bypass the tenant
// gateway deliberately.

// PartnerCard returns a partner's public card: display fields plus their
// published products, newest first.
func PartnerCard(ctx context.Context, store domain.Store, partnerID primitive.ObjectID) (domain.Document, error) {
	card, err := store.Collection(domain.ColPartners).FindOne(ctx,
		bson.M{"company_id": partnerID, "role": "company"},
		bson.M{"name": "$company", "company": 1, "joined": 1, "region": 1, "bio": 1})
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, domain.ErrNotFound("partner with id %s not found", partnerID.Hex())
	}
	products, err := store.Collection(domain.ColEmissionFactors).Find(ctx,
		bson.M{domain.FieldTenant: partnerID},
		&domain.FindOptions{
			Sort:       bson.D{{Key: domain.FieldCreated, Value: -1}},
			Projection: bson.M{"name": 1, domain.FieldCO2e: 1, "product_id": 1},
		})
	if err != nil {
		return nil, err
	}
	card["products"] = products
	return card, nil
}

// PublicProduct returns a published product's stage and process view.
func PublicProduct(ctx context.Context, store domain.Store, productID primitive.ObjectID) (domain.Document, error) {
	docs, err := store.Collection(domain.ColProducts).Find(ctx,
		bson.M{"product_id": productID, "published": true}, nil)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, domain.ErrNotFound("product with id %s does not exist", productID.Hex())
	}
	return buildProductView(docs), nil
}

// ListPledges returns every pledge in the store, for the public pledge
// feed.
func ListPledges(ctx context.Context, store domain.Store) ([]domain.Document, error) {
	return store.Collection(domain.ColPledges).Find(ctx, bson.M{}, &domain.FindOptions{
		Sort: bson.D{{Key: domain.FieldCreated, Value: -1}},
	})
}

// FactorPossibilities returns the distinct values of the queryable
// emission-factor fields, for populating search filters.
func FactorPossibilities(ctx context.Context, store domain.Store) (domain.Document, error) {
	factors := store.Collection(domain.ColEmissionFactors)
	out := domain.Document{}
	for _, field := range []string{"activity", "unit_types", "region", "source"} {
		values, err := factors.Distinct(ctx, field, bson.M{})
		if err != nil {
			return nil, err
		}
		out[field] = values
	}
	return out, nil
}
