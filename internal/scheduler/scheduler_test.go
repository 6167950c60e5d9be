package scheduler

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
	"carbontrace/internal/gateway"
	"carbontrace/internal/principal"
	"carbontrace/internal/store"
)

func TestAccruePledges(t *testing.T) {
	mem := store.NewMemory()
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	tenant := primitive.NewObjectID()

	mem.Seed(domain.ColPledges,
		// Due: weekly, last accrued 8 days ago.
		domain.Document{
			domain.FieldTenant: tenant, "name": "bike to work", "recurring": true,
			"status": "active", "frequency": "weekly", "co2e_factor": 2.5, "co2e": 10.0,
			"last_updated": now.Add(-8 * 24 * time.Hour),
		},
		// Not due yet.
		domain.Document{
			domain.FieldTenant: tenant, "name": "meatless monday", "recurring": true,
			"status": "active", "frequency": "weekly", "co2e_factor": 1.0, "co2e": 3.0,
			"last_updated": now.Add(-time.Hour),
		},
		// One-off pledge, never accrues.
		domain.Document{
			domain.FieldTenant: tenant, "name": "solar panels", "recurring": false,
			"co2e_factor": 50.0, "co2e": 50.0,
		},
		// Unknown frequency is skipped, not an error.
		domain.Document{
			domain.FieldTenant: tenant, "name": "odd", "recurring": true,
			"status": "active", "frequency": "fortnightly", "co2e_factor": 1.0, "co2e": 1.0,
			"last_updated": now.Add(-90 * 24 * time.Hour),
		},
	)

	s := New(mem, "@hourly", slog.Default())
	s.now = func() time.Time { return now }

	accrued, err := s.AccruePledges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, accrued)

	doc, err := mem.Collection(domain.ColPledges).FindOne(context.Background(),
		bson.M{"name": "bike to work"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 12.5, doc["co2e"])
	assert.Equal(t, now, doc["last_updated"])

	// A second sweep at the same instant finds nothing due.
	accrued, err = s.AccruePledges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, accrued)
}

func TestAccruePledgesMissingLastUpdated(t *testing.T) {
	mem := store.NewMemory()
	mem.Seed(domain.ColPledges, domain.Document{
		domain.FieldTenant: primitive.NewObjectID(), "name": "compost", "recurring": true,
		"status": "active", "frequency": "daily", "co2e_factor": 0.5, "co2e": 0.5,
	})

	s := New(mem, "@hourly", slog.Default())
	accrued, err := s.AccruePledges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, accrued)
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(store.NewMemory(), "not a cron spec", slog.Default())
	err := s.Start()
	require.Error(t, err)
	var state *domain.StateError
	assert.ErrorAs(t, err, &state)
}

func TestReconcilePublishesSweepsAllTenants(t *testing.T) {
	mem := store.NewMemory()
	tornPublish := primitive.NewObjectID()
	tornUnpublish := primitive.NewObjectID()
	healthy := primitive.NewObjectID()

	mem.Seed(domain.ColPartners,
		domain.Document{"company_id": tornPublish, "email": "a@acme.test"},
		domain.Document{"company_id": tornUnpublish, "email": "b@beta.test"},
		domain.Document{"company_id": healthy, "email": "c@gamma.test"},
	)

	// Flag set, summary missing: the flag must be cleared.
	kettle := primitive.NewObjectID()
	mem.Seed(domain.ColProducts, domain.Document{
		domain.FieldTenant: tornPublish, "product_id": kettle,
		"name": "kettle", "stage": "sourcing", "published": true,
	})

	// Summary present, flag cleared: the flag must be set.
	toaster := primitive.NewObjectID()
	mem.Seed(domain.ColProducts, domain.Document{
		domain.FieldTenant: tornUnpublish, "product_id": toaster,
		"name": "toaster", "stage": "sourcing", "published": false,
	})
	mem.Seed(domain.ColEmissionFactors, domain.Document{
		domain.FieldTenant: tornUnpublish, "product_id": toaster, "name": "toaster",
	})

	// Consistent tenant, untouched.
	lamp := primitive.NewObjectID()
	mem.Seed(domain.ColProducts, domain.Document{
		domain.FieldTenant: healthy, "product_id": lamp,
		"name": "lamp", "stage": "sourcing", "published": false,
	})

	s := New(mem, "@hourly", slog.Default())
	repaired, err := s.ReconcilePublishes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)

	ctx := context.Background()
	doc, err := mem.Collection(domain.ColProducts).FindOne(ctx, bson.M{"product_id": kettle}, nil)
	require.NoError(t, err)
	assert.Equal(t, false, doc["published"])

	doc, err = mem.Collection(domain.ColProducts).FindOne(ctx, bson.M{"product_id": toaster}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, doc["published"])

	doc, err = mem.Collection(domain.ColProducts).FindOne(ctx, bson.M{"product_id": lamp}, nil)
	require.NoError(t, err)
	assert.Equal(t, false, doc["published"])

	// A second sweep finds nothing to repair.
	repaired, err = s.ReconcilePublishes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
}

func TestAccruePledgesCoversUserSetPledges(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	userID := primitive.NewObjectID()
	mem.Seed(domain.ColUsers, domain.Document{domain.FieldID: userID, "email": "u@test"})

	resolver := principal.NewResolver(mem, gateway.New(mem, nil), slog.Default())
	p, err := resolver.Resolve(ctx, &domain.Credential{PrincipalID: userID, Kind: domain.KindUser})
	require.NoError(t, err)
	u, ok := p.(*principal.User)
	require.True(t, ok)

	_, err = u.SetPledge(ctx, bson.M{"frequency": "weekly", "co2e": 2.0, "recurring": true})
	require.NoError(t, err)

	// Age the pledge past its weekly interval.
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	_, err = mem.Collection(domain.ColPledges).UpdateOne(ctx,
		bson.M{domain.FieldTenant: userID},
		bson.M{"$set": bson.M{"last_updated": now.Add(-8 * 24 * time.Hour)}}, false)
	require.NoError(t, err)

	s := New(mem, "@hourly", slog.Default())
	s.now = func() time.Time { return now }
	accrued, err := s.AccruePledges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, accrued)

	doc, err := mem.Collection(domain.ColPledges).FindOne(ctx, bson.M{domain.FieldTenant: userID}, nil)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, 4.0, doc["co2e"])
}
