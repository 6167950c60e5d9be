// Package scheduler runs the recurring background jobs: pledge accrual
// and publish-state reconciliation.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"carbontrace/internal/domain"
	"carbontrace/internal/principal"
)

// accrualIntervals maps a pledge's frequency to the minimum gap between
// two accruals of its co2e factor.
var accrualIntervals = map[string]time.Duration{
	"daily":   24 * time.Hour,
	"weekly":  7 * 24 * time.Hour,
	"monthly": 30 * 24 * time.Hour,
	"yearly":  365 * 24 * time.Hour,
}

// Scheduler manages the cron entries for the background jobs.
type Scheduler struct {
	cron   *cron.Cron
	store  domain.Store
	logger *slog.Logger
	spec   string
	now    func() time.Time
}

// New creates a Scheduler that runs its sweep on the given cron spec.
func New(store domain.Store, spec string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		store:  store,
		logger: logger.With("component", "scheduler"),
		spec:   spec,
		now:    time.Now,
	}
}

// Start registers the sweep and starts the cron scheduler.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.sweep(ctx)
	})
	if err != nil {
		return domain.ErrState("invalid cron spec %q: %v", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "spec", s.spec)
	return nil
}

// Stop stops the cron scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) sweep(ctx context.Context) {
	accrued, err := s.AccruePledges(ctx)
	if err != nil {
		s.logger.Warn("pledge accrual failed", "error", err)
	} else if accrued > 0 {
		s.logger.Info("accrued recurring pledges", "count", accrued)
	}

	repaired, err := s.ReconcilePublishes(ctx)
	if err != nil {
		s.logger.Warn("publish reconciliation failed", "error", err)
	} else if repaired > 0 {
		s.logger.Info("repaired torn publishes", "count", repaired)
	}
}

// AccruePledges advances every active recurring pledge whose accrual
// interval has elapsed: co2e grows by the pledge's co2e_factor and
// last_updated moves to now. Pledges without a known frequency are
// skipped rather than failed, so one malformed document cannot stall
// the sweep.
func (s *Scheduler) AccruePledges(ctx context.Context) (int, error) {
	now := s.now().UTC()
	pledges := s.store.Collection(domain.ColPledges)
	docs, err := pledges.Find(ctx, bson.M{"recurring": true, "status": "active"}, nil)
	if err != nil {
		return 0, err
	}

	accrued := 0
	for _, doc := range docs {
		frequency, _ := doc["frequency"].(string)
		interval, ok := accrualIntervals[frequency]
		if !ok {
			s.logger.Warn("pledge has unknown frequency", "pledge_id", doc[domain.FieldID], "frequency", frequency)
			continue
		}
		last, ok := doc["last_updated"].(time.Time)
		if ok && now.Sub(last) < interval {
			continue
		}
		factor := numeric(doc["co2e_factor"])
		if factor == 0 {
			continue
		}
		_, err := pledges.UpdateOne(ctx,
			bson.M{domain.FieldID: doc[domain.FieldID]},
			bson.M{
				"$inc": bson.M{domain.FieldCO2e: factor},
				"$set": bson.M{"last_updated": now},
			}, false)
		if err != nil {
			return accrued, err
		}
		accrued++
	}
	return accrued, nil
}

// ReconcilePublishes repairs torn publish state for every tenant. A
// failing tenant is logged and skipped so the sweep still covers the
// rest.
func (s *Scheduler) ReconcilePublishes(ctx context.Context) (int, error) {
	tenants, err := s.store.Collection(domain.ColPartners).Distinct(ctx, "company_id", bson.M{})
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, v := range tenants {
		tenantID, ok := v.(primitive.ObjectID)
		if !ok {
			continue
		}
		n, err := principal.ReconcileTenant(ctx, s.store, tenantID)
		if err != nil {
			s.logger.Warn("reconciling tenant failed", "tenant_id", tenantID.Hex(), "error", err)
			continue
		}
		repaired += n
	}
	return repaired, nil
}

func numeric(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
