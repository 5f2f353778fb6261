package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/heron/pkg/dispatch"
	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/types"
	"github.com/rs/zerolog"
)

// LeaseChecker reports which entity loops are alive
type LeaseChecker interface {
	CheckActive(ctx context.Context, entities []string) ([]bool, error)
}

// Seeder starts a new loop for an entity
type Seeder interface {
	Seed(ctx context.Context, code string, taskType types.TaskType, origin string) (*types.RefreshTask, error)
}

// Result summarises one watchdog pass
type Result struct {
	Checked  int
	Active   int
	Reseeded int
	Failed   int
}

// Reconciler is the watchdog that keeps one refresh loop alive per entity
type Reconciler struct {
	entities storage.EntitySource
	leases   LeaseChecker
	seeder   Seeder
	broker   *events.Broker
	logger   zerolog.Logger

	mu sync.Mutex
}

// NewReconciler creates a new reconciler
func NewReconciler(entities storage.EntitySource, leases LeaseChecker, seeder Seeder, broker *events.Broker) *Reconciler {
	return &Reconciler{
		entities: entities,
		leases:   leases,
		seeder:   seeder,
		broker:   broker,
		logger:   log.WithComponent("reconciler"),
	}
}

// Reconcile performs one pass: every entity without a live lease gets a new
// loop. A failure to seed one entity does not stop the pass; the next pass
// retries it.
func (r *Reconciler) Reconcile(ctx context.Context) (Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WatchdogDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result

	entities, err := r.entities.ListEntities(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list entities: %w", err)
	}
	if len(entities) == 0 {
		return res, nil
	}

	codes := make([]string, len(entities))
	for i, e := range entities {
		codes[i] = e.Code
	}

	active, err := r.leases.CheckActive(ctx, codes)
	if err != nil {
		return res, fmt.Errorf("failed to check leases: %w", err)
	}
	res.Checked = len(codes)

	for i, code := range codes {
		if active[i] {
			res.Active++
			continue
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		task, err := r.seeder.Seed(ctx, code, types.TaskTypeRefreshPrice, dispatch.OriginSeed)
		if err != nil {
			res.Failed++
			r.logger.Error().Err(err).Str("entity", code).Msg("failed to re-seed stalled loop")
			continue
		}

		res.Reseeded++
		metrics.EntitiesReseeded.Inc()
		r.logger.Info().
			Str("entity", code).
			Str("trace_id", task.TraceID).
			Msg("re-seeded stalled loop")
		r.broker.Emit(events.EventEntityReseeded, "loop restarted", "entity", code, "trace_id", task.TraceID)
	}

	if res.Reseeded > 0 || res.Failed > 0 {
		r.logger.Info().
			Int("checked", res.Checked).
			Int("active", res.Active).
			Int("reseeded", res.Reseeded).
			Int("failed", res.Failed).
			Msg("watchdog pass complete")
	}
	return res, nil
}
