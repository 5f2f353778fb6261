package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/heron/pkg/dispatch"
	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/types"
	"github.com/rs/zerolog"
)

// Scan job names
const (
	JobWatchdog      = "watchdog"
	JobScanKline     = "scan.kline"
	JobScanETF       = "scan.etf"
	JobScanTick      = "scan.tick"
	JobStatusCleanup = "status.cleanup"
	JobExtrema       = "extrema.recompute"
)

// Fanouter publishes one task per entity under a shared trace
type Fanouter interface {
	Fanout(ctx context.Context, codes []string, taskType types.TaskType, trace string) (int, error)
}

// Scans produces the bulk refresh categories
type Scans struct {
	entities storage.EntitySource
	fanout   Fanouter
	broker   *events.Broker
	logger   zerolog.Logger
}

// NewScans creates the bulk producers
func NewScans(entities storage.EntitySource, fanout Fanouter, broker *events.Broker) *Scans {
	return &Scans{
		entities: entities,
		fanout:   fanout,
		broker:   broker,
		logger:   log.WithComponent("producer"),
	}
}

// Kline enqueues a K-line task for every entity
func (s *Scans) Kline(ctx context.Context) error {
	return s.scan(ctx, JobScanKline, types.TaskTypeKline, func(*types.WatchedEntity) bool { return true })
}

// ETF enqueues an ETF task for every ETF
func (s *Scans) ETF(ctx context.Context) error {
	return s.scan(ctx, JobScanETF, types.TaskTypeETF, func(e *types.WatchedEntity) bool {
		return e.Kind == types.EntityKindETF
	})
}

// Tick enqueues a tick task for every stock
func (s *Scans) Tick(ctx context.Context) error {
	return s.scan(ctx, JobScanTick, types.TaskTypeTick, func(e *types.WatchedEntity) bool {
		return e.Kind == types.EntityKindStock
	})
}

func (s *Scans) scan(ctx context.Context, name string, taskType types.TaskType, include func(*types.WatchedEntity) bool) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ScanDuration, name)

	entities, err := s.entities.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}

	var codes []string
	for _, e := range entities {
		if include(e) {
			codes = append(codes, e.Code)
		}
	}
	if len(codes) == 0 {
		return nil
	}

	trace := dispatch.NewTraceID()
	published, err := s.fanout.Fanout(ctx, codes, taskType, trace)

	s.logger.Info().
		Str("scan", name).
		Str("trace_id", trace).
		Int("entities", len(codes)).
		Int("published", published).
		Dur("took", timer.Duration().Round(time.Millisecond)).
		Msg("scan complete")
	s.broker.Emit(events.EventScanCompleted, name,
		"trace_id", trace,
		"published", fmt.Sprint(published),
		"entities", fmt.Sprint(len(codes)))

	if err != nil {
		return fmt.Errorf("%s: %d of %d failed to publish: %w", name, len(codes)-published, len(codes), err)
	}
	return nil
}
