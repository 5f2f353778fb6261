package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/fetch"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/queue"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/telemetry"
	"github.com/cuemby/heron/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

// Queue is the consumer side of the task queue
type Queue interface {
	Read(ctx context.Context, topics []string, count int) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	PromoteDue(ctx context.Context, topic string) (int, error)
	Reclaim(ctx context.Context, topic string, count int) ([]queue.Message, error)
}

// StatusWriter records task progress
type StatusWriter interface {
	PutStatus(ctx context.Context, l *types.EntityLease) error
}

// Rearmer continues a looped task
type Rearmer interface {
	Rearm(ctx context.Context, prev *types.RefreshTask) (*types.RefreshTask, bool, error)
}

// EntityLocker guards an entity against concurrent refreshes
type EntityLocker interface {
	TryAcquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string)
}

// Fetcher loads observations from upstream
type Fetcher interface {
	Quote(ctx context.Context, e *types.WatchedEntity) (*types.Quote, error)
	ETFQuote(ctx context.Context, e *types.WatchedEntity) (*types.Quote, error)
	Klines(ctx context.Context, e *types.WatchedEntity) ([]*types.Bar, error)
	Ticks(ctx context.Context, e *types.WatchedEntity) ([]*types.Tick, error)
}

// Admission tells whether this node may consume
type Admission interface {
	CanConsume(ctx context.Context) bool
}

// Config sizes the worker
type Config struct {
	Node         string
	Topics       []string
	Concurrency  int
	BatchSize    int
	ProcessedTTL time.Duration
	// ReclaimEvery is how often this worker sweeps for abandoned entries
	ReclaimEvery time.Duration
	// IdleBackoff is the pause after a read error or while denylisted
	IdleBackoff time.Duration
}

// Deps are the collaborators of a worker
type Deps struct {
	Client  redis.UniversalClient
	Queue   Queue
	Status  StatusWriter
	Rearm   Rearmer
	Locker  EntityLocker
	Fetcher Fetcher
	Store   storage.Store
	Gate    Admission
	Broker  *events.Broker
}

// Worker consumes refresh tasks with a bounded pool
type Worker struct {
	cfg  Config
	deps Deps
	sem  *semaphore.Weighted

	logger zerolog.Logger

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// outcome is the result of one task
type outcome struct {
	status types.LeaseStatus
	result string
	rearm  bool
}

// NewWorker creates a worker
func NewWorker(cfg Config, deps Deps) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = 2 * time.Hour
	}
	if cfg.ReclaimEvery <= 0 {
		cfg.ReclaimEvery = time.Minute
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = time.Second
	}
	if len(cfg.Topics) == 0 {
		for _, t := range types.AllTaskTypes {
			cfg.Topics = append(cfg.Topics, t.Topic())
		}
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		sem:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: log.WithComponent("worker").With().Str("node", cfg.Node).Logger(),
	}
}

// Start begins consuming in the background
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	w.logger.Info().
		Strs("topics", w.cfg.Topics).
		Int("concurrency", w.cfg.Concurrency).
		Msg("worker started")
}

// Stop stops polling and waits for in-flight tasks to finish
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.inflight.Wait()
	w.logger.Info().Msg("worker stopped")
}

// run reads only as many tasks as there are free pool slots and hands each
// to its own goroutine. A slow task holds one slot and never stalls reading.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	var lastReclaim time.Time
	for ctx.Err() == nil {
		if !w.deps.Gate.CanConsume(ctx) {
			w.sleep(ctx)
			continue
		}

		for _, topic := range w.cfg.Topics {
			if _, err := w.deps.Queue.PromoteDue(ctx, topic); err != nil && ctx.Err() == nil {
				w.logger.Warn().Err(err).Str("topic", topic).Msg("failed to promote delayed tasks")
			}
		}

		if time.Since(lastReclaim) >= w.cfg.ReclaimEvery {
			lastReclaim = time.Now()
			w.reclaim(ctx)
		}

		held := w.reserve(ctx)
		if held == 0 {
			continue
		}
		msgs, err := w.deps.Queue.Read(ctx, w.cfg.Topics, held)
		if err != nil {
			w.sem.Release(int64(held))
			if ctx.Err() == nil {
				w.logger.Warn().Err(err).Msg("failed to read tasks")
				w.sleep(ctx)
			}
			continue
		}
		w.dispatch(ctx, msgs, held, &w.inflight)
	}
}

// reserve waits for one free slot, then takes any others that are free, up
// to the batch size. It returns 0 when ctx ends.
func (w *Worker) reserve(ctx context.Context) int {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0
	}
	held := 1
	for held < w.cfg.BatchSize && w.sem.TryAcquire(1) {
		held++
	}
	return held
}

func (w *Worker) reclaim(ctx context.Context) {
	for _, topic := range w.cfg.Topics {
		msgs, err := w.deps.Queue.Reclaim(ctx, topic, w.cfg.BatchSize)
		if err != nil {
			w.logger.Warn().Err(err).Str("topic", topic).Msg("failed to reclaim tasks")
			continue
		}
		if len(msgs) > 0 {
			w.logger.Info().Str("topic", topic).Int("count", len(msgs)).Msg("reclaimed abandoned tasks")
			w.dispatch(ctx, msgs, 0, &w.inflight)
		}
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-time.After(w.cfg.IdleBackoff):
	case <-ctx.Done():
	}
}

// dispatch starts a goroutine per message. The caller already holds held
// pool slots; messages beyond that wait for a slot of their own, since a
// read over several partitions can return more than was asked for.
// Messages left over when ctx ends stay pending and are reclaimed later.
func (w *Worker) dispatch(ctx context.Context, msgs []queue.Message, held int, wg *sync.WaitGroup) {
	taskCtx := context.WithoutCancel(ctx)
	for i, msg := range msgs {
		if i >= held {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.sem.Release(1)
			w.Handle(taskCtx, msg)
		}()
	}
	if held > len(msgs) {
		w.sem.Release(int64(held - len(msgs)))
	}
}

// ProcessBatch handles messages concurrently, bounded by the pool size, and
// returns when all of them are done. A failing task never affects the
// others. Tasks already started run to completion even if ctx is cancelled.
func (w *Worker) ProcessBatch(ctx context.Context, msgs []queue.Message) {
	var wg sync.WaitGroup
	w.dispatch(ctx, msgs, 0, &wg)
	wg.Wait()
}

// Handle runs one task to completion, records the outcome, re-arms looped
// tasks and acknowledges the message
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	task := msg.Task
	topic := task.Type.Topic()
	logger := w.logger.With().
		Str("task_id", task.ID).
		Str("entity", task.EntityCode).
		Str("trace_id", task.TraceID).
		Logger()

	ctx, span := telemetry.Tracer("worker").Start(ctx, "task.process")
	span.SetAttributes(
		attribute.String("task.type", string(task.Type)),
		attribute.String("entity", task.EntityCode),
		attribute.String("trace_id", task.TraceID),
	)
	defer span.End()

	timer := metrics.NewTimer()
	out := w.process(ctx, task)
	timer.ObserveDurationVec(metrics.TaskDuration, topic)
	metrics.TasksProcessed.WithLabelValues(topic, string(out.status)).Inc()

	switch out.status {
	case types.LeaseStatusFailed:
		span.SetStatus(codes.Error, out.result)
		logger.Warn().Str("result", out.result).Msg("task failed")
		w.deps.Broker.Emit(events.EventTaskFailed, out.result, "entity", task.EntityCode, "type", string(task.Type))
	case types.LeaseStatusSkipped:
		logger.Debug().Str("result", out.result).Msg("task skipped")
		w.deps.Broker.Emit(events.EventTaskSkipped, out.result, "entity", task.EntityCode, "type", string(task.Type))
	default:
		logger.Debug().Str("result", out.result).Msg("task done")
	}

	if out.rearm && task.Type.Looped() {
		if _, _, err := w.deps.Rearm.Rearm(ctx, task); err != nil {
			// the lease will lapse and the watchdog restarts the loop
			logger.Error().Err(err).Msg("failed to re-arm loop")
		}
	}

	if err := w.deps.Queue.Ack(ctx, msg); err != nil {
		logger.Warn().Err(err).Msg("failed to ack task")
	}
}

func (w *Worker) process(ctx context.Context, task *types.RefreshTask) outcome {
	processedKey := redisstore.ProcessedKey(task.ID)
	if n, err := w.deps.Client.Exists(ctx, processedKey).Result(); err == nil && n > 0 {
		w.record(ctx, task, types.LeaseStatusSkipped, "duplicate delivery", time.Time{})
		return outcome{status: types.LeaseStatusSkipped, result: "duplicate delivery"}
	}

	lockName := guardName(task)
	ok, err := w.deps.Locker.TryAcquire(ctx, lockName)
	if err != nil {
		return outcome{status: types.LeaseStatusFailed, result: err.Error(), rearm: true}
	}
	if !ok {
		// the holder is running this entity and type and re-arms it itself
		w.record(ctx, task, types.LeaseStatusSkipped, "entity busy", time.Time{})
		return outcome{status: types.LeaseStatusSkipped, result: "entity busy"}
	}
	defer w.deps.Locker.Release(context.WithoutCancel(ctx), lockName)

	started := time.Now()
	w.record(ctx, task, types.LeaseStatusRunning, "", started)

	result, err := w.execute(ctx, task)
	var out outcome
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// entity left the watch-list; let the loop end
		out = outcome{status: types.LeaseStatusFailed, result: err.Error()}
	case errors.Is(err, fetch.ErrNoData):
		out = outcome{status: types.LeaseStatusSkipped, result: err.Error(), rearm: true}
	case err != nil:
		out = outcome{status: types.LeaseStatusFailed, result: err.Error(), rearm: true}
	default:
		out = outcome{status: types.LeaseStatusSuccess, result: result, rearm: true}
		if err := w.deps.Client.Set(ctx, processedKey, w.cfg.Node, w.cfg.ProcessedTTL).Err(); err != nil {
			w.logger.Debug().Err(err).Str("task_id", task.ID).Msg("failed to mark task processed")
		}
	}

	w.record(ctx, task, out.status, out.result, started)
	return out
}

// execute fetches and persists one task, returning a result summary
func (w *Worker) execute(ctx context.Context, task *types.RefreshTask) (string, error) {
	entity, err := w.deps.Store.GetEntity(ctx, task.EntityCode)
	if err != nil {
		return "", err
	}

	switch task.Type {
	case types.TaskTypeRefreshPrice, types.TaskTypeETF:
		fetchQuote := w.deps.Fetcher.Quote
		if task.Type == types.TaskTypeETF {
			fetchQuote = w.deps.Fetcher.ETFQuote
		}
		q, err := fetchQuote(ctx, entity)
		if err != nil {
			return "", err
		}
		if err := w.deps.Store.UpsertQuotes(ctx, []*types.Quote{q}); err != nil {
			return "", fmt.Errorf("failed to store quote: %w", err)
		}
		err = w.deps.Store.UpdateEntity(ctx, entity.Code, func(e *types.WatchedEntity) error {
			e.ApplyQuote(q)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to update entity: %w", err)
		}
		return "price=" + q.Price.String(), nil

	case types.TaskTypeKline:
		bars, err := w.deps.Fetcher.Klines(ctx, entity)
		if err != nil {
			return "", err
		}
		if err := w.deps.Store.UpsertBars(ctx, bars); err != nil {
			return "", fmt.Errorf("failed to store bars: %w", err)
		}
		return fmt.Sprintf("bars=%d", len(bars)), nil

	case types.TaskTypeTick:
		ticks, err := w.deps.Fetcher.Ticks(ctx, entity)
		if err != nil {
			return "", err
		}
		if err := w.deps.Store.UpsertTicks(ctx, ticks); err != nil {
			return "", fmt.Errorf("failed to store ticks: %w", err)
		}
		return fmt.Sprintf("ticks=%d", len(ticks)), nil

	default:
		return "", fmt.Errorf("unknown task type %s", task.Type)
	}
}

// guardName is the lock serializing refreshes of one entity and task type.
// Different task types of an entity run side by side.
func guardName(task *types.RefreshTask) string {
	return "entity:" + task.EntityCode + ":" + string(task.Type)
}

func (w *Worker) record(ctx context.Context, task *types.RefreshTask, status types.LeaseStatus, result string, acquired time.Time) {
	err := w.deps.Status.PutStatus(ctx, &types.EntityLease{
		EntityCode: task.EntityCode,
		TaskType:   task.Type,
		Status:     status,
		Node:       w.cfg.Node,
		AcquiredAt: acquired,
		LastResult: result,
		TraceID:    task.TraceID,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		w.logger.Warn().Err(err).Str("task_id", task.ID).Str("status", string(status)).Msg("failed to record status")
	}
}
