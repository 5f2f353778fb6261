package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher puts tasks on the queue
type Publisher interface {
	Publish(ctx context.Context, task *types.RefreshTask) error
	PublishAfter(ctx context.Context, task *types.RefreshTask, delay time.Duration) error
}

// Leases is the lease store surface used when enqueuing
type Leases interface {
	Refresh(ctx context.Context, entity, trace string) error
	Current(ctx context.Context, entity string) (string, bool, error)
	PutStatus(ctx context.Context, l *types.EntityLease) error
	ClaimRearm(ctx context.Context, taskID string) (bool, error)
	ReleaseRearm(ctx context.Context, taskID string)
}

// Origins label published tasks in metrics and logs
const (
	OriginSeed   = "seed"
	OriginRearm  = "rearm"
	OriginScan   = "scan"
	OriginManual = "manual"
)

// Dispatcher enqueues refresh tasks and keeps leases in step with them
type Dispatcher struct {
	queue      Publisher
	leases     Leases
	rearmDelay time.Duration
	logger     zerolog.Logger
}

// New creates a dispatcher. rearmDelay spaces consecutive iterations of a
// looped entity.
func New(queue Publisher, leases Leases, rearmDelay time.Duration) *Dispatcher {
	return &Dispatcher{
		queue:      queue,
		leases:     leases,
		rearmDelay: rearmDelay,
		logger:     log.WithComponent("dispatch"),
	}
}

// NewTraceID returns a fresh trace id
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Seed starts a new loop (or one-shot task) for an entity under a new trace
func (d *Dispatcher) Seed(ctx context.Context, code string, taskType types.TaskType, origin string) (*types.RefreshTask, error) {
	return d.Submit(ctx, code, taskType, NewTraceID(), 0, origin)
}

// Rearm enqueues the next iteration of a looped task. It returns false
// without enqueuing when the task type does not loop, when a newer trace
// has taken over the entity, or when this task id has already re-armed.
func (d *Dispatcher) Rearm(ctx context.Context, prev *types.RefreshTask) (*types.RefreshTask, bool, error) {
	if !prev.Type.Looped() {
		return nil, false, nil
	}

	current, ok, err := d.leases.Current(ctx, prev.EntityCode)
	if err != nil {
		return nil, false, err
	}
	if ok && current != prev.TraceID {
		d.logger.Debug().
			Str("entity", prev.EntityCode).
			Str("trace_id", prev.TraceID).
			Str("current", current).
			Msg("loop superseded, not re-arming")
		return nil, false, nil
	}

	claimed, err := d.leases.ClaimRearm(ctx, prev.ID)
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		d.logger.Debug().
			Str("entity", prev.EntityCode).
			Str("task_id", prev.ID).
			Msg("task already re-armed")
		return nil, false, nil
	}

	next, err := d.Submit(ctx, prev.EntityCode, prev.Type, prev.TraceID, d.rearmDelay, OriginRearm)
	if err != nil {
		d.leases.ReleaseRearm(context.WithoutCancel(ctx), prev.ID)
		return nil, false, err
	}
	return next, true, nil
}

// Submit creates a task, records it as WAITING and publishes it after delay.
// Looped task types also refresh the entity's liveness lease.
func (d *Dispatcher) Submit(ctx context.Context, code string, taskType types.TaskType, trace string, delay time.Duration, origin string) (*types.RefreshTask, error) {
	now := time.Now()
	task := &types.RefreshTask{
		ID:         uuid.NewString(),
		EntityCode: code,
		Type:       taskType,
		TraceID:    trace,
		CreatedAt:  now,
	}

	if taskType.Looped() {
		if err := d.leases.Refresh(ctx, code, trace); err != nil {
			return nil, err
		}
	}

	if err := d.leases.PutStatus(ctx, &types.EntityLease{
		EntityCode: code,
		TaskType:   taskType,
		Status:     types.LeaseStatusWaiting,
		TraceID:    trace,
		UpdatedAt:  now,
	}); err != nil {
		// the status record is informational; the task still goes out
		d.logger.Warn().Err(err).Str("entity", code).Msg("failed to record waiting status")
	}

	if err := d.queue.PublishAfter(ctx, task, delay); err != nil {
		return nil, err
	}

	metrics.TasksPublished.WithLabelValues(taskType.Topic(), origin).Inc()
	return task, nil
}

// Fanout publishes one task per entity under a shared trace. A failure for
// one entity does not stop the others; failures are returned joined.
func (d *Dispatcher) Fanout(ctx context.Context, codes []string, taskType types.TaskType, trace string) (int, error) {
	var errs []error
	published := 0
	for _, code := range codes {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if _, err := d.Submit(ctx, code, taskType, trace, 0, OriginScan); err != nil {
			d.logger.Warn().Err(err).Str("entity", code).Str("trace_id", trace).Msg("failed to publish task")
			errs = append(errs, fmt.Errorf("%s: %w", code, err))
			continue
		}
		published++
	}
	return published, errors.Join(errs...)
}
