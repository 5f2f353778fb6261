package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/telemetry"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MasterChecker reports local mastership
type MasterChecker interface {
	IsMaster() bool
}

// Gate vetoes scheduling on denylisted nodes
type Gate interface {
	IsBlacklisted(ctx context.Context, addr string) bool
	Self() string
}

// JobFunc is the body of a periodic job
type JobFunc func(ctx context.Context) error

// Scheduler runs named periodic jobs on the master only
type Scheduler struct {
	cron   *gocron.Scheduler
	master MasterChecker
	gate   Gate
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]func()
}

// NewScheduler creates a scheduler
func NewScheduler(master MasterChecker, gate Gate) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   gocron.NewScheduler(time.UTC),
		master: master,
		gate:   gate,
		logger: log.WithComponent("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]func()),
	}
}

// Register adds a job that runs every interval. A job never overlaps with
// itself on this node. A zero interval disables the job.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) error {
	if interval <= 0 {
		s.logger.Info().Str("job", name).Msg("job disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}

	run := s.guard(name, fn)
	if _, err := s.cron.Every(interval).Name(name).SingletonMode().Do(run); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.jobs[name] = run
	s.logger.Info().Str("job", name).Dur("interval", interval).Msg("job registered")
	return nil
}

// guard wraps a job so it runs only on a non-denylisted master, and so an
// error or panic never escapes into the cron runner
func (s *Scheduler) guard(name string, fn JobFunc) func() {
	return func() {
		if !s.master.IsMaster() {
			return
		}
		if s.gate.IsBlacklisted(s.ctx, s.gate.Self()) {
			return
		}

		ctx, span := telemetry.Tracer("scheduler").Start(s.ctx, name)
		span.SetAttributes(attribute.String("job", name))
		defer span.End()

		defer func() {
			if r := recover(); r != nil {
				span.SetStatus(codes.Error, "panic")
				s.logger.Error().Str("job", name).Interface("panic", r).Msg("job panicked")
			}
		}()

		if err := fn(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error().Err(err).Str("job", name).Msg("job failed")
		}
	}
}

// Trigger runs a registered job now, through the same guards as a
// scheduled run. It reports whether the job exists.
func (s *Scheduler) Trigger(name string) bool {
	s.mu.Lock()
	run, ok := s.jobs[name]
	s.mu.Unlock()
	if ok {
		run()
	}
	return ok
}

// Jobs returns the registered job names
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start begins running jobs in the background
func (s *Scheduler) Start() {
	s.cron.StartAsync()
	s.logger.Info().Int("jobs", len(s.Jobs())).Msg("scheduler started")
}

// Stop stops scheduling and cancels running jobs
func (s *Scheduler) Stop() {
	s.cancel()
	s.cron.Stop()
	s.logger.Info().Msg("scheduler stopped")
}
