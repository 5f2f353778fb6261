package health

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/rs/zerolog"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often a dependency is probed and how many failures
// mark it unhealthy
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int
}

// DefaultConfig probes every 30s and tolerates two failures
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks the current health of one dependency
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

// NewStatus creates a status that assumes health until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a new result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// Prober periodically checks external dependencies of a node and reports
// them as health components
type Prober struct {
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	checkers map[string]Checker
	statuses map[string]*Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber creates a prober
func NewProber(config Config) *Prober {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries < 1 {
		config.Retries = def.Retries
	}
	return &Prober{
		config:   config,
		logger:   log.WithComponent("health"),
		checkers: make(map[string]Checker),
		statuses: make(map[string]*Status),
	}
}

// Add registers a checker under a component name
func (p *Prober) Add(name string, c Checker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkers[name] = c
	p.statuses[name] = NewStatus()
}

// Start probes once, then on every interval
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		p.CheckAll(ctx)
		for {
			select {
			case <-ticker.C:
				p.CheckAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends probing
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// CheckAll runs every checker once and publishes the outcome
func (p *Prober) CheckAll(ctx context.Context) {
	p.mu.Lock()
	names := make([]string, 0, len(p.checkers))
	for name := range p.checkers {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.check(ctx, name)
	}
}

func (p *Prober) check(ctx context.Context, name string) {
	p.mu.Lock()
	checker := p.checkers[name]
	p.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	result := checker.Check(checkCtx)
	cancel()

	p.mu.Lock()
	status := p.statuses[name]
	was := status.Healthy
	status.Update(result, p.config)
	healthy := status.Healthy
	p.mu.Unlock()

	if was != healthy {
		if healthy {
			p.logger.Info().Str("dependency", name).Msg("dependency recovered")
		} else {
			p.logger.Warn().Str("dependency", name).Str("result", result.Message).Msg("dependency unhealthy")
		}
	}
	msg := ""
	if !healthy {
		msg = result.Message
	}
	metrics.UpdateComponent(name, healthy, msg)
}

// Status returns a copy of the named dependency's status
func (p *Prober) Status(name string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.statuses[name]
	if !ok {
		return Status{}, false
	}
	return *s, true
}
