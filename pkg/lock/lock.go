package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotReady is returned when the locker has no store client yet
var ErrNotReady = errors.New("lock: store client not ready")

var errBusy = errors.New("lock: held by another owner")

// Options tunes lease and retry behaviour
type Options struct {
	// Owner identifies this process in lock values, usually the node address
	Owner string
	// LeaseTTL is how long a lock survives without renewal
	LeaseTTL time.Duration
	// Retries is the number of further attempts after the first one fails
	Retries int
	// RetryStep is the linear backoff unit: step, 2*step, 3*step, ...
	RetryStep time.Duration
	// PollInterval is the gap between attempts while waiting within one attempt
	PollInterval time.Duration
}

// DefaultOptions returns 30s leases with three retries at 1s, 2s, 3s
func DefaultOptions(owner string) Options {
	return Options{
		Owner:        owner,
		LeaseTTL:     30 * time.Second,
		Retries:      3,
		RetryStep:    time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// Locker hands out lease-based cluster locks keyed by job name
type Locker struct {
	client redis.UniversalClient
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	token string
	stop  context.CancelFunc
	done  chan struct{}
}

// New creates a Locker. A nil client is accepted; every acquisition then
// fails with ErrNotReady until the process is wired correctly.
func New(client redis.UniversalClient, opts Options) *Locker {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.RetryStep <= 0 {
		opts.RetryStep = time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &Locker{
		client: client,
		opts:   opts,
		logger: log.WithComponent("lock"),
		held:   make(map[string]*heldLock),
	}
}

// RequiresExternalTransaction is always false: locks live in the
// coordination store, not in a database transaction.
func (l *Locker) RequiresExternalTransaction() bool { return false }

// Acquire obtains the named lock. Each attempt waits up to wait; failed
// attempts are retried Retries times with linear backoff. It returns false
// when another owner kept the lock through every attempt.
func (l *Locker) Acquire(ctx context.Context, name string, wait time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		return false, ErrNotReady
	}

	token := l.newToken()
	key := redisstore.LockKey(name)

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		ok, err := l.tryWithin(ctx, key, token, wait)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, errBusy
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(&linearBackOff{step: l.opts.RetryStep}),
		backoff.WithMaxTries(uint(l.opts.Retries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.logger.Debug().Err(err).Str("lock", name).Dur("retry_in", next).Msg("lock attempt failed")
		}),
	)

	switch {
	case err == nil:
		metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
		l.track(name, key, token)
		l.logger.Debug().Str("lock", name).Int("attempts", attempt).Msg("lock acquired")
		return true, nil
	case errors.Is(err, errBusy):
		metrics.LockAcquisitions.WithLabelValues("busy").Inc()
		l.logger.Info().Str("lock", name).Int("attempts", attempt).Msg("lock busy, another instance is running")
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
}

// TryAcquire makes a single non-blocking attempt
func (l *Locker) TryAcquire(ctx context.Context, name string) (bool, error) {
	if l == nil || l.client == nil {
		return false, ErrNotReady
	}

	token := l.newToken()
	key := redisstore.LockKey(name)
	ok, err := l.client.SetNX(ctx, key, token, l.opts.LeaseTTL).Result()
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues("busy").Inc()
		return false, nil
	}
	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	l.track(name, key, token)
	return true, nil
}

// Release gives up the named lock. It never fails: an expired lock, a lock
// owned by someone else, or an unreachable store is logged and ignored.
func (l *Locker) Release(ctx context.Context, name string) {
	if l == nil || l.client == nil {
		return
	}

	l.mu.Lock()
	h, ok := l.held[name]
	delete(l.held, name)
	l.mu.Unlock()

	if !ok {
		l.logger.Warn().Str("lock", name).Msg("release of a lock this process does not hold")
		return
	}

	h.stop()
	<-h.done

	key := redisstore.LockKey(name)
	res, err := redisstore.CompareAndDelete.Run(ctx, l.client, []string{key}, h.token).Int()
	if err != nil {
		l.logger.Warn().Err(err).Str("lock", name).Msg("lock release failed, store unavailable; lease will expire")
		return
	}
	if res == 1 {
		l.logger.Debug().Str("lock", name).Msg("lock released")
		return
	}

	current, err := l.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		l.logger.Warn().Str("lock", name).Msg("lock already expired before release")
	case err != nil:
		l.logger.Warn().Err(err).Str("lock", name).Msg("lock release check failed")
	default:
		l.logger.Warn().Str("lock", name).Str("holder", holderOf(current)).Msg("lock held by a different owner at release")
	}
}

// RunExclusive runs fn while holding the named lock. ran is false when the
// lock could not be obtained; fn is not called in that case.
func (l *Locker) RunExclusive(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := l.Acquire(ctx, name, wait)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.Release(releaseCtx, name)
	}()
	return true, fn(ctx)
}

// Holder describes the current holder of the named lock, or nil when free
func (l *Locker) Holder(ctx context.Context, name string) (*types.LockRecord, error) {
	if l == nil || l.client == nil {
		return nil, ErrNotReady
	}

	key := redisstore.LockKey(name)
	value, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	ttl, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read lock ttl %s: %w", name, err)
	}

	return &types.LockRecord{
		Name:       name,
		Holder:     holderOf(value),
		AcquiredAt: acquiredAtOf(value),
		TTL:        ttl,
	}, nil
}

// Held returns the names of locks this process currently holds
func (l *Locker) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.held))
	for name := range l.held {
		names = append(names, name)
	}
	return names
}

func (l *Locker) tryWithin(ctx context.Context, key, token string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.LeaseTTL).Result()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, backoff.Permanent(ctx.Err())
		case <-time.After(l.opts.PollInterval):
		}
	}
}

// track records the lock and starts its renewal loop
func (l *Locker) track(name, key, token string) {
	renewCtx, stop := context.WithCancel(context.Background())
	h := &heldLock{token: token, stop: stop, done: make(chan struct{})}

	l.mu.Lock()
	if prev, ok := l.held[name]; ok {
		prev.stop()
	}
	l.held[name] = h
	l.mu.Unlock()

	go l.renew(renewCtx, name, key, h)
}

func (l *Locker) renew(ctx context.Context, name, key string, h *heldLock) {
	defer close(h.done)

	interval := l.opts.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ttlMillis := l.opts.LeaseTTL.Milliseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := redisstore.CompareAndPExpire.Run(ctx, l.client, []string{key}, h.token, ttlMillis).Int()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Warn().Err(err).Str("lock", name).Msg("lock renewal failed")
				continue
			}
			if res == 0 {
				l.logger.Warn().Str("lock", name).Msg("lock lost before release, renewal stopped")
				return
			}
		}
	}
}

func (l *Locker) newToken() string {
	return l.opts.Owner + "|" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "|" + uuid.NewString()
}

func holderOf(token string) string {
	owner, _, _ := strings.Cut(token, "|")
	return owner
}

func acquiredAtOf(token string) time.Time {
	parts := strings.Split(token, "|")
	if len(parts) < 3 {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
