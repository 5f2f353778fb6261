package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/heron/pkg/admission"
	"github.com/cuemby/heron/pkg/dispatch"
	"github.com/cuemby/heron/pkg/fetch"
	"github.com/cuemby/heron/pkg/lease"
	"github.com/cuemby/heron/pkg/lock"
	"github.com/cuemby/heron/pkg/queue"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNode = "10.0.0.1:8080"

type fakeFetcher struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
	// block holds a fetch of "<kind>:<code>" until the channel is closed
	block map[string]chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{fail: map[string]error{}, calls: map[string]int{}, block: map[string]chan struct{}{}}
}

func (f *fakeFetcher) hit(kind, code string) error {
	f.mu.Lock()
	f.calls[code]++
	err := f.fail[code]
	block := f.block[kind+":"+code]
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (f *fakeFetcher) hold(kind, code string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.block[kind+":"+code] = ch
	return ch
}

func (f *fakeFetcher) count(code string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[code]
}

func (f *fakeFetcher) Quote(ctx context.Context, e *types.WatchedEntity) (*types.Quote, error) {
	if err := f.hit("quote", e.Code); err != nil {
		return nil, err
	}
	return &types.Quote{
		Code:       e.Code,
		TradeDate:  "2026-10-16",
		Price:      decimal.RequireFromString("12.34"),
		ObservedAt: time.Now(),
	}, nil
}

func (f *fakeFetcher) ETFQuote(ctx context.Context, e *types.WatchedEntity) (*types.Quote, error) {
	return f.Quote(ctx, e)
}

func (f *fakeFetcher) Klines(ctx context.Context, e *types.WatchedEntity) ([]*types.Bar, error) {
	if err := f.hit("kline", e.Code); err != nil {
		return nil, err
	}
	return []*types.Bar{
		{Code: e.Code, Period: "day", Date: "2026-10-15", Close: decimal.NewFromInt(10)},
		{Code: e.Code, Period: "day", Date: "2026-10-16", Close: decimal.NewFromInt(11)},
	}, nil
}

func (f *fakeFetcher) Ticks(ctx context.Context, e *types.WatchedEntity) ([]*types.Tick, error) {
	if err := f.hit("tick", e.Code); err != nil {
		return nil, err
	}
	return []*types.Tick{{Code: e.Code, Time: time.Now(), Price: decimal.NewFromInt(10), Volume: 100}}, nil
}

type fixture struct {
	mr         *miniredis.Miniredis
	client     *redis.Client
	queue      *queue.Queue
	leases     *lease.Store
	dispatcher *dispatch.Dispatcher
	gate       *admission.Gate
	store      *storage.BoltStore
	fetcher    *fakeFetcher
	worker     *Worker
}

func newFixture(t *testing.T, codes ...string) *fixture {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, code := range codes {
		require.NoError(t, store.SaveEntity(ctx, &types.WatchedEntity{Code: code, Market: "1"}))
	}

	q := queue.New(client, queue.Options{Partitions: 2, Consumer: testNode, Block: 10 * time.Millisecond})
	leases := lease.NewStore(client, lease.DefaultOptions())
	d := dispatch.New(q, leases, time.Hour)
	gate := admission.NewGate(client, testNode)
	locker := lock.New(client, lock.DefaultOptions(testNode))
	fetcher := newFakeFetcher()

	w := NewWorker(Config{
		Node:        testNode,
		Concurrency: 4,
		BatchSize:   20,
		IdleBackoff: 10 * time.Millisecond,
	}, Deps{
		Client:  client,
		Queue:   q,
		Status:  leases,
		Rearm:   d,
		Locker:  locker,
		Fetcher: fetcher,
		Store:   store,
		Gate:    gate,
	})

	return &fixture{
		mr:         mr,
		client:     client,
		queue:      q,
		leases:     leases,
		dispatcher: d,
		gate:       gate,
		store:      store,
		fetcher:    fetcher,
		worker:     w,
	}
}

func codesN(n int) []string {
	codes := make([]string, n)
	for i := range codes {
		codes[i] = fmt.Sprintf("%06d", i+1)
	}
	return codes
}

func (f *fixture) read(t *testing.T, taskType types.TaskType) []queue.Message {
	t.Helper()
	msgs, err := f.queue.Read(context.Background(), []string{taskType.Topic()}, 100)
	require.NoError(t, err)
	return msgs
}

func (f *fixture) pending(t *testing.T, taskType types.TaskType) int64 {
	t.Helper()
	var total int64
	for _, stream := range f.queue.Streams(taskType.Topic()) {
		p, err := f.client.XPending(context.Background(), stream, queue.DefaultGroup).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		require.NoError(t, err)
		total += p.Count
	}
	return total
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	codes := codesN(10)
	f := newFixture(t, codes...)
	ctx := context.Background()
	f.fetcher.fail["000005"] = errors.New("upstream exploded")

	var traces []string
	for _, code := range codes {
		task, err := f.dispatcher.Seed(ctx, code, types.TaskTypeKline, dispatch.OriginScan)
		require.NoError(t, err)
		traces = append(traces, task.TraceID)
	}

	msgs := f.read(t, types.TaskTypeKline)
	require.Len(t, msgs, 10)
	f.worker.ProcessBatch(ctx, msgs)

	for i, code := range codes {
		status, err := f.leases.GetStatus(ctx, code, types.TaskTypeKline, traces[i])
		require.NoError(t, err)
		assert.Equal(t, testNode, status.Node)
		if code == "000005" {
			assert.Equal(t, types.LeaseStatusFailed, status.Status)
			assert.Contains(t, status.LastResult, "upstream exploded")
			continue
		}
		assert.Equal(t, types.LeaseStatusSuccess, status.Status, code)
		assert.Equal(t, "bars=2", status.LastResult)

		bars, err := f.store.ListBars(ctx, code, "day", time.Time{})
		require.NoError(t, err)
		assert.Len(t, bars, 2)
	}

	bars, err := f.store.ListBars(ctx, "000005", "day", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, bars)
	assert.Zero(t, f.pending(t, types.TaskTypeKline), "every task is acknowledged")
}

func TestLoopedTasksRearmEvenOnFailure(t *testing.T) {
	codes := codesN(10)
	f := newFixture(t, codes...)
	ctx := context.Background()
	f.fetcher.fail["000005"] = errors.New("timeout")

	for _, code := range codes {
		_, err := f.dispatcher.Seed(ctx, code, types.TaskTypeRefreshPrice, dispatch.OriginSeed)
		require.NoError(t, err)
	}

	msgs := f.read(t, types.TaskTypeRefreshPrice)
	require.Len(t, msgs, 10)
	f.worker.ProcessBatch(ctx, msgs)

	for _, code := range codes {
		n, err := f.store.QuoteCount(code)
		require.NoError(t, err)
		if code == "000005" {
			assert.Zero(t, n)
			continue
		}
		assert.Equal(t, 1, n, code)

		e, err := f.store.GetEntity(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, "12.34", e.Price.String())
	}

	delayed, err := f.client.ZCard(ctx, redisstore.DelayedKey(types.TaskTypeRefreshPrice.Topic())).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 10, delayed, "every loop continues after the rearm delay")
	assert.Zero(t, f.pending(t, types.TaskTypeRefreshPrice))
}

func TestBulkTasksAreNotRearmed(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()

	_, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeTick, dispatch.OriginScan)
	require.NoError(t, err)
	f.worker.ProcessBatch(ctx, f.read(t, types.TaskTypeTick))

	n, err := f.store.TickCount("600519")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	delayed, err := f.client.ZCard(ctx, redisstore.DelayedKey(types.TaskTypeTick.Topic())).Result()
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestDuplicateDeliveryIsSkipped(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()

	_, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeKline, dispatch.OriginScan)
	require.NoError(t, err)
	msgs := f.read(t, types.TaskTypeKline)
	require.Len(t, msgs, 1)

	f.worker.Handle(ctx, msgs[0])
	f.worker.Handle(ctx, msgs[0])

	assert.Equal(t, 1, f.fetcher.count("600519"), "second delivery must not hit upstream")
	status, err := f.leases.GetStatus(ctx, "600519", types.TaskTypeKline, msgs[0].Task.TraceID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStatusSkipped, status.Status)
	assert.Equal(t, "duplicate delivery", status.LastResult)
}

func (f *fixture) holdGuard(t *testing.T, code string, taskType types.TaskType) {
	t.Helper()
	name := guardName(&types.RefreshTask{EntityCode: code, Type: taskType})
	other := lock.New(f.client, lock.DefaultOptions("10.0.0.2:8080"))
	ok, err := other.TryAcquire(context.Background(), name)
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { other.Release(context.Background(), name) })
}

func TestBusyEntityIsSkipped(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()
	f.holdGuard(t, "600519", types.TaskTypeKline)

	task, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeKline, dispatch.OriginScan)
	require.NoError(t, err)
	f.worker.ProcessBatch(ctx, f.read(t, types.TaskTypeKline))

	assert.Zero(t, f.fetcher.count("600519"))
	status, err := f.leases.GetStatus(ctx, "600519", types.TaskTypeKline, task.TraceID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStatusSkipped, status.Status)
	assert.Equal(t, "entity busy", status.LastResult)
}

func TestBusyLoopTaskIsDropped(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()
	f.holdGuard(t, "600519", types.TaskTypeRefreshPrice)

	_, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)
	f.worker.ProcessBatch(ctx, f.read(t, types.TaskTypeRefreshPrice))

	assert.Zero(t, f.fetcher.count("600519"))
	delayed, err := f.client.ZCard(ctx, redisstore.DelayedKey(types.TaskTypeRefreshPrice.Topic())).Result()
	require.NoError(t, err)
	assert.Zero(t, delayed, "the task holding the entity continues the loop")
}

func TestTaskTypesOfOneEntityRunSideBySide(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()
	release := f.fetcher.hold("kline", "600519")

	kline, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeKline, dispatch.OriginScan)
	require.NoError(t, err)
	klineMsgs := f.read(t, types.TaskTypeKline)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.worker.ProcessBatch(ctx, klineMsgs)
	}()
	require.Eventually(t, func() bool { return f.fetcher.count("600519") == 1 }, 5*time.Second, 10*time.Millisecond)

	// the price loop is not held up by the slow kline fetch
	_, err = f.dispatcher.Seed(ctx, "600519", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)
	f.worker.ProcessBatch(ctx, f.read(t, types.TaskTypeRefreshPrice))

	n, err := f.store.QuoteCount("600519")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	e, err := f.store.GetEntity(ctx, "600519")
	require.NoError(t, err)
	assert.Equal(t, "12.34", e.Price.String())

	close(release)
	<-done
	status, err := f.leases.GetStatus(ctx, "600519", types.TaskTypeKline, kline.TraceID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStatusSuccess, status.Status)
}

func TestRedeliveredLoopTaskRearmsOnce(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()
	f.fetcher.fail["600519"] = errors.New("timeout")

	_, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)
	msgs := f.read(t, types.TaskTypeRefreshPrice)
	require.Len(t, msgs, 1)

	// the first ack was lost and the same entry comes back
	f.worker.Handle(ctx, msgs[0])
	f.worker.Handle(ctx, msgs[0])

	assert.Equal(t, 2, f.fetcher.count("600519"), "a failed task is retried on redelivery")
	delayed, err := f.client.ZCard(ctx, redisstore.DelayedKey(types.TaskTypeRefreshPrice.Topic())).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, delayed, "the loop continues exactly once")
}

func TestNoDataIsSkipped(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()
	f.fetcher.fail["600519"] = fetch.ErrNoData

	task, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeTick, dispatch.OriginScan)
	require.NoError(t, err)
	f.worker.ProcessBatch(ctx, f.read(t, types.TaskTypeTick))

	status, err := f.leases.GetStatus(ctx, "600519", types.TaskTypeTick, task.TraceID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStatusSkipped, status.Status)
}

func TestSupersededLoopIsNotRearmed(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()

	_, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)
	msgs := f.read(t, types.TaskTypeRefreshPrice)
	require.Len(t, msgs, 1)

	// a newer loop takes over before the old task completes
	require.NoError(t, f.leases.Refresh(ctx, "600519", dispatch.NewTraceID()))
	f.worker.ProcessBatch(ctx, msgs)

	delayed, err := f.client.ZCard(ctx, redisstore.DelayedKey(types.TaskTypeRefreshPrice.Topic())).Result()
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestMissingEntityEndsLoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.dispatcher.Seed(ctx, "999999", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)
	f.worker.ProcessBatch(ctx, f.read(t, types.TaskTypeRefreshPrice))

	status, err := f.leases.GetStatus(ctx, "999999", types.TaskTypeRefreshPrice, task.TraceID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStatusFailed, status.Status)

	delayed, err := f.client.ZCard(ctx, redisstore.DelayedKey(types.TaskTypeRefreshPrice.Topic())).Result()
	require.NoError(t, err)
	assert.Zero(t, delayed)
}

func TestStartConsumesAndStops(t *testing.T) {
	f := newFixture(t, "600519", "000001")
	ctx := context.Background()

	f.worker.Start(ctx)
	_, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)
	_, err = f.dispatcher.Seed(ctx, "000001", types.TaskTypeKline, dispatch.OriginScan)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return f.fetcher.count("600519") == 1 && f.fetcher.count("000001") == 1
	}, 5*time.Second, 20*time.Millisecond)

	f.worker.Stop()
}

func TestSlowTaskDoesNotStallConsumption(t *testing.T) {
	f := newFixture(t, "000001", "600519")
	ctx := context.Background()
	release := f.fetcher.hold("kline", "000001")

	f.worker.Start(ctx)
	_, err := f.dispatcher.Seed(ctx, "000001", types.TaskTypeKline, dispatch.OriginScan)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.fetcher.count("000001") == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err = f.dispatcher.Seed(ctx, "600519", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return f.fetcher.count("600519") == 1
	}, 5*time.Second, 10*time.Millisecond, "price refresh must run while the kline fetch is still retrying")

	close(release)
	f.worker.Stop()
}

func TestDenylistedNodeDoesNotConsume(t *testing.T) {
	f := newFixture(t, "600519")
	ctx := context.Background()
	require.NoError(t, f.gate.Add(ctx, testNode))

	f.worker.Start(ctx)
	_, err := f.dispatcher.Seed(ctx, "600519", types.TaskTypeRefreshPrice, dispatch.OriginSeed)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, f.fetcher.count("600519"))

	require.NoError(t, f.gate.Remove(ctx, testNode))
	assert.Eventually(t, func() bool {
		return f.fetcher.count("600519") == 1
	}, 5*time.Second, 20*time.Millisecond)

	f.worker.Stop()
}
