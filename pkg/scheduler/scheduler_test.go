package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/heron/pkg/admission"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaster struct{ master atomic.Bool }

func (m *fakeMaster) IsMaster() bool { return m.master.Load() }

func newGate(t *testing.T, self string) (*miniredis.Miniredis, *admission.Gate) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, admission.NewGate(client, self)
}

type recordingFanout struct {
	mu    sync.Mutex
	calls map[types.TaskType][]string
	trace map[types.TaskType]string
}

func (f *recordingFanout) Fanout(ctx context.Context, codes []string, tt types.TaskType, trace string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[types.TaskType][]string)
		f.trace = make(map[types.TaskType]string)
	}
	f.calls[tt] = append(f.calls[tt], codes...)
	f.trace[tt] = trace
	return len(codes), nil
}

func (f *recordingFanout) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c)
	}
	return n
}

func newWatchList(t *testing.T) *storage.BoltStore {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, e := range []*types.WatchedEntity{
		{Code: "600519", Kind: types.EntityKindStock},
		{Code: "000001", Kind: types.EntityKindStock},
		{Code: "510300", Kind: types.EntityKindETF},
	} {
		require.NoError(t, store.SaveEntity(ctx, e))
	}
	return store
}

func TestDenylistVetoesScans(t *testing.T) {
	mr, gate := newGate(t, "10.0.0.1")
	master := &fakeMaster{}
	master.master.Store(true)
	fanout := &recordingFanout{}
	scans := NewScans(newWatchList(t), fanout, nil)

	s := NewScheduler(master, gate)
	defer s.Stop()
	require.NoError(t, s.Register(JobScanKline, time.Hour, scans.Kline))

	require.NoError(t, gate.Add(context.Background(), "10.0.0.1"))
	require.True(t, s.Trigger(JobScanKline))
	assert.Equal(t, 0, fanout.published(), "denylisted master must not produce")

	require.NoError(t, gate.Remove(context.Background(), "10.0.0.1"))
	s.Trigger(JobScanKline)
	assert.Equal(t, 3, fanout.published())

	// unreadable denylist fails closed
	mr.Close()
	s.Trigger(JobScanKline)
	assert.Equal(t, 3, fanout.published())
}

func TestNonMasterDoesNotRun(t *testing.T) {
	_, gate := newGate(t, "10.0.0.2")
	master := &fakeMaster{}

	var runs atomic.Int32
	s := NewScheduler(master, gate)
	defer s.Stop()
	require.NoError(t, s.Register(JobWatchdog, time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))

	s.Trigger(JobWatchdog)
	assert.Equal(t, int32(0), runs.Load())

	master.master.Store(true)
	s.Trigger(JobWatchdog)
	assert.Equal(t, int32(1), runs.Load())
}

func TestJobFailuresDoNotEscape(t *testing.T) {
	_, gate := newGate(t, "10.0.0.1")
	master := &fakeMaster{}
	master.master.Store(true)

	s := NewScheduler(master, gate)
	defer s.Stop()
	require.NoError(t, s.Register("boom", time.Hour, func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, s.Register("panic", time.Hour, func(ctx context.Context) error {
		panic("bad job")
	}))

	assert.NotPanics(t, func() {
		s.Trigger("boom")
		s.Trigger("panic")
	})
	assert.False(t, s.Trigger("missing"))
}

func TestRegister(t *testing.T) {
	_, gate := newGate(t, "10.0.0.1")
	s := NewScheduler(&fakeMaster{}, gate)
	defer s.Stop()

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, s.Register(JobScanTick, time.Minute, noop))
	assert.Error(t, s.Register(JobScanTick, time.Minute, noop), "duplicate name")
	require.NoError(t, s.Register(JobScanETF, 0, noop), "zero interval disables")

	assert.Equal(t, []string{JobScanTick}, s.Jobs())
}

func TestScheduledRunsOnMaster(t *testing.T) {
	_, gate := newGate(t, "10.0.0.1")
	master := &fakeMaster{}
	master.master.Store(true)

	var runs atomic.Int32
	s := NewScheduler(master, gate)
	require.NoError(t, s.Register(JobStatusCleanup, 50*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestScanFilters(t *testing.T) {
	fanout := &recordingFanout{}
	scans := NewScans(newWatchList(t), fanout, nil)
	ctx := context.Background()

	require.NoError(t, scans.Kline(ctx))
	require.NoError(t, scans.ETF(ctx))
	require.NoError(t, scans.Tick(ctx))

	assert.ElementsMatch(t, []string{"000001", "510300", "600519"}, fanout.calls[types.TaskTypeKline])
	assert.Equal(t, []string{"510300"}, fanout.calls[types.TaskTypeETF])
	assert.ElementsMatch(t, []string{"000001", "600519"}, fanout.calls[types.TaskTypeTick])

	// one trace per scan, distinct between scans
	assert.Len(t, fanout.trace[types.TaskTypeKline], 32)
	assert.NotEqual(t, fanout.trace[types.TaskTypeKline], fanout.trace[types.TaskTypeTick])
}
