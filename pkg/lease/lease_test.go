package lease

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, DefaultOptions()), mr
}

func TestRefreshKeepsEntityActive(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	active, err := store.CheckActive(ctx, []string{"600519"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, active)

	// refreshing before expiry keeps the loop alive indefinitely
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Refresh(ctx, "600519", "trace-1"))
		mr.FastForward(4 * time.Minute)

		active, err = store.CheckActive(ctx, []string{"600519"})
		require.NoError(t, err)
		assert.Equal(t, []bool{true}, active, "iteration %d", i)
	}

	// no refresh for longer than the TTL
	mr.FastForward(2 * time.Minute)
	active, err = store.CheckActive(ctx, []string{"600519"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, active)
}

func TestCheckActiveBatchOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Refresh(ctx, "000001", "t"))
	require.NoError(t, store.Refresh(ctx, "510300", "t"))

	active, err := store.CheckActive(ctx, []string{"600519", "000001", "300750", "510300"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true}, active)

	active, err = store.CheckActive(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCheckActiveStoreDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.CheckActive(context.Background(), []string{"600519"})
	assert.Error(t, err)
}

func TestCurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Current(ctx, "600519")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Refresh(ctx, "600519", "trace-2"))
	trace, ok, err := store.Current(ctx, "600519")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "trace-2", trace)
}

func TestPutStatusTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		status types.LeaseStatus
		ttl    time.Duration
	}{
		{types.LeaseStatusWaiting, 30 * time.Minute},
		{types.LeaseStatusRunning, 30 * time.Minute},
		{types.LeaseStatusSuccess, 5 * time.Minute},
		{types.LeaseStatusFailed, 5 * time.Minute},
		{types.LeaseStatusSkipped, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			trace := "trace-" + string(tt.status)
			require.NoError(t, store.PutStatus(ctx, &types.EntityLease{
				EntityCode: "600519",
				TaskType:   types.TaskTypeRefreshPrice,
				Status:     tt.status,
				TraceID:    trace,
			}))

			key := redisstore.StatusKey(redisstore.StatusMember("600519", "REFRESH_PRICE", trace))
			assert.Equal(t, tt.ttl, mr.TTL(key))

			got, err := store.GetStatus(ctx, "600519", types.TaskTypeRefreshPrice, trace)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.False(t, got.UpdatedAt.IsZero())
		})
	}
}

func TestGetStatusNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.GetStatus(context.Background(), "600519", types.TaskTypeKline, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStatusesPaginatesNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.PutStatus(ctx, &types.EntityLease{
			EntityCode: fmt.Sprintf("00000%d", i),
			TaskType:   types.TaskTypeKline,
			Status:     types.LeaseStatusSuccess,
			TraceID:    "scan",
			UpdatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, total, err := store.ListStatuses(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page1, 2)
	assert.Equal(t, "000004", page1[0].EntityCode)
	assert.Equal(t, "000003", page1[1].EntityCode)

	page3, _, err := store.ListStatuses(ctx, 3, 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "000000", page3[0].EntityCode)
}

func TestExpiredRecordsArePrunedLazily(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.PutStatus(ctx, &types.EntityLease{
		EntityCode: "600519", TaskType: types.TaskTypeETF, Status: types.LeaseStatusSuccess, TraceID: "old",
	}))
	mr.FastForward(6 * time.Minute)
	require.NoError(t, store.PutStatus(ctx, &types.EntityLease{
		EntityCode: "600519", TaskType: types.TaskTypeETF, Status: types.LeaseStatusRunning, TraceID: "new",
	}))

	records, total, err := store.ListStatuses(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "new", records[0].TraceID)
	assert.Equal(t, int64(1), total, "zombie index entry removed while listing")
}

func TestCleanupIndex(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.PutStatus(ctx, &types.EntityLease{
			EntityCode: fmt.Sprintf("e%d", i), TaskType: types.TaskTypeTick, Status: types.LeaseStatusFailed, TraceID: "t",
		}))
	}
	require.NoError(t, store.PutStatus(ctx, &types.EntityLease{
		EntityCode: "live", TaskType: types.TaskTypeTick, Status: types.LeaseStatusWaiting, TraceID: "t",
	}))
	mr.FastForward(10 * time.Minute)

	removed, err := store.CleanupIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	all, err := store.AllStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "live", all[0].EntityCode)
}

func TestClear(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Refresh(ctx, "600519", "t"))
	require.NoError(t, store.PutStatus(ctx, &types.EntityLease{
		EntityCode: "600519", TaskType: types.TaskTypeRefreshPrice, Status: types.LeaseStatusRunning, TraceID: "t",
	}))

	require.NoError(t, store.Clear(ctx))

	all, err := store.AllStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, mr.Exists(redisstore.KeyStatusIndex))
	assert.True(t, mr.Exists(redisstore.LeaseKey("600519")), "liveness keys survive a status reset")
}

func TestClaimRearm(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	ok, err := store.ClaimRearm(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimRearm(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim for the same task")

	store.ReleaseRearm(ctx, "task-1")
	ok, err = store.ClaimRearm(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, mr.Exists(redisstore.RearmKey("task-1")))
	mr.FastForward(7 * time.Hour)
	assert.False(t, mr.Exists(redisstore.RearmKey("task-1")))
}
