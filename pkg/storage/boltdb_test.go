package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/heron/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEntityRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetEntity(ctx, "600519")
	assert.True(t, errors.Is(err, ErrNotFound))

	e := &types.WatchedEntity{
		Code:   "600519",
		Name:   "Kweichow Moutai",
		Kind:   types.EntityKindStock,
		Market: "1",
		Price:  decimal.RequireFromString("1688.50"),
	}
	require.NoError(t, store.SaveEntity(ctx, e))
	require.NoError(t, store.SaveEntity(ctx, &types.WatchedEntity{Code: "510300", Kind: types.EntityKindETF}))

	got, err := store.GetEntity(ctx, "600519")
	require.NoError(t, err)
	assert.Equal(t, "Kweichow Moutai", got.Name)
	assert.True(t, got.Price.Equal(e.Price))

	all, err := store.ListEntities(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "510300", all[0].Code)
}

func TestUpdateEntityKeepsOtherFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.UpdateEntity(ctx, "600519", func(e *types.WatchedEntity) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveEntity(ctx, &types.WatchedEntity{Code: "600519", Name: "Moutai"}))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, store.UpdateEntity(ctx, "600519", func(e *types.WatchedEntity) error {
				e.Price = decimal.NewFromInt(int64(i))
				return nil
			}))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, store.UpdateEntity(ctx, "600519", func(e *types.WatchedEntity) error {
				e.YearHigh = decimal.NewFromInt(999)
				return nil
			}))
		}()
	}
	wg.Wait()

	got, err := store.GetEntity(ctx, "600519")
	require.NoError(t, err)
	assert.Equal(t, "Moutai", got.Name)
	assert.False(t, got.Price.IsZero())
	assert.True(t, got.YearHigh.Equal(decimal.NewFromInt(999)))

	boom := errors.New("boom")
	err = store.UpdateEntity(ctx, "600519", func(e *types.WatchedEntity) error {
		e.Name = "discarded"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err = store.GetEntity(ctx, "600519")
	require.NoError(t, err)
	assert.Equal(t, "Moutai", got.Name)
}

func TestUpsertQuotesIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	q := &types.Quote{Code: "600519", TradeDate: "2026-10-16", Price: decimal.NewFromInt(10)}
	require.NoError(t, store.UpsertQuotes(ctx, []*types.Quote{q}))
	require.NoError(t, store.UpsertQuotes(ctx, []*types.Quote{q}))

	n, err := store.QuoteCount("600519")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// latest observation for the day wins
	q2 := *q
	q2.Price = decimal.NewFromInt(11)
	require.NoError(t, store.UpsertQuotes(ctx, []*types.Quote{&q2}))

	got, err := store.GetQuote("600519", "2026-10-16")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(11)))
}

func TestUpsertTicksIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	ticks := []*types.Tick{
		{Code: "600519", Time: at, Price: decimal.NewFromInt(10), Volume: 100},
		{Code: "600519", Time: at.Add(3 * time.Second), Price: decimal.NewFromInt(10), Volume: 200},
	}
	require.NoError(t, store.UpsertTicks(ctx, ticks))
	require.NoError(t, store.UpsertTicks(ctx, ticks))

	n, err := store.TickCount("600519")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListBars(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	bars := []*types.Bar{
		{Code: "600519", Period: "day", Date: "2026-10-14", High: decimal.NewFromInt(12)},
		{Code: "600519", Period: "day", Date: "2026-10-15", High: decimal.NewFromInt(13)},
		{Code: "600519", Period: "day", Date: "2026-10-16", High: decimal.NewFromInt(14)},
		{Code: "600519", Period: "week", Date: "2026-10-16"},
		{Code: "6005190", Period: "day", Date: "2026-10-16"},
	}
	require.NoError(t, store.UpsertBars(ctx, bars))
	require.NoError(t, store.UpsertBars(ctx, bars[:1]))

	tests := []struct {
		name  string
		since string
		want  []string
	}{
		{name: "all", since: "2026-01-01", want: []string{"2026-10-14", "2026-10-15", "2026-10-16"}},
		{name: "from middle", since: "2026-10-15", want: []string{"2026-10-15", "2026-10-16"}},
		{name: "future", since: "2027-01-01", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			since, err := time.Parse(types.DateLayout, tt.since)
			require.NoError(t, err)

			got, err := store.ListBars(ctx, "600519", "day", since)
			require.NoError(t, err)
			var dates []string
			for _, b := range got {
				dates = append(dates, b.Date)
			}
			assert.Equal(t, tt.want, dates)
		})
	}
}

func TestReplaceNodes(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.ReplaceNodes([]*types.ClusterNode{
		{Address: "10.0.0.1", Master: true},
		{Address: "10.0.0.2"},
	}))
	require.NoError(t, store.ReplaceNodes([]*types.ClusterNode{{Address: "10.0.0.2", Master: true}}))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "10.0.0.2", nodes[0].Address)
	assert.True(t, nodes[0].Master)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveEntity(context.Background(), &types.WatchedEntity{Code: "600519"}))
	require.NoError(t, store.Close())

	store, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetEntity(context.Background(), "600519")
	assert.NoError(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"})
	assert.Error(t, err)
}
