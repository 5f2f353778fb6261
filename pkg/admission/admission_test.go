package admission

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/heron/pkg/events"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticMaster bool

func (m staticMaster) IsMaster() bool { return bool(m) }

func newTestGate(t *testing.T, self string) (*Gate, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGate(client, self), mr
}

func TestDenylistLifecycle(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, "10.0.0.1")

	assert.False(t, gate.IsBlacklisted(ctx, "10.0.0.1"))

	require.NoError(t, gate.Add(ctx, "10.0.0.1", "10.0.0.2"))
	assert.True(t, gate.IsBlacklisted(ctx, "10.0.0.1"))
	assert.True(t, gate.IsBlacklisted(ctx, "10.0.0.2"))
	assert.False(t, gate.IsBlacklisted(ctx, "10.0.0.3"))

	list, err := gate.List(ctx)
	require.NoError(t, err)
	sort.Strings(list)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, list)

	require.NoError(t, gate.Remove(ctx, "10.0.0.1"))
	assert.False(t, gate.IsBlacklisted(ctx, "10.0.0.1"))

	require.NoError(t, gate.Clear(ctx))
	list, err = gate.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEmptyArgumentsAreNoops(t *testing.T) {
	gate, _ := newTestGate(t, "10.0.0.1")
	assert.NoError(t, gate.Add(context.Background()))
	assert.NoError(t, gate.Remove(context.Background()))
}

func TestFailsClosedWhenStoreDown(t *testing.T) {
	gate, mr := newTestGate(t, "10.0.0.1")
	mr.Close()

	assert.True(t, gate.IsBlacklisted(context.Background(), "10.0.0.1"))
	assert.False(t, gate.CanConsume(context.Background()))
}

func TestFailsClosedWithoutClient(t *testing.T) {
	gate := NewGate(nil, "10.0.0.1")
	assert.True(t, gate.IsBlacklisted(context.Background(), "10.0.0.1"))
}

func TestAllowed(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, "10.0.0.1")

	tests := []struct {
		name        string
		master      MasterChecker
		denylisted  bool
		wantAllowed bool
	}{
		{name: "master and admitted", master: staticMaster(true), wantAllowed: true},
		{name: "follower", master: staticMaster(false)},
		{name: "no membership", master: nil},
		{name: "master but denylisted", master: staticMaster(true), denylisted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, gate.Clear(ctx))
			if tt.denylisted {
				require.NoError(t, gate.Add(ctx, gate.Self()))
			}
			assert.Equal(t, tt.wantAllowed, gate.Allowed(ctx, tt.master))
		})
	}
}

func TestCanConsumeReportsTransitions(t *testing.T) {
	ctx := context.Background()
	gate, _ := newTestGate(t, "10.0.0.1")

	broker := events.NewBroker("10.0.0.1")
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	gate.WithBroker(broker)

	assert.True(t, gate.CanConsume(ctx))
	require.NoError(t, gate.Add(ctx, "10.0.0.1"))
	assert.False(t, gate.CanConsume(ctx))
	assert.False(t, gate.CanConsume(ctx))
	require.NoError(t, gate.Remove(ctx, "10.0.0.1"))
	assert.True(t, gate.CanConsume(ctx))

	var got []events.EventType
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub:
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("expected two events, got %v", got)
		}
	}
	assert.Equal(t, []events.EventType{events.EventDenylistAdded, events.EventDenylistRemoved}, got)
}
