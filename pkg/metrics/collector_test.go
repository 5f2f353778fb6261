package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/heron/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeQueue map[string]int64

func (f fakeQueue) Depth(ctx context.Context) (map[string]int64, error) { return f, nil }

type fakeLeases []*types.EntityLease

func (f fakeLeases) AllStatuses(ctx context.Context) ([]*types.EntityLease, error) { return f, nil }

func TestCollectorCollect(t *testing.T) {
	resetHealth()

	queue := fakeQueue{"stock.refresh": 7}
	leases := fakeLeases{
		{EntityCode: "600519", Status: types.LeaseStatusRunning},
		{EntityCode: "000001", Status: types.LeaseStatusRunning},
		{EntityCode: "510300", Status: types.LeaseStatusFailed},
	}
	c := NewCollector(queue, leases, func(ctx context.Context) error { return errors.New("down") })
	c.collect()

	assert.Equal(t, float64(7), testutil.ToFloat64(QueueDepth.WithLabelValues("stock.refresh")))
	assert.Equal(t, float64(2), testutil.ToFloat64(LeasesByStatus.WithLabelValues("RUNNING")))
	assert.Equal(t, float64(1), testutil.ToFloat64(LeasesByStatus.WithLabelValues("FAILED")))
	assert.Equal(t, float64(0), testutil.ToFloat64(LeasesByStatus.WithLabelValues("WAITING")))
	assert.Equal(t, "unhealthy: down", GetHealth().Components[ComponentRedis])
}

func TestCollectorNilSources(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	assert.NotPanics(t, c.collect)
}
