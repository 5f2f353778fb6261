package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLeaseStatusPriority(t *testing.T) {
	tests := []struct {
		status   LeaseStatus
		expected int
	}{
		{LeaseStatusRunning, 1},
		{LeaseStatusWaiting, 2},
		{LeaseStatusFailed, 3},
		{LeaseStatusSkipped, 4},
		{LeaseStatusSuccess, 5},
		{LeaseStatusIdle, UnknownPriority},
		{LeaseStatus("PAUSED"), UnknownPriority},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.status.Priority())
		})
	}
}

func TestTaskTypeTopic(t *testing.T) {
	assert.Equal(t, "stock.refresh", TaskTypeRefreshPrice.Topic())
	assert.Equal(t, "stock.kline.task", TaskTypeKline.Topic())
	assert.Equal(t, "stock.etf.task", TaskTypeETF.Topic())
	assert.Equal(t, "stock.tick.task", TaskTypeTick.Topic())
	assert.True(t, TaskTypeRefreshPrice.Looped())
	assert.False(t, TaskTypeKline.Looped())
}

func TestParseTaskType(t *testing.T) {
	tt, ok := ParseTaskType("kline")
	assert.True(t, ok)
	assert.Equal(t, TaskTypeKline, tt)

	tt, ok = ParseTaskType("stock.etf.task")
	assert.True(t, ok)
	assert.Equal(t, TaskTypeETF, tt)

	_, ok = ParseTaskType("bogus")
	assert.False(t, ok)
}

func TestSecID(t *testing.T) {
	e := &WatchedEntity{Code: "600519", Market: "1"}
	assert.Equal(t, "1.600519", e.SecID())

	e.Market = ""
	assert.Equal(t, "600519", e.SecID())
}
