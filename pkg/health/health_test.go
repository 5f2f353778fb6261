package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/heron/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPChecker(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		min     int
		max     int
		healthy bool
	}{
		{name: "ok", status: http.StatusOK, min: 200, max: 399, healthy: true},
		{name: "server error", status: http.StatusInternalServerError, min: 200, max: 399},
		{name: "not found within range", status: http.StatusNotFound, min: 200, max: 499, healthy: true},
		{name: "not found outside range", status: http.StatusNotFound, min: 200, max: 399},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			result := NewHTTPChecker(srv.URL).WithStatusRange(tt.min, tt.max).Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPCheckerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	result := NewHTTPChecker(srv.URL).Check(context.Background())
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "request failed")
}

func TestReachabilityChecker(t *testing.T) {
	c, err := NewReachabilityChecker("https://push2.example.com/api/qt/stock/get?secid={secid}")
	require.NoError(t, err)
	assert.Equal(t, "https://push2.example.com/", c.URL)
	assert.Equal(t, 499, c.ExpectedStatusMax)
	assert.Equal(t, CheckTypeHTTP, c.Type())

	_, err = NewReachabilityChecker("/relative/path")
	assert.Error(t, err)
}

func TestStatusRetries(t *testing.T) {
	cfg := Config{Retries: 2}
	s := NewStatus()

	s.Update(Result{Healthy: false}, cfg)
	assert.True(t, s.Healthy, "one failure is tolerated")
	s.Update(Result{Healthy: false}, cfg)
	assert.False(t, s.Healthy)
	assert.Equal(t, 2, s.ConsecutiveFailures)

	s.Update(Result{Healthy: true}, cfg)
	assert.True(t, s.Healthy)
	assert.Zero(t, s.ConsecutiveFailures)
}

func TestProberReportsComponent(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(Config{Interval: time.Hour, Timeout: time.Second, Retries: 1})
	p.Add("upstream-test", NewHTTPChecker(srv.URL))

	ctx := context.Background()
	p.CheckAll(ctx)
	status, ok := p.Status("upstream-test")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, "healthy", metrics.GetHealth().Components["upstream-test"])

	failing.Store(true)
	p.CheckAll(ctx)
	status, _ = p.Status("upstream-test")
	assert.False(t, status.Healthy)
	assert.Contains(t, metrics.GetHealth().Components["upstream-test"], "unhealthy")

	_, ok = p.Status("missing")
	assert.False(t, ok)
}
