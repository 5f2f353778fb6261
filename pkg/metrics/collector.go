package metrics

import (
	"context"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/types"
	"github.com/rs/zerolog"
)

// QueueSource reports stream depth per topic
type QueueSource interface {
	Depth(ctx context.Context) (map[string]int64, error)
}

// LeaseSource reports live status records
type LeaseSource interface {
	AllStatuses(ctx context.Context) ([]*types.EntityLease, error)
}

// Pinger checks a backing store
type Pinger func(ctx context.Context) error

// Collector samples gauges that are not updated inline
type Collector struct {
	queue    QueueSource
	leases   LeaseSource
	ping     Pinger
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Any source may be nil.
func NewCollector(queue QueueSource, leases LeaseSource, ping Pinger) *Collector {
	return &Collector{
		queue:    queue,
		leases:   leases,
		ping:     ping,
		interval: 15 * time.Second,
		logger:   log.WithComponent("collector"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	c.collectStoreHealth(ctx)
	c.collectQueueDepth(ctx)
	c.collectLeases(ctx)
}

func (c *Collector) collectStoreHealth(ctx context.Context) {
	if c.ping == nil {
		return
	}
	if err := c.ping(ctx); err != nil {
		UpdateComponent(ComponentRedis, false, err.Error())
		return
	}
	UpdateComponent(ComponentRedis, true, "")
}

func (c *Collector) collectQueueDepth(ctx context.Context) {
	if c.queue == nil {
		return
	}
	depth, err := c.queue.Depth(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("queue depth unavailable")
		return
	}
	for topic, n := range depth {
		QueueDepth.WithLabelValues(topic).Set(float64(n))
	}
}

func (c *Collector) collectLeases(ctx context.Context) {
	if c.leases == nil {
		return
	}
	records, err := c.leases.AllStatuses(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("status records unavailable")
		return
	}

	counts := map[types.LeaseStatus]int{
		types.LeaseStatusRunning: 0,
		types.LeaseStatusWaiting: 0,
		types.LeaseStatusFailed:  0,
		types.LeaseStatusSkipped: 0,
		types.LeaseStatusSuccess: 0,
	}
	for _, r := range records {
		counts[r.Status]++
	}
	for status, n := range counts {
		LeasesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}
