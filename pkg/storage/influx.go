package storage

import (
	"context"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/types"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

// InfluxOptions locates the mirror bucket
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxMirror is a Store that also writes every observation to InfluxDB as
// points. Mirror failures are logged and never fail the primary write.
type InfluxMirror struct {
	Store

	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   zerolog.Logger
}

// NewInfluxMirror wraps store
func NewInfluxMirror(store Store, opts InfluxOptions) *InfluxMirror {
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))
	return &InfluxMirror{
		Store:    store,
		client:   client,
		writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket),
		logger:   log.WithComponent("influx"),
	}
}

func (m *InfluxMirror) UpsertQuotes(ctx context.Context, quotes []*types.Quote) error {
	if err := m.Store.UpsertQuotes(ctx, quotes); err != nil {
		return err
	}
	points := make([]*write.Point, 0, len(quotes))
	for _, q := range quotes {
		points = append(points, influxdb2.NewPoint("quote",
			map[string]string{"code": q.Code},
			map[string]interface{}{
				"price":       q.Price.InexactFloat64(),
				"open":        q.Open.InexactFloat64(),
				"high":        q.High.InexactFloat64(),
				"low":         q.Low.InexactFloat64(),
				"prev_close":  q.PrevClose.InexactFloat64(),
				"change":      q.Change.InexactFloat64(),
				"change_rate": q.ChangeRate.InexactFloat64(),
				"volume":      q.Volume,
			},
			q.ObservedAt))
	}
	m.mirror(ctx, "quote", points)
	return nil
}

func (m *InfluxMirror) UpsertBars(ctx context.Context, bars []*types.Bar) error {
	if err := m.Store.UpsertBars(ctx, bars); err != nil {
		return err
	}
	points := make([]*write.Point, 0, len(bars))
	for _, b := range bars {
		ts, err := time.Parse(types.DateLayout, b.Date)
		if err != nil {
			continue
		}
		points = append(points, influxdb2.NewPoint("bar",
			map[string]string{"code": b.Code, "period": b.Period},
			map[string]interface{}{
				"open":   b.Open.InexactFloat64(),
				"close":  b.Close.InexactFloat64(),
				"high":   b.High.InexactFloat64(),
				"low":    b.Low.InexactFloat64(),
				"volume": b.Volume,
				"amount": b.Amount.InexactFloat64(),
			},
			ts))
	}
	m.mirror(ctx, "bar", points)
	return nil
}

func (m *InfluxMirror) UpsertTicks(ctx context.Context, ticks []*types.Tick) error {
	if err := m.Store.UpsertTicks(ctx, ticks); err != nil {
		return err
	}
	points := make([]*write.Point, 0, len(ticks))
	for _, t := range ticks {
		points = append(points, influxdb2.NewPoint("tick",
			map[string]string{"code": t.Code},
			map[string]interface{}{
				"price":     t.Price.InexactFloat64(),
				"volume":    t.Volume,
				"direction": t.Direction,
			},
			t.Time))
	}
	m.mirror(ctx, "tick", points)
	return nil
}

// Close closes the mirror client and the wrapped store
func (m *InfluxMirror) Close() error {
	m.client.Close()
	return m.Store.Close()
}

func (m *InfluxMirror) mirror(ctx context.Context, measurement string, points []*write.Point) {
	if len(points) == 0 {
		return
	}
	if err := m.writeAPI.WritePoint(ctx, points...); err != nil {
		m.logger.Warn().Err(err).
			Str("measurement", measurement).
			Int("points", len(points)).
			Msg("failed to mirror observations")
	}
}
