package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Exclusive runs fn while holding a cluster-wide lock
type Exclusive interface {
	RunExclusive(ctx context.Context, name string, wait time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Extrema recomputes week and year high/low for every entity from stored
// daily bars. It is a cluster-serialized job: at most one node runs it at a
// time.
type Extrema struct {
	store storage.Store
	lock  Exclusive
	wait  time.Duration
	now   func() time.Time

	logger zerolog.Logger
}

// NewExtrema creates the job
func NewExtrema(store storage.Store, lock Exclusive, wait time.Duration) *Extrema {
	return &Extrema{
		store:  store,
		lock:   lock,
		wait:   wait,
		now:    time.Now,
		logger: log.WithComponent("extrema"),
	}
}

// Run recomputes under the extrema.recompute lock. Losing the lock race is
// not an error; another node is doing the work.
func (x *Extrema) Run(ctx context.Context) error {
	_, err := x.lock.RunExclusive(ctx, JobExtrema, x.wait, x.recompute)
	return err
}

// recompute updates every entity it can. A failing entity is logged and
// reported in the joined error; the others still update.
func (x *Extrema) recompute(ctx context.Context) error {
	entities, err := x.store.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}

	now := x.now()
	var errs []error
	for _, e := range entities {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := x.update(ctx, e.Code, now); err != nil {
			x.logger.Warn().Err(err).Str("entity", e.Code).Msg("failed to recompute extrema")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// update writes only the extrema fields so prices written concurrently by
// workers survive
func (x *Extrema) update(ctx context.Context, code string, now time.Time) error {
	bars, err := x.store.ListBars(ctx, code, "day", now.AddDate(-1, 0, 0))
	if err != nil {
		return fmt.Errorf("failed to list bars for %s: %w", code, err)
	}
	if len(bars) == 0 {
		return nil
	}

	weekFrom := now.AddDate(0, 0, -7).Format(types.DateLayout)
	var week []*types.Bar
	for _, b := range bars {
		if b.Date >= weekFrom {
			week = append(week, b)
		}
	}
	yearHigh, yearLow := highLow(bars)
	weekHigh, weekLow := highLow(week)

	err = x.store.UpdateEntity(ctx, code, func(e *types.WatchedEntity) error {
		e.YearHigh, e.YearLow = yearHigh, yearLow
		e.WeekHigh, e.WeekLow = weekHigh, weekLow
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", code, err)
	}
	return nil
}

func highLow(bars []*types.Bar) (decimal.Decimal, decimal.Decimal) {
	if len(bars) == 0 {
		return decimal.Zero, decimal.Zero
	}
	high, low := bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		high = decimal.Max(high, b.High)
		low = decimal.Min(low, b.Low)
	}
	return high, low
}
