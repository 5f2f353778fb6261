package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/heron/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// EntitySource lists the watch-list
type EntitySource interface {
	ListEntities(ctx context.Context) ([]*types.WatchedEntity, error)
	GetEntity(ctx context.Context, code string) (*types.WatchedEntity, error)
}

// Sink receives observations. Every upsert is keyed so that writing the
// same observation twice leaves one record.
type Sink interface {
	UpsertQuotes(ctx context.Context, quotes []*types.Quote) error
	UpsertBars(ctx context.Context, bars []*types.Bar) error
	UpsertTicks(ctx context.Context, ticks []*types.Tick) error
}

// Store is the watch-list plus the observation sink
type Store interface {
	EntitySource
	Sink

	SaveEntity(ctx context.Context, e *types.WatchedEntity) error
	// UpdateEntity applies fn to the stored entity and writes it back
	// atomically. Concurrent updates of different fields do not lose each
	// other's writes.
	UpdateEntity(ctx context.Context, code string, fn func(e *types.WatchedEntity) error) error
	// ListBars returns bars for an entity and period dated on or after
	// since, oldest first
	ListBars(ctx context.Context, code, period string, since time.Time) ([]*types.Bar, error)

	Close() error
}

// Config selects and configures a backend
type Config struct {
	Driver      string // bolt | postgres
	DataDir     string
	PostgresDSN string
	Influx      InfluxOptions
}

// Open creates the configured store, wrapped in an influx mirror when one is
// configured
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "", "bolt":
		store, err = NewBoltStore(cfg.DataDir)
	case "postgres":
		store, err = NewGormStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Influx.URL != "" {
		return NewInfluxMirror(store, cfg.Influx), nil
	}
	return store, nil
}
