package storage

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const upsertChunk = 500

// EntityRow is the relational shape of a watched entity
type EntityRow struct {
	Code           string          `gorm:"primaryKey;size:16"`
	Name           string          `gorm:"size:64"`
	Kind           string          `gorm:"size:8;index"`
	Market         string          `gorm:"size:8"`
	SourceAPI      string          `gorm:"size:512"`
	Price          decimal.Decimal `gorm:"type:numeric(20,4)"`
	Open           decimal.Decimal `gorm:"type:numeric(20,4)"`
	High           decimal.Decimal `gorm:"type:numeric(20,4)"`
	Low            decimal.Decimal `gorm:"type:numeric(20,4)"`
	PrevClose      decimal.Decimal `gorm:"type:numeric(20,4)"`
	Change         decimal.Decimal `gorm:"type:numeric(20,4)"`
	ChangeRate     decimal.Decimal `gorm:"type:numeric(12,4)"`
	ThresholdPrice decimal.Decimal `gorm:"type:numeric(20,4)"`
	WeekHigh       decimal.Decimal `gorm:"type:numeric(20,4)"`
	WeekLow        decimal.Decimal `gorm:"type:numeric(20,4)"`
	YearHigh       decimal.Decimal `gorm:"type:numeric(20,4)"`
	YearLow        decimal.Decimal `gorm:"type:numeric(20,4)"`
	UpdatedAt      time.Time
}

func (EntityRow) TableName() string { return "watched_entities" }

// QuoteRow is one quote per entity per trade date
type QuoteRow struct {
	Code       string          `gorm:"primaryKey;size:16"`
	TradeDate  string          `gorm:"primaryKey;size:10"`
	Price      decimal.Decimal `gorm:"type:numeric(20,4)"`
	Open       decimal.Decimal `gorm:"type:numeric(20,4)"`
	High       decimal.Decimal `gorm:"type:numeric(20,4)"`
	Low        decimal.Decimal `gorm:"type:numeric(20,4)"`
	PrevClose  decimal.Decimal `gorm:"type:numeric(20,4)"`
	Change     decimal.Decimal `gorm:"type:numeric(20,4)"`
	ChangeRate decimal.Decimal `gorm:"type:numeric(12,4)"`
	Volume     int64
	ObservedAt time.Time
}

func (QuoteRow) TableName() string { return "quotes" }

// BarRow is one K-line bar
type BarRow struct {
	Code   string          `gorm:"primaryKey;size:16"`
	Period string          `gorm:"primaryKey;size:8"`
	Date   string          `gorm:"primaryKey;size:10"`
	Open   decimal.Decimal `gorm:"type:numeric(20,4)"`
	Close  decimal.Decimal `gorm:"type:numeric(20,4)"`
	High   decimal.Decimal `gorm:"type:numeric(20,4)"`
	Low    decimal.Decimal `gorm:"type:numeric(20,4)"`
	Volume int64
	Amount decimal.Decimal `gorm:"type:numeric(24,4)"`
}

func (BarRow) TableName() string { return "bars" }

// TickRow is one trade
type TickRow struct {
	Code      string          `gorm:"primaryKey;size:16"`
	Time      time.Time       `gorm:"primaryKey"`
	Price     decimal.Decimal `gorm:"type:numeric(20,4)"`
	Volume    int64
	Direction int
}

func (TickRow) TableName() string { return "ticks" }

// Models lists every table for migrations
var Models = []interface{}{&EntityRow{}, &QuoteRow{}, &BarRow{}, &TickRow{}}

// GormStore implements Store on a relational database
type GormStore struct {
	db *gorm.DB
}

// NewGormStore connects to postgres
func NewGormStore(ctx context.Context, dsn string) (*GormStore, error) {
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// OpenPostgres opens and pings a postgres connection with query logging
// routed through zerolog
func OpenPostgres(ctx context.Context, dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		stdlog.New(log.Writer("storage", zerolog.WarnLevel), "", 0),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormLogger,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates every table
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(Models...)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) SaveEntity(ctx context.Context, e *types.WatchedEntity) error {
	row := entityToRow(e)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "code"}}, UpdateAll: true}).
		Create(&row).Error
}

func (s *GormStore) GetEntity(ctx context.Context, code string) (*types.WatchedEntity, error) {
	var row EntityRow
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("entity %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rowToEntity(&row), nil
}

// UpdateEntity locks the row for the duration of fn
func (s *GormStore) UpdateEntity(ctx context.Context, code string, fn func(e *types.WatchedEntity) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row EntityRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("code = ?", code).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("entity %s: %w", code, ErrNotFound)
		}
		if err != nil {
			return err
		}
		e := rowToEntity(&row)
		if err := fn(e); err != nil {
			return err
		}
		updated := entityToRow(e)
		return tx.Save(&updated).Error
	})
}

func (s *GormStore) ListEntities(ctx context.Context) ([]*types.WatchedEntity, error) {
	var rows []EntityRow
	if err := s.db.WithContext(ctx).Order("code").Find(&rows).Error; err != nil {
		return nil, err
	}
	entities := make([]*types.WatchedEntity, len(rows))
	for i := range rows {
		entities[i] = rowToEntity(&rows[i])
	}
	return entities, nil
}

func (s *GormStore) UpsertQuotes(ctx context.Context, quotes []*types.Quote) error {
	rows := make([]QuoteRow, len(quotes))
	for i, q := range quotes {
		rows[i] = QuoteRow{
			Code: q.Code, TradeDate: q.TradeDate, Price: q.Price, Open: q.Open, High: q.High, Low: q.Low,
			PrevClose: q.PrevClose, Change: q.Change, ChangeRate: q.ChangeRate, Volume: q.Volume, ObservedAt: q.ObservedAt,
		}
	}
	return upsert(ctx, s.db, rows, "code", "trade_date")
}

func (s *GormStore) UpsertBars(ctx context.Context, bars []*types.Bar) error {
	rows := make([]BarRow, len(bars))
	for i, b := range bars {
		rows[i] = BarRow{
			Code: b.Code, Period: b.Period, Date: b.Date, Open: b.Open, Close: b.Close,
			High: b.High, Low: b.Low, Volume: b.Volume, Amount: b.Amount,
		}
	}
	return upsert(ctx, s.db, rows, "code", "period", "date")
}

func (s *GormStore) UpsertTicks(ctx context.Context, ticks []*types.Tick) error {
	rows := make([]TickRow, len(ticks))
	for i, t := range ticks {
		rows[i] = TickRow{Code: t.Code, Time: t.Time, Price: t.Price, Volume: t.Volume, Direction: t.Direction}
	}
	return upsert(ctx, s.db, rows, "code", "time")
}

func (s *GormStore) ListBars(ctx context.Context, code, period string, since time.Time) ([]*types.Bar, error) {
	var rows []BarRow
	err := s.db.WithContext(ctx).
		Where("code = ? AND period = ? AND date >= ?", code, period, since.Format(types.DateLayout)).
		Order("date").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	bars := make([]*types.Bar, len(rows))
	for i, r := range rows {
		bars[i] = &types.Bar{
			Code: r.Code, Period: r.Period, Date: r.Date, Open: r.Open, Close: r.Close,
			High: r.High, Low: r.Low, Volume: r.Volume, Amount: r.Amount,
		}
	}
	return bars, nil
}

// upsert writes rows in chunks, replacing rows whose key columns collide
func upsert[T any](ctx context.Context, db *gorm.DB, rows []T, keys ...string) error {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]clause.Column, len(keys))
	for i, k := range keys {
		cols[i] = clause.Column{Name: k}
	}
	for i := 0; i < len(rows); i += upsertChunk {
		batch := rows[i:min(i+upsertChunk, len(rows))]
		err := db.WithContext(ctx).
			Clauses(clause.OnConflict{Columns: cols, UpdateAll: true}).
			Create(&batch).Error
		if err != nil {
			return fmt.Errorf("failed to upsert %d rows: %w", len(batch), err)
		}
	}
	return nil
}

func entityToRow(e *types.WatchedEntity) EntityRow {
	return EntityRow{
		Code: e.Code, Name: e.Name, Kind: string(e.Kind), Market: e.Market, SourceAPI: e.SourceAPI,
		Price: e.Price, Open: e.Open, High: e.High, Low: e.Low, PrevClose: e.PrevClose,
		Change: e.Change, ChangeRate: e.ChangeRate, ThresholdPrice: e.ThresholdPrice,
		WeekHigh: e.WeekHigh, WeekLow: e.WeekLow, YearHigh: e.YearHigh, YearLow: e.YearLow,
		UpdatedAt: e.UpdatedAt,
	}
}

func rowToEntity(r *EntityRow) *types.WatchedEntity {
	return &types.WatchedEntity{
		Code: r.Code, Name: r.Name, Kind: types.EntityKind(r.Kind), Market: r.Market, SourceAPI: r.SourceAPI,
		Price: r.Price, Open: r.Open, High: r.High, Low: r.Low, PrevClose: r.PrevClose,
		Change: r.Change, ChangeRate: r.ChangeRate, ThresholdPrice: r.ThresholdPrice,
		WeekHigh: r.WeekHigh, WeekLow: r.WeekLow, YearHigh: r.YearHigh, YearLow: r.YearLow,
		UpdatedAt: r.UpdatedAt,
	}
}
