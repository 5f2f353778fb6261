package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EntityKind classifies a watched instrument
type EntityKind string

const (
	EntityKindStock EntityKind = "stock"
	EntityKindETF   EntityKind = "etf"
)

// WatchedEntity is one instrument on the watch list.
// Rows are created by the watch-list owner; the refresh pipeline only updates
// the price and extrema fields.
type WatchedEntity struct {
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	Kind      EntityKind `json:"kind"`
	Market    string     `json:"market"`     // exchange prefix used in upstream security ids
	SourceAPI string     `json:"source_api"` // overrides the configured price endpoint

	Price          decimal.Decimal `json:"price"`
	Open           decimal.Decimal `json:"open"`
	High           decimal.Decimal `json:"high"`
	Low            decimal.Decimal `json:"low"`
	PrevClose      decimal.Decimal `json:"prev_close"`
	Change         decimal.Decimal `json:"change"`
	ChangeRate     decimal.Decimal `json:"change_rate"`
	ThresholdPrice decimal.Decimal `json:"threshold_price"`

	WeekHigh decimal.Decimal `json:"week_high"`
	WeekLow  decimal.Decimal `json:"week_low"`
	YearHigh decimal.Decimal `json:"year_high"`
	YearLow  decimal.Decimal `json:"year_low"`

	UpdatedAt time.Time `json:"updated_at"`
}

// SecID returns the upstream security id ("<market>.<code>")
func (e *WatchedEntity) SecID() string {
	if e.Market == "" {
		return e.Code
	}
	return e.Market + "." + e.Code
}

// TaskType is the category of a refresh task
type TaskType string

const (
	TaskTypeRefreshPrice TaskType = "REFRESH_PRICE"
	TaskTypeKline        TaskType = "KLINE"
	TaskTypeETF          TaskType = "ETF"
	TaskTypeTick         TaskType = "TICK"
)

// AllTaskTypes lists every task category in topic order
var AllTaskTypes = []TaskType{TaskTypeRefreshPrice, TaskTypeKline, TaskTypeETF, TaskTypeTick}

// Topic returns the queue topic that carries tasks of this type
func (t TaskType) Topic() string {
	switch t {
	case TaskTypeRefreshPrice:
		return "stock.refresh"
	case TaskTypeKline:
		return "stock.kline.task"
	case TaskTypeETF:
		return "stock.etf.task"
	case TaskTypeTick:
		return "stock.tick.task"
	default:
		return "stock." + strings.ToLower(string(t))
	}
}

// Looped reports whether tasks of this type re-arm themselves on completion
func (t TaskType) Looped() bool {
	return t == TaskTypeRefreshPrice
}

// ParseTaskType converts a name or topic into a TaskType
func ParseTaskType(s string) (TaskType, bool) {
	for _, t := range AllTaskTypes {
		if strings.EqualFold(s, string(t)) || s == t.Topic() {
			return t, true
		}
	}
	return "", false
}

// RefreshTask is one unit of work on the queue. Immutable once published.
type RefreshTask struct {
	ID         string    `json:"id"`
	EntityCode string    `json:"entity_code"`
	Type       TaskType  `json:"type"`
	TraceID    string    `json:"trace_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeaseStatus is the state of one entity task in the refresh state machine
type LeaseStatus string

const (
	LeaseStatusRunning LeaseStatus = "RUNNING"
	LeaseStatusWaiting LeaseStatus = "WAITING"
	LeaseStatusFailed  LeaseStatus = "FAILED"
	LeaseStatusSkipped LeaseStatus = "SKIPPED"
	LeaseStatusSuccess LeaseStatus = "SUCCESS"
	LeaseStatusIdle    LeaseStatus = "IDLE"
)

// UnknownPriority is the sort rank for statuses outside the known order
const UnknownPriority = 99

// Priority ranks statuses for aggregation; lower wins
func (s LeaseStatus) Priority() int {
	switch s {
	case LeaseStatusRunning:
		return 1
	case LeaseStatusWaiting:
		return 2
	case LeaseStatusFailed:
		return 3
	case LeaseStatusSkipped:
		return 4
	case LeaseStatusSuccess:
		return 5
	default:
		return UnknownPriority
	}
}

// Active reports whether the status means a task is queued or in flight
func (s LeaseStatus) Active() bool {
	return s == LeaseStatusRunning || s == LeaseStatusWaiting
}

// EntityLease is the status record kept for one (entity, task type, trace)
type EntityLease struct {
	EntityCode string      `json:"entity_code"`
	TaskType   TaskType    `json:"task_type"`
	Status     LeaseStatus `json:"status"`
	Node       string      `json:"node"`
	AcquiredAt time.Time   `json:"acquired_at"`
	LastResult string      `json:"last_result"`
	TraceID    string      `json:"trace_id"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// LockRecord describes a held cluster lock
type LockRecord struct {
	Name       string        `json:"name"`
	Holder     string        `json:"holder"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// ClusterNode is a live member of the cluster
type ClusterNode struct {
	Address  string    `json:"address"`
	Master   bool      `json:"master"`
	LastSeen time.Time `json:"last_seen"`
}

// Quote is the latest price snapshot of an entity for one trade date.
// Stored keyed by (Code, TradeDate); later snapshots replace earlier ones.
type Quote struct {
	Code       string          `json:"code"`
	TradeDate  string          `json:"trade_date"` // YYYY-MM-DD
	Price      decimal.Decimal `json:"price"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	PrevClose  decimal.Decimal `json:"prev_close"`
	Change     decimal.Decimal `json:"change"`
	ChangeRate decimal.Decimal `json:"change_rate"`
	Volume     int64           `json:"volume"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Bar is one K-line candle keyed by (Code, Period, Date)
type Bar struct {
	Code   string          `json:"code"`
	Period string          `json:"period"` // "day", "week", ...
	Date   string          `json:"date"`   // YYYY-MM-DD
	Open   decimal.Decimal `json:"open"`
	Close  decimal.Decimal `json:"close"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Volume int64           `json:"volume"`
	Amount decimal.Decimal `json:"amount"`
}

// Tick is one trade print keyed by (Code, Time)
type Tick struct {
	Code      string          `json:"code"`
	Time      time.Time       `json:"time"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	Direction int             `json:"direction"` // 1 buy, 2 sell, 4 neutral
}

// DateLayout is the layout used for TradeDate and Bar.Date
const DateLayout = "2006-01-02"

// ApplyQuote copies the latest observed prices onto the entity
func (e *WatchedEntity) ApplyQuote(q *Quote) {
	e.Price = q.Price
	e.Open = q.Open
	e.High = q.High
	e.Low = q.Low
	e.PrevClose = q.PrevClose
	e.Change = q.Change
	e.ChangeRate = q.ChangeRate
	e.UpdatedAt = q.ObservedAt
}
