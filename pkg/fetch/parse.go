package fetch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/heron/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Quote snapshot field ids
const (
	fieldPrice      = "f43"
	fieldHigh       = "f44"
	fieldLow        = "f45"
	fieldOpen       = "f46"
	fieldVolume     = "f47"
	fieldCode       = "f57"
	fieldPrevClose  = "f60"
	fieldTimestamp  = "f86"
	fieldChange     = "f169"
	fieldChangeRate = "f170"
)

func dataNode(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	data := gjson.GetBytes(body, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return gjson.Result{}, ErrNoData
	}
	return data, nil
}

// decimalField reads a numeric field; "-" and empty mean missing
func decimalField(data gjson.Result, key string) (decimal.Decimal, bool) {
	v := data.Get(key)
	var s string
	switch v.Type {
	case gjson.Number:
		s = v.Raw
	case gjson.String:
		s = strings.TrimSpace(v.Str)
	default:
		return decimal.Zero, false
	}
	if s == "" || s == "-" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseQuote(body []byte, code string, loc *time.Location) (*types.Quote, error) {
	data, err := dataNode(body)
	if err != nil {
		return nil, err
	}

	price, ok := decimalField(data, fieldPrice)
	if !ok {
		return nil, fmt.Errorf("%w: no price for %s", ErrNoData, code)
	}
	if c := data.Get(fieldCode).String(); c != "" && c != code {
		return nil, fmt.Errorf("%w: asked for %s, got %s", ErrNoData, code, c)
	}

	observed := time.Now()
	if ts := data.Get(fieldTimestamp).Int(); ts > 0 {
		observed = time.Unix(ts, 0)
	}

	q := &types.Quote{
		Code:       code,
		TradeDate:  observed.In(loc).Format(types.DateLayout),
		Price:      price,
		Volume:     data.Get(fieldVolume).Int(),
		ObservedAt: observed,
	}
	q.Open, _ = decimalField(data, fieldOpen)
	q.High, _ = decimalField(data, fieldHigh)
	q.Low, _ = decimalField(data, fieldLow)
	q.PrevClose, _ = decimalField(data, fieldPrevClose)
	q.Change, _ = decimalField(data, fieldChange)
	q.ChangeRate, _ = decimalField(data, fieldChangeRate)
	return q, nil
}

// parseKlines reads data.klines, each "date,open,close,high,low,volume,amount,..."
func parseKlines(body []byte, code string) ([]*types.Bar, error) {
	data, err := dataNode(body)
	if err != nil {
		return nil, err
	}
	lines := data.Get("klines").Array()
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no klines for %s", ErrNoData, code)
	}

	bars := make([]*types.Bar, 0, len(lines))
	for _, line := range lines {
		f := strings.Split(line.String(), ",")
		if len(f) < 7 {
			continue
		}
		if _, err := time.Parse(types.DateLayout, f[0]); err != nil {
			continue
		}
		vol, _ := strconv.ParseInt(f[5], 10, 64)
		bars = append(bars, &types.Bar{
			Code:   code,
			Period: "day",
			Date:   f[0],
			Open:   parseDecimal(f[1]),
			Close:  parseDecimal(f[2]),
			High:   parseDecimal(f[3]),
			Low:    parseDecimal(f[4]),
			Volume: vol,
			Amount: parseDecimal(f[6]),
		})
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: malformed klines for %s", ErrNoData, code)
	}
	return bars, nil
}

// parseTicks reads data.details, each "HH:MM:SS,price,volume,direction,...",
// placing trades on the trade day of now
func parseTicks(body []byte, code string, now time.Time) ([]*types.Tick, error) {
	data, err := dataNode(body)
	if err != nil {
		return nil, err
	}
	lines := data.Get("details").Array()
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no ticks for %s", ErrNoData, code)
	}

	y, m, d := now.Date()
	ticks := make([]*types.Tick, 0, len(lines))
	for _, line := range lines {
		f := strings.Split(line.String(), ",")
		if len(f) < 4 {
			continue
		}
		clock, err := time.Parse("15:04:05", f[0])
		if err != nil {
			continue
		}
		vol, _ := strconv.ParseInt(f[2], 10, 64)
		dir, _ := strconv.Atoi(f[3])
		ticks = append(ticks, &types.Tick{
			Code:      code,
			Time:      time.Date(y, m, d, clock.Hour(), clock.Minute(), clock.Second(), 0, now.Location()),
			Price:     parseDecimal(f[1]),
			Volume:    vol,
			Direction: dir,
		})
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("%w: malformed ticks for %s", ErrNoData, code)
	}
	return ticks, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
