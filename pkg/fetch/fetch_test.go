package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/heron/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const quoteBody = `{"rc":0,"data":{"f43":1688.5,"f44":1700.0,"f45":1680.1,"f46":1690,"f47":12345,"f57":"600519","f58":"Moutai","f60":1685,"f86":1792130400,"f169":3.5,"f170":0.21}}`

var moutai = &types.WatchedEntity{Code: "600519", Market: "1", Kind: types.EntityKindStock}

func testClient(url string) *Client {
	return New(Options{
		PriceURL: url + "/quote?secid={secid}",
		KlineURL: url + "/kline?secid={secid}",
		ETFURL:   url + "/etf?code={code}",
		TickURL:  url + "/tick?secid={secid}",
		Short:    RetryPolicy{Attempts: 3, Delay: time.Millisecond, Linear: true},
		Long:     RetryPolicy{Attempts: 2, Delay: time.Millisecond},
	})
}

func TestQuote(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	q, err := testClient(srv.URL).Quote(context.Background(), moutai)
	require.NoError(t, err)
	assert.Equal(t, "secid=1.600519", gotQuery)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("1688.5")))
	assert.True(t, q.Low.Equal(decimal.RequireFromString("1680.1")))
	assert.Equal(t, int64(12345), q.Volume)
	assert.Equal(t, time.Unix(1792130400, 0), q.ObservedAt)
	assert.Equal(t, time.Unix(1792130400, 0).UTC().Format(types.DateLayout), q.TradeDate)
}

func TestQuoteSourceAPIOverride(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	e := *moutai
	e.SourceAPI = srv.URL + "/custom/{code}"
	_, err := testClient(srv.URL).Quote(context.Background(), &e)
	require.NoError(t, err)
	assert.Equal(t, "/custom/600519", path)
}

func TestGzipAndJSONP(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("jQuery1234_5678(" + quoteBody + ");"))
	zw.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no Content-Encoding header on purpose
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	q, err := testClient(srv.URL).Quote(context.Background(), moutai)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("1688.5")))
}

func TestNoDataIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "null data", body: `{"rc":0,"data":null}`},
		{name: "missing data", body: `{"rc":102}`},
		{name: "suspended", body: `{"data":{"f43":"-","f57":"600519"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := testClient(srv.URL).Quote(context.Background(), moutai)
			assert.True(t, errors.Is(err, ErrNoData), "got %v", err)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestMalformedBodyIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// cut off mid-payload
			w.Write([]byte(`jQuery1124({"data":{"code":"600519","klines":["2026-10-15,1680.00,16`))
			return
		}
		w.Write([]byte(`jQuery1124({"data":{"code":"600519","klines":[
			"2026-10-15,1680.00,1685.00,1690.00,1675.00,20000,33700000.00,0.9"]}});`))
	}))
	defer srv.Close()

	bars, err := testClient(srv.URL).Klines(context.Background(), moutai)
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMalformedBodyExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`<html>busy</html>`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Quote(context.Background(), moutai)
	assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
	assert.False(t, errors.Is(err, ErrNoData))
	assert.Equal(t, int32(3), calls.Load(), "short policy")
}

func TestTransientErrorsRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Quote(context.Background(), moutai)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Quote(context.Background(), moutai)
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "short policy")

	calls.Store(0)
	_, err = c.Klines(context.Background(), moutai)
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load(), "long policy")
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Quote(context.Background(), moutai)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"code":"600519","klines":[
			"2026-10-15,1680.00,1685.00,1690.00,1675.00,20000,33700000.00,0.9",
			"2026-10-16,1685.00,1688.50,1700.00,1680.10,12345,20800000.00,1.2",
			"garbage"]}}`))
	}))
	defer srv.Close()

	bars, err := testClient(srv.URL).Klines(context.Background(), moutai)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2026-10-16", bars[1].Date)
	assert.Equal(t, "day", bars[1].Period)
	assert.True(t, bars[1].Close.Equal(decimal.RequireFromString("1688.5")))
	assert.True(t, bars[1].High.Equal(decimal.NewFromInt(1700)))
	assert.Equal(t, int64(12345), bars[1].Volume)
}

func TestETFQuote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "code=510300", r.URL.RawQuery)
		w.Write([]byte(`{"data":{"f43":3.912,"f57":"510300"}}`))
	}))
	defer srv.Close()

	etf := &types.WatchedEntity{Code: "510300", Market: "1", Kind: types.EntityKindETF}
	q, err := testClient(srv.URL).ETFQuote(context.Background(), etf)
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("3.912")))
}

func TestParseTicks(t *testing.T) {
	body := []byte(`{"data":{"details":["09:30:03,1688.50,100,1,3","09:30:06,1688.00,50,2,1","bad"]}}`)
	loc, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	now := time.Date(2026, 10, 16, 10, 0, 0, 0, loc)

	ticks, err := parseTicks(body, "600519", now)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.Equal(t, time.Date(2026, 10, 16, 9, 30, 3, 0, loc), ticks[0].Time)
	assert.Equal(t, 2, ticks[1].Direction)
	assert.Equal(t, int64(50), ticks[1].Volume)
}

func TestUnwrapJSONP(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{`cb({"a":1});`, `{"a":1}`},
		{`  cb({"a":(1)})  `, `{"a":(1)}`},
		{`no parens`, `no parens`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, string(unwrapJSONP([]byte(tt.in))))
	}
}

func TestRetryPolicyMaxElapsed(t *testing.T) {
	long := RetryPolicy{Attempts: 30, Delay: 2 * time.Minute}
	assert.Greater(t, long.maxElapsed(8*time.Second), 60*time.Minute, "long policy must not be cut short by the default elapsed cap")

	short := RetryPolicy{Attempts: 3, Delay: 300 * time.Millisecond, Linear: true}
	assert.Equal(t, 1800*time.Millisecond+3*time.Second+time.Second, short.maxElapsed(time.Second))
}

func TestRateLimiterHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(quoteBody))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.limiter = rate.NewLimiter(0.001, 1)

	_, err := c.Quote(context.Background(), moutai)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Quote(ctx, moutai)
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "status"))
}
