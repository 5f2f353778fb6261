package fetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrNoData means the upstream answered without a data payload. It is a
// data error: retrying will not help, the item is skipped.
var ErrNoData = errors.New("fetch: upstream returned no data")

// ErrMalformed means the body could not be parsed at all, as with a
// truncated response. It is retried like any other transient failure.
var ErrMalformed = errors.New("fetch: malformed upstream payload")

const maxBodySize = 8 << 20

// RetryPolicy bounds attempts for one fetch
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	// Linear waits Delay, 2*Delay, ... instead of a constant Delay
	Linear bool
}

// maxElapsed is the worst-case wait of the policy plus a margin for the
// requests themselves
func (p RetryPolicy) maxElapsed(requestTimeout time.Duration) time.Duration {
	n := time.Duration(p.Attempts)
	wait := n * p.Delay
	if p.Linear {
		wait = n * (n + 1) / 2 * p.Delay
	}
	return wait + n*requestTimeout + time.Second
}

func (p RetryPolicy) backOff() backoff.BackOff {
	if p.Linear {
		return &linearBackOff{step: p.Delay}
	}
	return backoff.NewConstantBackOff(p.Delay)
}

type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Options configures the upstream client
type Options struct {
	// URL templates; {secid} and {code} are substituted per entity
	PriceURL string
	KlineURL string
	ETFURL   string
	TickURL  string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// RateLimit is requests per second across this client, 0 for unlimited
	RateLimit float64
	Burst     int

	// Location is the exchange time zone used for trade dates
	Location *time.Location

	// Short governs the continuous price loop, Long the bulk categories
	Short RetryPolicy
	Long  RetryPolicy
}

// Client fetches and decodes upstream market data
type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a client
func New(opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Short.Attempts < 1 {
		opts.Short.Attempts = 1
	}
	if opts.Long.Attempts < 1 {
		opts.Long.Attempts = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		},
		opts:    opts,
		limiter: limiter,
		logger:  log.WithComponent("fetch"),
	}
}

// Quote fetches the latest price of an entity under the short policy. The
// entity's own SourceAPI, when set, replaces the price URL template.
func (c *Client) Quote(ctx context.Context, e *types.WatchedEntity) (*types.Quote, error) {
	tmpl := c.opts.PriceURL
	if e.SourceAPI != "" {
		tmpl = e.SourceAPI
	}
	var q *types.Quote
	err := c.fetch(ctx, types.TaskTypeRefreshPrice, c.opts.Short, expand(tmpl, e), func(body []byte) (err error) {
		q, err = parseQuote(body, e.Code, c.opts.Location)
		return err
	})
	return q, err
}

// ETFQuote fetches an ETF snapshot under the long policy
func (c *Client) ETFQuote(ctx context.Context, e *types.WatchedEntity) (*types.Quote, error) {
	var q *types.Quote
	err := c.fetch(ctx, types.TaskTypeETF, c.opts.Long, expand(c.opts.ETFURL, e), func(body []byte) (err error) {
		q, err = parseQuote(body, e.Code, c.opts.Location)
		return err
	})
	return q, err
}

// Klines fetches daily bars under the long policy
func (c *Client) Klines(ctx context.Context, e *types.WatchedEntity) ([]*types.Bar, error) {
	var bars []*types.Bar
	err := c.fetch(ctx, types.TaskTypeKline, c.opts.Long, expand(c.opts.KlineURL, e), func(body []byte) (err error) {
		bars, err = parseKlines(body, e.Code)
		return err
	})
	return bars, err
}

// Ticks fetches today's trades under the long policy
func (c *Client) Ticks(ctx context.Context, e *types.WatchedEntity) ([]*types.Tick, error) {
	var ticks []*types.Tick
	err := c.fetch(ctx, types.TaskTypeTick, c.opts.Long, expand(c.opts.TickURL, e), func(body []byte) (err error) {
		ticks, err = parseTicks(body, e.Code, time.Now().In(c.opts.Location))
		return err
	})
	return ticks, err
}

// fetch retries get+parse under policy. Malformed bodies are retried; data
// errors and client errors are permanent and end the retry immediately.
func (c *Client) fetch(ctx context.Context, kind types.TaskType, policy RetryPolicy, url string, parse func([]byte) error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.UpstreamDuration, string(kind))

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		body, err := c.get(ctx, url)
		if err != nil {
			return struct{}{}, err
		}
		if err := parse(body); err != nil {
			if errors.Is(err, ErrMalformed) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.Attempts)),
		backoff.WithMaxElapsedTime(policy.maxElapsed(c.opts.ConnectTimeout+c.opts.ReadTimeout)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug().Err(err).
				Str("type", string(kind)).
				Int("attempt", attempt).
				Dur("next", next).
				Msg("upstream fetch failed, retrying")
		}),
	)

	result := "success"
	switch {
	case errors.Is(err, ErrNoData):
		result = "no_data"
	case errors.Is(err, ErrMalformed):
		result = "malformed"
	case err != nil:
		result = "error"
	}
	metrics.UpstreamRequests.WithLabelValues(string(kind), result).Inc()
	return err
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json, text/javascript, */*")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", "heron/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, backoff.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	body, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return unwrapJSONP(body), nil
}

// decode inflates gzip bodies whatever the response headers claim
func decode(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip body: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(io.LimitReader(zr, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to inflate body: %w", err)
	}
	return body, nil
}

// unwrapJSONP strips a callback(...) wrapper
func unwrapJSONP(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed
	}
	open := bytes.IndexByte(trimmed, '(')
	end := bytes.LastIndexByte(trimmed, ')')
	if open < 0 || end <= open {
		return trimmed
	}
	return trimmed[open+1 : end]
}

func expand(tmpl string, e *types.WatchedEntity) string {
	return strings.NewReplacer("{secid}", e.SecID(), "{code}", e.Code).Replace(tmpl)
}
