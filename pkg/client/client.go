package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/heron/pkg/api"
	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/types"
)

// Client talks to the monitor API of a heron node
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the node at addr ("host:port" or a URL)
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Tasks returns one page of the aggregated monitor view
func (c *Client) Tasks(ctx context.Context, page, size, history int) (*api.TasksResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	q.Set("history", strconv.Itoa(history))

	var resp api.TasksResponse
	if err := c.get(ctx, "/api/v1/monitor/tasks", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Statuses returns one page of raw status records
func (c *Client) Statuses(ctx context.Context, page, size int) (*api.StatusesResponse, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))

	var resp api.StatusesResponse
	if err := c.get(ctx, "/api/v1/monitor/statuses", q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Nodes lists live cluster members
func (c *Client) Nodes(ctx context.Context) ([]*types.ClusterNode, error) {
	var resp struct {
		Items []*types.ClusterNode `json:"items"`
	}
	if err := c.get(ctx, "/api/v1/monitor/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Denylist lists denylisted node addresses
func (c *Client) Denylist(ctx context.Context) ([]string, error) {
	var resp struct {
		Items []string `json:"items"`
	}
	if err := c.get(ctx, "/api/v1/monitor/denylist", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// Events returns recent events recorded by the node, newest first
func (c *Client) Events(ctx context.Context, limit int) ([]*events.Event, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Items []*events.Event `json:"items"`
	}
	if err := c.get(ctx, "/api/v1/monitor/events", q, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
