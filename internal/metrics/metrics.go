// Package metrics issues instant and range queries against the local
// time-series monitoring system and exposes its scrape-interval detection.
package metrics

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
)

// Query is one time-series request, instant or range.
type Query struct {
	ID    string
	Type  string // "prometheus_instant" | "prometheus_range"
	Query string
	Start string // relative ("1h") or ISO-8601, defaults applied if empty
	End   string
	Step  string
}

// Result captures a query outcome or a structured failure, never both.
type Result struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	// QueryPrefix is kept short so error results stay log-friendly.
	QueryPrefix string `json:"query_prefix,omitempty"`
}

var relativeTimePattern = regexp.MustCompile(`^(\d+)([smhd])$`)

const defaultScrapeInterval = 15 * time.Second

// Client wraps the Prometheus HTTP API client for this process's one
// configured monitoring endpoint.
type Client struct {
	api    promv1.API
	logger *logging.Logger
}

// New dials the monitoring system at baseURL. Dialing here means building
// the HTTP round-tripper only; no network call happens until the first
// query. Every query run through it is recorded on logger as a
// PROMETHEUS_QUERY/PROMETHEUS_RESULT pair.
func New(baseURL string, logger *logging.Logger) (*Client, error) {
	c, err := api.NewClient(api.Config{Address: baseURL})
	if err != nil {
		return nil, fmt.Errorf("metrics: build client: %w", err)
	}
	return &Client{api: promv1.NewAPI(c), logger: logger}, nil
}

// Execute runs a batch of instant/range queries, capturing failures into
// per-query Results rather than aborting the batch.
func (c *Client) Execute(ctx context.Context, queries []Query) map[string]Result {
	out := make(map[string]Result, len(queries))
	for _, q := range queries {
		c.logger.Write(logging.LevelInfo, logging.EventPrometheusQuery, "prometheus query", map[string]any{
			"id": q.ID, "type": q.Type, "query": q.Query,
		})
		v, err := c.executeOne(ctx, q)
		if err != nil {
			out[q.ID] = Result{Error: err.Error(), QueryPrefix: truncate(q.Query, 200)}
			c.logger.Write(logging.LevelError, logging.EventPrometheusResult, "prometheus query failed", map[string]any{
				"id": q.ID, "error": err.Error(),
			})
			continue
		}
		out[q.ID] = Result{Value: v}
		c.logger.Write(logging.LevelInfo, logging.EventPrometheusResult, "prometheus query succeeded", map[string]any{"id": q.ID})
	}
	return out
}

func (c *Client) executeOne(ctx context.Context, q Query) (any, error) {
	switch q.Type {
	case "prometheus_range":
		r, err := c.Range(ctx, q.Query, q.Start, q.End, q.Step)
		if err != nil {
			return nil, err
		}
		return r, nil
	default: // "prometheus_instant"
		v, err := c.Instant(ctx, q.Query, q.Start)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Instant runs GET /api/v1/query at the given time (now if ts is empty).
func (c *Client) Instant(ctx context.Context, query, ts string) (model.Value, error) {
	when := time.Now()
	if ts != "" {
		parsed, err := ParseTimeBound(ts, time.Now())
		if err != nil {
			return nil, fmt.Errorf("metrics: parse time: %w", err)
		}
		when = parsed
	}
	v, warnings, err := c.api.Query(ctx, query, when)
	if err != nil {
		return nil, fmt.Errorf("metrics: instant query: %w", err)
	}
	_ = warnings
	return v, nil
}

// Range runs GET /api/v1/query_range. start defaults to now-1h, end to now,
// step to "1m", matching the defaults in spec.md §4.3.
func (c *Client) Range(ctx context.Context, query, start, end, step string) (model.Value, error) {
	now := time.Now()

	startT := now.Add(-1 * time.Hour)
	if start != "" {
		parsed, err := ParseTimeBound(start, now)
		if err != nil {
			return nil, fmt.Errorf("metrics: parse start: %w", err)
		}
		startT = parsed
	}

	endT := now
	if end != "" {
		parsed, err := ParseTimeBound(end, now)
		if err != nil {
			return nil, fmt.Errorf("metrics: parse end: %w", err)
		}
		endT = parsed
	}

	stepDur := time.Minute
	if step != "" {
		parsed, err := parseDuration(step)
		if err != nil {
			return nil, fmt.Errorf("metrics: parse step: %w", err)
		}
		stepDur = parsed
	}

	r := promv1.Range{Start: startT, End: endT, Step: stepDur}
	v, warnings, err := c.api.QueryRange(ctx, query, r)
	if err != nil {
		return nil, fmt.Errorf("metrics: range query: %w", err)
	}
	_ = warnings
	return v, nil
}

// ParseTimeBound interprets a relative offset ("1h", "30m") or an absolute
// ISO-8601 timestamp, relative to now.
func ParseTimeBound(value string, now time.Time) (time.Time, error) {
	if m := relativeTimePattern.FindStringSubmatch(value); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, err
		}
		var unit time.Duration
		switch m[2] {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		return now.Add(-time.Duration(n) * unit), nil
	}
	return time.Parse(time.RFC3339, value)
}

// parseDuration parses a step string like "1m", "30s"; plain
// time.ParseDuration already covers this grammar.
func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

var scrapeIntervalPattern = regexp.MustCompile(`^(\d+)(ms|s|m|h)$`)

// DetectScrapeInterval finds an active target whose job name contains
// "node", parses its scrapeInterval, and falls back to 15s if none is
// found or the value is unparseable.
func (c *Client) DetectScrapeInterval(ctx context.Context) time.Duration {
	targets, err := c.api.Targets(ctx)
	if err != nil {
		return defaultScrapeInterval
	}
	for _, t := range targets.Active {
		if !strings.Contains(strings.ToLower(string(t.Labels["job"])), "node") {
			continue
		}
		if d, ok := parseScrapeInterval(t.ScrapeInterval); ok {
			return d
		}
	}
	return defaultScrapeInterval
}

func parseScrapeInterval(s string) (time.Duration, bool) {
	m := scrapeIntervalPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	switch m[2] {
	case "ms":
		return time.Duration(n) * time.Millisecond, true
	case "s":
		return time.Duration(n) * time.Second, true
	case "m":
		return time.Duration(n) * time.Minute, true
	case "h":
		return time.Duration(n) * time.Hour, true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
