// Package orchestrator is the HTTP client for the Central Orchestrator:
// the remote service that decides what queries to run and interprets their
// results for one tool call at a time.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
)

// ToolDef is one entry in the orchestrator's dynamic tool catalogue.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Plan is the confirmation-gate payload for a tool call's first turn.
type Plan struct {
	Description   string     `json:"description"`
	Steps         []PlanStep `json:"steps"`
	EstimatedTime string     `json:"estimated_time"`
}

// PlanStep is one row of a Plan.
type PlanStep struct {
	Step int    `json:"step"`
	Name string `json:"name"`
}

// PlanResponse is the /api/plan/<tool> envelope.
type PlanResponse struct {
	RequiresPlan bool  `json:"requires_plan"`
	Plan         *Plan `json:"plan,omitempty"`
}

// Query is one statement the loop must execute before the next analyze
// call.
type Query struct {
	ID                       string `json:"id"`
	Type                     string `json:"type"`
	SQL                      string `json:"sql,omitempty"`
	QueryExpr                string `json:"query,omitempty"`
	Start                    string `json:"start,omitempty"`
	End                      string `json:"end,omitempty"`
	Step                     string `json:"step,omitempty"`
	RequiresProfileFetch     bool   `json:"requires_profile_fetch,omitempty"`
	RequiresTableSchemaFetch bool   `json:"requires_table_schema_fetch,omitempty"`
	TimeRangeHours           int    `json:"time_range_hours,omitempty"`
	MinDurationMS            int    `json:"min_duration_ms,omitempty"`
}

// QueriesResponse is the /api/queries/<tool> envelope.
type QueriesResponse struct {
	Queries []Query `json:"queries"`
}

// Directive is one reply from /api/analyze/<tool>. Only fields legal for a
// given Status are meaningfully populated; Extra carries any
// orchestrator-added field this struct doesn't name explicitly.
type Directive struct {
	Status    string `json:"status"`
	Phase     string `json:"phase,omitempty"`
	PhaseName string `json:"phase_name,omitempty"`

	RequiresSQLExecution    bool `json:"requires_sql_execution,omitempty"`
	RequiresSSHExecution    bool `json:"requires_ssh_execution,omitempty"`
	RequiresPrometheusQuery bool `json:"requires_prometheus_query,omitempty"`
	RequiresCLIExecution    bool `json:"requires_cli_execution,omitempty"`
	RequiresToolCall        bool `json:"requires_tool_call,omitempty"`

	Queries           []map[string]any `json:"queries,omitempty"`
	SSHCommands       []map[string]any `json:"ssh_commands,omitempty"`
	PrometheusQueries []map[string]any `json:"prometheus_queries,omitempty"`
	CLICommands       []map[string]any `json:"cli_commands,omitempty"`

	ToolName      string         `json:"tool_name,omitempty"`
	ToolArgs      map[string]any `json:"tool_args,omitempty"`
	ToolResultKey string         `json:"tool_result_key,omitempty"`

	SQL          string `json:"sql,omitempty"`
	SQLResultKey string `json:"sql_result_key,omitempty"`

	NextQueries []map[string]any `json:"next_queries,omitempty"`
	NextArgs    map[string]any   `json:"next_args,omitempty"`

	SuggestedActions []SuggestedAction `json:"suggested_actions,omitempty"`
	CompletedStep    *CompletedStep    `json:"completed_step,omitempty"`
	Step             int               `json:"step,omitempty"`
	TotalSteps       int               `json:"total_steps,omitempty"`

	Extra map[string]any `json:"-"`
}

// SuggestedAction is one post-terminal follow-up the orchestrator asks for.
type SuggestedAction struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
	Reason string         `json:"reason"`
}

// CompletedStep names the step a step_completed directive just finished.
type CompletedStep struct {
	Step int    `json:"step"`
	Name string `json:"name"`
}

// knownDirectiveFields lists every JSON key already bound to a named
// Directive field, so UnmarshalJSON knows which leftover keys belong in
// Extra.
var knownDirectiveFields = map[string]bool{
	"status": true, "phase": true, "phase_name": true,
	"requires_sql_execution": true, "requires_ssh_execution": true,
	"requires_prometheus_query": true, "requires_cli_execution": true,
	"requires_tool_call": true,
	"queries": true, "ssh_commands": true, "prometheus_queries": true, "cli_commands": true,
	"tool_name": true, "tool_args": true, "tool_result_key": true,
	"sql": true, "sql_result_key": true,
	"next_queries": true, "next_args": true,
	"suggested_actions": true, "completed_step": true, "step": true, "total_steps": true,
}

// UnmarshalJSON decodes the named fields normally and stashes every other
// top-level key (health envelopes, diagnosis results, plan payloads, html
// report fields, selection prompts, result summaries, ...) into Extra, since
// the orchestrator's terminal envelope shape varies per tool.
func (d *Directive) UnmarshalJSON(data []byte) error {
	type alias Directive
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Directive(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := map[string]any{}
	for k, v := range raw {
		if knownDirectiveFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("orchestrator: decode extra field %q: %w", k, err)
		}
		extra[k] = val
	}
	d.Extra = extra
	return nil
}

// IsTerminal reports whether status ends the orchestration loop: every
// status other than the four enumerated non-terminal ones.
func (d Directive) IsTerminal() bool {
	switch d.Status {
	case "plan", "needs_selection", "step_completed", "needs_more_queries":
		return false
	default:
		return true
	}
}

const toolCatalogueTTL = 1 * time.Hour

// toolCatalogueCache mirrors the teacher's onlineNodes-with-timestamp
// cache-freshness idiom, applied to the orchestrator's tool list.
type toolCatalogueCache struct {
	mu       sync.RWMutex
	tools    []ToolDef
	fetchedAt time.Time
}

func (c *toolCatalogueCache) get() ([]ToolDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tools == nil || time.Since(c.fetchedAt) > toolCatalogueTTL {
		return c.tools, false
	}
	return c.tools, true
}

func (c *toolCatalogueCache) set(tools []ToolDef) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
	c.fetchedAt = time.Now()
}

// Client is the typed HTTP binding to the Central Orchestrator.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cache   toolCatalogueCache
	logger  *logging.Logger
}

// New builds a Client against baseURL, attaching apiKey as X-API-Key on
// every request when non-empty. Every request/response round-trip is
// recorded on logger as a CENTRAL_REQUEST/CENTRAL_RESPONSE pair, per
// spec.md §4.1 — a nil logger is a no-op, same as logging.New(..., false).
func New(baseURL, apiKey string, logger *logging.Logger) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{}, logger: logger}
}

// Tools returns the dynamic tool catalogue, cached for one hour. On a
// transport error, a stale cache is returned if one exists.
func (c *Client) Tools(ctx context.Context) ([]ToolDef, error) {
	if tools, fresh := c.cache.get(); fresh {
		return tools, nil
	}

	var out struct {
		Tools []ToolDef `json:"tools"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/api/tools", nil, &out)
	if err != nil {
		if stale, ok := c.cache.get(); ok || stale != nil {
			return stale, nil
		}
		return nil, err
	}
	c.cache.set(out.Tools)
	return out.Tools, nil
}

// Plan calls GET /api/plan/<tool>?<args>.
func (c *Client) Plan(ctx context.Context, tool string, args map[string]any) (PlanResponse, error) {
	q := url.Values{}
	for k, v := range args {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	path := fmt.Sprintf("/api/plan/%s", url.PathEscape(tool))
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var out PlanResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return PlanResponse{}, err
	}
	return out, nil
}

// Queries calls POST /api/queries/<tool> with {args}.
func (c *Client) Queries(ctx context.Context, tool string, args map[string]any) (QueriesResponse, error) {
	body := map[string]any{"args": args}
	path := fmt.Sprintf("/api/queries/%s", url.PathEscape(tool))

	var out QueriesResponse
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return QueriesResponse{}, err
	}
	return out, nil
}

// Analyze calls POST /api/analyze/<tool> with {results, args}.
func (c *Client) Analyze(ctx context.Context, tool string, results, args map[string]any) (Directive, error) {
	body := map[string]any{"results": results, "args": args}
	path := fmt.Sprintf("/api/analyze/%s", url.PathEscape(tool))

	var out Directive
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return Directive{}, err
	}
	return out, nil
}

// doJSON performs one request. POST request bodies are always sent as JSON
// (never folded into a query string), per spec.md §4.6.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("orchestrator: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("orchestrator: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	reqLog := map[string]any{"method": method, "path": path}
	if m, ok := body.(map[string]any); ok {
		reqLog["body"] = logging.SummarizeBody(m, false)
	}
	c.logger.Write(logging.LevelInfo, logging.EventCentralRequest, fmt.Sprintf("%s %s", method, path), reqLog)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Write(logging.LevelError, logging.EventError, "central request failed", map[string]any{
			"method": method, "path": path, "error": err.Error(),
		})
		return fmt.Errorf("orchestrator: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Write(logging.LevelError, logging.EventError, "central response unreadable", map[string]any{
			"method": method, "path": path, "error": err.Error(),
		})
		return fmt.Errorf("orchestrator: read response: %w", err)
	}

	respLog := map[string]any{"method": method, "path": path, "status": resp.StatusCode}
	var parsed map[string]any
	if json.Unmarshal(raw, &parsed) == nil {
		respLog["body"] = logging.SummarizeBody(parsed, true)
	}
	c.logger.Write(logging.LevelInfo, logging.EventCentralResponse, fmt.Sprintf("%s %s -> %d", method, path, resp.StatusCode), respLog)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrator: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("orchestrator: decode response: %w", err)
	}
	return nil
}
