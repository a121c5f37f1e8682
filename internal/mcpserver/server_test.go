package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/loop"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/report"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/session"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logging.New(t.TempDir(), false)
	orch := orchestrator.New(srv.URL, "", logger)
	lp := loop.New(loop.Dependencies{
		Orchestrator: orch,
		Sessions:     session.New(),
		Logger:       logger,
		ReportSink:   report.Sink{},
	})

	var out bytes.Buffer
	return New(orch, lp, logger, &out)
}

func readResponses(t *testing.T, out *bytes.Buffer) []JSONRPCResponse {
	t.Helper()
	var responses []JSONRPCResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var msg map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		if _, ok := msg["id"]; !ok {
			continue
		}
		var resp JSONRPCResponse
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeReturnsProtocolVersionAndServerInfo(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected orchestrator call: %s", r.URL.Path)
	})
	out := &bytes.Buffer{}
	s.out = out

	s.handleLine(context.Background(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)

	resps := readResponses(t, out)
	require.Len(t, resps, 1)
	assert.Nil(t, resps[0].Error)

	data, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result InitializeResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.Equal(t, ServerName, result.ServerInfo.Name)
}

func TestToolsListMergesLocalToolsOverOrchestratorCatalogue(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tools", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tools": []orchestrator.ToolDef{
				{Name: "analyze_storage", Description: "diagnose storage", InputSchema: map[string]any{"type": "object"}},
				{Name: "get_query_profile", Description: "stale orchestrator-side definition"},
			},
		})
	})
	out := &bytes.Buffer{}
	s.out = out

	s.handleLine(context.Background(), `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)

	resps := readResponses(t, out)
	require.Len(t, resps, 1)

	data, err := json.Marshal(resps[0].Result)
	require.NoError(t, err)
	var result ListToolsResult
	require.NoError(t, json.Unmarshal(data, &result))

	byName := map[string]MCPTool{}
	for _, tool := range result.Tools {
		byName[tool.Name] = tool
	}
	require.Len(t, result.Tools, 4) // analyze_storage + 3 local tools, get_query_profile deduplicated
	assert.Equal(t, "diagnose storage", byName["analyze_storage"].Description)
	assert.Equal(t, "Fetch a query's execution profile summary.", byName["get_query_profile"].Description)
	assert.Contains(t, byName, "analyze_load_profile")
	assert.Contains(t, byName, "check_disk_io")
}

func TestToolsCallEmitsProgressThenResult(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/queries/"):
			_ = json.NewEncoder(w).Encode(orchestrator.QueriesResponse{})
		case strings.HasPrefix(r.URL.Path, "/api/analyze/"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":            "success",
				"diagnosis_results": map[string]any{"summary": "ok"},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})
	out := &bytes.Buffer{}
	s.out = out

	req := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"analyze_storage","arguments":{"confirmed":true},"_meta":{"progressToken":"tok-1"}}}`
	s.handleLine(context.Background(), req)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3)

	var first JSONRPCNotification
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "notifications/progress", first.Method)

	var last JSONRPCResponse
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	require.NotNil(t, last.Result)

	data, err := json.Marshal(last.Result)
	require.NoError(t, err)
	var result ToolCallResult
	require.NoError(t, json.Unmarshal(data, &result))
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, "完整报告")
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected orchestrator call: %s", r.URL.Path)
	})
	out := &bytes.Buffer{}
	s.out = out

	s.handleLine(context.Background(), `{"jsonrpc":"2.0","id":4,"method":"bogus/method"}`)

	resps := readResponses(t, out)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, errCodeMethodNotFound, resps[0].Error.Code)
}

func TestProgressTokenPrecedence(t *testing.T) {
	params := CallToolParams{Meta: &callMeta{ProgressToken: "from-meta"}}
	assert.Equal(t, "from-meta", progressToken(params, map[string]any{"tool_use_id": "from-args"}, 99))

	noMeta := CallToolParams{}
	assert.Equal(t, "from-args", progressToken(noMeta, map[string]any{"tool_use_id": "from-args"}, 99))
	assert.EqualValues(t, 99, progressToken(noMeta, nil, 99))
}

func TestServeReadsMultipleLinesUntilEOF(t *testing.T) {
	s := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected orchestrator call: %s", r.URL.Path)
	})
	out := &bytes.Buffer{}
	s.out = out

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"initialize"}` + "\n",
	)
	err := s.Serve(context.Background(), in)
	require.NoError(t, err)

	resps := readResponses(t, out)
	assert.Len(t, resps, 2)
}
