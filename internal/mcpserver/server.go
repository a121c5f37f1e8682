package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/loop"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
)

const protocolVersion = "2024-11-05"

// ServerName/ServerVersion identify this process in the initialize handshake.
const (
	ServerName    = "starrocks-mcp-server"
	ServerVersion = "1.0.0"
)

// readBufferSize mirrors the teacher's 1MB stdio scanner buffer, sized for
// large tool-call argument payloads.
const readBufferSize = 1024 * 1024

// localTools are declared here rather than fetched from the orchestrator,
// per spec.md §6: their execution still routes through the orchestrator
// (except read_file), but their schemas are fixed and known at build time.
// They win over any orchestrator-catalogue entry of the same name.
var localTools = []MCPTool{
	{
		Name:        "get_query_profile",
		Description: "Fetch a query's execution profile summary.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query_id": map[string]any{"type": "string"}},
			"required":   []string{"query_id"},
		},
	},
	{
		Name:        "analyze_load_profile",
		Description: "Run a two-stage analysis of a load execution profile.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"file_path":       map[string]any{"type": "string"},
				"profile_content": map[string]any{"type": "string"},
			},
		},
	},
	{
		Name:        "check_disk_io",
		Description: "Report disk I/O utilization across backend nodes for a time range.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"start_time":   map[string]any{"type": "string"},
				"end_time":     map[string]any{"type": "string"},
				"be_addresses": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"start_time", "end_time"},
		},
	},
}

// Server is the stdio JSON-RPC transport: it serves list_tools/call_tool
// against the orchestrator's catalogue and the Orchestration Loop.
type Server struct {
	orchestrator *orchestrator.Client
	loop         *loop.Loop
	logger       *logging.Logger

	out   io.Writer
	outMu sync.Mutex
}

// New builds a Server writing framed JSON-RPC lines to out.
func New(orch *orchestrator.Client, lp *loop.Loop, logger *logging.Logger, out io.Writer) *Server {
	return &Server{orchestrator: orch, loop: lp, logger: logger, out: out}
}

// Serve reads newline-delimited JSON-RPC messages from in until EOF or ctx
// cancellation, dispatching each one synchronously.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), readBufferSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		if line == "" {
			continue
		}
		s.handleLine(ctx, line)
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line string) {
	var req JSONRPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.logger.Write(logging.LevelError, logging.EventError, "malformed JSON-RPC line", map[string]any{"error": err.Error()})
		return
	}

	s.logger.Write(logging.LevelInfo, logging.EventClientRequest, "request received", map[string]any{
		"method": req.Method,
		"id":     req.ID,
	})

	switch req.Method {
	case "initialize":
		s.respond(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      serverInfo{Name: ServerName, Version: ServerVersion},
		})
	case "tools/list":
		s.handleToolsList(ctx, req)
	case "tools/call":
		s.handleToolsCall(ctx, req)
	case "notifications/initialized":
		// No reply expected for a notification from the client.
	default:
		if req.ID != nil {
			s.respondError(req.ID, errCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
		}
	}
}

// handleToolsList returns the union of localTools and the orchestrator's
// dynamic catalogue, per spec.md §6 — local definitions win on name
// collision.
func (s *Server) handleToolsList(ctx context.Context, req JSONRPCRequest) {
	tools, err := s.orchestrator.Tools(ctx)
	if err != nil {
		s.respondError(req.ID, errCodeInternalError, err.Error())
		return
	}

	byName := make(map[string]MCPTool, len(tools)+len(localTools))
	order := make([]string, 0, len(tools)+len(localTools))
	for _, t := range tools {
		byName[t.Name] = MCPTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
		order = append(order, t.Name)
	}
	for _, t := range localTools {
		if _, exists := byName[t.Name]; !exists {
			order = append(order, t.Name)
		}
		byName[t.Name] = t
	}

	out := make([]MCPTool, len(order))
	for i, name := range order {
		out[i] = byName[name]
	}
	s.respond(req.ID, ListToolsResult{Tools: out})
}

func (s *Server) handleToolsCall(ctx context.Context, req JSONRPCRequest) {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.respondError(req.ID, errCodeInvalidParams, "invalid tools/call params: "+err.Error())
		return
	}

	var args map[string]any
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			s.respondError(req.ID, errCodeInvalidParams, "invalid tool arguments: "+err.Error())
			return
		}
	}

	token := progressToken(params, args, req.ID)
	s.notifyProgress(token, 0, 1)

	outcome := s.loop.RunTool(ctx, params.Name, args)

	s.notifyProgress(token, 1, 1)
	s.respond(req.ID, ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: outcome.Text}},
		IsError: outcome.IsError,
	})
}

// progressToken implements the token precedence rule: an explicit
// _meta.progressToken wins, then the tool-use identifier the caller tagged
// its arguments with, then the bare request ID.
func progressToken(params CallToolParams, args map[string]any, requestID any) any {
	if params.Meta != nil && params.Meta.ProgressToken != nil {
		return params.Meta.ProgressToken
	}
	if args != nil {
		if id, ok := args["tool_use_id"]; ok {
			return id
		}
	}
	return requestID
}

func (s *Server) notifyProgress(token any, progress, total float64) {
	if token == nil {
		return
	}
	s.writeLine(JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  "notifications/progress",
		Params:  ProgressParams{ProgressToken: token, Progress: progress, Total: total},
	})
}

func (s *Server) respond(id any, result any) {
	s.writeLine(JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) respondError(id any, code int, message string) {
	s.writeLine(JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &JSONRPCError{Code: code, Message: message}})
}

func (s *Server) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Write(logging.LevelError, logging.EventError, "failed to encode JSON-RPC message", map[string]any{"error": err.Error()})
		return
	}

	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}
