package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/cliexec"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/fileread"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/remote"
)

// dispatchPhase implements §4.9.6: a needs_more_queries directive is handled
// in a fixed order — CLI, then SSH, then a nested tool call, then a single
// SQL statement, then Prometheus queries, then a next_queries batch — with
// each kind writing its results under phase-specific keys.
func (l *Loop) dispatchPhase(ctx context.Context, results, args map[string]any, d orchestrator.Directive, depth int) {
	if d.RequiresCLIExecution && len(d.CLICommands) > 0 {
		l.dispatchCLI(ctx, results, args, d)
	}
	if d.RequiresSSHExecution && len(d.SSHCommands) > 0 {
		l.dispatchSSH(ctx, results, args, d)
	}
	if d.RequiresToolCall && d.ToolName != "" {
		l.dispatchToolCall(ctx, results, args, d, depth)
	}
	if d.RequiresSQLExecution && d.SQL != "" {
		l.dispatchSingleSQL(ctx, results, args, d)
	}
	if d.RequiresPrometheusQuery && len(d.PrometheusQueries) > 0 {
		l.dispatchPrometheus(ctx, results, args, d)
	}
	if len(d.NextQueries) > 0 {
		l.dispatchNextQueries(ctx, results, args, d)
	}
}

// dispatchCLI implements §4.9.6 item 1's phase-specific keying: named phases
// get a dedicated results slot, anything else falls back to the generic
// cli_results/cli_summary pair.
func (l *Loop) dispatchCLI(ctx context.Context, results, args map[string]any, d orchestrator.Directive) {
	ids := make([]string, len(d.CLICommands))
	cmds := make([]cliexec.Command, len(d.CLICommands))
	for i, m := range d.CLICommands {
		ids[i] = fmt.Sprintf("cli_%d", i)
		cmds[i] = mapToCLICommand(ids[i], m)
	}

	out := l.deps.CLI.Run(ctx, cmds)

	resultsKey, summaryKey := "cli_results", "cli_summary"
	switch d.PhaseName {
	case "list_table_directories":
		resultsKey, summaryKey = "dir_listing_results", "dir_listing_summary"
	case "get_garbage_sizes":
		resultsKey, summaryKey = "garbage_size_results", "garbage_size_summary"
	}

	list := make([]any, 0, len(out))
	successes := 0
	for _, id := range ids {
		r := out[id]
		if r.Success {
			successes++
		}
		list = append(list, map[string]any{
			"id":         id,
			"success":    r.Success,
			"size_bytes": r.SizeBytes,
			"error":      r.Error,
		})
	}
	storeBoth(results, args, resultsKey, list)
	storeBoth(results, args, summaryKey, map[string]any{"total": len(cmds), "successful": successes})
}

// dispatchSSH implements §4.9.6 item 2's phase-specific keying.
func (l *Loop) dispatchSSH(ctx context.Context, results, args map[string]any, d orchestrator.Directive) {
	cmds := make([]remote.Command, len(d.SSHCommands))
	for i, m := range d.SSHCommands {
		cmds[i] = mapToSSHCommand(m)
	}
	batch := l.deps.Remote.Run(ctx, cmds)

	switch d.PhaseName {
	case "discover_log_paths":
		paths := make([]any, 0, len(batch.Results))
		for _, r := range batch.Results {
			if r.Success {
				paths = append(paths, map[string]any{"node_ip": r.NodeIP, "path": r.Output})
			}
		}
		storeBoth(results, args, "discovered_log_paths", paths)
	case "fetch_logs":
		contents := make([]any, 0, len(batch.Results))
		for _, r := range batch.Results {
			contents = append(contents, map[string]any{
				"node_ip": r.NodeIP, "success": r.Success, "files": filesToAny(r.Files), "error": r.Error,
			})
		}
		storeBoth(results, args, "log_contents", contents)
	default:
		storeBoth(results, args, "ssh_results", batchToAny(batch))
		storeBoth(results, args, "ssh_summary", map[string]any{
			"total": batch.Summary.Total, "successful": batch.Summary.Successful, "failed": batch.Summary.Failed,
		})
	}
}

// dispatchToolCall implements §4.9.6 item 3. "read_file" is handled inline
// against the local filesystem rather than recursed through run() — it
// isn't a call_tool round-trip at all, just a local file read the
// orchestrator asked for by name, per spec.md §4.8. Everything else is a
// nested call_tool, dispatched through the depth-bounded run() rather than
// true recursion through a public entry point.
func (l *Loop) dispatchToolCall(ctx context.Context, results, args map[string]any, d orchestrator.Directive, depth int) {
	key := d.ToolResultKey
	if key == "" {
		key = "tool_result"
	}

	if d.ToolName == "read_file" {
		path, _ := d.ToolArgs["file_path"].(string)
		res, err := fileread.Read(path)
		if err != nil {
			storeBoth(results, args, key, map[string]any{"error": err.Error()})
			return
		}
		storeBoth(results, args, key, map[string]any{
			"content": res.Content, "file_path": res.FilePath, "size_bytes": res.SizeBytes,
		})
		return
	}

	out := l.run(ctx, d.ToolName, d.ToolArgs, depth+1)
	storeBoth(results, args, key, map[string]any{"text": out.Text, "is_error": out.IsError})
}

// dispatchSingleSQL implements §4.9.6 item 4.
func (l *Loop) dispatchSingleSQL(ctx context.Context, results, args map[string]any, d orchestrator.Directive) {
	r, err := l.deps.SQL.ExecuteOne(ctx, d.SQL)
	key := d.SQLResultKey
	if key == "" {
		key = "sql_result"
	}
	if err != nil {
		storeBoth(results, args, key, map[string]any{"error": err.Error()})
		return
	}
	storeBoth(results, args, key, sqlResultToAny(r))
}

// dispatchPrometheus implements §4.9.6 item 5.
func (l *Loop) dispatchPrometheus(ctx context.Context, results, args map[string]any, d orchestrator.Directive) {
	queries := make([]orchestrator.Query, len(d.PrometheusQueries))
	for i, m := range d.PrometheusQueries {
		queries[i] = mapToOrchestratorQuery(fmt.Sprintf("prom_%d", i), m)
	}
	out := l.deps.Metrics.Execute(ctx, toMetricQueries(queries))
	for id, r := range out {
		storeBoth(results, args, id, metricResultToAny(r))
	}
}

// dispatchNextQueries implements §4.9.6 item 6, including the
// desc_storage_volumes reshape called out in spec.md §4.9.6 item 6: entries
// keyed desc_volume_<name> get folded into one storage_volume_details map
// rather than left keyed per-statement.
func (l *Loop) dispatchNextQueries(ctx context.Context, results, args map[string]any, d orchestrator.Directive) {
	queries := make([]orchestrator.Query, len(d.NextQueries))
	for i, m := range d.NextQueries {
		id, _ := m["id"].(string)
		if id == "" {
			id = fmt.Sprintf("next_%d", i)
		}
		queries[i] = mapToOrchestratorQuery(id, m)
	}
	meta, sqlQueries, metricQueries := partitionQueries(queries)

	if err := l.firstExecutionPass(ctx, results, args, sqlQueries, metricQueries); err != nil {
		storeBoth(results, args, "next_queries_error", err.Error())
		return
	}
	for _, mq := range meta {
		if mq.RequiresProfileFetch {
			l.applyProfileEnrichment(ctx, results, mq)
		}
	}

	if d.PhaseName == "desc_storage_volumes" {
		reshapeStorageVolumes(results, args, sqlQueries)
	}
}

func mapToOrchestratorQuery(id string, m map[string]any) orchestrator.Query {
	requiresProfile, _ := m["requires_profile_fetch"].(bool)
	requiresSchema, _ := m["requires_table_schema_fetch"].(bool)
	return orchestrator.Query{
		ID:                       id,
		Type:                     toStr(firstNonEmpty(m["type"], "sql")),
		SQL:                      toStr(m["sql"]),
		QueryExpr:                toStr(m["query"]),
		Start:                    toStr(m["start"]),
		End:                      toStr(m["end"]),
		Step:                     toStr(m["step"]),
		RequiresProfileFetch:     requiresProfile,
		RequiresTableSchemaFetch: requiresSchema,
		TimeRangeHours:           toInt(m["time_range_hours"]),
		MinDurationMS:            toInt(m["min_duration_ms"]),
	}
}

// reshapeStorageVolumes folds each desc_volume_<name> statement's single row
// into one map keyed by volume name, per spec.md §4.9.6 item 6.
func reshapeStorageVolumes(results, args map[string]any, sqlQueries []orchestrator.Query) {
	const idPrefix = "desc_volume_"

	details := map[string]any{}
	for _, q := range sqlQueries {
		name, ok := strings.CutPrefix(q.ID, idPrefix)
		if !ok || name == "" {
			continue
		}
		r, ok := results[q.ID].(map[string]any)
		if !ok {
			continue
		}
		rows, ok := r["rows"].([]map[string]any)
		if !ok || len(rows) == 0 {
			continue
		}
		details[name] = rows[0]
	}
	storeBoth(results, args, "storage_volume_details", details)
}
