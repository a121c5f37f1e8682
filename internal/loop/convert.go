package loop

import (
	"fmt"
	"strconv"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/cliexec"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/metrics"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/remote"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/sqlexec"
)

// partitionQueries splits one /api/queries response into the three kinds the
// first execution pass and the profile enrichment pipeline care about.
func partitionQueries(queries []orchestrator.Query) (meta, sqlQueries, metricQueries []orchestrator.Query) {
	for _, q := range queries {
		switch q.Type {
		case "meta":
			meta = append(meta, q)
		case "prometheus_instant", "prometheus_range":
			metricQueries = append(metricQueries, q)
		default:
			sqlQueries = append(sqlQueries, q)
		}
	}
	return
}

func toSQLQueries(queries []orchestrator.Query) []sqlexec.Query {
	out := make([]sqlexec.Query, len(queries))
	for i, q := range queries {
		out[i] = sqlexec.Query{ID: q.ID, Type: "sql", SQL: q.SQL}
	}
	return out
}

func toMetricQueries(queries []orchestrator.Query) []metrics.Query {
	out := make([]metrics.Query, len(queries))
	for i, q := range queries {
		out[i] = metrics.Query{ID: q.ID, Type: q.Type, Query: q.QueryExpr, Start: q.Start, End: q.End, Step: q.Step}
	}
	return out
}

func sqlResultToAny(r sqlexec.Result) map[string]any {
	out := map[string]any{}
	if r.Error != "" {
		out["error"] = r.Error
		out["sql_prefix"] = r.SQLPrefix
		return out
	}
	rows := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		rows[i] = map[string]any(row)
	}
	out["rows"] = rows
	return out
}

func metricResultToAny(r metrics.Result) map[string]any {
	if r.Error != "" {
		return map[string]any{"error": r.Error, "query_prefix": r.QueryPrefix}
	}
	return map[string]any{"value": r.Value}
}

// mapToSSHCommand reads one directive ssh_commands entry.
func mapToSSHCommand(m map[string]any) remote.Command {
	compress, _ := m["compress"].(bool)
	return remote.Command{
		NodeIP:         toStr(m["node_ip"]),
		NodeType:       toStr(m["node_type"]),
		SSHCommand:     toStr(m["ssh_command"]),
		CommandType:    toStr(m["command_type"]),
		CompressOutput: compress,
	}
}

// mapToCLICommand reads one directive cli_commands entry. The command string
// is split on whitespace and spawned directly via argv — never through a
// local shell — so no escaping is needed for shell metacharacters.
func mapToCLICommand(id string, m map[string]any) cliexec.Command {
	return cliexec.Command{
		ID:          id,
		Argv:        splitArgv(toStr(m["command"])),
		StorageType: toStr(firstNonEmpty(m["storage_type"], m["type"])),
	}
}

func firstNonEmpty(vals ...any) any {
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			return v
		}
	}
	return ""
}

func splitArgv(cmd string) []string {
	var args []string
	var cur []rune
	inQuote := rune(0)
	flush := func() {
		if len(cur) > 0 {
			args = append(args, string(cur))
			cur = nil
		}
	}
	for _, r := range cmd {
		switch {
		case inQuote != 0:
			if r == inQuote {
				inQuote = 0
			} else {
				cur = append(cur, r)
			}
		case r == '\'' || r == '"':
			inQuote = r
		case r == ' ' || r == '\t':
			flush()
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return args
}

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func filesToAny(files []remote.FileSection) []any {
	out := make([]any, len(files))
	for i, f := range files {
		out[i] = map[string]any{
			"filename":   f.Filename,
			"node_ip":    f.NodeIP,
			"node_type":  f.NodeType,
			"content":    f.Content,
			"line_count": f.LineCount,
			"size_bytes": f.SizeBytes,
		}
	}
	return out
}

func batchToAny(b remote.BatchResult) []any {
	out := make([]any, len(b.Results))
	for i, r := range b.Results {
		out[i] = map[string]any{
			"node_ip": r.NodeIP, "node_type": r.NodeType, "success": r.Success,
			"output": r.Output, "error": r.Error, "stderr": r.Stderr, "warning": r.Warning,
			"files": filesToAny(r.Files),
		}
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		// sqlexec normalizes every MySQL text-protocol column, numeric
		// columns included, into a string before rows reach the loop.
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return int(f)
	default:
		return 0
	}
}
