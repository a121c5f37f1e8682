package loop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/sqlexec"
)

// systemStatementPrefixes are excluded from profile-fetch candidates, per
// spec.md §4.10's system-query filter: internal bookkeeping statements never
// need a profile or schema fetch.
var systemStatementPrefixes = []string{"show", "set", "use"}

// systemStatementSubstrings are matched anywhere in the lower-cased
// statement text.
var systemStatementSubstrings = []string{
	"select last_query_id(", "select get_query_profile(", "select @@", "information_schema.",
}

// queryCandidate is one row pulled out of a prior SQL result that might
// qualify for profile or table-schema enrichment.
type queryCandidate struct {
	QueryID    string
	Statement  string
	Database   string
	TableName  string
	DurationMS int
	SubmitTime time.Time
}

// applyProfileEnrichment implements §4.10: it scans already-fetched SQL rows
// for query candidates, narrows them by system-statement, time-window, and
// min-duration filters, then fetches get_query_profile() and/or table DDL
// (detecting data_cache.enable) for whatever survives.
func (l *Loop) applyProfileEnrichment(ctx context.Context, results map[string]any, mq orchestrator.Query) {
	candidates := filterSystemQueries(extractQueryCandidates(results))
	if mq.TimeRangeHours > 0 {
		candidates = filterByTimeWindow(candidates, mq.TimeRangeHours)
	}
	if mq.MinDurationMS > 0 {
		candidates = filterByMinDuration(candidates, mq.MinDurationMS)
	}

	if mq.RequiresProfileFetch {
		results["query_profiles"] = l.fetchQueryProfiles(ctx, candidates)
	}
	if mq.RequiresTableSchemaFetch {
		results["table_schemas"] = l.fetchTableSchemas(ctx, candidates)
	}
}

// extractQueryCandidates scans every SQL result already accumulated for rows
// that look like query-log entries (carrying a query_id column).
func extractQueryCandidates(results map[string]any) []queryCandidate {
	var out []queryCandidate
	for _, v := range results {
		res, ok := v.(map[string]any)
		if !ok {
			continue
		}
		rows, ok := res["rows"].([]map[string]any)
		if !ok {
			continue
		}
		for _, row := range rows {
			qid, ok := row["query_id"].(string)
			if !ok || qid == "" {
				continue
			}
			out = append(out, rowToCandidate(qid, row))
		}
	}
	return out
}

func rowToCandidate(qid string, row map[string]any) queryCandidate {
	c := queryCandidate{QueryID: qid, DurationMS: toInt(row["duration_ms"])}
	if stmt, ok := row["statement"].(string); ok {
		c.Statement = stmt
	} else if sql, ok := row["sql"].(string); ok {
		c.Statement = sql
	}
	if db, ok := row["db"].(string); ok {
		c.Database = db
	} else if db, ok := row["catalog_db"].(string); ok {
		c.Database = db
	}
	if tbl, ok := row["table_name"].(string); ok {
		c.TableName = tbl
	}
	if ts, ok := row["submit_time"].(string); ok {
		if parsed, err := time.Parse("2006-01-02 15:04:05", ts); err == nil {
			c.SubmitTime = parsed
		}
	}
	return c
}

// filterSystemQueries implements spec.md §4.10's system-query exclusion: it
// inspects each candidate's raw statement text, not its database, since the
// excluded patterns (SHOW/SET/USE, profile/session introspection,
// information_schema, FROM-less SELECT) are statement shapes, not schemas.
func filterSystemQueries(candidates []queryCandidate) []queryCandidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if isSystemStatement(c.Statement) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func isSystemStatement(statement string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(statement))
	if trimmed == "" {
		return false
	}
	for _, p := range systemStatementPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	for _, s := range systemStatementSubstrings {
		if strings.Contains(trimmed, s) {
			return true
		}
	}
	if strings.HasPrefix(trimmed, "select") && !strings.Contains(trimmed, "from") {
		return true
	}
	return false
}

func filterByTimeWindow(candidates []queryCandidate, hours int) []queryCandidate {
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.SubmitTime.IsZero() || c.SubmitTime.After(cutoff) {
			out = append(out, c)
		}
	}
	return out
}

func filterByMinDuration(candidates []queryCandidate, minMS int) []queryCandidate {
	out := candidates[:0:0]
	for _, c := range candidates {
		if c.DurationMS >= minMS {
			out = append(out, c)
		}
	}
	return out
}

func (l *Loop) fetchQueryProfiles(ctx context.Context, candidates []queryCandidate) map[string]any {
	profiles := map[string]any{}
	for _, c := range candidates {
		stmt := fmt.Sprintf("SELECT get_query_profile('%s')", escapeSQLLiteral(c.QueryID))
		r, err := l.deps.SQL.ExecuteOne(ctx, stmt)
		if err != nil {
			profiles[c.QueryID] = map[string]any{"error": err.Error()}
			continue
		}
		profiles[c.QueryID] = sqlResultToAny(r)
	}
	return profiles
}

func (l *Loop) fetchTableSchemas(ctx context.Context, candidates []queryCandidate) map[string]any {
	seen := map[string]bool{}
	schemas := map[string]any{}
	for _, c := range candidates {
		if c.TableName == "" || seen[c.TableName] {
			continue
		}
		seen[c.TableName] = true

		stmt := fmt.Sprintf("SHOW CREATE TABLE %s", quoteTableName(c.TableName))
		r, err := l.deps.SQL.ExecuteOne(ctx, stmt)
		if err != nil {
			schemas[c.TableName] = map[string]any{"error": err.Error()}
			continue
		}
		ddl := ddlFromResult(r)
		schemas[c.TableName] = map[string]any{
			"ddl":                ddl,
			"data_cache_enabled": strings.Contains(ddl, `"data_cache.enable" = "true"`),
		}
	}
	return schemas
}

func ddlFromResult(r sqlexec.Result) string {
	if len(r.Rows) == 0 {
		return ""
	}
	for _, v := range r.Rows[0] {
		if s, ok := v.(string); ok && strings.Contains(strings.ToUpper(s), "CREATE TABLE") {
			return s
		}
	}
	return ""
}

// escapeSQLLiteral doubles single quotes, the minimal escaping needed for a
// StarRocks string literal built from an internal query ID, never from
// untrusted input.
func escapeSQLLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// quoteTableName backtick-quotes each dot-separated identifier part
// (db.table), doubling any embedded backtick, so a table name scraped from
// a query-log row can never break out of the SHOW CREATE TABLE statement.
func quoteTableName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = "`" + strings.ReplaceAll(p, "`", "``") + "`"
	}
	return strings.Join(parts, ".")
}
