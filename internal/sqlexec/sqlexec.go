// Package sqlexec runs batches of labelled SQL statements against the local
// analytics database, one fresh connection per batch.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/config"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
)

// Query is one labelled statement to run, or a "meta" directive that the
// executor never runs itself — the caller inspects it for the profile
// enrichment pipeline.
type Query struct {
	ID   string
	Type string // "sql" | "meta"
	SQL  string

	// meta-only fields
	RequiresProfileFetch     bool
	RequiresTableSchemaFetch bool
	TimeRangeHours           int
	MinDurationMS            int
}

// IsMeta reports whether this entry is a pseudo-query that carries
// enrichment flags rather than SQL to run.
func (q Query) IsMeta() bool { return q.Type == "meta" }

// Row is one result row, column name to raw value.
type Row map[string]any

// Result is what one statement produced: either rows, or an error capsule.
type Result struct {
	Rows  []Row  `json:"rows,omitempty"`
	Error string `json:"error,omitempty"`
	// SQLPrefix is the first 200 characters of the failed statement, kept
	// short so error results stay log-friendly.
	SQLPrefix string `json:"sql_prefix,omitempty"`
}

const sqlPrefixLen = 200

// Executor runs SQL batches against one configured database endpoint.
type Executor struct {
	dsn string
	// openDB is overridden in tests to inject a sqlmock connection instead
	// of dialing a real MySQL-protocol endpoint.
	openDB func(dsn string) (*sql.DB, error)
	logger *logging.Logger
}

// New builds an Executor from process configuration. Every statement run
// through it is recorded on logger as a DB_QUERY/DB_RESULT pair.
func New(cfg config.Config, logger *logging.Logger) *Executor {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/", cfg.SRUser, cfg.SRPassword, cfg.SRHost, cfg.SRPort)
	return &Executor{dsn: dsn, openDB: func(dsn string) (*sql.DB, error) { return sql.Open("mysql", dsn) }, logger: logger}
}

// Execute opens one connection, disables profile recording for the session,
// then runs every non-meta query in order. The connection is always closed,
// including on error paths. Results are keyed by Query.ID.
func (e *Executor) Execute(ctx context.Context, queries []Query) (map[string]Result, error) {
	db, err := e.openDB(e.dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: open connection: %w", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlexec: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET enable_profile = false"); err != nil {
		// Profile recording is a nice-to-have optimization toggle, not a
		// precondition; continue on a session that doesn't support it.
		_ = err
	}

	results := make(map[string]Result, len(queries))
	for _, q := range queries {
		if q.IsMeta() {
			continue
		}
		e.logger.Write(logging.LevelInfo, logging.EventDBQuery, "db query", map[string]any{"id": q.ID, "sql": q.SQL})
		rows, err := runLabelled(ctx, conn, q.SQL)
		if err != nil {
			results[q.ID] = Result{Error: err.Error(), SQLPrefix: prefix(q.SQL)}
			e.logger.Write(logging.LevelError, logging.EventDBResult, "db query failed", map[string]any{"id": q.ID, "error": err.Error()})
			continue
		}
		results[q.ID] = Result{Rows: rows}
		e.logger.Write(logging.LevelInfo, logging.EventDBResult, "db query succeeded", map[string]any{"id": q.ID, "rows": len(rows)})
	}
	return results, nil
}

// ExecuteOne runs a single ad-hoc statement, the §4.9.6 item 4
// single-statement variant of this executor.
func (e *Executor) ExecuteOne(ctx context.Context, sqlText string) (Result, error) {
	db, err := e.openDB(e.dsn)
	if err != nil {
		return Result{}, fmt.Errorf("sqlexec: open connection: %w", err)
	}
	defer db.Close()

	e.logger.Write(logging.LevelInfo, logging.EventDBQuery, "db query", map[string]any{"sql": sqlText})
	rows, err := runLabelled(ctx, db, sqlText)
	if err != nil {
		e.logger.Write(logging.LevelError, logging.EventDBResult, "db query failed", map[string]any{"error": err.Error()})
		return Result{Error: err.Error(), SQLPrefix: prefix(sqlText)}, nil
	}
	e.logger.Write(logging.LevelInfo, logging.EventDBResult, "db query succeeded", map[string]any{"rows": len(rows)})
	return Result{Rows: rows}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func runLabelled(ctx context.Context, q querier, statement string) ([]Row, error) {
	rows, err := q.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(raw[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// normalize converts driver-returned []byte (the common shape for TEXT-like
// MySQL wire columns) into a string so results serialize cleanly to JSON.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func prefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= sqlPrefixLen {
		return s
	}
	return s[:sqlPrefixLen]
}
