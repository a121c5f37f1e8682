// Package logging implements the append-only structured audit trail: one
// JSON object per line, rotated daily, with secret-named fields redacted and
// oversized HTTP bodies summarized before they ever reach disk.
package logging

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType enumerates the audit event kinds from spec.md §4.1.
type EventType string

const (
	EventStartup          EventType = "STARTUP"
	EventClientRequest    EventType = "CLIENT_REQUEST"
	EventCentralRequest   EventType = "CENTRAL_REQUEST"
	EventCentralResponse  EventType = "CENTRAL_RESPONSE"
	EventDBQuery          EventType = "DB_QUERY"
	EventDBResult         EventType = "DB_RESULT"
	EventPrometheusQuery  EventType = "PROMETHEUS_QUERY"
	EventPrometheusResult EventType = "PROMETHEUS_RESULT"
	EventSSHCommand       EventType = "SSH_COMMAND"
	EventSSHResult        EventType = "SSH_RESULT"
	EventCLICommand       EventType = "CLI_COMMAND"
	EventCLIResult        EventType = "CLI_RESULT"
	EventError            EventType = "ERROR"
)

// Level is the audit severity.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

const (
	smallBodyThreshold = 2 * 1024
	largeBodyThreshold = 5 * 1024
)

// secretKeyParts are matched case-insensitively as substrings of a field
// name; any match masks the value.
var secretKeyParts = []string{
	"password",
	"token",
	"apitoken",
	"api_token",
	"secret",
	"ssh_password",
	"sr_password",
	"central_api_token",
}

// Logger is an append-only, daily-rotating JSONL sink. When disabled, every
// method is a no-op and no file is ever opened.
type Logger struct {
	dir     string
	enabled bool

	mu       sync.Mutex
	file     *os.File
	fileDate string
}

// New creates a Logger rooted at dir. When enabled is false the Logger is a
// complete no-op, matching ENABLE_LOGGING=false from spec.md §6.
func New(dir string, enabled bool) *Logger {
	l := &Logger{dir: dir, enabled: enabled}
	if enabled {
		l.dumpEnvironment()
	}
	return l
}

// Close releases the current log file handle, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Write serializes {timestamp, level, type, message, ...data} as one JSON
// line, after redacting secret-named fields (STARTUP events are written
// unredacted). Errors are swallowed: a logging failure must never poison
// the primary execution path.
func (l *Logger) Write(level Level, typ EventType, message string, data map[string]any) {
	if l == nil || !l.enabled {
		return
	}

	record := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"level":     level,
		"type":      typ,
		"message":   message,
	}
	fields := data
	if typ != EventStartup {
		fields = redactAny(data).(map[string]any)
	}
	for k, v := range fields {
		record[k] = v
	}
	// Database connection metadata is diagnostic, not a credential leak in
	// the same sense as an API token: restore it unredacted if present.
	if conn, ok := data["connection"]; ok {
		record["connection"] = conn
	}

	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.currentFileLocked()
	if err != nil {
		return
	}
	_, _ = f.Write(line)
}

// currentFileLocked returns the stream for today's log file, rotating if the
// UTC date has changed since the last write. Caller must hold l.mu.
func (l *Logger) currentFileLocked() (*os.File, error) {
	today := time.Now().UTC().Format("2006-01-02")
	if l.file != nil && l.fileDate == today {
		return l.file, nil
	}

	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, err
	}
	path := l.dir + "/mcp-server-" + today + ".log"
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.fileDate = today
	return f, nil
}

// dumpEnvironment logs the entire process environment, sorted by key,
// unredacted, exactly once at construction — per spec.md §4.1, STARTUP is
// the one event type that bypasses redaction deliberately.
func (l *Logger) dumpEnvironment() {
	env := map[string]any{}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sorted := make(map[string]any, len(env))
	for _, k := range keys {
		sorted[k] = env[k]
	}
	l.Write(LevelInfo, EventStartup, "process started", map[string]any{"environment": sorted})
}

// redactAny recursively masks any map key that case-insensitively contains a
// secret-indicating substring. Non-map values pass through unchanged.
func redactAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if isSecretKey(k) {
				out[k] = "***MASKED***"
				continue
			}
			out[k] = redactAny(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = redactAny(child)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// SummarizeBody applies the size policy from spec.md §4.1: bodies at or
// below the threshold are logged verbatim (after redaction); larger bodies
// are replaced with a summary object. isResponse selects the 5KB threshold
// (plus sizeMB) instead of the 2KB request threshold.
func SummarizeBody(body map[string]any, isResponse bool) any {
	redacted := redactAny(body)

	raw, err := json.Marshal(redacted)
	if err != nil {
		return redacted
	}
	size := len(raw)

	threshold := smallBodyThreshold
	if isResponse {
		threshold = largeBodyThreshold
	}
	if size <= threshold {
		return redacted
	}

	summary := map[string]any{
		"_truncated": true,
		"sizeBytes":  size,
		"sizeKB":     float64(size) / 1024.0,
	}
	if isResponse {
		summary["sizeMB"] = float64(size) / (1024.0 * 1024.0)
	}

	if args, ok := body["args"]; ok {
		summary["args"] = summarizeArgs(args)
	}
	if results, ok := body["results"].(map[string]any); ok {
		keys := make([]string, 0, len(results))
		for k := range results {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		limit := keys
		if len(limit) > 10 {
			limit = limit[:10]
		}
		rraw, _ := json.Marshal(results)
		summary["results"] = map[string]any{
			"sizeBytes": len(rraw),
			"keys":      limit,
			"totalKeys": len(keys),
		}
	}
	return summary
}

func summarizeArgs(args any) any {
	raw, err := json.Marshal(args)
	if err == nil && len(raw) <= smallBodyThreshold {
		return args
	}
	m, ok := args.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]any{"keys": keys}
}
