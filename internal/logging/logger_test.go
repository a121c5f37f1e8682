package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, dir string) []map[string]any {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	f, err := os.Open(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestNewDisabledIsNoOp(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, false)
	l.Write(LevelInfo, EventDBQuery, "should not write", map[string]any{"sql": "select 1"})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestNewEnabledDumpsEnvironmentOnStartup(t *testing.T) {
	t.Setenv("SR_PASSWORD", "super-secret")
	dir := t.TempDir()
	l := New(dir, true)
	defer l.Close()

	lines := readLines(t, dir)
	require.Len(t, lines, 1)
	assert.Equal(t, string(EventStartup), lines[0]["type"])

	env, ok := lines[0]["environment"].(map[string]any)
	require.True(t, ok)
	// STARTUP dump is deliberately unredacted.
	assert.Equal(t, "super-secret", env["SR_PASSWORD"])
}

func TestWriteRedactsSecretFields(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, true)
	defer l.Close()

	l.Write(LevelInfo, EventDBQuery, "connecting", map[string]any{
		"sr_password": "hunter2",
		"nested": map[string]any{
			"central_api_token": "abc123",
			"keep":              "visible",
		},
	})

	lines := readLines(t, dir)
	require.Len(t, lines, 2) // STARTUP + this write

	entry := lines[1]
	assert.Equal(t, "***MASKED***", entry["sr_password"])
	nested := entry["nested"].(map[string]any)
	assert.Equal(t, "***MASKED***", nested["central_api_token"])
	assert.Equal(t, "visible", nested["keep"])
}

func TestWriteIsCaseInsensitiveOnSecretKeys(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, true)
	defer l.Close()

	l.Write(LevelInfo, EventSSHCommand, "ssh", map[string]any{"SSH_Password": "swordfish"})

	lines := readLines(t, dir)
	entry := lines[len(lines)-1]
	assert.Equal(t, "***MASKED***", entry["SSH_Password"])
}

func TestSummarizeBodySmallPassesThroughRedacted(t *testing.T) {
	body := map[string]any{"query": "select 1", "token": "tiny-secret"}
	out := SummarizeBody(body, false)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "select 1", m["query"])
	assert.Equal(t, "***MASKED***", m["token"])
}

func TestSummarizeBodyLargeRequestIsTruncated(t *testing.T) {
	big := make(map[string]any)
	for i := 0; i < 500; i++ {
		big["field_"+string(rune('a'+i%26))+string(rune(i))] = "0123456789"
	}
	out := SummarizeBody(map[string]any{"args": big}, false)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["_truncated"])
	assert.Contains(t, m, "sizeBytes")
	assert.NotContains(t, m, "sizeMB")
}

func TestSummarizeBodyLargeResponseIncludesSizeMB(t *testing.T) {
	results := make(map[string]any)
	for i := 0; i < 2000; i++ {
		results["row_"+string(rune(i))] = "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"
	}
	out := SummarizeBody(map[string]any{"results": results}, true)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["_truncated"])
	assert.Contains(t, m, "sizeMB")

	rsummary, ok := m["results"].(map[string]any)
	require.True(t, ok)
	assert.LessOrEqual(t, len(rsummary["keys"].([]string)), 10)
	assert.Equal(t, len(results), rsummary["totalKeys"])
}

func TestLogRotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, true)
	defer l.Close()

	l.mu.Lock()
	l.fileDate = "2000-01-01"
	l.mu.Unlock()

	l.Write(LevelInfo, EventError, "forced rotation", nil)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	// The fake old date forces a close+reopen against today's filename,
	// which is the same file as the STARTUP write landed in — still one file.
	assert.Len(t, entries, 1)
}
