package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/sqlexec"
)

func TestPartitionQueriesSplitsByType(t *testing.T) {
	meta, sqlQueries, metricQueries := partitionQueries([]orchestrator.Query{
		{ID: "a", Type: "sql"},
		{ID: "b", Type: "meta", RequiresProfileFetch: true},
		{ID: "c", Type: "prometheus_instant"},
		{ID: "d", Type: "prometheus_range"},
	})
	assert.Len(t, meta, 1)
	assert.Len(t, sqlQueries, 1)
	assert.Len(t, metricQueries, 2)
	assert.Equal(t, "b", meta[0].ID)
	assert.Equal(t, "a", sqlQueries[0].ID)
}

func TestSplitArgvHandlesQuotedSpaces(t *testing.T) {
	got := splitArgv(`aws s3 ls "s3://my bucket/path" --recursive`)
	assert.Equal(t, []string{"aws", "s3", "ls", "s3://my bucket/path", "--recursive"}, got)
}

func TestSplitArgvPlainWhitespace(t *testing.T) {
	got := splitArgv("hdfs dfs -du -s /data")
	assert.Equal(t, []string{"hdfs", "dfs", "-du", "-s", "/data"}, got)
}

func TestMapToSSHCommandReadsFields(t *testing.T) {
	cmd := mapToSSHCommand(map[string]any{
		"node_ip": "10.0.0.1", "node_type": "be", "ssh_command": "cat log", "command_type": "fetch_log", "compress": true,
	})
	assert.Equal(t, "10.0.0.1", cmd.NodeIP)
	assert.Equal(t, "be", cmd.NodeType)
	assert.True(t, cmd.CompressOutput)
}

func TestMapToCLICommandSplitsCommandAndPrefersStorageType(t *testing.T) {
	cmd := mapToCLICommand("cli_0", map[string]any{"command": "aws s3 ls s3://b --summarize", "storage_type": "s3", "type": "ignored"})
	assert.Equal(t, "cli_0", cmd.ID)
	assert.Equal(t, "s3", cmd.StorageType)
	assert.Equal(t, []string{"aws", "s3", "ls", "s3://b", "--summarize"}, cmd.Argv)
}

func TestStoreBothWritesResultsAndArgs(t *testing.T) {
	results := map[string]any{}
	args := map[string]any{"existing": true}
	storeBoth(results, args, "k", 42)
	assert.Equal(t, 42, results["k"])
	assert.Equal(t, 42, args["k"])
	assert.Equal(t, true, args["existing"])
}

func TestSQLResultToAnyCarriesErrorSeparately(t *testing.T) {
	out := sqlResultToAny(sqlexec.Result{Error: "boom", SQLPrefix: "SELECT"})
	assert.Equal(t, "boom", out["error"])
	assert.Equal(t, "SELECT", out["sql_prefix"])
}
