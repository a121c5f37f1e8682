package cliexec

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseS3TotalSize(t *testing.T) {
	r := Parse("s3", "Total Objects: 42\nTotal Size: 1,234,567 Bytes\n")
	require.True(t, r.Success)
	require.NotNil(t, r.SizeBytes)
	assert.Equal(t, int64(1234567), *r.SizeBytes)
}

func TestParseS3ZeroObjects(t *testing.T) {
	r := Parse("s3a", "Total Objects: 0\n")
	require.True(t, r.Success)
	assert.Equal(t, int64(0), *r.SizeBytes)
}

func TestParseOSS(t *testing.T) {
	r := Parse("oss", "object count: 10\ntotal object sum size: 98765\n")
	require.True(t, r.Success)
	assert.Equal(t, int64(98765), *r.SizeBytes)
}

func TestParseS3cmd(t *testing.T) {
	r := Parse("s3cmd", "  4096 12 objects\n")
	require.True(t, r.Success)
	assert.Equal(t, int64(4096), *r.SizeBytes)
}

func TestParseCOS(t *testing.T) {
	r := Parse("cos", "du total (555 Bytes)\n")
	require.True(t, r.Success)
	assert.Equal(t, int64(555), *r.SizeBytes)

	r2 := Parse("cosn", "(777 Bytes)")
	require.True(t, r2.Success)
	assert.Equal(t, int64(777), *r2.SizeBytes)
}

func TestParseHDFSAndGS(t *testing.T) {
	r := Parse("hdfs", "123456 /data/warehouse\n")
	require.True(t, r.Success)
	assert.Equal(t, int64(123456), *r.SizeBytes)

	r2 := Parse("gs", "987 gs://bucket/path\n")
	require.True(t, r2.Success)
	assert.Equal(t, int64(987), *r2.SizeBytes)
}

func TestParseAzblob(t *testing.T) {
	r := Parse("azblob", "  2048000  \n")
	require.True(t, r.Success)
	assert.Equal(t, int64(2048000), *r.SizeBytes)
}

func TestParseUnknownStorageTypeReturnsNullSize(t *testing.T) {
	r := Parse("made-up-vendor", "anything")
	assert.False(t, r.Success)
	assert.Nil(t, r.SizeBytes)
}

func TestParseUnparseableOutputReturnsNullSize(t *testing.T) {
	r := Parse("s3", "not a recognizable total at all")
	assert.False(t, r.Success)
	assert.Nil(t, r.SizeBytes)
}

func TestRunBoundsConcurrencyAtTen(t *testing.T) {
	e := &Executor{}
	var inFlight, maxSeen int32
	e.run = func(ctx context.Context, argv []string) (string, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxSeen)
			if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return "123", nil
	}

	commands := make([]Command, 25)
	for i := range commands {
		commands[i] = Command{ID: string(rune('a' + i%26)), StorageType: "hdfs", Argv: []string{"hdfs", "dfs", "-du"}}
	}

	results := e.Run(context.Background(), commands)
	assert.Len(t, results, len(commands))
	assert.LessOrEqual(t, int(maxSeen), maxConcurrency)
}

func TestRunCapturesSpawnError(t *testing.T) {
	e := &Executor{}
	e.run = func(ctx context.Context, argv []string) (string, error) {
		return "", errEmptyCommand
	}

	results := e.Run(context.Background(), []Command{{ID: "q1", StorageType: "s3"}})
	r := results["q1"]
	assert.False(t, r.Success)
	assert.Equal(t, errEmptyCommand.Error(), r.Error)
}
