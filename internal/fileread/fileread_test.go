package fileread

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReturnsContentAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello diagnostic world"), 0o644))

	r, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "hello diagnostic world", r.Content)
	assert.Equal(t, path, r.FilePath)
	assert.Equal(t, int64(len("hello diagnostic world")), r.SizeBytes)
}

func TestReadMissingFileReturnsError(t *testing.T) {
	_, err := Read("/nonexistent/path/does/not/exist")
	assert.Error(t, err)
}

func TestIsLargeThreshold(t *testing.T) {
	dir := t.TempDir()

	small := filepath.Join(dir, "small.log")
	require.NoError(t, os.WriteFile(small, []byte("tiny"), 0o644))
	assert.False(t, IsLarge(small))

	big := filepath.Join(dir, "big.log")
	require.NoError(t, os.WriteFile(big, []byte(strings.Repeat("x", LargeFileThreshold+1)), 0o644))
	assert.True(t, IsLarge(big))
}

func TestIsLargeMissingFileIsFalse(t *testing.T) {
	assert.False(t, IsLarge("/nonexistent/path"))
}
