// Package fileread exposes local file contents to the orchestrator.
package fileread

import (
	"fmt"
	"os"
)

// LargeFileThreshold is the size above which the Orchestration Loop defers
// loading a file until just before the analyze call, per spec.md §4.8.
const LargeFileThreshold = 50 * 1024

// Result is what read_file returns to a caller.
type Result struct {
	Content   string `json:"content"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
}

// Read loads path in full and reports its size.
func Read(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("fileread: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("fileread: read %s: %w", path, err)
	}
	return Result{Content: string(data), FilePath: path, SizeBytes: info.Size()}, nil
}

// IsLarge reports whether path's size crosses the deferred-load threshold.
func IsLarge(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > LargeFileThreshold
}
