// Package cliexec spawns local cloud-storage CLI tools (S3, OSS, COS, HDFS,
// GCS, Azure, s3cmd) with bounded concurrency and parses their textual
// output into byte counts via a table of vendor-specific extractors.
package cliexec

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
)

const (
	maxConcurrency = 10
	cmdTimeout     = 30 * time.Second
	maxOutputBytes = 10 * 1024 * 1024
)

// Command is one local cloud-storage CLI invocation to run.
type Command struct {
	ID          string
	Argv        []string // spawned directly, never through a shell
	StorageType string   // s3 | s3a | s3n | oss | s3cmd | cos | cosn | hdfs | gs | azblob
}

// Result is one command's parsed outcome.
type Result struct {
	Success   bool   `json:"success"`
	SizeBytes *int64 `json:"size_bytes"`
	RawOutput string `json:"raw_output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// extractor pulls a byte count out of one vendor's raw CLI output.
type extractor func(output string) (int64, bool)

// parserTable maps storage type to its byte-count extractor — a table, not
// a switch, per the design note on vendor CLI parsers.
var parserTable = []struct {
	storageTypes []string
	extract      extractor
}{
	{[]string{"s3", "s3a", "s3n"}, extractTotalSizeBytes},
	{[]string{"oss"}, extractOSSTotalObjectSum},
	{[]string{"s3cmd"}, extractS3cmdObjects},
	{[]string{"cos", "cosn"}, extractParenthesizedBytes},
	{[]string{"hdfs", "gs"}, extractLeadingDigits},
	{[]string{"azblob"}, extractWholeTrimmedOutput},
}

var (
	totalSizeBytesPattern   = regexp.MustCompile(`Total Size:\s*([\d,]+)\s*Bytes`)
	totalObjectsZeroPattern = regexp.MustCompile(`Total Objects:\s*0\b`)
	ossTotalObjectPattern   = regexp.MustCompile(`total object sum size:\s*(\d+)`)
	s3cmdObjectsPattern     = regexp.MustCompile(`^\s*(\d+)\s+\d+\s+objects?`)
	parenBytesPattern       = regexp.MustCompile(`\((\d+)\s*Bytes\)`)
	leadingDigitsPattern    = regexp.MustCompile(`^\s*(\d+)`)
)

func extractTotalSizeBytes(output string) (int64, bool) {
	if m := totalSizeBytesPattern.FindStringSubmatch(output); m != nil {
		return parseDigitsWithCommas(m[1])
	}
	if totalObjectsZeroPattern.MatchString(output) {
		return 0, true
	}
	return 0, false
}

func extractOSSTotalObjectSum(output string) (int64, bool) {
	m := ossTotalObjectPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	return n, err == nil
}

func extractS3cmdObjects(output string) (int64, bool) {
	for _, line := range strings.Split(output, "\n") {
		if m := s3cmdObjectsPattern.FindStringSubmatch(line); m != nil {
			n, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func extractParenthesizedBytes(output string) (int64, bool) {
	m := parenBytesPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	return n, err == nil
}

func extractLeadingDigits(output string) (int64, bool) {
	m := leadingDigitsPattern.FindStringSubmatch(output)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	return n, err == nil
}

func extractWholeTrimmedOutput(output string) (int64, bool) {
	trimmed := strings.TrimSpace(output)
	n, err := strconv.ParseInt(trimmed, 10, 64)
	return n, err == nil
}

func parseDigitsWithCommas(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	return n, err == nil
}

func lookupExtractor(storageType string) (extractor, bool) {
	for _, row := range parserTable {
		for _, st := range row.storageTypes {
			if st == storageType {
				return row.extract, true
			}
		}
	}
	return nil, false
}

// Parse extracts a byte count from raw CLI output for the given storage
// type. Unknown storage types, or output the extractor can't match, yield
// size_bytes: null and success: false — never an error.
func Parse(storageType, output string) Result {
	fn, ok := lookupExtractor(storageType)
	if !ok {
		return Result{Success: false, RawOutput: output}
	}
	n, ok := fn(output)
	if !ok {
		return Result{Success: false, RawOutput: output}
	}
	return Result{Success: true, SizeBytes: &n}
}

// Executor runs local cloud-storage CLI commands.
type Executor struct {
	// run spawns and captures one command; overridden in tests.
	run    func(ctx context.Context, argv []string) (string, error)
	logger *logging.Logger
}

// New builds an Executor that spawns real subprocesses. Every command run
// through it is recorded on logger as a CLI_COMMAND/CLI_RESULT pair.
func New(logger *logging.Logger) *Executor {
	e := &Executor{logger: logger}
	e.run = e.spawn
	return e
}

func (e *Executor) spawn(ctx context.Context, argv []string) (string, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()

	if len(argv) == 0 {
		return "", errEmptyCommand
	}
	cmd := exec.CommandContext(timeoutCtx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &out, max: maxOutputBytes}
	cmd.Stderr = &limitedWriter{buf: &out, max: maxOutputBytes}
	err := cmd.Run()
	return out.String(), err
}

var errEmptyCommand = &cliError{"cliexec: empty command"}

type cliError struct{ msg string }

func (e *cliError) Error() string { return e.msg }

// Run fans out commands with a concurrency cap of 10, parsing each
// command's output with the vendor table before returning.
func (e *Executor) Run(ctx context.Context, commands []Command) map[string]Result {
	results := make(map[string]Result, len(commands))
	var mu sync.Mutex

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for _, cmd := range commands {
		wg.Add(1)
		sem <- struct{}{}
		go func(cmd Command) {
			defer wg.Done()
			defer func() { <-sem }()

			e.logger.Write(logging.LevelInfo, logging.EventCLICommand, "cli command", map[string]any{
				"id": cmd.ID, "storage_type": cmd.StorageType, "argv": cmd.Argv,
			})

			output, err := e.run(ctx, cmd.Argv)
			var r Result
			if err != nil {
				r = Result{Success: false, Error: err.Error(), RawOutput: output}
			} else {
				r = Parse(cmd.StorageType, output)
			}

			level := logging.LevelInfo
			if !r.Success {
				level = logging.LevelError
			}
			e.logger.Write(level, logging.EventCLIResult, "cli result", map[string]any{
				"id": cmd.ID, "success": r.Success, "error": r.Error,
			})

			mu.Lock()
			results[cmd.ID] = r
			mu.Unlock()
		}(cmd)
	}
	wg.Wait()
	return results
}

type limitedWriter struct {
	buf   *bytes.Buffer
	max   int
	count int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.count >= l.max {
		return len(p), nil
	}
	remaining := l.max - l.count
	if len(p) > remaining {
		n, err := l.buf.Write(p[:remaining])
		l.count += n
		return len(p), err
	}
	n, err := l.buf.Write(p)
	l.count += n
	return n, err
}
