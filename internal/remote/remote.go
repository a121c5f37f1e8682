// Package remote fans out shell commands to cluster nodes over SSH with
// bounded concurrency, supporting inline capture, streamed log transfer, and
// multi-file archive parsing.
package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/config"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/shellsafe"
)

const (
	maxConcurrency = 5
	genericTimeout = 60 * time.Second
	streamTimeout  = 5 * time.Minute
	maxCaptureSize = 50 * 1024 * 1024
)

// Command is one SSH invocation to fan out.
type Command struct {
	NodeIP         string
	NodeType       string // fe | be | cn
	SSHCommand     string
	CommandType    string // discover_log_path | fetch_log | fetch_log_scp | "" (generic)
	CompressOutput bool
}

// FileSection is one parsed member of a multi-file archive response.
type FileSection struct {
	Filename  string `json:"filename"`
	NodeIP    string `json:"node_ip"`
	NodeType  string `json:"node_type"`
	Content   string `json:"content"`
	LineCount int    `json:"line_count"`
	SizeBytes int    `json:"size_bytes"`
}

// CommandResult is one node's outcome.
type CommandResult struct {
	NodeIP   string        `json:"node_ip"`
	NodeType string        `json:"node_type"`
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Warning  string        `json:"warning,omitempty"`
	Files    []FileSection `json:"files,omitempty"`
}

// BatchSummary accompanies every batch result, per spec.md §4.4.
type BatchSummary struct {
	Total           int   `json:"total"`
	Successful      int   `json:"successful"`
	Failed          int   `json:"failed"`
	ExecutionTimeMS int64 `json:"execution_time_ms"`
}

// BatchResult is the full fan-out outcome for one phase.
type BatchResult struct {
	Results []CommandResult `json:"results"`
	Summary BatchSummary    `json:"summary"`
}

// Executor dials and runs commands over SSH using the process's configured
// identity: directive-provided credentials first (not modeled here, as no
// directive carries per-command credentials in this spec), then
// environment, then the current user.
type Executor struct {
	user    string
	keyPath string
	logger  *logging.Logger

	// run is the per-command worker; it defaults to the real SSH dial/run
	// path but is overridden in tests to avoid a real network dependency.
	run func(ctx context.Context, cmd Command) CommandResult
}

// New builds an Executor from process configuration. Every command run
// through it is recorded on logger as an SSH_COMMAND/SSH_RESULT pair.
func New(cfg config.Config, logger *logging.Logger) *Executor {
	e := &Executor{user: cfg.SSHUser, keyPath: cfg.SSHKeyPath, logger: logger}
	e.run = e.runOne
	return e
}

// Run fans out commands with a concurrency cap of 5, collecting all results
// before returning.
func (e *Executor) Run(ctx context.Context, commands []Command) BatchResult {
	start := time.Now()
	results := make([]CommandResult, len(commands))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for i, cmd := range commands {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cmd Command) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.run(ctx, cmd)
		}(i, cmd)
	}
	wg.Wait()

	summary := BatchSummary{Total: len(results), ExecutionTimeMS: time.Since(start).Milliseconds()}
	for _, r := range results {
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
		}
	}
	return BatchResult{Results: results, Summary: summary}
}

func (e *Executor) runOne(ctx context.Context, cmd Command) CommandResult {
	if _, err := shellsafe.Validate(cmd.NodeIP); err != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: "unsafe node_ip: " + err.Error()}
	}
	if cmd.NodeType != "" {
		if _, err := shellsafe.Validate(cmd.NodeType); err != nil {
			return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: "unsafe node_type: " + err.Error()}
		}
	}

	e.logger.Write(logging.LevelInfo, logging.EventSSHCommand, "ssh command", map[string]any{
		"node_ip": cmd.NodeIP, "node_type": cmd.NodeType, "command_type": cmd.CommandType, "command": cmd.SSHCommand,
	})

	var r CommandResult
	switch cmd.CommandType {
	case "fetch_log_scp":
		r = e.runStreamed(ctx, cmd)
	case "fetch_log":
		r = e.runCaptureAndParse(ctx, cmd)
	default:
		r = e.runGeneric(ctx, cmd)
	}

	level := logging.LevelInfo
	if !r.Success {
		level = logging.LevelError
	}
	e.logger.Write(level, logging.EventSSHResult, "ssh result", map[string]any{
		"node_ip": cmd.NodeIP, "success": r.Success, "error": r.Error,
	})
	return r
}

func (e *Executor) dial(ctx context.Context, host string) (*ssh.Client, error) {
	key, err := os.ReadFile(e.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint — diagnostic tooling against known fleet hosts
		Timeout:         dialTimeout,
	}

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", host+":22")
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, host+":22", cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake %s: %w", host, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *Executor) runGeneric(ctx context.Context, cmd Command) CommandResult {
	timeoutCtx, cancel := context.WithTimeout(ctx, genericTimeout)
	defer cancel()

	client, err := e.dial(timeoutCtx, cmd.NodeIP)
	if err != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: err.Error()}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: err.Error()}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &limitedWriter{w: &stdout, max: maxCaptureSize}
	session.Stderr = &stderr

	runErr := session.Run(cmd.SSHCommand)
	out := stdout.String()

	if runErr != nil {
		if cmd.CommandType == "discover_log_path" && strings.HasPrefix(strings.TrimSpace(out), "/") {
			return CommandResult{
				NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: true,
				Output: strings.TrimSpace(out), Warning: "non-zero exit but stdout looked like a valid path",
			}
		}
		return CommandResult{
			NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false,
			Error: runErr.Error(), Stderr: stderr.String(), Output: out,
		}
	}
	return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: true, Output: strings.TrimSpace(out)}
}

func (e *Executor) runCaptureAndParse(ctx context.Context, cmd Command) CommandResult {
	r := e.runGeneric(ctx, cmd)
	if !r.Success {
		return r
	}

	payload := r.Output
	if cmd.CompressOutput {
		decoded, err := decodeBase64Gzip(payload)
		if err != nil {
			// Decompression failure: fall back to raw bytes per spec.md §7.
			r.Warning = "decompression failed, using raw output: " + err.Error()
		} else {
			payload = decoded
		}
	}
	r.Files = ParseArchive(payload, cmd.NodeIP, cmd.NodeType)
	return r
}

func (e *Executor) runStreamed(ctx context.Context, cmd Command) CommandResult {
	timeoutCtx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	client, err := e.dial(timeoutCtx, cmd.NodeIP)
	if err != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: err.Error()}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: err.Error()}
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: err.Error()}
	}

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("sr_log_%s_*.gz", mangleIP(cmd.NodeIP)))
	if err != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: err.Error()}
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if err := session.Start(cmd.SSHCommand); err != nil {
		tmpFile.Close()
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: err.Error()}
	}

	_, copyErr := io.Copy(tmpFile, stdoutPipe)
	tmpFile.Close()
	waitErr := session.Wait()
	if copyErr != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: copyErr.Error()}
	}
	if waitErr != nil {
		return CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: false, Error: waitErr.Error()}
	}

	content, warning := gunzipFile(tmpPath)
	res := CommandResult{NodeIP: cmd.NodeIP, NodeType: cmd.NodeType, Success: true, Warning: warning}
	res.Files = ParseArchive(content, cmd.NodeIP, cmd.NodeType)
	return res
}

func gunzipFile(path string) (string, string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "read temp file failed: " + err.Error()
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "decompression failed, using raw bytes: " + err.Error()
	}
	defer zr.Close()
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return string(raw), "decompression failed, using raw bytes: " + err.Error()
	}
	return string(decompressed), ""
}

func decodeBase64Gzip(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	decompressed, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	return string(decompressed), nil
}

const fileMarkerPrefix = "=== FILE: "
const fileMarkerSuffix = " ==="

// ParseArchive splits content on "=== FILE: <name> ===" markers. With no
// markers, the whole content becomes one pseudo-file named "combined.log".
func ParseArchive(content, nodeIP, nodeType string) []FileSection {
	if !strings.Contains(content, fileMarkerPrefix) {
		return []FileSection{{
			Filename: "combined.log", NodeIP: nodeIP, NodeType: nodeType,
			Content: content, LineCount: countLines(content), SizeBytes: len(content),
		}}
	}

	var sections []FileSection
	lines := strings.Split(content, "\n")
	var currentName string
	var buf strings.Builder
	flush := func() {
		if currentName == "" {
			return
		}
		body := buf.String()
		sections = append(sections, FileSection{
			Filename: currentName, NodeIP: nodeIP, NodeType: nodeType,
			Content: body, LineCount: countLines(body), SizeBytes: len(body),
		})
		buf.Reset()
	}

	for i, line := range lines {
		if strings.HasPrefix(line, fileMarkerPrefix) && strings.HasSuffix(line, fileMarkerSuffix) {
			flush()
			currentName = strings.TrimSuffix(strings.TrimPrefix(line, fileMarkerPrefix), fileMarkerSuffix)
			continue
		}
		if currentName != "" {
			buf.WriteString(line)
			// The last element is whatever follows the final newline, so it
			// gets no newline of its own.
			if i < len(lines)-1 {
				buf.WriteString("\n")
			}
		}
	}
	flush()
	return sections
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func mangleIP(ip string) string {
	return strings.ReplaceAll(ip, ".", "_")
}

// limitedWriter caps the number of bytes accepted, silently dropping the
// remainder — mirrors the teacher's limitedBuffer used for local process
// output capture.
type limitedWriter struct {
	w     io.Writer
	max   int
	count int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.count >= l.max {
		return len(p), nil
	}
	remaining := l.max - l.count
	if len(p) > remaining {
		n, err := l.w.Write(p[:remaining])
		l.count += n
		return len(p), err
	}
	n, err := l.w.Write(p)
	l.count += n
	return n, err
}

// dialTimeout is the handshake timeout applied before the per-command
// context deadline takes over.
const dialTimeout = 10 * time.Second
