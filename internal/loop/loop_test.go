package loop

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/report"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/session"
)

func newTestLoop(t *testing.T, handler http.HandlerFunc) (*Loop, *session.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sessions := session.New()
	logger := logging.New(t.TempDir(), false)
	l := New(Dependencies{
		Orchestrator: orchestrator.New(srv.URL, "", logger),
		Sessions:     sessions,
		Logger:       logger,
		ReportSink:   report.Sink{},
	})
	return l, sessions
}

func TestPlanGateReturnsPlanWithoutConfirmation(t *testing.T) {
	analyzeCalled := false
	l, _ := newTestLoop(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/plan/"):
			_ = json.NewEncoder(w).Encode(orchestrator.PlanResponse{
				RequiresPlan: true,
				Plan: &orchestrator.Plan{
					Description: "D", Steps: []orchestrator.PlanStep{{Step: 1, Name: "A"}},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/api/analyze/"):
			analyzeCalled = true
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	out := l.RunTool(context.Background(), "analyze_storage", map[string]any{"hours": 24})
	assert.False(t, analyzeCalled)
	assert.Contains(t, out.Text, "| 步骤 | 名称 |")
	assert.Contains(t, out.Text, "confirmed: true")
}

func TestRunToolHappyPathTerminatesAndWritesReport(t *testing.T) {
	l, _ := newTestLoop(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/queries/"):
			_ = json.NewEncoder(w).Encode(orchestrator.QueriesResponse{})
		case strings.HasPrefix(r.URL.Path, "/api/analyze/"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":         "success",
				"diagnosis_results": map[string]any{"summary": "all good"},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	out := l.RunTool(context.Background(), "analyze_storage", map[string]any{"confirmed": true})
	require.NotEmpty(t, out.ReportPath)
	defer os.Remove(out.ReportPath)

	assert.False(t, out.IsError)
	assert.Contains(t, out.Text, "完整报告")

	content, err := os.ReadFile(out.ReportPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "all good")
}

func TestPhaseCountCapsAtMaxPhases(t *testing.T) {
	analyzeCalls := 0
	l, _ := newTestLoop(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/queries/"):
			_ = json.NewEncoder(w).Encode(orchestrator.QueriesResponse{})
		case strings.HasPrefix(r.URL.Path, "/api/analyze/"):
			analyzeCalls++
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "needs_more_queries"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	out := l.RunTool(context.Background(), "analyze_storage", map[string]any{"confirmed": true})
	require.NotEmpty(t, out.ReportPath)
	defer os.Remove(out.ReportPath)

	assert.Equal(t, maxPhases+1, analyzeCalls)
}

func TestStepCompletedPersistsSessionForLaterRehydration(t *testing.T) {
	l, sessions := newTestLoop(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/queries/"):
			_ = json.NewEncoder(w).Encode(orchestrator.QueriesResponse{})
		case strings.HasPrefix(r.URL.Path, "/api/analyze/"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status":         "step_completed",
				"completed_step": map[string]any{"step": 1, "name": "collect"},
				"step":           1,
				"total_steps":    3,
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	args := map[string]any{"confirmed": true, "hours": 24}
	out := l.RunTool(context.Background(), "analyze_storage", args)
	assert.Contains(t, out.Text, "1/3")
	assert.Contains(t, out.Text, "collect")

	key := session.DeterministicKey("analyze_storage", args)
	sess, ok := sessions.FindByKey(key)
	require.True(t, ok)
	assert.Equal(t, 1, sess.LastCompletedStep)
}

func TestNeedsSelectionReturnsPromptWithoutPersisting(t *testing.T) {
	l, _ := newTestLoop(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/queries/"):
			_ = json.NewEncoder(w).Encode(orchestrator.QueriesResponse{})
		case strings.HasPrefix(r.URL.Path, "/api/analyze/"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "needs_selection", "selection_prompt": "pick a table",
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	out := l.RunTool(context.Background(), "analyze_storage", map[string]any{"confirmed": true})
	assert.Equal(t, "pick a table", out.Text)
}

func TestOrchestratorTransportErrorSurfacesAsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := logging.New(t.TempDir(), false)
	l := New(Dependencies{
		Orchestrator: orchestrator.New(srv.URL, "", logger),
		Sessions:     session.New(),
		Logger:       logger,
		ReportSink:   report.Sink{},
	})

	out := l.RunTool(context.Background(), "analyze_storage", map[string]any{"confirmed": true})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Text, "❌")
}
