// Package loop implements the Orchestration Loop: the state machine that
// drives one tool call from plan confirmation through repeated
// orchestrator round-trips to a terminal report.
package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/cliexec"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/metrics"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/remote"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/report"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/session"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/sqlexec"
)

// maxPhases bounds one tool call's needs_more_queries iterations, per
// spec.md §9's "10 is safer" resolution of the open question.
const maxPhases = 10

// maxDepth bounds recursive tool-call dispatch (§4.9.6 item 3 and the
// post-terminal suggested_actions pass), replacing the original's
// self-recursion with an explicit counter, per the design note on
// replacing the recursion pattern.
const maxDepth = 4

// Dependencies are the primitives the loop stitches together. Each is a
// leaf component with no knowledge of the loop itself.
type Dependencies struct {
	Orchestrator *orchestrator.Client
	SQL          *sqlexec.Executor
	Metrics      *metrics.Client
	Remote       *remote.Executor
	CLI          *cliexec.Executor
	Sessions     *session.Store
	Logger       *logging.Logger
	ReportSink   report.Sink
	Now          func() time.Time
}

// Outcome is what one tool call returns to the outer transport.
type Outcome struct {
	Text       string
	IsError    bool
	ReportPath string
}

// Loop drives one tool call's lifecycle. It is stateless between calls;
// all persisted state lives in the Session Store.
type Loop struct {
	deps Dependencies
}

// New builds a Loop over the given Dependencies.
func New(deps Dependencies) *Loop {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Loop{deps: deps}
}

// RunTool is the entry point for one call_tool invocation.
func (l *Loop) RunTool(ctx context.Context, tool string, args map[string]any) Outcome {
	return l.run(ctx, tool, cloneArgs(args), 0)
}

func (l *Loop) run(ctx context.Context, tool string, args map[string]any, depth int) Outcome {
	if depth > maxDepth {
		return l.failure("dispatch", fmt.Errorf("max recursion depth exceeded for tool %q", tool))
	}

	if out, handled := l.planGate(ctx, tool, args); handled {
		return out
	}

	results := map[string]any{}
	sessionID, sess := l.rehydrateSession(tool, args, results)

	queries, err := l.deps.Orchestrator.Queries(ctx, tool, args)
	if err != nil {
		return l.failure("queries", err)
	}
	metaQueries, sqlQueries, metricQueries := partitionQueries(queries.Queries)

	if err := l.firstExecutionPass(ctx, results, args, sqlQueries, metricQueries); err != nil {
		return l.failure("initial execution", err)
	}
	for _, mq := range metaQueries {
		if mq.RequiresProfileFetch {
			l.applyProfileEnrichment(ctx, results, mq)
		}
	}

	directive, outcome, done := l.analysisLoop(ctx, tool, &args, results, depth)
	if done {
		return outcome
	}

	switch directive.Status {
	case "needs_selection":
		return Outcome{Text: selectionPrompt(directive)}
	case "plan":
		return Outcome{Text: report.Format(tool, map[string]any{"plan": directive.Extra["plan"]})}
	case "step_completed":
		return l.persistStepCompleted(tool, sessionID, sess, args, results, directive)
	default:
		return l.terminate(ctx, tool, directive, depth)
	}
}

// planGate implements §4.9.1: on an unconfirmed first turn, fetch the plan
// and, if the orchestrator wants confirmation, return it without persisting
// any state.
func (l *Loop) planGate(ctx context.Context, tool string, args map[string]any) (Outcome, bool) {
	if confirmed, _ := args["confirmed"].(bool); confirmed {
		return Outcome{}, false
	}

	planResp, err := l.deps.Orchestrator.Plan(ctx, tool, args)
	if err != nil {
		return l.failure("plan", err), true
	}
	if !planResp.RequiresPlan || planResp.Plan == nil {
		return Outcome{}, false
	}

	md := report.Format(tool, map[string]any{"plan": planMap(*planResp.Plan)})
	md += "\n\n请使用 confirmed: true 重新调用以继续执行。"
	return Outcome{Text: md}, true
}

func planMap(p orchestrator.Plan) map[string]any {
	steps := make([]any, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = map[string]any{"step": s.Step, "name": s.Name}
	}
	return map[string]any{
		"description":    p.Description,
		"steps":          steps,
		"estimated_time": p.EstimatedTime,
	}
}

// rehydrateSession implements §4.9.2.
func (l *Loop) rehydrateSession(tool string, args map[string]any, results map[string]any) (string, session.Session) {
	if sid, _ := args["session_id"].(string); sid != "" {
		if s, ok := l.deps.Sessions.Get(sid); ok {
			mergeInto(results, s.Results)
			return sid, s
		}
		return sid, session.Session{}
	}

	key := session.DeterministicKey(tool, args)
	if s, ok := l.deps.Sessions.FindByKey(key); ok {
		mergeInto(results, s.Results)
		return s.SessionID, s
	}
	return "", session.Session{}
}

// firstExecutionPass implements §4.9.4.
func (l *Loop) firstExecutionPass(ctx context.Context, results, args map[string]any, sqlQueries, metricQueries []orchestrator.Query) error {
	if len(sqlQueries) > 0 {
		out, err := l.deps.SQL.Execute(ctx, toSQLQueries(sqlQueries))
		if err != nil {
			return err
		}
		for id, r := range out {
			storeBoth(results, args, id, sqlResultToAny(r))
		}
	}
	if len(metricQueries) > 0 {
		out := l.deps.Metrics.Execute(ctx, toMetricQueries(metricQueries))
		for id, r := range out {
			storeBoth(results, args, id, metricResultToAny(r))
		}
	}
	return nil
}

// analysisLoop implements §4.9.5 and §4.9.9. It returns a completed Outcome
// directly ("done") on an error; otherwise it returns the directive that
// ended the loop (terminal, needs_selection, plan, or step_completed) for
// run() to finish handling.
func (l *Loop) analysisLoop(ctx context.Context, tool string, args *map[string]any, results map[string]any, depth int) (orchestrator.Directive, Outcome, bool) {
	phaseCount := 0
	for {
		directive, err := l.deps.Orchestrator.Analyze(ctx, tool, results, *args)
		if err != nil {
			return orchestrator.Directive{}, l.failure("analyze", err), true
		}

		if directive.Status != "needs_more_queries" {
			return directive, Outcome{}, false
		}

		phaseCount++
		if phaseCount > maxPhases {
			l.deps.Logger.Write(logging.LevelError, logging.EventError,
				"Max phases reached, surfacing partial state as terminal", map[string]any{"tool": tool})
			directive.Status = "success"
			return directive, Outcome{}, false
		}

		l.dispatchPhase(ctx, results, *args, directive, depth)
		// Per spec.md §3, every executor phase must leave its result fed
		// back into the next request's args — merge NextArgs over the
		// phase's own writes rather than replacing args wholesale, or
		// storeBoth's args-side write would be discarded immediately.
		for k, v := range directive.NextArgs {
			(*args)[k] = v
		}
	}
}

func (l *Loop) persistStepCompleted(tool, sessionID string, sess session.Session, args, results map[string]any, directive orchestrator.Directive) Outcome {
	sess.Results = results
	sess.Args = args
	if directive.CompletedStep != nil {
		sess.LastCompletedStep = directive.CompletedStep.Step
	}
	if sessionID == "" {
		sessionID = session.NewSessionID()
	}
	sess.SessionID = sessionID
	sess.SessionKey = session.DeterministicKey(tool, args)
	l.deps.Sessions.Put(sess)

	return Outcome{Text: progressSummary(directive)}
}

func progressSummary(d orchestrator.Directive) string {
	name := ""
	step, total := d.Step, d.TotalSteps
	if d.CompletedStep != nil {
		name = d.CompletedStep.Name
		if step == 0 {
			step = d.CompletedStep.Step
		}
	}
	oneLine := ""
	if r, ok := d.Extra["result_summary"].(string); ok {
		oneLine = " | " + r
	}
	return fmt.Sprintf("⏳ progress %d/%d: %s%s", step, total, name, oneLine)
}

func selectionPrompt(d orchestrator.Directive) string {
	if p, ok := d.Extra["selection_prompt"].(string); ok {
		return p
	}
	return "请从可选项中选择后重新调用。"
}

// terminate implements §4.9.7 and §4.9.8.
func (l *Loop) terminate(ctx context.Context, tool string, directive orchestrator.Directive, depth int) Outcome {
	envelope := directiveToMap(directive)
	l.applySuggestedActions(ctx, directive, envelope, depth)

	htmlContent, _ := envelope["html_content"].(string)
	outputPath, _ := envelope["output_path"].(string)
	if htmlContent != "" {
		delete(envelope, "html_content")
	}

	markdown := report.Format(tool, envelope)
	timestamp := l.deps.Now().UTC().Format("2006-01-02T15-04-05Z")
	brief, path, err := l.deps.ReportSink.Write(tool, timestamp, markdown, htmlContent, outputPath)
	if err != nil {
		return l.failure("report", err)
	}

	status := "✅"
	if directive.Status == "error" {
		status = "❌"
	}
	return Outcome{Text: fmt.Sprintf("%s %s\n\n完整报告: %s", status, brief, path), ReportPath: path}
}

func (l *Loop) failure(stage string, err error) Outcome {
	l.deps.Logger.Write(logging.LevelError, logging.EventError, "tool execution failed", map[string]any{
		"stage": stage,
		"error": err.Error(),
	})
	hints := fmt.Sprintf("orchestrator=%t", l.deps.Orchestrator != nil)
	return Outcome{
		Text:    fmt.Sprintf("❌ 工具执行失败: %s (%s) [%s]", err.Error(), stage, hints),
		IsError: true,
	}
}

func cloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

// storeBoth implements the §3 invariant that every executor result is
// written to both results[key] and args[key] (the orchestrator reads
// fed-back data from the next request's args).
func storeBoth(results, args map[string]any, key string, value any) {
	results[key] = value
	args[key] = value
}
