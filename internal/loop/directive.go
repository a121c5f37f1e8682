package loop

import (
	"context"

	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/logging"
	"github.com/tracymacding/starrocks-mcp-server-sub002/internal/orchestrator"
)

// directiveToMap flattens a terminal Directive into the envelope the report
// formatter expects: Extra carries the tool-specific shape (health,
// diagnosis, amplification, html report, ...) verbatim, plus whichever named
// fields are meaningful on a terminal turn.
func directiveToMap(d orchestrator.Directive) map[string]any {
	out := make(map[string]any, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["status"] = d.Status
	if d.CompletedStep != nil {
		out["completed_step"] = map[string]any{"step": d.CompletedStep.Step, "name": d.CompletedStep.Name}
	}
	return out
}

// applySuggestedActions implements §4.9.7: after a terminal directive, any
// orchestrator-suggested follow-up tool calls are run and their outcomes
// folded into the envelope under "suggested_action_results", capped by the
// shared recursion-depth budget rather than a separate counter.
func (l *Loop) applySuggestedActions(ctx context.Context, d orchestrator.Directive, envelope map[string]any, depth int) {
	if len(d.SuggestedActions) == 0 {
		return
	}

	results := make([]any, 0, len(d.SuggestedActions))
	for _, a := range d.SuggestedActions {
		if a.Tool == "" {
			continue
		}
		out := l.run(ctx, a.Tool, a.Params, depth+1)
		l.deps.Logger.Write(logging.LevelInfo, logging.EventClientRequest, "suggested action executed", map[string]any{
			"tool": a.Tool, "reason": a.Reason,
		})
		results = append(results, map[string]any{
			"tool": a.Tool, "reason": a.Reason, "text": out.Text, "is_error": out.IsError,
		})
	}
	envelope["suggested_action_results"] = results
}
