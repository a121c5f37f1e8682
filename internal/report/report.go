// Package report renders the orchestrator's terminal JSON envelope into a
// human-readable markdown document and writes it to a temp file, keeping
// the outer transport payload small.
package report

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// sanitizeToolName strips anything but letters, digits, underscore, and
// dash, since tool is the MCP caller's tools/call name and must never be
// allowed to steer the report path (e.g. "../" traversal) outside /tmp.
func sanitizeToolName(tool string) string {
	var b strings.Builder
	for _, r := range tool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}

// Format converts a terminal directive (or plan envelope) into a markdown
// report. It never mutates its input.
func Format(tool string, envelope map[string]any) string {
	var b strings.Builder

	switch {
	case hasAny(envelope, "storage_health", "compaction_health", "import_health"):
		formatHealth(&b, envelope)
	case hasAny(envelope, "amplification_ratio", "storage_amplification"):
		formatAmplification(&b, envelope)
	case hasAny(envelope, "diagnosis_results"):
		formatDiagnosis(&b, envelope)
	case hasAny(envelope, "plan"):
		formatPlan(&b, envelope)
	case hasAny(envelope, "completed_step"):
		formatStepCompleted(&b, envelope)
	case hasAny(envelope, "html_content", "output_path"):
		formatHTMLReport(&b, envelope)
	default:
		fmt.Fprintf(&b, "# %s\n\n%s\n", tool, toJSONish(envelope))
	}

	return b.String()
}

func hasAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func healthIcon(level string) string {
	switch strings.ToUpper(level) {
	case "EXCELLENT", "GOOD":
		return "🟢"
	case "FAIR":
		return "🟡"
	case "POOR":
		return "🔴"
	default:
		return "⚪"
	}
}

func formatHealth(b *strings.Builder, envelope map[string]any) {
	for _, key := range []string{"storage_health", "compaction_health", "import_health"} {
		h, ok := envelope[key].(map[string]any)
		if !ok {
			continue
		}
		level := toString(h["level"])
		fmt.Fprintf(b, "## %s %s %s\n\n", healthIcon(level), strings.ReplaceAll(key, "_", " "), level)
		if score, ok := h["score"]; ok {
			fmt.Fprintf(b, "- Score: %v\n", score)
		}
		if status, ok := h["status"]; ok {
			fmt.Fprintf(b, "- Status: %v\n", status)
		}
		b.WriteString("\n")
	}
}

func amplificationHeat(ratio float64) string {
	switch {
	case ratio > 2.0:
		return "🔴"
	case ratio > 1.5:
		return "🟡"
	default:
		return "🟢"
	}
}

func formatAmplification(b *strings.Builder, envelope map[string]any) {
	b.WriteString("## Storage Amplification\n\n")
	if ratio, ok := toFloat(envelope["amplification_ratio"]); ok {
		fmt.Fprintf(b, "- Ratio: %s %.2fx\n", amplificationHeat(ratio), ratio)
	}
	if total, ok := envelope["total_bytes"]; ok {
		fmt.Fprintf(b, "- Total bytes: %v\n", total)
	}

	tables, ok := envelope["top_tables"].([]any)
	if !ok || len(tables) == 0 {
		return
	}
	b.WriteString("\n| Table | Ratio |\n|---|---|\n")
	limit := tables
	if len(limit) > 5 {
		limit = limit[:5]
	}
	for _, t := range limit {
		row, ok := t.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(b, "| %v | %v |\n", row["name"], row["ratio"])
	}
}

func formatDiagnosis(b *strings.Builder, envelope map[string]any) {
	d, ok := envelope["diagnosis_results"].(map[string]any)
	if !ok {
		return
	}
	b.WriteString("## Diagnosis\n\n")
	if summary, ok := d["summary"]; ok {
		fmt.Fprintf(b, "%v\n\n", summary)
	}
	writeList(b, "Critical issues", d["critical"])
	writeList(b, "Warnings", d["warnings"])
	writeList(b, "Issues", d["issues"])
	writeTopN(b, "Recommendations", d["recommendations"], 3)
}

func writeList(b *strings.Builder, title string, v any) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %v\n", item)
	}
	b.WriteString("\n")
}

func writeTopN(b *strings.Builder, title string, v any, n int) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return
	}
	if len(items) > n {
		items = items[:n]
	}
	fmt.Fprintf(b, "### %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %v\n", item)
	}
	b.WriteString("\n")
}

func formatPlan(b *strings.Builder, envelope map[string]any) {
	plan, ok := envelope["plan"].(map[string]any)
	if !ok {
		return
	}
	if desc, ok := plan["description"]; ok {
		fmt.Fprintf(b, "## Plan: %v\n\n", desc)
	}
	b.WriteString("| 步骤 | 名称 |\n|---|---|\n")
	steps, _ := plan["steps"].([]any)
	for _, s := range steps {
		row, ok := s.(map[string]any)
		if !ok {
			continue
		}
		fmt.Fprintf(b, "| %v | %v |\n", row["step"], row["name"])
	}
	if est, ok := plan["estimated_time"]; ok {
		fmt.Fprintf(b, "\nEstimated time: %v\n", est)
	}
}

func formatStepCompleted(b *strings.Builder, envelope map[string]any) {
	cs, ok := envelope["completed_step"].(map[string]any)
	if !ok {
		return
	}
	fmt.Fprintf(b, "⏳ progress: step %v (%v) completed\n", cs["step"], cs["name"])
}

func formatHTMLReport(b *strings.Builder, envelope map[string]any) {
	path := toString(envelope["output_path"])
	fmt.Fprintf(b, "## HTML report\n\nWritten to `%s`.\n", path)
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// toJSONish renders an arbitrary map's keys (sorted) as a fallback bullet
// list when no recognized shape matches.
func toJSONish(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- **%s**: %v\n", k, m[k])
	}
	return b.String()
}

// Sink writes a formatted report to a temp file and returns a brief summary
// for the outer transport, plus the on-disk path.
type Sink struct{}

// Write saves the full markdown report to /tmp/<tool>_<iso-timestamp>.md and
// returns a short summary plus the artifact path. html is written
// separately to outputPath when the terminal envelope carried one, per
// spec.md §4.9.8.
func (Sink) Write(tool, timestamp, markdown string, htmlContent, outputPath string) (brief, path string, err error) {
	path = fmt.Sprintf("/tmp/%s_%s.md", sanitizeToolName(tool), timestamp)
	if err := os.WriteFile(path, []byte(markdown), 0o644); err != nil {
		return "", "", fmt.Errorf("report: write %s: %w", path, err)
	}

	if htmlContent != "" && outputPath != "" {
		if err := os.WriteFile(outputPath, []byte(htmlContent), 0o644); err != nil {
			return "", "", fmt.Errorf("report: write html %s: %w", outputPath, err)
		}
	}

	return briefSummary(markdown), path, nil
}

// briefSummary trims a full report to roughly ten lines for the caller's
// reply, keeping the outer payload small.
func briefSummary(markdown string) string {
	lines := strings.Split(strings.TrimRight(markdown, "\n"), "\n")
	const maxLines = 10
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return strings.Join(lines, "\n")
}
