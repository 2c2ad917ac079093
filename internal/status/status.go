// Package status renders project progress and cycle summaries for the
// terminal.
package status

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/fatih/color"
)

// StageRow describes one stage in the status table.
type StageRow struct {
	Stage         pipeline.StageID
	Label         string
	Status        pipeline.StageStatus
	Blocked       bool
	RetryCount    int
	LastError     string
	NextAttemptAt time.Time
	UpdatedAt     time.Time
}

// Report is everything the status command prints for one project.
type Report struct {
	ProjectID string
	Phase     pipeline.Phase
	Redirect  string
	Rows      []StageRow
}

// BuildReport assembles rows in declaration order from the stored
// contexts. Stages without a context are pending.
func BuildReport(view *orchestrator.ProgressView, g *pipeline.Graph, contexts map[pipeline.StageID]pipeline.StageContext, maxRetries int) Report {
	blocked := orchestrator.BlockedStages(g, contexts, maxRetries)

	r := Report{
		ProjectID: view.Progress.ProjectID,
		Phase:     view.Phase,
		Redirect:  view.Redirect,
	}
	for _, id := range g.Stages() {
		c, ok := contexts[id]
		if !ok {
			c = pipeline.NewStageContext(view.Progress.ProjectID, id)
		}
		r.Rows = append(r.Rows, StageRow{
			Stage:         id,
			Label:         id.Label(),
			Status:        c.Status,
			Blocked:       blocked[id] && c.Status != pipeline.StatusComplete,
			RetryCount:    c.RetryCount,
			LastError:     c.LastError,
			NextAttemptAt: c.NextAttemptAt,
			UpdatedAt:     c.UpdatedAt,
		})
	}
	return r
}

// Render writes the report as a table.
func Render(w io.Writer, r Report, now time.Time) {
	fmt.Fprintf(w, "Project: %s  Phase: %s\n", r.ProjectID, formatPhase(r.Phase))
	fmt.Fprintf(w, "Next screen: %s\n\n", r.Redirect)

	fmt.Fprintf(w, "%-22s  %-12s  %-7s  %-14s  %s\n", "STAGE", "STATUS", "RETRIES", "UPDATED", "NOTE")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, row := range r.Rows {
		fmt.Fprintf(w, "%-22s  %s  %-7d  %-14s  %s\n",
			row.Label,
			formatStatus(row),
			row.RetryCount,
			formatAge(row.UpdatedAt, now),
			note(row, now),
		)
	}
}

// RenderSummary writes a one-block summary of a cycle.
func RenderSummary(w io.Writer, s *orchestrator.CycleSummary) {
	if s.Busy {
		fmt.Fprintf(w, "%s project %s is being evaluated elsewhere; nothing to do\n", color.YellowString("busy"), s.ProjectID)
		return
	}

	state := color.CyanString("in progress")
	if s.Done {
		state = color.GreenString("done")
	}
	fmt.Fprintf(w, "Cycle %s  %s  (%s)\n", s.CycleID, state, s.Duration.Round(time.Millisecond))
	printList(w, "executed", s.Executed, nil)
	printList(w, "completed", s.Completed, color.GreenString)
	printList(w, "failed", s.Failed, color.RedString)
	printList(w, "blocked", s.Blocked, color.YellowString)
	printList(w, "pending", s.Pending, nil)
}

func printList(w io.Writer, label string, ids []pipeline.StageID, paint func(string, ...interface{}) string) {
	if len(ids) == 0 {
		return
	}
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	text := strings.Join(names, ", ")
	if paint != nil {
		text = paint("%s", text)
	}
	fmt.Fprintf(w, "  %-10s %s\n", label+":", text)
}

// formatStatus pads before colouring so escape codes do not break the
// column width.
func formatStatus(row StageRow) string {
	text := string(row.Status)
	if row.Blocked {
		text = "blocked"
	}
	padded := fmt.Sprintf("%-12s", text)

	switch {
	case row.Blocked:
		return color.YellowString("%s", padded)
	case row.Status == pipeline.StatusComplete:
		return color.GreenString("%s", padded)
	case row.Status == pipeline.StatusFailed:
		return color.RedString("%s", padded)
	case row.Status == pipeline.StatusInProgress:
		return color.CyanString("%s", padded)
	default:
		return color.WhiteString("%s", padded)
	}
}

func formatPhase(p pipeline.Phase) string {
	if p == pipeline.PhaseDashboard {
		return color.GreenString("%s", p)
	}
	return color.CyanString("%s", p)
}

func note(row StageRow, now time.Time) string {
	if !row.NextAttemptAt.IsZero() && row.NextAttemptAt.After(now) {
		return "cooling down " + formatDuration(row.NextAttemptAt.Sub(now))
	}
	if row.LastError != "" && row.Status != pipeline.StatusComplete {
		return truncate(row.LastError, 60)
	}
	return ""
}

func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(now.Sub(t)) + " ago"
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
