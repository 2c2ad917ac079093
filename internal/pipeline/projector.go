package pipeline

import "strings"

// Phase is the user-facing position of a project in the product flow.
type Phase string

const (
	PhaseProblemUnderstanding Phase = "problem_understanding"
	PhaseAnalysis             Phase = "analysis"
	PhaseDashboard            Phase = "dashboard"
)

// ProjectPhase projects per-stage statuses onto a phase: dashboard when every
// stage is complete, analysis once market research has left pending, and
// problem understanding otherwise. Missing stages count as pending.
func ProjectPhase(perStage map[StageID]StageStatus) Phase {
	all := true
	for _, s := range allStages {
		if perStage[s] != StatusComplete {
			all = false
			break
		}
	}
	if all {
		return PhaseDashboard
	}
	if st, ok := perStage[StageMarketResearch]; ok && st != "" && st != StatusPending {
		return PhaseAnalysis
	}
	return PhaseProblemUnderstanding
}

// Routes maps phases to UI paths. "{project}" is replaced with the project ID.
type Routes struct {
	ProblemUnderstanding string `koanf:"problem_understanding" json:"problemUnderstanding" yaml:"problem_understanding"`
	Analysis             string `koanf:"analysis" json:"analysis" yaml:"analysis"`
	Dashboard            string `koanf:"dashboard" json:"dashboard" yaml:"dashboard"`
}

// DefaultRoutes returns the stock redirect targets.
func DefaultRoutes() Routes {
	return Routes{
		ProblemUnderstanding: "/projects/{project}/problem",
		Analysis:             "/projects/{project}/analysis",
		Dashboard:            "/projects/{project}/dashboard",
	}
}

// RedirectFor returns the screen a user in phase should be sent to. Empty
// route fields fall back to DefaultRoutes.
func RedirectFor(phase Phase, projectID string, routes Routes) string {
	def := DefaultRoutes()
	var tmpl string
	switch phase {
	case PhaseDashboard:
		tmpl = firstNonEmpty(routes.Dashboard, def.Dashboard)
	case PhaseAnalysis:
		tmpl = firstNonEmpty(routes.Analysis, def.Analysis)
	default:
		tmpl = firstNonEmpty(routes.ProblemUnderstanding, def.ProblemUnderstanding)
	}
	return strings.ReplaceAll(tmpl, "{project}", projectID)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
