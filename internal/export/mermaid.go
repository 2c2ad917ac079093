package export

import (
	"fmt"
	"strings"

	"github.com/dusk-indust/insight/internal/pipeline"
)

// Node status classes, in the order they are declared in the diagram.
var statusClasses = []struct {
	name  string
	style string
}{
	{"complete", "fill:#d4edda,stroke:#28a745"},
	{"in_progress", "fill:#d1ecf1,stroke:#17a2b8"},
	{"failed", "fill:#f8d7da,stroke:#dc3545"},
	{"blocked", "fill:#fff3cd,stroke:#ffc107"},
	{"pending", "fill:#f8f9fa,stroke:#6c757d"},
}

// GenerateMermaid produces a Mermaid graph TD diagram of the stage graph.
// Prerequisite edges point at the stage that consumes them. When statuses
// is non-nil each node gets a class for its status; blocked overrides the
// stored status.
func GenerateMermaid(g *pipeline.Graph, statuses map[pipeline.StageID]pipeline.StageStatus, blocked map[pipeline.StageID]bool) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, id := range g.Stages() {
		sb.WriteString(fmt.Sprintf("  %s[\"%s\"]\n", id, id.Label()))
	}
	for _, id := range g.Stages() {
		for _, pre := range g.Prerequisites(id) {
			sb.WriteString(fmt.Sprintf("  %s --> %s\n", pre, id))
		}
	}

	if statuses == nil {
		return sb.String()
	}

	for _, c := range statusClasses {
		sb.WriteString(fmt.Sprintf("  classDef %s %s\n", c.name, c.style))
	}
	for _, id := range g.Stages() {
		class := string(statuses[id])
		switch {
		case blocked[id] && statuses[id] != pipeline.StatusComplete:
			class = "blocked"
		case class == "":
			class = string(pipeline.StatusPending)
		}
		sb.WriteString(fmt.Sprintf("  class %s %s\n", id, class))
	}
	return sb.String()
}
