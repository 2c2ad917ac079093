// Package pipeline holds the stage model shared by the orchestrator, the
// stores and the outer surfaces: stage identifiers, statuses, persisted stage
// contexts, the dependency graph and the phase projection.
package pipeline

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// StageID identifies one node of the analysis DAG.
type StageID string

const (
	StageMarketResearch     StageID = "market_research"
	StageCompetitorAnalysis StageID = "competitor_analysis"
	StageFeatureAnalysis    StageID = "feature_analysis"
	StageCustomerInsights   StageID = "customer_insights"
	StageCustomerPersona    StageID = "customer_persona"
	StageOpportunityMapping StageID = "opportunity_mapping"
)

// allStages is the closed stage set in declaration order. Declaration order
// is not execution order; that comes from the Graph.
var allStages = [...]StageID{
	StageMarketResearch,
	StageCompetitorAnalysis,
	StageFeatureAnalysis,
	StageCustomerInsights,
	StageCustomerPersona,
	StageOpportunityMapping,
}

// ErrUnknownStage is returned when a stage name is not part of the DAG.
var ErrUnknownStage = eris.New("pipeline: unknown stage")

// AllStages returns every stage in declaration order.
func AllStages() []StageID {
	out := make([]StageID, len(allStages))
	copy(out, allStages[:])
	return out
}

// ParseStageID validates s against the closed stage set.
func ParseStageID(s string) (StageID, error) {
	id := StageID(s)
	if !id.Valid() {
		return "", eris.Wrapf(ErrUnknownStage, "%q", s)
	}
	return id, nil
}

// Valid reports whether id is one of the six known stages.
func (id StageID) Valid() bool {
	for _, s := range allStages {
		if s == id {
			return true
		}
	}
	return false
}

func (id StageID) String() string { return string(id) }

// Label returns a human-readable stage name.
func (id StageID) Label() string {
	switch id {
	case StageMarketResearch:
		return "Market Research"
	case StageCompetitorAnalysis:
		return "Competitor Analysis"
	case StageFeatureAnalysis:
		return "Feature Analysis"
	case StageCustomerInsights:
		return "Customer Insights"
	case StageCustomerPersona:
		return "Customer Persona"
	case StageOpportunityMapping:
		return "Opportunity Mapping"
	default:
		return "Unknown"
	}
}

// ordinal returns the declaration index of id, or len(allStages) if unknown.
func (id StageID) ordinal() int {
	for i, s := range allStages {
		if s == id {
			return i
		}
	}
	return len(allStages)
}

// StageStatus is the lifecycle state of a stage for one project.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusComplete   StageStatus = "complete"
	StatusFailed     StageStatus = "failed"
)

// Valid reports whether s is a known status.
func (s StageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// StageContext is the persisted record for one (project, stage) pair.
// Payload is set if and only if Status is StatusComplete.
type StageContext struct {
	ProjectID  string          `json:"projectId" yaml:"projectId"`
	StageID    StageID         `json:"stageId" yaml:"stageId"`
	Status     StageStatus     `json:"status" yaml:"status"`
	InputRefs  []StageID       `json:"inputRefs,omitempty" yaml:"inputRefs,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty" yaml:"-"`
	RetryCount int             `json:"retryCount" yaml:"retryCount"`
	LastError  string          `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	ErrorKind  string          `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`

	// StartedAt is set when the stage enters in_progress; it drives
	// staleness recovery for abandoned executions.
	StartedAt time.Time `json:"startedAt,omitzero" yaml:"startedAt,omitempty"`

	// NextAttemptAt holds a rate-limit cooldown. The stage is not runnable
	// before this instant.
	NextAttemptAt time.Time `json:"nextAttemptAt,omitzero" yaml:"nextAttemptAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// NewStageContext returns the implicit context of a stage that has never
// been attempted: pending with a zero retry count.
func NewStageContext(projectID string, id StageID) StageContext {
	return StageContext{
		ProjectID: projectID,
		StageID:   id,
		Status:    StatusPending,
	}
}

// Validate enforces the payload/status invariant and basic field sanity.
// Stores call it before every write.
func (c StageContext) Validate() error {
	if c.ProjectID == "" {
		return eris.New("pipeline: stage context has empty project id")
	}
	if !c.StageID.Valid() {
		return eris.Wrapf(ErrUnknownStage, "%q", c.StageID)
	}
	if !c.Status.Valid() {
		return eris.Errorf("pipeline: invalid status %q for stage %s", c.Status, c.StageID)
	}
	if c.RetryCount < 0 {
		return eris.Errorf("pipeline: negative retry count for stage %s", c.StageID)
	}
	hasPayload := len(c.Payload) > 0
	switch {
	case c.Status == StatusComplete && !hasPayload:
		return eris.Errorf("pipeline: stage %s is complete without a payload", c.StageID)
	case c.Status == StatusComplete && !json.Valid(c.Payload):
		return eris.Errorf("pipeline: stage %s payload is not valid JSON", c.StageID)
	case c.Status != StatusComplete && hasPayload:
		return eris.Errorf("pipeline: stage %s carries a payload while %s", c.StageID, c.Status)
	}
	return nil
}

// Clone returns a deep copy safe to mutate.
func (c StageContext) Clone() StageContext {
	out := c
	if c.InputRefs != nil {
		out.InputRefs = append([]StageID(nil), c.InputRefs...)
	}
	if c.Payload != nil {
		out.Payload = append(json.RawMessage(nil), c.Payload...)
	}
	return out
}

// ProjectProgress is the denormalized per-stage summary kept on the project
// record for fast reads.
type ProjectProgress struct {
	ProjectID string                  `json:"projectId" yaml:"projectId"`
	PerStage  map[StageID]StageStatus `json:"perStage" yaml:"perStage"`
	Phase     Phase                   `json:"phase" yaml:"phase"`
	UpdatedAt time.Time               `json:"updatedAt,omitzero" yaml:"updatedAt,omitempty"`
}

// NewProjectProgress returns an all-pending progress record.
func NewProjectProgress(projectID string) ProjectProgress {
	per := make(map[StageID]StageStatus, len(allStages))
	for _, s := range allStages {
		per[s] = StatusPending
	}
	return ProjectProgress{
		ProjectID: projectID,
		PerStage:  per,
		Phase:     PhaseProblemUnderstanding,
	}
}

// With returns a copy of p with stage set to status and the phase
// recomputed.
func (p ProjectProgress) With(stage StageID, status StageStatus) ProjectProgress {
	out := NewProjectProgress(p.ProjectID)
	for k, v := range p.PerStage {
		out.PerStage[k] = v
	}
	out.PerStage[stage] = status
	out.Phase = ProjectPhase(out.PerStage)
	out.UpdatedAt = p.UpdatedAt
	return out
}

// ProgressFromContexts rebuilds progress from a full context set. Stages
// absent from contexts count as pending.
func ProgressFromContexts(projectID string, contexts map[StageID]StageContext) ProjectProgress {
	p := NewProjectProgress(projectID)
	for id, c := range contexts {
		p.PerStage[id] = c.Status
	}
	p.Phase = ProjectPhase(p.PerStage)
	return p
}
