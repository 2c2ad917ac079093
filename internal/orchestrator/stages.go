package orchestrator

import "github.com/dusk-indust/insight/internal/pipeline"

// FieldKind is the JSON shape a result field must have.
type FieldKind string

const (
	FieldList   FieldKind = "list"
	FieldObject FieldKind = "object"
	FieldString FieldKind = "string"
)

// FieldSpec is one entry of a stage's result contract.
type FieldSpec struct {
	Name     string
	Kind     FieldKind
	Required bool
}

// StageDefinition is the per-stage execution data: which prompt template to
// render and which fields the result must carry. All stages share one
// Executor; the definition is the only thing that varies.
type StageDefinition struct {
	Stage  pipeline.StageID
	Prompt string
	Fields []FieldSpec
}

// emptyValue returns the default for a missing optional field.
func (k FieldKind) emptyValue() any {
	switch k {
	case FieldList:
		return []any{}
	case FieldObject:
		return map[string]any{}
	default:
		return ""
	}
}

// DefaultDefinitions returns the contracts of the six analysis stages.
func DefaultDefinitions() map[pipeline.StageID]StageDefinition {
	defs := []StageDefinition{
		{
			Stage: pipeline.StageMarketResearch,
			Fields: []FieldSpec{
				{Name: "summary", Kind: FieldString, Required: true},
				{Name: "market_size", Kind: FieldObject, Required: true},
				{Name: "segments", Kind: FieldList, Required: true},
				{Name: "trends", Kind: FieldList},
				{Name: "risks", Kind: FieldList},
			},
		},
		{
			Stage: pipeline.StageCompetitorAnalysis,
			Fields: []FieldSpec{
				{Name: "competitors", Kind: FieldList, Required: true},
				{Name: "summary", Kind: FieldString},
			},
		},
		{
			Stage: pipeline.StageFeatureAnalysis,
			Fields: []FieldSpec{
				{Name: "features", Kind: FieldList, Required: true},
				{Name: "gaps", Kind: FieldList, Required: true},
				{Name: "differentiators", Kind: FieldList},
			},
		},
		{
			Stage: pipeline.StageCustomerInsights,
			Fields: []FieldSpec{
				{Name: "pain_points", Kind: FieldList, Required: true},
				{Name: "jobs_to_be_done", Kind: FieldList},
				{Name: "demand_signals", Kind: FieldList},
			},
		},
		{
			Stage: pipeline.StageCustomerPersona,
			Fields: []FieldSpec{
				{Name: "personas", Kind: FieldList, Required: true},
			},
		},
		{
			Stage: pipeline.StageOpportunityMapping,
			Fields: []FieldSpec{
				{Name: "opportunities", Kind: FieldList, Required: true},
				{Name: "recommendation", Kind: FieldString, Required: true},
			},
		},
	}

	out := make(map[pipeline.StageID]StageDefinition, len(defs))
	for _, d := range defs {
		d.Prompt = string(d.Stage)
		out[d.Stage] = d
	}
	return out
}
