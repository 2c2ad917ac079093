package mcptools

// Tool inputs and outputs. The MCP SDK derives each tool's JSON schema from
// these structs; fields without omitempty are required.

// RunPipelineInput is the input for the run_pipeline tool.
type RunPipelineInput struct {
	ProjectID string `json:"projectId" jsonschema:"the project to evaluate"`
}

// RetryStageInput is the input for the retry_stage tool.
type RetryStageInput struct {
	ProjectID string `json:"projectId" jsonschema:"the project that owns the stage"`
	Stage     string `json:"stage" jsonschema:"stage to retry: market_research, competitor_analysis, feature_analysis, customer_insights, customer_persona or opportunity_mapping"`
}

// CycleOutput is the result of run_pipeline and retry_stage.
type CycleOutput struct {
	CycleID    string   `json:"cycleId"`
	ProjectID  string   `json:"projectId"`
	Completed  []string `json:"completed"`
	Failed     []string `json:"failed"`
	Blocked    []string `json:"blocked"`
	Pending    []string `json:"pending"`
	Executed   []string `json:"executed"`
	Done       bool     `json:"done"`
	Busy       bool     `json:"busy"`
	DurationMS int64    `json:"durationMs"`

	// Error is set when the cycle stopped early on a dependency or storage
	// failure. The stage lists still describe the state it left behind.
	Error string `json:"error,omitempty"`
}

// GetProgressInput is the input for the get_progress tool.
type GetProgressInput struct {
	ProjectID string `json:"projectId" jsonschema:"the project to read"`
}

// GetProgressOutput is the result of the get_progress tool.
type GetProgressOutput struct {
	ProjectID string            `json:"projectId"`
	Phase     string            `json:"phase"`
	Redirect  string            `json:"redirect"`
	Stages    map[string]string `json:"stages"`
	UpdatedAt string            `json:"updatedAt,omitempty"`
}

// ResetPipelineInput is the input for the reset_pipeline tool.
type ResetPipelineInput struct {
	ProjectID string `json:"projectId" jsonschema:"the project to clear"`
}

// ResetPipelineOutput is the result of the reset_pipeline tool.
type ResetPipelineOutput struct {
	ProjectID string `json:"projectId"`
	Reset     bool   `json:"reset"`
}
