package mcptools

import (
	"context"
	"strings"
	"time"

	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PipelineService handles MCP tool calls by forwarding them to an
// Orchestrator.
type PipelineService struct {
	orch   orchestrator.Orchestrator
	logger *zap.Logger
}

// NewPipelineService wraps orch. A nil logger means zap.L().
func NewPipelineService(orch orchestrator.Orchestrator, logger *zap.Logger) *PipelineService {
	if logger == nil {
		logger = zap.L()
	}
	return &PipelineService{orch: orch, logger: logger}
}

// RunPipeline performs one evaluation cycle.
func (s *PipelineService) RunPipeline(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunPipelineInput,
) (*mcp.CallToolResult, CycleOutput, error) {
	projectID, err := requireProject(input.ProjectID)
	if err != nil {
		return nil, CycleOutput{}, err
	}
	summary, err := s.orch.RunPipeline(ctx, projectID)
	return s.cycleResult("run_pipeline", summary, err)
}

// RetryStage resets one stage and performs a cycle.
func (s *PipelineService) RetryStage(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RetryStageInput,
) (*mcp.CallToolResult, CycleOutput, error) {
	projectID, err := requireProject(input.ProjectID)
	if err != nil {
		return nil, CycleOutput{}, err
	}
	stage, err := pipeline.ParseStageID(strings.TrimSpace(input.Stage))
	if err != nil {
		return nil, CycleOutput{}, err
	}
	summary, err := s.orch.RetryStage(ctx, projectID, stage)
	return s.cycleResult("retry_stage", summary, err)
}

// GetProgress reads progress, phase and redirect.
func (s *PipelineService) GetProgress(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input GetProgressInput,
) (*mcp.CallToolResult, GetProgressOutput, error) {
	projectID, err := requireProject(input.ProjectID)
	if err != nil {
		return nil, GetProgressOutput{}, err
	}
	view, err := s.orch.GetProgress(ctx, projectID)
	if err != nil {
		return nil, GetProgressOutput{}, err
	}

	out := GetProgressOutput{
		ProjectID: projectID,
		Phase:     string(view.Phase),
		Redirect:  view.Redirect,
		Stages:    make(map[string]string, len(view.Progress.PerStage)),
	}
	for id, st := range view.Progress.PerStage {
		out.Stages[string(id)] = string(st)
	}
	if !view.Progress.UpdatedAt.IsZero() {
		out.UpdatedAt = view.Progress.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return nil, out, nil
}

// ResetPipeline cancels in-flight work and clears the project.
func (s *PipelineService) ResetPipeline(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input ResetPipelineInput,
) (*mcp.CallToolResult, ResetPipelineOutput, error) {
	projectID, err := requireProject(input.ProjectID)
	if err != nil {
		return nil, ResetPipelineOutput{}, err
	}
	if err := s.orch.ResetPipeline(ctx, projectID); err != nil {
		return nil, ResetPipelineOutput{ProjectID: projectID}, err
	}
	return nil, ResetPipelineOutput{ProjectID: projectID, Reset: true}, nil
}

// cycleResult turns a summary into tool output. A cycle that stopped early
// still has a summary; its error is reported in the output rather than as
// a tool failure.
func (s *PipelineService) cycleResult(tool string, summary *orchestrator.CycleSummary, err error) (*mcp.CallToolResult, CycleOutput, error) {
	if summary == nil {
		if err == nil {
			err = eris.New("mcptools: no cycle summary")
		}
		s.logger.Warn("tool failed", zap.String("tool", tool), zap.Error(err))
		return nil, CycleOutput{}, err
	}

	out := CycleOutput{
		CycleID:    summary.CycleID,
		ProjectID:  summary.ProjectID,
		Completed:  stageNames(summary.Completed),
		Failed:     stageNames(summary.Failed),
		Blocked:    stageNames(summary.Blocked),
		Pending:    stageNames(summary.Pending),
		Executed:   stageNames(summary.Executed),
		Done:       summary.Done,
		Busy:       summary.Busy,
		DurationMS: summary.Duration.Milliseconds(),
	}
	if err != nil {
		out.Error = err.Error()
		s.logger.Warn("cycle stopped early",
			zap.String("tool", tool),
			zap.String("project_id", summary.ProjectID),
			zap.String("cycle_id", summary.CycleID),
			zap.Error(err),
		)
	}
	return nil, out, nil
}

func requireProject(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", orchestrator.ErrProjectRequired
	}
	return id, nil
}

func stageNames(ids []pipeline.StageID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
