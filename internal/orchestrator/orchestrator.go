// Package orchestrator decides which analysis stages are runnable, executes
// them against a reasoner and persists every outcome through the store.
package orchestrator

import (
	"context"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
)

// Orchestrator is the trigger surface shared by the CLI and the MCP server.
type Orchestrator interface {
	// RunPipeline performs one evaluation cycle for the project.
	RunPipeline(ctx context.Context, projectID string) (*CycleSummary, error)

	// RetryStage resets a failed or stale stage to pending and runs a cycle.
	RetryStage(ctx context.Context, projectID string, stage pipeline.StageID) (*CycleSummary, error)

	// GetProgress reads the project's progress, phase and redirect target.
	GetProgress(ctx context.Context, projectID string) (*ProgressView, error)

	// ResetPipeline cancels in-flight work and clears every stage.
	ResetPipeline(ctx context.Context, projectID string) error
}

// CycleSummary reports the state of every stage at the end of a cycle.
type CycleSummary struct {
	CycleID   string `json:"cycleId" yaml:"cycleId"`
	ProjectID string `json:"projectId" yaml:"projectId"`

	// Completed stages are complete at the end of the cycle.
	Completed []pipeline.StageID `json:"completed" yaml:"completed"`

	// Failed stages failed and still have retries left.
	Failed []pipeline.StageID `json:"failed" yaml:"failed"`

	// Blocked stages exhausted their retries or depend on one that did.
	Blocked []pipeline.StageID `json:"blocked" yaml:"blocked"`

	// Pending is everything else, including stages in a rate-limit
	// cooldown.
	Pending []pipeline.StageID `json:"pending" yaml:"pending"`

	// Executed lists dispatches in order. A stage retried within the cycle
	// appears once per attempt.
	Executed []pipeline.StageID `json:"executed" yaml:"executed"`

	Done bool `json:"done" yaml:"done"`

	// Busy is set when another evaluation held the project lock and the
	// cycle did nothing.
	Busy bool `json:"busy" yaml:"busy"`

	StartedAt time.Time     `json:"startedAt" yaml:"startedAt"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Settled reports whether another cycle would change nothing without
// intervention: every stage is complete or every incomplete stage is
// blocked.
func (s *CycleSummary) Settled() bool {
	if s.Done {
		return true
	}
	return !s.Busy && len(s.Failed) == 0 && len(s.Pending) == 0
}

// ProgressView is the read model returned by GetProgress.
type ProgressView struct {
	Progress pipeline.ProjectProgress `json:"progress" yaml:"progress"`
	Phase    pipeline.Phase           `json:"phase" yaml:"phase"`
	Redirect string                   `json:"redirect" yaml:"redirect"`
}

// ProgressEvent is emitted as stages change state during a cycle.
type ProgressEvent struct {
	ProjectID string
	CycleID   string
	Stage     pipeline.StageID
	Status    ProgressStatus
	Message   string
}

// ProgressStatus is the state of a stage within a cycle.
type ProgressStatus string

const (
	ProgressPending  ProgressStatus = "pending"
	ProgressWorking  ProgressStatus = "working"
	ProgressComplete ProgressStatus = "complete"
	ProgressFailed   ProgressStatus = "failed"
	ProgressBlocked  ProgressStatus = "blocked"
)
