package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// stageRun is one unit of work handed to the FanOut.
type stageRun func(ctx context.Context) (json.RawMessage, error)

// StageResult is the outcome of one dispatched execution.
type StageResult struct {
	Stage    pipeline.StageID
	Payload  json.RawMessage
	Err      error
	Duration time.Duration
}

// FanOut runs stage executions concurrently, bounded by a limit, and
// delivers each outcome on a channel as it resolves. A failing execution
// never cancels its siblings: independent branches keep going.
type FanOut struct {
	projectID  string
	cycleID    string
	g          errgroup.Group
	results    chan StageResult
	onProgress func(ProgressEvent)
}

// NewFanOut creates a FanOut allowing limit concurrent executions. The
// results channel holds one slot per stage so goroutines never block on
// delivery. onProgress may be nil.
func NewFanOut(projectID, cycleID string, limit int, onProgress func(ProgressEvent)) *FanOut {
	f := &FanOut{
		projectID:  projectID,
		cycleID:    cycleID,
		results:    make(chan StageResult, len(pipeline.AllStages())),
		onProgress: onProgress,
	}
	if limit > 0 {
		f.g.SetLimit(limit)
	}
	return f
}

// Dispatch starts run for stage. It blocks only while the limit is reached.
func (f *FanOut) Dispatch(ctx context.Context, stage pipeline.StageID, run stageRun) {
	f.emit(ProgressEvent{Stage: stage, Status: ProgressWorking})

	f.g.Go(func() error {
		telemetry.AddInFlight(ctx, string(stage), 1)
		defer telemetry.AddInFlight(context.WithoutCancel(ctx), string(stage), -1)

		start := time.Now()
		payload, err := run(ctx)
		res := StageResult{Stage: stage, Payload: payload, Err: err, Duration: time.Since(start)}

		if err != nil {
			f.emit(ProgressEvent{Stage: stage, Status: ProgressFailed, Message: err.Error()})
		} else {
			f.emit(ProgressEvent{Stage: stage, Status: ProgressComplete})
		}
		f.results <- res
		return nil
	})
}

// Results returns the channel outcomes arrive on.
func (f *FanOut) Results() <-chan StageResult {
	return f.results
}

// Wait blocks until every dispatched execution has returned.
func (f *FanOut) Wait() {
	_ = f.g.Wait()
}

// emit sends a progress event if a callback is registered.
func (f *FanOut) emit(ev ProgressEvent) {
	if f.onProgress == nil {
		return
	}
	ev.ProjectID = f.projectID
	ev.CycleID = f.cycleID
	f.onProgress(ev)
}
