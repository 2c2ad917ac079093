package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/prompts"
	"github.com/dusk-indust/insight/internal/store"
	"github.com/dusk-indust/insight/internal/telemetry"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Prompt is one reasoning request: the rendered system instructions and
// the JSON input payload.
type Prompt struct {
	System  string
	Payload json.RawMessage
}

// Reasoner is the external reasoning capability. Implementations return
// the raw model answer. Errors should be *ExecutionError when the cause is
// known (rate limits in particular); anything else is treated as transient.
type Reasoner interface {
	Reason(ctx context.Context, p Prompt) (string, error)
}

// ReasonerFunc adapts a function to the Reasoner interface.
type ReasonerFunc func(ctx context.Context, p Prompt) (string, error)

// Reason calls f.
func (f ReasonerFunc) Reason(ctx context.Context, p Prompt) (string, error) { return f(ctx, p) }

// Executor runs one stage: it assembles the input from prerequisite
// payloads, invokes the reasoner, validates and normalizes the answer and
// writes the outcome to the store exactly once.
type Executor struct {
	store    store.Store
	reasoner Reasoner
	graph    *pipeline.Graph
	defs     map[pipeline.StageID]StageDefinition
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(st store.Store, r Reasoner, opts ...Option) *Executor {
	o := buildOptions(opts)
	return newExecutor(st, r, o)
}

func newExecutor(st store.Store, r Reasoner, o options) *Executor {
	return &Executor{
		store:    st,
		reasoner: r,
		graph:    o.graph,
		defs:     o.definitions,
		cfg:      o.cfg,
		logger:   o.logger,
		now:      o.now,
	}
}

// Execute runs stage for the project. upstream holds the payloads of
// completed stages; only the stage's prerequisites are read from it. On
// success the normalized payload is returned. A non-nil error is always an
// *ExecutionError.
func (e *Executor) Execute(ctx context.Context, projectID string, stage pipeline.StageID, upstream map[pipeline.StageID]json.RawMessage) (json.RawMessage, error) {
	cur, err := e.store.Get(ctx, projectID, stage)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c := pipeline.NewStageContext(projectID, stage)
		cur = &c
	case err != nil:
		return nil, &ExecutionError{Kind: KindStorage, Stage: stage, Err: err}
	}
	return e.run(ctx, *cur, upstream)
}

// run executes against an already loaded (usually just claimed) context.
func (e *Executor) run(ctx context.Context, cur pipeline.StageContext, upstream map[pipeline.StageID]json.RawMessage) (json.RawMessage, error) {
	stage := cur.StageID
	log := e.logger.With(
		zap.String("project_id", cur.ProjectID),
		zap.String("stage", string(stage)),
		zap.Int("attempt", cur.RetryCount+1),
	)
	start := e.now()
	if err := ctx.Err(); err != nil {
		return nil, &ExecutionError{Kind: KindCancelled, Stage: stage, Err: err}
	}

	def, ok := e.defs[stage]
	if !ok {
		return nil, e.fail(ctx, log, cur, &ExecutionError{Kind: KindDependency, Stage: stage, Err: eris.Wrapf(ErrNoDefinition, "%s", stage)}, start)
	}

	inputs, refs, err := e.assemble(stage, upstream)
	if err != nil {
		return nil, e.fail(ctx, log, cur, &ExecutionError{Kind: KindDependency, Stage: stage, Err: err}, start)
	}

	prompt, err := e.buildPrompt(cur.ProjectID, def, inputs)
	if err != nil {
		return nil, e.fail(ctx, log, cur, &ExecutionError{Kind: KindDependency, Stage: stage, Err: err}, start)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.InvokeTimeout)
	raw, err := e.reasoner.Reason(callCtx, prompt)
	cancel()

	// The parent going away means teardown or reset: abandon without a
	// write and let staleness recovery deal with the in_progress row.
	if ctx.Err() != nil {
		log.Info("execution abandoned", zap.Error(ctx.Err()))
		telemetry.RecordStageExecution(context.WithoutCancel(ctx), string(stage), string(KindCancelled), e.now().Sub(start))
		return nil, &ExecutionError{Kind: KindCancelled, Stage: stage, Err: ctx.Err()}
	}
	if err != nil {
		return nil, e.fail(ctx, log, cur, classify(stage, err), start)
	}

	obj, repaired, err := parseResult(raw, def)
	if err != nil {
		return nil, e.fail(ctx, log, cur, &ExecutionError{Kind: KindMalformed, Stage: stage, Err: err}, start)
	}
	if repaired {
		telemetry.RecordRepair(ctx, string(stage))
		log.Debug("result repaired")
	}
	payload, err := normalize(obj, def)
	if err != nil {
		return nil, e.fail(ctx, log, cur, &ExecutionError{Kind: KindMalformed, Stage: stage, Err: err}, start)
	}

	next := cur.Clone()
	next.Status = pipeline.StatusComplete
	next.Payload = payload
	next.InputRefs = refs
	next.LastError = ""
	next.ErrorKind = ""
	next.NextAttemptAt = time.Time{}
	next.UpdatedAt = e.now().UTC()
	if err := e.store.Put(ctx, next); err != nil {
		log.Error("persist completed stage", zap.Error(err))
		telemetry.RecordStageExecution(ctx, string(stage), string(KindStorage), e.now().Sub(start))
		return nil, &ExecutionError{Kind: KindStorage, Stage: stage, Err: err}
	}

	elapsed := e.now().Sub(start)
	telemetry.RecordStageExecution(ctx, string(stage), string(pipeline.StatusComplete), elapsed)
	log.Info("stage complete", zap.Int64("duration_ms", elapsed.Milliseconds()))
	return payload, nil
}

// assemble picks the prerequisite payloads out of upstream. A missing or
// empty prerequisite payload is a dependency error.
func (e *Executor) assemble(stage pipeline.StageID, upstream map[pipeline.StageID]json.RawMessage) (map[pipeline.StageID]json.RawMessage, []pipeline.StageID, error) {
	prereqs := e.graph.Prerequisites(stage)
	inputs := make(map[pipeline.StageID]json.RawMessage, len(prereqs))
	for _, p := range prereqs {
		payload := upstream[p]
		if len(payload) == 0 || !json.Valid(payload) {
			return nil, nil, eris.Errorf("prerequisite %s has no payload", p)
		}
		inputs[p] = payload
	}
	if len(prereqs) == 0 {
		prereqs = nil
	}
	return inputs, prereqs, nil
}

func (e *Executor) buildPrompt(projectID string, def StageDefinition, inputs map[pipeline.StageID]json.RawMessage) (Prompt, error) {
	data := prompts.Data{ProjectID: projectID, Stage: def.Prompt}
	for _, f := range def.Fields {
		data.Fields = append(data.Fields, prompts.Field{Name: f.Name, Kind: string(f.Kind), Required: f.Required})
	}
	for _, st := range pipeline.AllStages() {
		if _, ok := inputs[st]; ok {
			data.Inputs = append(data.Inputs, prompts.Input{Stage: string(st), Label: st.Label()})
		}
	}
	system, err := prompts.Render(data)
	if err != nil {
		return Prompt{}, err
	}

	payload, err := json.Marshal(struct {
		ProjectID string                               `json:"project_id"`
		Stage     pipeline.StageID                     `json:"stage"`
		Inputs    map[pipeline.StageID]json.RawMessage `json:"inputs"`
	}{projectID, def.Stage, inputs})
	if err != nil {
		return Prompt{}, eris.Wrap(err, "encode prompt payload")
	}
	return Prompt{System: system, Payload: payload}, nil
}

// fail writes the failed outcome and returns the error to report. A failed
// write turns the error into a storage error.
func (e *Executor) fail(ctx context.Context, log *zap.Logger, cur pipeline.StageContext, xerr *ExecutionError, start time.Time) error {
	now := e.now().UTC()
	next := cur.Clone()
	next.Status = pipeline.StatusFailed
	next.Payload = nil
	next.RetryCount = cur.RetryCount + 1
	next.LastError = xerr.Error()
	next.ErrorKind = string(xerr.Kind)
	next.NextAttemptAt = time.Time{}
	if xerr.RateLimited {
		next.NextAttemptAt = now.Add(e.cooldown(next.RetryCount, xerr.RetryAfter))
	}
	next.UpdatedAt = now

	if err := e.store.Put(ctx, next); err != nil {
		log.Error("persist failed stage", zap.Error(err), zap.NamedError("cause", xerr))
		telemetry.RecordStageExecution(ctx, string(cur.StageID), string(KindStorage), now.Sub(start))
		return &ExecutionError{Kind: KindStorage, Stage: cur.StageID, Err: eris.Wrapf(err, "after %s failure", xerr.Kind)}
	}

	telemetry.RecordStageExecution(ctx, string(cur.StageID), string(xerr.Kind), now.Sub(start))
	fields := []zap.Field{zap.String("error_kind", string(xerr.Kind)), zap.Error(xerr.Err)}
	if xerr.RateLimited {
		fields = append(fields, zap.Time("next_attempt_at", next.NextAttemptAt))
	}
	log.Warn("stage failed", fields...)
	return xerr
}

// cooldown computes max(retryAfter, base·2^(n-1)) capped at MaxCooldown.
func (e *Executor) cooldown(n int, retryAfter time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := e.cfg.MaxCooldown
	if exp := float64(e.cfg.RateLimitCooldown) * math.Pow(2, float64(n-1)); exp < float64(e.cfg.MaxCooldown) {
		backoff = time.Duration(exp)
	}
	d := max(retryAfter, backoff)
	return min(d, e.cfg.MaxCooldown)
}
