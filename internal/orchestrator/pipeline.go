package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/store"
	"github.com/dusk-indust/insight/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Compile-time interface check.
var _ Orchestrator = (*Pipeline)(nil)

// Pipeline implements Orchestrator. Each cycle loads the project's stage
// contexts, recovers stale executions, and then repeatedly dispatches every
// runnable stage through a FanOut, re-evaluating after each completion
// until nothing is runnable and nothing is in flight.
type Pipeline struct {
	store    store.Store
	exec     *Executor
	graph    *pipeline.Graph
	cfg      Config
	routes   pipeline.Routes
	locks    *locker
	progress *ProgressReporter
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	inflight  map[string]map[pipeline.StageID]bool
	cancels   map[string]map[string]context.CancelFunc
	resetting map[string]int
}

// NewPipeline wires a Pipeline over st and r.
func NewPipeline(st store.Store, r Reasoner, opts ...Option) (*Pipeline, error) {
	if st == nil {
		return nil, eris.New("orchestrator: store is required")
	}
	if r == nil {
		return nil, eris.New("orchestrator: reasoner is required")
	}
	o := buildOptions(opts)
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	for _, s := range o.graph.Stages() {
		if _, ok := o.definitions[s]; !ok {
			return nil, eris.Wrapf(ErrNoDefinition, "%s", s)
		}
	}
	if o.owner == "" {
		o.owner = defaultOwner()
	}
	if o.reporter == nil {
		o.reporter = NewProgressReporter(DefaultProgressBuffer)
	}

	return &Pipeline{
		store:    st,
		exec:     newExecutor(st, r, o),
		graph:    o.graph,
		cfg:      o.cfg,
		routes:   o.routes,
		locks:    newLocker(st, o.owner, o.cfg.LeaseTTL, o.logger),
		progress: o.reporter,
		logger:   o.logger,
		now:      o.now,
		inflight:  make(map[string]map[pipeline.StageID]bool),
		cancels:   make(map[string]map[string]context.CancelFunc),
		resetting: make(map[string]int),
	}, nil
}

// Progress returns a channel that emits progress events.
func (p *Pipeline) Progress() <-chan ProgressEvent {
	return p.progress.Subscribe()
}

// Close shuts down the progress reporter.
func (p *Pipeline) Close() {
	p.progress.Close()
	if n := p.progress.Dropped(); n > 0 {
		p.logger.Debug("progress events dropped", zap.Uint64("count", n))
	}
}

// ---------------------------------------------------------------------------
// Orchestrator interface
// ---------------------------------------------------------------------------

// RunPipeline performs exactly one cycle. When another evaluation holds the
// project lock, or a reset is pending, it returns a summary with Busy set
// and does nothing.
func (p *Pipeline) RunPipeline(ctx context.Context, projectID string) (*CycleSummary, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}
	if p.isResetting(projectID) {
		return p.busy(projectID), nil
	}
	lctx, release, ok, err := p.locks.tryAcquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return p.busy(projectID), nil
	}
	defer release()
	return p.cycle(lctx, projectID)
}

// RetryStage resets a failed stage, including one that exhausted its
// budget, or a stale in_progress stage to pending with a fresh budget and
// runs one cycle.
func (p *Pipeline) RetryStage(ctx context.Context, projectID string, stage pipeline.StageID) (*CycleSummary, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}
	if !p.graph.Has(stage) {
		return nil, eris.Wrapf(pipeline.ErrUnknownStage, "%q", stage)
	}
	if p.isResetting(projectID) {
		return p.busy(projectID), nil
	}

	lctx, release, ok, err := p.locks.tryAcquire(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if p.isInflight(projectID, stage) {
			return nil, eris.Wrapf(ErrStageInFlight, "%s/%s", projectID, stage)
		}
		return p.busy(projectID), nil
	}
	defer release()

	cur, err := p.store.Get(lctx, projectID, stage)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return p.cycle(lctx, projectID)
	case err != nil:
		return nil, &ExecutionError{Kind: KindStorage, Stage: stage, Err: err}
	}

	switch cur.Status {
	case pipeline.StatusComplete:
		return nil, eris.Wrapf(ErrStageComplete, "%s/%s", projectID, stage)
	case pipeline.StatusInProgress:
		if !p.isStale(*cur) {
			return nil, eris.Wrapf(ErrStageInFlight, "%s/%s", projectID, stage)
		}
	}

	next := cur.Clone()
	next.Status = pipeline.StatusPending
	next.RetryCount = 0
	next.NextAttemptAt = time.Time{}
	next.StartedAt = time.Time{}
	next.LastError = ""
	next.ErrorKind = ""
	next.UpdatedAt = p.now().UTC()
	if err := p.store.Put(lctx, next); err != nil {
		return nil, &ExecutionError{Kind: KindStorage, Stage: stage, Err: err}
	}
	p.logger.Info("stage reset for retry",
		zap.String("project_id", projectID),
		zap.String("stage", string(stage)),
		zap.Int("previous_retry_count", cur.RetryCount))

	return p.cycle(lctx, projectID)
}

// GetProgress reads the denormalized progress record and derives the
// redirect target.
func (p *Pipeline) GetProgress(ctx context.Context, projectID string) (*ProgressView, error) {
	if projectID == "" {
		return nil, ErrProjectRequired
	}
	prog, err := p.store.Progress(ctx, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: progress of %s", projectID)
	}
	phase := pipeline.ProjectPhase(prog.PerStage)
	return &ProgressView{
		Progress: prog,
		Phase:    phase,
		Redirect: pipeline.RedirectFor(phase, projectID, p.routes),
	}, nil
}

// ResetPipeline cancels any in-flight cycle for the project, waits for the
// evaluation lock (bounded by ctx) and clears every stage. Until it returns,
// new cycles for the project report Busy and late-starting ones are
// cancelled as soon as they register.
func (p *Pipeline) ResetPipeline(ctx context.Context, projectID string) error {
	if projectID == "" {
		return ErrProjectRequired
	}
	cancelled := p.beginReset(projectID)
	defer p.endReset(projectID)

	lctx, release, err := p.locks.acquire(ctx, projectID)
	if err != nil {
		return err
	}
	defer release()

	if err := p.store.Reset(lctx, projectID); err != nil {
		return eris.Wrapf(err, "orchestrator: reset %s", projectID)
	}
	p.logger.Info("pipeline reset",
		zap.String("project_id", projectID),
		zap.Int("cancelled_cycles", cancelled))
	return nil
}

// ---------------------------------------------------------------------------
// Cycle
// ---------------------------------------------------------------------------

// cycle runs one evaluation. The caller holds the project lock.
func (p *Pipeline) cycle(ctx context.Context, projectID string) (*CycleSummary, error) {
	sum := p.newSummary(projectID)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.registerCancel(projectID, sum.CycleID, cancel)
	defer p.unregisterCancel(projectID, sum.CycleID)

	log := p.logger.With(zap.String("project_id", projectID), zap.String("cycle_id", sum.CycleID))
	log.Debug("cycle started")

	contexts, err := p.store.Load(cctx, projectID)
	if err != nil {
		return p.finish(ctx, log, sum, nil, &ExecutionError{Kind: KindStorage, Err: err})
	}
	if err := p.recoverStale(cctx, log, sum, contexts); err != nil {
		return p.finish(ctx, log, sum, contexts, err)
	}

	fan := NewFanOut(projectID, sum.CycleID, p.cfg.MaxParallel, p.progress.Emit)
	inflight := make(map[pipeline.StageID]bool)
	var abort error

	for {
		if abort == nil && cctx.Err() == nil {
			for _, st := range p.runnable(contexts, inflight) {
				if len(inflight) >= p.cfg.MaxParallel {
					break
				}
				claimed, err := p.claim(cctx, projectID, st, contexts)
				if err != nil {
					abort = err
					break
				}
				contexts[st] = claimed
				inflight[st] = true
				p.setInflight(projectID, st, true)
				sum.Executed = append(sum.Executed, st)

				upstream := p.upstream(st, contexts)
				fan.Dispatch(cctx, st, func(ctx context.Context) (json.RawMessage, error) {
					return p.exec.run(ctx, claimed, upstream)
				})
			}
		}
		if len(inflight) == 0 {
			break
		}

		res := <-fan.Results()
		delete(inflight, res.Stage)
		p.setInflight(projectID, res.Stage, false)

		if ee, ok := AsExecutionError(res.Err); ok && ee.Aborts() && abort == nil {
			abort = ee
			log.Warn("cycle aborting", zap.String("stage", string(res.Stage)), zap.Error(ee))
		}
		if cctx.Err() != nil {
			continue
		}
		if err := p.reload(cctx, projectID, res.Stage, contexts); err != nil && abort == nil {
			abort = err
		}
	}
	fan.Wait()

	if abort == nil && cctx.Err() != nil {
		abort = &ExecutionError{Kind: KindCancelled, Err: cctx.Err()}
	}
	return p.finish(ctx, log, sum, contexts, abort)
}

// runnable returns the stages that may be dispatched now, in declaration
// order.
func (p *Pipeline) runnable(contexts map[pipeline.StageID]pipeline.StageContext, inflight map[pipeline.StageID]bool) []pipeline.StageID {
	completed := make(map[pipeline.StageID]bool, len(contexts))
	for id, c := range contexts {
		if c.Status == pipeline.StatusComplete {
			completed[id] = true
		}
	}

	now := p.now()
	var out []pipeline.StageID
	for _, st := range p.graph.Stages() {
		if inflight[st] {
			continue
		}
		c, ok := contexts[st]
		if !ok {
			c = pipeline.NewStageContext("", st)
		}
		if c.Status != pipeline.StatusPending && c.Status != pipeline.StatusFailed {
			continue
		}
		if c.RetryCount >= p.cfg.MaxRetries {
			continue
		}
		if !p.graph.IsRunnable(st, completed) {
			continue
		}
		if now.Before(c.NextAttemptAt) {
			continue
		}
		out = append(out, st)
	}
	return out
}

// claim writes the in_progress marker before dispatch.
func (p *Pipeline) claim(ctx context.Context, projectID string, stage pipeline.StageID, contexts map[pipeline.StageID]pipeline.StageContext) (pipeline.StageContext, error) {
	c, ok := contexts[stage]
	if !ok {
		c = pipeline.NewStageContext(projectID, stage)
	}
	now := p.now().UTC()
	next := c.Clone()
	next.Status = pipeline.StatusInProgress
	next.Payload = nil
	next.StartedAt = now
	next.NextAttemptAt = time.Time{}
	next.UpdatedAt = now
	if err := p.store.Put(ctx, next); err != nil {
		return pipeline.StageContext{}, &ExecutionError{Kind: KindStorage, Stage: stage, Err: eris.Wrap(err, "claim")}
	}
	return next, nil
}

// upstream collects the payloads of the stage's completed prerequisites.
func (p *Pipeline) upstream(stage pipeline.StageID, contexts map[pipeline.StageID]pipeline.StageContext) map[pipeline.StageID]json.RawMessage {
	out := make(map[pipeline.StageID]json.RawMessage)
	for _, pre := range p.graph.Prerequisites(stage) {
		if c, ok := contexts[pre]; ok && c.Status == pipeline.StatusComplete {
			out[pre] = c.Payload
		}
	}
	return out
}

// reload refreshes one stage from the store after its execution resolved.
func (p *Pipeline) reload(ctx context.Context, projectID string, stage pipeline.StageID, contexts map[pipeline.StageID]pipeline.StageContext) error {
	c, err := p.store.Get(ctx, projectID, stage)
	switch {
	case errors.Is(err, store.ErrNotFound):
		delete(contexts, stage)
		return nil
	case err != nil:
		return &ExecutionError{Kind: KindStorage, Stage: stage, Err: eris.Wrap(err, "reload")}
	}
	contexts[stage] = *c
	return nil
}

// recoverStale writes failed for in_progress stages whose execution has
// outlived StaleAfter and is not running in this process.
func (p *Pipeline) recoverStale(ctx context.Context, log *zap.Logger, sum *CycleSummary, contexts map[pipeline.StageID]pipeline.StageContext) error {
	for _, st := range p.graph.Stages() {
		c, ok := contexts[st]
		if !ok || c.Status != pipeline.StatusInProgress || !p.isStale(c) || p.isInflight(sum.ProjectID, st) {
			continue
		}
		next := c.Clone()
		next.Status = pipeline.StatusFailed
		next.RetryCount++
		next.LastError = "stale execution"
		next.ErrorKind = string(KindTransient)
		next.UpdatedAt = p.now().UTC()
		if err := p.store.Put(ctx, next); err != nil {
			return &ExecutionError{Kind: KindStorage, Stage: st, Err: eris.Wrap(err, "recover stale stage")}
		}
		contexts[st] = next
		telemetry.RecordStaleRecovery(ctx, string(st))
		p.emit(sum, st, ProgressFailed, "stale execution")
		log.Warn("recovered stale stage",
			zap.String("stage", string(st)),
			zap.Time("started_at", c.StartedAt),
			zap.Int("attempt", next.RetryCount))
	}
	return nil
}

func (p *Pipeline) isStale(c pipeline.StageContext) bool {
	started := c.StartedAt
	if started.IsZero() {
		started = c.UpdatedAt
	}
	return !p.now().Before(started.Add(p.cfg.StaleAfter))
}

// finish classifies every stage into the summary, records metrics and logs
// the outcome.
func (p *Pipeline) finish(ctx context.Context, log *zap.Logger, sum *CycleSummary, contexts map[pipeline.StageID]pipeline.StageContext, err error) (*CycleSummary, error) {
	p.classify(sum, contexts)
	sum.Duration = p.now().Sub(sum.StartedAt)

	outcome := "partial"
	switch {
	case err != nil:
		outcome = "error"
	case sum.Done:
		outcome = "done"
	}
	telemetry.RecordCycle(context.WithoutCancel(ctx), outcome, sum.Duration)

	fields := []zap.Field{
		zap.String("outcome", outcome),
		zap.Int("executed", len(sum.Executed)),
		zap.Int("completed", len(sum.Completed)),
		zap.Int("failed", len(sum.Failed)),
		zap.Int("blocked", len(sum.Blocked)),
		zap.Int("pending", len(sum.Pending)),
		zap.Int64("duration_ms", sum.Duration.Milliseconds()),
	}
	if err != nil {
		log.Warn("cycle finished", append(fields, zap.Error(err))...)
		return sum, err
	}
	log.Info("cycle finished", fields...)
	return sum, nil
}

// classify sorts stages into Completed, Failed, Blocked and Pending.
// Blocked holds the retry-exhausted stages and everything downstream of
// them.
func (p *Pipeline) classify(sum *CycleSummary, contexts map[pipeline.StageID]pipeline.StageContext) {
	blocked := BlockedStages(p.graph, contexts, p.cfg.MaxRetries)

	sum.Completed, sum.Failed, sum.Blocked, sum.Pending = nil, nil, nil, nil
	for _, st := range p.graph.Stages() {
		c := contexts[st]
		switch {
		case c.Status == pipeline.StatusComplete:
			sum.Completed = append(sum.Completed, st)
		case blocked[st]:
			sum.Blocked = append(sum.Blocked, st)
			p.emit(sum, st, ProgressBlocked, "")
		case c.Status == pipeline.StatusFailed:
			sum.Failed = append(sum.Failed, st)
		default:
			sum.Pending = append(sum.Pending, st)
		}
	}
	sum.Done = len(sum.Completed) == len(p.graph.Stages())
}

// BlockedStages returns the stages that exhausted their retry budget plus
// everything downstream of them.
func BlockedStages(g *pipeline.Graph, contexts map[pipeline.StageID]pipeline.StageContext, maxRetries int) map[pipeline.StageID]bool {
	blocked := make(map[pipeline.StageID]bool)
	for _, st := range g.Stages() {
		c := contexts[st]
		if c.Status == pipeline.StatusFailed && c.RetryCount >= maxRetries {
			blocked[st] = true
			for _, d := range g.Dependents(st) {
				blocked[d] = true
			}
		}
	}
	return blocked
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (p *Pipeline) newSummary(projectID string) *CycleSummary {
	now := p.now()
	return &CycleSummary{
		CycleID:   newCycleID(now),
		ProjectID: projectID,
		StartedAt: now,
	}
}

func (p *Pipeline) busy(projectID string) *CycleSummary {
	sum := p.newSummary(projectID)
	sum.Busy = true
	p.logger.Info("project busy, cycle skipped",
		zap.String("project_id", projectID),
		zap.String("cycle_id", sum.CycleID))
	return sum
}

func (p *Pipeline) emit(sum *CycleSummary, stage pipeline.StageID, status ProgressStatus, msg string) {
	p.progress.Emit(ProgressEvent{
		ProjectID: sum.ProjectID,
		CycleID:   sum.CycleID,
		Stage:     stage,
		Status:    status,
		Message:   msg,
	})
}

func (p *Pipeline) setInflight(projectID string, stage pipeline.StageID, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.inflight[projectID]
	if on {
		if m == nil {
			m = make(map[pipeline.StageID]bool)
			p.inflight[projectID] = m
		}
		m[stage] = true
		return
	}
	delete(m, stage)
	if len(m) == 0 {
		delete(p.inflight, projectID)
	}
}

func (p *Pipeline) isInflight(projectID string, stage pipeline.StageID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inflight[projectID][stage]
}

func (p *Pipeline) registerCancel(projectID, cycleID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resetting[projectID] > 0 {
		cancel()
	}
	m := p.cancels[projectID]
	if m == nil {
		m = make(map[string]context.CancelFunc)
		p.cancels[projectID] = m
	}
	m[cycleID] = cancel
}

func (p *Pipeline) unregisterCancel(projectID, cycleID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancels[projectID], cycleID)
	if len(p.cancels[projectID]) == 0 {
		delete(p.cancels, projectID)
	}
}

// beginReset marks the project as resetting and cancels every running
// cycle, all under one lock. It returns how many cycles were cancelled.
func (p *Pipeline) beginReset(projectID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetting[projectID]++
	n := 0
	for _, cancel := range p.cancels[projectID] {
		cancel()
		n++
	}
	return n
}

func (p *Pipeline) endReset(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resetting[projectID]--; p.resetting[projectID] <= 0 {
		delete(p.resetting, projectID)
	}
}

func (p *Pipeline) isResetting(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resetting[projectID] > 0
}

// newCycleID returns "20060102_150405_<8 hex>".
func newCycleID(now time.Time) string {
	return now.UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "insight"
	}
	return fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8])
}
