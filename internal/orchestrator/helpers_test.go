package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/store"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// validAnswers satisfies every required field of DefaultDefinitions.
var validAnswers = map[pipeline.StageID]string{
	pipeline.StageMarketResearch:     `{"summary":"growing","market_size":{"tam":1000},"segments":["smb"]}`,
	pipeline.StageCompetitorAnalysis: `{"competitors":[{"name":"acme"}]}`,
	pipeline.StageFeatureAnalysis:    `{"features":["sync"],"gaps":["offline"]}`,
	pipeline.StageCustomerInsights:   `{"pain_points":["setup time"]}`,
	pipeline.StageCustomerPersona:    `{"personas":[{"name":"ops lead"}]}`,
	pipeline.StageOpportunityMapping: `{"opportunities":["self-serve"],"recommendation":"ship it"}`,
}

// fakeReasoner answers per stage. respond, when set, overrides the default
// valid answer; attempt counts calls for that stage starting at 1.
type fakeReasoner struct {
	mu      sync.Mutex
	calls   map[pipeline.StageID]int
	order   []pipeline.StageID
	prompts []Prompt
	respond func(ctx context.Context, stage pipeline.StageID, attempt int) (string, error)
}

func newFakeReasoner() *fakeReasoner {
	return &fakeReasoner{calls: make(map[pipeline.StageID]int)}
}

func (f *fakeReasoner) Reason(ctx context.Context, p Prompt) (string, error) {
	var in struct {
		Stage pipeline.StageID `json:"stage"`
	}
	if err := json.Unmarshal(p.Payload, &in); err != nil {
		return "", err
	}

	f.mu.Lock()
	f.calls[in.Stage]++
	attempt := f.calls[in.Stage]
	f.order = append(f.order, in.Stage)
	f.prompts = append(f.prompts, p)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		return respond(ctx, in.Stage, attempt)
	}
	return validAnswers[in.Stage], nil
}

func (f *fakeReasoner) callsFor(stage pipeline.StageID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func (f *fakeReasoner) callOrder() []pipeline.StageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.StageID(nil), f.order...)
}

func (f *fakeReasoner) setRespond(fn func(ctx context.Context, stage pipeline.StageID, attempt int) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// failingStore wraps a Store and fails Put for the given stage and status.
type failingStore struct {
	store.Store
	stage  pipeline.StageID
	status pipeline.StageStatus
}

func (f *failingStore) Put(ctx context.Context, c pipeline.StageContext) error {
	if c.StageID == f.stage && c.Status == f.status {
		return eris.New("disk full")
	}
	return f.Store.Put(ctx, c)
}

func newTestPipeline(t *testing.T, st store.Store, r Reasoner, opts ...Option) *Pipeline {
	t.Helper()
	base := []Option{
		WithLogger(zap.NewNop()),
		WithConfig(Config{InvokeTimeout: 5 * time.Second}),
	}
	p, err := NewPipeline(st, r, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func completedContext(projectID string, stage pipeline.StageID) pipeline.StageContext {
	c := pipeline.NewStageContext(projectID, stage)
	c.Status = pipeline.StatusComplete
	c.Payload = json.RawMessage(validAnswers[stage])
	return c
}
