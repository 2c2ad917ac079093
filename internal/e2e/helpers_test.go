//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/reasoner"
	"github.com/dusk-indust/insight/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

var answers = map[pipeline.StageID]string{
	pipeline.StageMarketResearch:     `{"summary":"growing","market_size":{"tam":1000},"segments":["smb"]}`,
	pipeline.StageCompetitorAnalysis: `{"competitors":[{"name":"acme"}]}`,
	pipeline.StageFeatureAnalysis:    `{"features":["sync"],"gaps":["offline"]}`,
	pipeline.StageCustomerInsights:   `{"pain_points":["setup time"]}`,
	pipeline.StageCustomerPersona:    `{"personas":[{"name":"ops lead"}]}`,
	pipeline.StageOpportunityMapping: `{"opportunities":["self-serve"],"recommendation":"ship it"}`,
}

// provider is an OpenAI-compatible chat completions server that answers
// per stage. Stages in broken get a reply that is not JSON.
type provider struct {
	mu     sync.Mutex
	broken map[pipeline.StageID]bool
	calls  map[pipeline.StageID]int
}

func newProvider(t *testing.T) (*provider, *httptest.Server) {
	t.Helper()
	p := &provider{broken: map[pipeline.StageID]bool{}, calls: map[pipeline.StageID]int{}}
	srv := httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(srv.Close)
	return p, srv
}

func (p *provider) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) < 2 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var payload struct {
		Stage pipeline.StageID `json:"stage"`
	}
	if err := json.Unmarshal([]byte(req.Messages[1].Content), &payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.calls[payload.Stage]++
	content := answers[payload.Stage]
	if p.broken[payload.Stage] {
		content = "I could not produce JSON for this one."
	}
	p.mu.Unlock()

	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func (p *provider) setBroken(stage pipeline.StageID, broken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broken[stage] = broken
}

func (p *provider) callsFor(stage pipeline.StageID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[stage]
}

// openSQLite opens a store in a temp dir that is closed with the test.
func openSQLite(t *testing.T, path string) *store.SQLiteStore {
	t.Helper()
	st, err := store.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newPipeline wires a sqlite store and an OpenAI reasoner pointed at srv.
func newPipeline(t *testing.T, srv *httptest.Server) (*orchestrator.Pipeline, *store.SQLiteStore) {
	t.Helper()
	st := openSQLite(t, filepath.Join(t.TempDir(), "insight.db"))

	logger := zaptest.NewLogger(t, zaptest.Level(zapcore.WarnLevel))
	r, err := reasoner.New(reasoner.Config{Kind: reasoner.KindOpenAI, Endpoint: srv.URL, Model: "gpt-test"}, logger)
	require.NoError(t, err)

	p, err := orchestrator.NewPipeline(st, r, orchestrator.WithLogger(logger))
	require.NoError(t, err)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range p.Progress() {
		}
	}()
	t.Cleanup(func() {
		p.Close()
		<-drained
	})
	return p, st
}
