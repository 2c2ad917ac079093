package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the behavior every backend must share. newStore
// returns a fresh, empty store; project IDs are unique per subtest so
// backends that share a database between subtests stay isolated.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, projectID(t), pipeline.StageMarketResearch)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("get unknown stage", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, projectID(t), "pricing")
		require.ErrorIs(t, err, pipeline.ErrUnknownStage)
	})

	t.Run("round trip in progress", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		c := pipeline.NewStageContext(pid, pipeline.StageCompetitorAnalysis)
		c.Status = pipeline.StatusInProgress
		c.InputRefs = []pipeline.StageID{pipeline.StageMarketResearch}
		c.RetryCount = 2
		c.LastError = "timeout"
		c.ErrorKind = "transient"
		c.StartedAt = ts
		c.NextAttemptAt = ts.Add(time.Minute)
		require.NoError(t, s.Put(ctx, c))

		got, err := s.Get(ctx, pid, pipeline.StageCompetitorAnalysis)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusInProgress, got.Status)
		assert.Equal(t, c.InputRefs, got.InputRefs)
		assert.Equal(t, 2, got.RetryCount)
		assert.Equal(t, "timeout", got.LastError)
		assert.Equal(t, "transient", got.ErrorKind)
		assert.True(t, ts.Equal(got.StartedAt), "started at: %v", got.StartedAt)
		assert.True(t, ts.Add(time.Minute).Equal(got.NextAttemptAt), "next attempt: %v", got.NextAttemptAt)
		assert.Empty(t, got.Payload)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("round trip complete payload", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		c := pipeline.NewStageContext(pid, pipeline.StageMarketResearch)
		c.Status = pipeline.StatusComplete
		c.Payload = json.RawMessage(`{"segments":["smb","enterprise"],"size":"large"}`)
		require.NoError(t, s.Put(ctx, c))

		got, err := s.Get(ctx, pid, pipeline.StageMarketResearch)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusComplete, got.Status)
		assert.JSONEq(t, string(c.Payload), string(got.Payload))
		assert.Zero(t, got.StartedAt)
		assert.Zero(t, got.NextAttemptAt)
	})

	t.Run("invalid context rejected", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		c := pipeline.NewStageContext(pid, pipeline.StageMarketResearch)
		c.Status = pipeline.StatusComplete
		require.Error(t, s.Put(ctx, c), "complete without payload must be rejected")

		_, err := s.Get(ctx, pid, pipeline.StageMarketResearch)
		require.ErrorIs(t, err, ErrNotFound)
		p, err := s.Progress(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusPending, p.PerStage[pipeline.StageMarketResearch])
	})

	t.Run("progress follows puts", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		p, err := s.Progress(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, pipeline.PhaseProblemUnderstanding, p.Phase)
		assert.Len(t, p.PerStage, len(pipeline.AllStages()))

		c := pipeline.NewStageContext(pid, pipeline.StageMarketResearch)
		c.Status = pipeline.StatusInProgress
		c.StartedAt = ts
		require.NoError(t, s.Put(ctx, c))

		p, err = s.Progress(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusInProgress, p.PerStage[pipeline.StageMarketResearch])
		assert.Equal(t, pipeline.PhaseAnalysis, p.Phase)

		for _, st := range pipeline.AllStages() {
			require.NoError(t, s.Put(ctx, completed(pid, st)))
		}
		p, err = s.Progress(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, pipeline.PhaseDashboard, p.Phase)
		for _, st := range pipeline.AllStages() {
			assert.Equal(t, pipeline.StatusComplete, p.PerStage[st], st)
		}
	})

	t.Run("created at preserved", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		c := pipeline.NewStageContext(pid, pipeline.StageFeatureAnalysis)
		c.Status = pipeline.StatusFailed
		c.CreatedAt = ts
		c.UpdatedAt = ts
		require.NoError(t, s.Put(ctx, c))

		c.RetryCount = 1
		c.CreatedAt = time.Time{}
		c.UpdatedAt = ts.Add(time.Hour)
		require.NoError(t, s.Put(ctx, c))

		got, err := s.Get(ctx, pid, pipeline.StageFeatureAnalysis)
		require.NoError(t, err)
		assert.True(t, ts.Equal(got.CreatedAt), "created at: %v", got.CreatedAt)
		assert.True(t, ts.Add(time.Hour).Equal(got.UpdatedAt), "updated at: %v", got.UpdatedAt)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("load returns attempted stages", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		require.NoError(t, s.Put(ctx, completed(pid, pipeline.StageMarketResearch)))
		failed := pipeline.NewStageContext(pid, pipeline.StageCustomerInsights)
		failed.Status = pipeline.StatusFailed
		require.NoError(t, s.Put(ctx, failed))

		all, err := s.Load(ctx, pid)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, pipeline.StatusComplete, all[pipeline.StageMarketResearch].Status)
		assert.Equal(t, pipeline.StageMarketResearch, all[pipeline.StageMarketResearch].StageID)
		assert.Equal(t, pipeline.StatusFailed, all[pipeline.StageCustomerInsights].Status)

		other, err := s.Load(ctx, pid+"-other")
		require.NoError(t, err)
		assert.Empty(t, other)
	})

	t.Run("reset", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		require.NoError(t, s.Put(ctx, completed(pid, pipeline.StageMarketResearch)))
		require.NoError(t, s.Put(ctx, completed(pid, pipeline.StageCompetitorAnalysis)))
		require.NoError(t, s.Reset(ctx, pid))

		all, err := s.Load(ctx, pid)
		require.NoError(t, err)
		assert.Empty(t, all)

		p, err := s.Progress(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, pipeline.PhaseProblemUnderstanding, p.Phase)
		for _, st := range pipeline.AllStages() {
			assert.Equal(t, pipeline.StatusPending, p.PerStage[st], st)
		}
	})

	t.Run("list projects", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		require.NoError(t, s.Put(ctx, completed(pid+"-b", pipeline.StageMarketResearch)))
		require.NoError(t, s.Put(ctx, completed(pid+"-a", pipeline.StageMarketResearch)))

		list, err := s.ListProjects(ctx)
		require.NoError(t, err)
		var ids []string
		for _, p := range list {
			if p.ProjectID == pid+"-a" || p.ProjectID == pid+"-b" {
				ids = append(ids, p.ProjectID)
				assert.Equal(t, pipeline.PhaseAnalysis, p.Phase)
			}
		}
		assert.Equal(t, []string{pid + "-a", pid + "-b"}, ids)
	})

	t.Run("concurrent puts keep progress consistent", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		var wg sync.WaitGroup
		errs := make(chan error, len(pipeline.AllStages()))
		for _, st := range pipeline.AllStages() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Put(ctx, completed(pid, st))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		p, err := s.Progress(ctx, pid)
		require.NoError(t, err)
		assert.Equal(t, pipeline.PhaseDashboard, p.Phase)
	})

	t.Run("lineage", func(t *testing.T) {
		s := newStore(t)
		pid := projectID(t)

		require.NoError(t, s.Put(ctx, completed(pid, pipeline.StageMarketResearch)))
		ca := completed(pid, pipeline.StageCompetitorAnalysis)
		ca.InputRefs = []pipeline.StageID{pipeline.StageMarketResearch}
		require.NoError(t, s.Put(ctx, ca))
		fa := completed(pid, pipeline.StageFeatureAnalysis)
		fa.InputRefs = []pipeline.StageID{pipeline.StageCompetitorAnalysis}
		require.NoError(t, s.Put(ctx, fa))

		got, err := Lineage(ctx, s, pid, pipeline.StageFeatureAnalysis)
		require.NoError(t, err)
		assert.Equal(t, []pipeline.StageID{pipeline.StageMarketResearch, pipeline.StageCompetitorAnalysis}, got)

		got, err = Lineage(ctx, s, pid, pipeline.StageMarketResearch)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("lease", func(t *testing.T) {
		s := newStore(t)
		l, ok := s.(Leaser)
		if !ok {
			t.Skip("backend has no lease support")
		}
		pid := projectID(t)

		got, err := l.AcquireLease(ctx, pid, "a", time.Hour)
		require.NoError(t, err)
		assert.True(t, got, "free lease is acquired")

		got, err = l.AcquireLease(ctx, pid, "a", time.Hour)
		require.NoError(t, err)
		assert.True(t, got, "owner renews its lease")

		got, err = l.AcquireLease(ctx, pid, "b", time.Hour)
		require.NoError(t, err)
		assert.False(t, got, "live lease blocks another owner")

		require.NoError(t, l.ReleaseLease(ctx, pid, "b"), "releasing someone else's lease is a no-op")
		got, err = l.AcquireLease(ctx, pid, "b", time.Hour)
		require.NoError(t, err)
		assert.False(t, got)

		require.NoError(t, l.ReleaseLease(ctx, pid, "a"))
		got, err = l.AcquireLease(ctx, pid, "b", -time.Second)
		require.NoError(t, err)
		assert.True(t, got, "released lease is free")

		got, err = l.AcquireLease(ctx, pid, "a", time.Hour)
		require.NoError(t, err)
		assert.True(t, got, "expired lease is taken over")
	})
}

func completed(projectID string, stage pipeline.StageID) pipeline.StageContext {
	c := pipeline.NewStageContext(projectID, stage)
	c.Status = pipeline.StatusComplete
	c.Payload = json.RawMessage(fmt.Sprintf(`{"stage":%q}`, stage))
	return c
}

// projectID derives a per-subtest project ID.
func projectID(t *testing.T) string {
	return fmt.Sprintf("proj-%x", time.Now().UnixNano()) + "-" + sanitize(t.Name())
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
