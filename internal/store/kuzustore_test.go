//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newKuzuTestStore creates a fresh in-memory KuzuStore and closes it when
// the test finishes.
func newKuzuTestStore(t *testing.T) *KuzuStore {
	t.Helper()
	s, err := NewKuzuStore()
	require.NoError(t, err, "NewKuzuStore should not fail")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKuzuStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return newKuzuTestStore(t)
	})
}

func TestKuzuStore_InitSchemaIdempotent(t *testing.T) {
	s := newKuzuTestStore(t)
	require.NoError(t, s.initSchema())
}

func TestKuzuStore_LineageIgnoresUnlinkedRefs(t *testing.T) {
	s := newKuzuTestStore(t)
	ctx := context.Background()

	// Opportunity mapping references customer insights, which was never
	// written, so no edge exists.
	require.NoError(t, s.Put(ctx, completed("p1", pipeline.StageMarketResearch)))
	om := completed("p1", pipeline.StageOpportunityMapping)
	om.InputRefs = []pipeline.StageID{pipeline.StageMarketResearch, pipeline.StageCustomerInsights}
	require.NoError(t, s.Put(ctx, om))

	got, err := s.Lineage(ctx, "p1", pipeline.StageOpportunityMapping)
	require.NoError(t, err)
	assert.Equal(t, []pipeline.StageID{pipeline.StageMarketResearch}, got)

	stored, err := s.Get(ctx, "p1", pipeline.StageOpportunityMapping)
	require.NoError(t, err)
	assert.Equal(t, om.InputRefs, stored.InputRefs)
}

func TestKuzuStore_FilePersistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "kuzu_db")

	s, err := NewKuzuFileStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, completed("p1", pipeline.StageMarketResearch)))
	require.NoError(t, s.Close())

	s, err = NewKuzuFileStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	p, err := s.Progress(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusComplete, p.PerStage[pipeline.StageMarketResearch])
}

func TestNodeTable(t *testing.T) {
	assert.Equal(t, "MarketResearchContext", nodeTable(pipeline.StageMarketResearch))
	assert.Equal(t, "OpportunityMappingContext", nodeTable(pipeline.StageOpportunityMapping))
}
