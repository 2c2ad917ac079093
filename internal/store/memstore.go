package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/rotisserie/eris"
)

// Compile-time assertions.
var (
	_ Store  = (*MemoryStore)(nil)
	_ Leaser = (*MemoryStore)(nil)
)

// MemoryStore implements Store and Leaser using Go maps. Thread-safe via
// sync.RWMutex. Values are deep-copied on the way in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	contexts map[string]map[pipeline.StageID]pipeline.StageContext
	progress map[string]pipeline.ProjectProgress
	leases   map[string]lease
	now      func() time.Time
}

type lease struct {
	owner   string
	expires time.Time
}

// NewMemoryStore returns an initialized MemoryStore ready for use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contexts: make(map[string]map[pipeline.StageID]pipeline.StageContext),
		progress: make(map[string]pipeline.ProjectProgress),
		leases:   make(map[string]lease),
		now:      time.Now,
	}
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

// Get returns a copy of the stored context.
func (m *MemoryStore) Get(_ context.Context, projectID string, stage pipeline.StageID) (*pipeline.StageContext, error) {
	if !stage.Valid() {
		return nil, eris.Wrapf(pipeline.ErrUnknownStage, "%q", stage)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contexts[projectID][stage]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "project %s stage %s", projectID, stage)
	}
	out := c.Clone()
	return &out, nil
}

// Load returns copies of every stored context of the project.
func (m *MemoryStore) Load(_ context.Context, projectID string) (map[pipeline.StageID]pipeline.StageContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[pipeline.StageID]pipeline.StageContext, len(m.contexts[projectID]))
	for id, c := range m.contexts[projectID] {
		out[id] = c.Clone()
	}
	return out, nil
}

// Put upserts the context and updates the progress record under one lock.
func (m *MemoryStore) Put(_ context.Context, c pipeline.StageContext) error {
	if err := c.Validate(); err != nil {
		return eris.Wrap(err, "store: put stage context")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	stages, ok := m.contexts[c.ProjectID]
	if !ok {
		stages = make(map[pipeline.StageID]pipeline.StageContext)
		m.contexts[c.ProjectID] = stages
	}
	if prev, ok := stages[c.StageID]; ok && !prev.CreatedAt.IsZero() {
		c.CreatedAt = prev.CreatedAt
	}
	c = stamp(c.Clone(), now)
	stages[c.StageID] = c

	p, ok := m.progress[c.ProjectID]
	if !ok {
		p = pipeline.NewProjectProgress(c.ProjectID)
	}
	p = p.With(c.StageID, c.Status)
	p.UpdatedAt = now
	m.progress[c.ProjectID] = p
	return nil
}

// Reset drops every context of the project and resets its progress.
func (m *MemoryStore) Reset(_ context.Context, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.contexts, projectID)
	p := pipeline.NewProjectProgress(projectID)
	p.UpdatedAt = m.now().UTC()
	m.progress[projectID] = p
	return nil
}

// Progress returns a copy of the project's progress record.
func (m *MemoryStore) Progress(_ context.Context, projectID string) (pipeline.ProjectProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.progress[projectID]
	if !ok {
		return pipeline.NewProjectProgress(projectID), nil
	}
	return cloneProgress(p), nil
}

// ListProjects returns every project with a progress record.
func (m *MemoryStore) ListProjects(ctx context.Context) ([]pipeline.ProjectProgress, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.progress))
	for id := range m.progress {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	out := make([]pipeline.ProjectProgress, 0, len(ids))
	for _, id := range ids {
		p, err := m.Progress(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// AcquireLease takes or renews the in-memory lease.
func (m *MemoryStore) AcquireLease(_ context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[projectID]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.leases[projectID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

// ReleaseLease drops the lease if owner holds it.
func (m *MemoryStore) ReleaseLease(_ context.Context, projectID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[projectID]; ok && l.owner == owner {
		delete(m.leases, projectID)
	}
	return nil
}

func cloneProgress(p pipeline.ProjectProgress) pipeline.ProjectProgress {
	out := p
	out.PerStage = make(map[pipeline.StageID]pipeline.StageStatus, len(p.PerStage))
	for k, v := range p.PerStage {
		out.PerStage[k] = v
	}
	return out
}
