// Package store persists stage contexts and the denormalized project
// progress record. Every backend writes a stage context and the progress
// blob in one transaction so the two never diverge.
package store

import (
	"context"
	"io"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/rotisserie/eris"
)

// ErrNotFound is returned by Get when a stage has never been attempted.
var ErrNotFound = eris.New("store: stage context not found")

// Store is the interface for stage context persistence.
// Implementations: MemoryStore (tests, embedded use), SQLiteStore,
// PostgresStore, KuzuStore (cgo).
type Store interface {
	io.Closer

	// Get returns the context for one (project, stage) pair or ErrNotFound.
	Get(ctx context.Context, projectID string, stage pipeline.StageID) (*pipeline.StageContext, error)

	// Load returns every persisted context of a project. Stages that were
	// never attempted are absent from the map.
	Load(ctx context.Context, projectID string) (map[pipeline.StageID]pipeline.StageContext, error)

	// Put upserts a stage context and, in the same transaction, updates the
	// project's progress blob and current phase.
	Put(ctx context.Context, c pipeline.StageContext) error

	// Reset clears every stage context of a project and sets its progress
	// back to all-pending.
	Reset(ctx context.Context, projectID string) error

	// Progress reads the project record. Unknown projects are all-pending.
	Progress(ctx context.Context, projectID string) (pipeline.ProjectProgress, error)

	// ListProjects returns the progress of every known project, ordered by
	// project ID.
	ListProjects(ctx context.Context) ([]pipeline.ProjectProgress, error)
}

// Leaser is implemented by stores that can hold a per-project evaluation
// lease visible to other processes sharing the same database.
type Leaser interface {
	// AcquireLease takes or renews the lease for projectID. It succeeds when
	// no lease exists, the existing one has expired, or owner already holds
	// it. The boolean is false when another owner holds a live lease.
	AcquireLease(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease drops the lease if owner holds it.
	ReleaseLease(ctx context.Context, projectID, owner string) error
}

// Lineager is implemented by stores that materialize input references as
// graph edges.
type Lineager interface {
	// Lineage returns every stage whose output fed stage, directly or
	// transitively, in declaration order.
	Lineage(ctx context.Context, projectID string, stage pipeline.StageID) ([]pipeline.StageID, error)
}

// Lineage resolves the upstream stages of stage. It defers to the store when
// it implements Lineager and otherwise follows persisted InputRefs.
func Lineage(ctx context.Context, s Store, projectID string, stage pipeline.StageID) ([]pipeline.StageID, error) {
	if !stage.Valid() {
		return nil, eris.Wrapf(pipeline.ErrUnknownStage, "%q", stage)
	}
	if l, ok := s.(Lineager); ok {
		return l.Lineage(ctx, projectID, stage)
	}
	contexts, err := s.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}

	found := make(map[pipeline.StageID]bool)
	queue := []pipeline.StageID{stage}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, in := range contexts[cur].InputRefs {
			if in == stage || found[in] {
				continue
			}
			found[in] = true
			queue = append(queue, in)
		}
	}

	var out []pipeline.StageID
	for _, st := range pipeline.AllStages() {
		if found[st] {
			out = append(out, st)
		}
	}
	return out, nil
}

// Config selects and configures a backend.
type Config struct {
	// Driver is one of "memory", "sqlite", "postgres", "kuzu".
	Driver string `koanf:"driver"`

	// DSN is the Postgres connection string. Falls back to DATABASE_URL.
	DSN string `koanf:"dsn"`

	// Path is the database file (sqlite) or directory (kuzu).
	Path string `koanf:"path"`
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	case "kuzu":
		return openKuzu(cfg.Path)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// contextTable returns the relational table holding one stage's contexts.
// Stage IDs come from a closed set, so the name is safe to interpolate.
func contextTable(stage pipeline.StageID) string {
	return string(stage) + "_context"
}

// stamp fills the timestamps a caller left zero.
func stamp(c pipeline.StageContext, now time.Time) pipeline.StageContext {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	return c
}

// millis converts a time to Unix milliseconds with zero mapping to zero.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis is the inverse of millis.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
