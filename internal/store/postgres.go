package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// Compile-time assertions.
var (
	_ Store  = (*PostgresStore)(nil)
	_ Leaser = (*PostgresStore)(nil)
)

// PostgresStore implements Store and Leaser on PostgreSQL through a pgx
// connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects, pings and migrates. An empty dsn falls back to
// DATABASE_URL.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, eris.New("store: postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: parse postgres dsn")
	}
	cfg.MaxConns = 20
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "store: connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping postgres")
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Migrate runs embedded migrations not yet recorded in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at BIGINT NOT NULL
)`); err != nil {
		return eris.Wrap(err, "store: create schema_migrations")
	}

	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return eris.Wrap(err, "store: read schema_migrations")
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return eris.Wrap(err, "store: scan schema_migrations")
		}
		applied[v] = true
	}
	rows.Close()

	migs, err := loadMigrations(postgresMigrations, "migrations/postgres")
	if err != nil {
		return err
	}
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`,
				m.Version, time.Now().Unix())
			return err
		})
		if err != nil {
			return eris.Wrapf(err, "store: migration %s", m.Name)
		}
	}
	return nil
}

// Get reads one stage context.
func (s *PostgresStore) Get(ctx context.Context, projectID string, stage pipeline.StageID) (*pipeline.StageContext, error) {
	if !stage.Valid() {
		return nil, eris.Wrapf(pipeline.ErrUnknownStage, "%q", stage)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE project_id = $1`, contextColumns, contextTable(stage))
	c, err := scanPostgresContext(s.pool.QueryRow(ctx, q, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "project %s stage %s", projectID, stage)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get %s/%s", projectID, stage)
	}
	c.StageID = stage
	return c, nil
}

// Load reads every stage context of the project, one query per stage table
// inside a read-only transaction.
func (s *PostgresStore) Load(ctx context.Context, projectID string) (map[pipeline.StageID]pipeline.StageContext, error) {
	out := make(map[pipeline.StageID]pipeline.StageContext)
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		for _, st := range pipeline.AllStages() {
			q := fmt.Sprintf(`SELECT %s FROM %s WHERE project_id = $1`, contextColumns, contextTable(st))
			c, err := scanPostgresContext(tx.QueryRow(ctx, q, projectID))
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return eris.Wrapf(err, "stage %s", st)
			}
			c.StageID = st
			out[st] = *c
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "store: load %s", projectID)
	}
	return out, nil
}

// Put locks the project row, upserts the stage row and rewrites the
// progress blob in one transaction.
func (s *PostgresStore) Put(ctx context.Context, c pipeline.StageContext) error {
	if err := c.Validate(); err != nil {
		return eris.Wrap(err, "store: put stage context")
	}
	now := s.now().UTC()
	c = stamp(c, now)

	var payload any
	if len(c.Payload) > 0 {
		payload = []byte(c.Payload)
	}
	refs := make([]string, len(c.InputRefs))
	for i, r := range c.InputRefs {
		refs[i] = string(r)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgLockProject(ctx, tx, c.ProjectID, now); err != nil {
			return err
		}

		q := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (project_id) DO UPDATE SET
  status = EXCLUDED.status,
  input_refs = EXCLUDED.input_refs,
  payload = EXCLUDED.payload,
  retry_count = EXCLUDED.retry_count,
  last_error = EXCLUDED.last_error,
  error_kind = EXCLUDED.error_kind,
  started_at = EXCLUDED.started_at,
  next_attempt_at = EXCLUDED.next_attempt_at,
  updated_at = EXCLUDED.updated_at`, contextTable(c.StageID), contextColumns)
		if _, err := tx.Exec(ctx, q,
			c.ProjectID, string(c.Status), refs, payload, c.RetryCount, c.LastError, c.ErrorKind,
			nullTime(c.StartedAt), nullTime(c.NextAttemptAt), c.CreatedAt, c.UpdatedAt,
		); err != nil {
			return eris.Wrapf(err, "upsert stage %s", c.StageID)
		}

		p, err := pgStatuses(ctx, tx, c.ProjectID)
		if err != nil {
			return err
		}
		return pgUpdateProject(ctx, tx, p, now)
	})
	if err != nil {
		return eris.Wrapf(err, "store: put %s/%s", c.ProjectID, c.StageID)
	}
	return nil
}

// Reset deletes every stage row of the project and marks it all-pending.
func (s *PostgresStore) Reset(ctx context.Context, projectID string) error {
	now := s.now().UTC()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgLockProject(ctx, tx, projectID, now); err != nil {
			return err
		}
		for _, st := range pipeline.AllStages() {
			q := fmt.Sprintf(`DELETE FROM %s WHERE project_id = $1`, contextTable(st))
			if _, err := tx.Exec(ctx, q, projectID); err != nil {
				return eris.Wrapf(err, "delete stage %s", st)
			}
		}
		return pgUpdateProject(ctx, tx, pipeline.NewProjectProgress(projectID), now)
	})
	if err != nil {
		return eris.Wrapf(err, "store: reset %s", projectID)
	}
	return nil
}

// Progress reads the project's denormalized progress record.
func (s *PostgresStore) Progress(ctx context.Context, projectID string) (pipeline.ProjectProgress, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT project_id, progress, current_phase, updated_at FROM projects WHERE project_id = $1`, projectID)
	p, err := scanPostgresProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.NewProjectProgress(projectID), nil
	}
	if err != nil {
		return pipeline.ProjectProgress{}, eris.Wrapf(err, "store: progress %s", projectID)
	}
	return p, nil
}

// ListProjects returns every project record ordered by ID.
func (s *PostgresStore) ListProjects(ctx context.Context) ([]pipeline.ProjectProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project_id, progress, current_phase, updated_at FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list projects")
	}
	defer rows.Close()

	var out []pipeline.ProjectProgress
	for rows.Next() {
		p, err := scanPostgresProject(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scan project")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "store: list projects")
	}
	return out, nil
}

// AcquireLease takes or renews the lease when it is free, expired, or
// already held by owner.
func (s *PostgresStore) AcquireLease(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
INSERT INTO pipeline_leases (project_id, owner, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (project_id) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE pipeline_leases.expires_at < $4 OR pipeline_leases.owner = EXCLUDED.owner`,
		projectID, owner, now.Add(ttl), now)
	if err != nil {
		return false, eris.Wrapf(err, "store: acquire lease %s", projectID)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease deletes the lease row if owner holds it.
func (s *PostgresStore) ReleaseLease(ctx context.Context, projectID, owner string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM pipeline_leases WHERE project_id = $1 AND owner = $2`, projectID, owner); err != nil {
		return eris.Wrapf(err, "store: release lease %s", projectID)
	}
	return nil
}

// pgLockProject ensures the project row exists and takes a row lock on it,
// serializing concurrent writers of the same project.
func pgLockProject(ctx context.Context, tx pgx.Tx, projectID string, now time.Time) error {
	if _, err := tx.Exec(ctx, `
INSERT INTO projects (project_id, progress, current_phase, created_at, updated_at)
VALUES ($1, '{}'::jsonb, $2, $3, $3)
ON CONFLICT (project_id) DO NOTHING`,
		projectID, string(pipeline.PhaseProblemUnderstanding), now); err != nil {
		return eris.Wrapf(err, "insert project %s", projectID)
	}
	var id string
	if err := tx.QueryRow(ctx,
		`SELECT project_id FROM projects WHERE project_id = $1 FOR UPDATE`, projectID).Scan(&id); err != nil {
		return eris.Wrapf(err, "lock project %s", projectID)
	}
	return nil
}

func pgStatuses(ctx context.Context, tx pgx.Tx, projectID string) (pipeline.ProjectProgress, error) {
	p := pipeline.NewProjectProgress(projectID)
	for _, st := range pipeline.AllStages() {
		var status string
		q := fmt.Sprintf(`SELECT status FROM %s WHERE project_id = $1`, contextTable(st))
		err := tx.QueryRow(ctx, q, projectID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return pipeline.ProjectProgress{}, eris.Wrapf(err, "read status %s", st)
		}
		p.PerStage[st] = pipeline.StageStatus(status)
	}
	p.Phase = pipeline.ProjectPhase(p.PerStage)
	return p, nil
}

func pgUpdateProject(ctx context.Context, tx pgx.Tx, p pipeline.ProjectProgress, now time.Time) error {
	blob, err := json.Marshal(p.PerStage)
	if err != nil {
		return eris.Wrap(err, "encode progress")
	}
	if _, err := tx.Exec(ctx,
		`UPDATE projects SET progress = $2, current_phase = $3, updated_at = $4 WHERE project_id = $1`,
		p.ProjectID, blob, string(p.Phase), now); err != nil {
		return eris.Wrapf(err, "update project %s", p.ProjectID)
	}
	return nil
}

func scanPostgresContext(row pgx.Row) (*pipeline.StageContext, error) {
	var (
		c                 pipeline.StageContext
		status            string
		refs              []string
		payload           []byte
		startedAt, nextAt *time.Time
	)
	if err := row.Scan(&c.ProjectID, &status, &refs, &payload, &c.RetryCount, &c.LastError,
		&c.ErrorKind, &startedAt, &nextAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = pipeline.StageStatus(status)
	for _, r := range refs {
		c.InputRefs = append(c.InputRefs, pipeline.StageID(r))
	}
	if len(payload) > 0 {
		c.Payload = json.RawMessage(payload)
	}
	if startedAt != nil {
		c.StartedAt = startedAt.UTC()
	}
	if nextAt != nil {
		c.NextAttemptAt = nextAt.UTC()
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func scanPostgresProject(row pgx.Row) (pipeline.ProjectProgress, error) {
	var (
		id, phase string
		blob      []byte
		updatedAt time.Time
	)
	if err := row.Scan(&id, &blob, &phase, &updatedAt); err != nil {
		return pipeline.ProjectProgress{}, err
	}
	p, err := decodeProgress(id, blob)
	if err != nil {
		return pipeline.ProjectProgress{}, err
	}
	p.Phase = pipeline.Phase(phase)
	p.UpdatedAt = updatedAt.UTC()
	return p, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
