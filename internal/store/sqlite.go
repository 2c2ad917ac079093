package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/rotisserie/eris"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// Compile-time assertions.
var (
	_ Store  = (*SQLiteStore)(nil)
	_ Leaser = (*SQLiteStore)(nil)
)

// contextColumns is the column list shared by every {stage}_context table.
const contextColumns = `project_id, status, input_refs, payload, retry_count, last_error,
	error_kind, started_at, next_attempt_at, created_at, updated_at`

// SQLiteStore implements Store and Leaser on an embedded SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and runs
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, eris.New("store: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "store: create sqlite directory")
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: open sqlite")
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initPragmas(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return eris.Wrapf(err, "store: sqlite %s", q)
		}
	}
	return nil
}

// Migrate applies embedded migrations not yet recorded in schema_migrations.
// It is idempotent.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return eris.Wrap(err, "store: create schema_migrations")
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return eris.Wrap(err, "store: read schema_migrations")
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return eris.Wrap(err, "store: scan schema_migrations")
		}
		applied[v] = true
	}
	_ = rows.Close()

	migs, err := loadMigrations(sqliteMigrations, "migrations/sqlite")
	if err != nil {
		return err
	}
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return eris.Wrapf(err, "store: migration %s", m.Name)
		}
	}
	return nil
}

func (s *SQLiteStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
		m.Version, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

// Get reads one stage context.
func (s *SQLiteStore) Get(ctx context.Context, projectID string, stage pipeline.StageID) (*pipeline.StageContext, error) {
	if !stage.Valid() {
		return nil, eris.Wrapf(pipeline.ErrUnknownStage, "%q", stage)
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE project_id = ?`, contextColumns, contextTable(stage))
	c, err := scanSQLiteContext(s.db.QueryRowContext(ctx, q, projectID), stage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "project %s stage %s", projectID, stage)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get %s/%s", projectID, stage)
	}
	return c, nil
}

// Load reads every stage context of the project in one statement.
func (s *SQLiteStore) Load(ctx context.Context, projectID string) (map[pipeline.StageID]pipeline.StageContext, error) {
	stages := pipeline.AllStages()
	parts := make([]string, len(stages))
	args := make([]any, len(stages))
	for i, st := range stages {
		parts[i] = fmt.Sprintf(`SELECT '%s' AS stage_id, %s FROM %s WHERE project_id = ?`,
			st, contextColumns, contextTable(st))
		args[i] = projectID
	}

	rows, err := s.db.QueryContext(ctx, strings.Join(parts, " UNION ALL "), args...)
	if err != nil {
		return nil, eris.Wrapf(err, "store: load %s", projectID)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[pipeline.StageID]pipeline.StageContext)
	for rows.Next() {
		var stage string
		c, err := scanSQLiteContext(prefixScanner{rows: rows, first: &stage}, "")
		if err != nil {
			return nil, eris.Wrapf(err, "store: scan %s", projectID)
		}
		c.StageID = pipeline.StageID(stage)
		out[c.StageID] = *c
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrapf(err, "store: load %s", projectID)
	}
	return out, nil
}

// Put upserts the stage row and rewrites the project's progress in the same
// transaction. The first statement is a write so the transaction takes the
// write lock up front.
func (s *SQLiteStore) Put(ctx context.Context, c pipeline.StageContext) error {
	if err := c.Validate(); err != nil {
		return eris.Wrap(err, "store: put stage context")
	}
	now := s.now().UTC()
	c = stamp(c, now)

	refs, err := json.Marshal(refsOrEmpty(c.InputRefs))
	if err != nil {
		return eris.Wrap(err, "store: encode input refs")
	}
	var payload any
	if len(c.Payload) > 0 {
		payload = string(c.Payload)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin put")
	}
	defer func() { _ = tx.Rollback() }()

	q := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
  status = excluded.status,
  input_refs = excluded.input_refs,
  payload = excluded.payload,
  retry_count = excluded.retry_count,
  last_error = excluded.last_error,
  error_kind = excluded.error_kind,
  started_at = excluded.started_at,
  next_attempt_at = excluded.next_attempt_at,
  updated_at = excluded.updated_at`, contextTable(c.StageID), contextColumns)

	if _, err := tx.ExecContext(ctx, q,
		c.ProjectID, string(c.Status), string(refs), payload, c.RetryCount, c.LastError,
		c.ErrorKind, millis(c.StartedAt), millis(c.NextAttemptAt), millis(c.CreatedAt), millis(c.UpdatedAt),
	); err != nil {
		return eris.Wrapf(err, "store: upsert %s/%s", c.ProjectID, c.StageID)
	}

	progress, err := sqliteStatuses(ctx, tx, c.ProjectID)
	if err != nil {
		return err
	}
	if err := sqliteUpsertProject(ctx, tx, progress, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrapf(err, "store: commit put %s/%s", c.ProjectID, c.StageID)
	}
	return nil
}

// Reset deletes every stage row of the project and marks it all-pending.
func (s *SQLiteStore) Reset(ctx context.Context, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: begin reset")
	}
	defer func() { _ = tx.Rollback() }()

	for _, st := range pipeline.AllStages() {
		q := fmt.Sprintf(`DELETE FROM %s WHERE project_id = ?`, contextTable(st))
		if _, err := tx.ExecContext(ctx, q, projectID); err != nil {
			return eris.Wrapf(err, "store: reset %s/%s", projectID, st)
		}
	}
	if err := sqliteUpsertProject(ctx, tx, pipeline.NewProjectProgress(projectID), s.now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrapf(err, "store: commit reset %s", projectID)
	}
	return nil
}

// Progress reads the project's denormalized progress record.
func (s *SQLiteStore) Progress(ctx context.Context, projectID string) (pipeline.ProjectProgress, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, progress, current_phase, updated_at FROM projects WHERE project_id = ?`, projectID)
	p, err := scanSQLiteProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return pipeline.NewProjectProgress(projectID), nil
	}
	if err != nil {
		return pipeline.ProjectProgress{}, eris.Wrapf(err, "store: progress %s", projectID)
	}
	return p, nil
}

// ListProjects returns every project record ordered by ID.
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]pipeline.ProjectProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, progress, current_phase, updated_at FROM projects ORDER BY project_id`)
	if err != nil {
		return nil, eris.Wrap(err, "store: list projects")
	}
	defer func() { _ = rows.Close() }()

	var out []pipeline.ProjectProgress
	for rows.Next() {
		p, err := scanSQLiteProject(rows)
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

// AcquireLease upserts the lease row only when it is free, expired, or
// already ours. RowsAffected tells whether the write happened.
func (s *SQLiteStore) AcquireLease(ctx context.Context, projectID, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO pipeline_leases (project_id, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE pipeline_leases.expires_at < ? OR pipeline_leases.owner = excluded.owner`,
		projectID, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, eris.Wrapf(err, "store: acquire lease %s", projectID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "store: acquire lease %s", projectID)
	}
	return n > 0, nil
}

// ReleaseLease deletes the lease row if owner holds it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, projectID, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_leases WHERE project_id = ? AND owner = ?`, projectID, owner)
	if err != nil {
		return eris.Wrapf(err, "store: release lease %s", projectID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

// prefixScanner scans one leading column into first before the shared
// context columns.
type prefixScanner struct {
	rows  *sql.Rows
	first *string
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.rows.Scan(append([]any{p.first}, dest...)...)
}

func scanSQLiteContext(row rowScanner, stage pipeline.StageID) (*pipeline.StageContext, error) {
	var (
		c                                       pipeline.StageContext
		status, refs                            string
		payload                                 sql.NullString
		startedAt, nextAt, createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ProjectID, &status, &refs, &payload, &c.RetryCount, &c.LastError,
		&c.ErrorKind, &startedAt, &nextAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.StageID = stage
	c.Status = pipeline.StageStatus(status)
	if refs != "" {
		if err := json.Unmarshal([]byte(refs), &c.InputRefs); err != nil {
			return nil, eris.Wrap(err, "store: decode input refs")
		}
	}
	if len(c.InputRefs) == 0 {
		c.InputRefs = nil
	}
	if payload.Valid && payload.String != "" {
		c.Payload = json.RawMessage(payload.String)
	}
	c.StartedAt = fromMillis(startedAt)
	c.NextAttemptAt = fromMillis(nextAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func scanSQLiteProject(row rowScanner) (pipeline.ProjectProgress, error) {
	var (
		id, blob, phase string
		updatedAt       int64
	)
	if err := row.Scan(&id, &blob, &phase, &updatedAt); err != nil {
		return pipeline.ProjectProgress{}, err
	}
	p, err := decodeProgress(id, []byte(blob))
	if err != nil {
		return pipeline.ProjectProgress{}, err
	}
	p.Phase = pipeline.Phase(phase)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

// sqliteStatuses reads the status column of all six stage tables inside tx.
func sqliteStatuses(ctx context.Context, tx *sql.Tx, projectID string) (pipeline.ProjectProgress, error) {
	stages := pipeline.AllStages()
	parts := make([]string, len(stages))
	args := make([]any, len(stages))
	for i, st := range stages {
		parts[i] = fmt.Sprintf(`SELECT '%s', status FROM %s WHERE project_id = ?`, st, contextTable(st))
		args[i] = projectID
	}
	rows, err := tx.QueryContext(ctx, strings.Join(parts, " UNION ALL "), args...)
	if err != nil {
		return pipeline.ProjectProgress{}, eris.Wrapf(err, "store: read statuses %s", projectID)
	}
	defer func() { _ = rows.Close() }()

	p := pipeline.NewProjectProgress(projectID)
	for rows.Next() {
		var stage, status string
		if err := rows.Scan(&stage, &status); err != nil {
			return pipeline.ProjectProgress{}, eris.Wrap(err, "store: scan status")
		}
		p.PerStage[pipeline.StageID(stage)] = pipeline.StageStatus(status)
	}
	if err := rows.Err(); err != nil {
		return pipeline.ProjectProgress{}, eris.Wrapf(err, "store: read statuses %s", projectID)
	}
	p.Phase = pipeline.ProjectPhase(p.PerStage)
	return p, nil
}

func sqliteUpsertProject(ctx context.Context, tx *sql.Tx, p pipeline.ProjectProgress, now time.Time) error {
	blob, err := json.Marshal(p.PerStage)
	if err != nil {
		return eris.Wrap(err, "store: encode progress")
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO projects (project_id, progress, current_phase, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(project_id) DO UPDATE SET
  progress = excluded.progress,
  current_phase = excluded.current_phase,
  updated_at = excluded.updated_at`,
		p.ProjectID, string(blob), string(p.Phase), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return eris.Wrapf(err, "store: upsert project %s", p.ProjectID)
	}
	return nil
}

// decodeProgress parses a progress blob, filling absent stages as pending.
func decodeProgress(projectID string, blob []byte) (pipeline.ProjectProgress, error) {
	p := pipeline.NewProjectProgress(projectID)
	if len(blob) == 0 {
		return p, nil
	}
	var per map[pipeline.StageID]pipeline.StageStatus
	if err := json.Unmarshal(blob, &per); err != nil {
		return pipeline.ProjectProgress{}, eris.Wrapf(err, "store: decode progress %s", projectID)
	}
	for k, v := range per {
		if k.Valid() {
			p.PerStage[k] = v
		}
	}
	p.Phase = pipeline.ProjectPhase(p.PerStage)
	return p, nil
}

func refsOrEmpty(refs []pipeline.StageID) []pipeline.StageID {
	if refs == nil {
		return []pipeline.StageID{}
	}
	return refs
}
