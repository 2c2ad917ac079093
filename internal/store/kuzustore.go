//go:build cgo

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dusk-indust/insight/internal/pipeline"
	kuzu "github.com/kuzudb/go-kuzu"
	"github.com/rotisserie/eris"
)

// KuzuStore implements Store on an embedded KuzuDB graph. Each stage has its
// own node table keyed by project ID; input references become USED_INPUT
// edges so lineage can be walked in the graph. It requires CGO because the
// go-kuzu driver wraps KuzuDB's C library.
type KuzuStore struct {
	mu    sync.Mutex
	db    *kuzu.Database
	conn  *kuzu.Connection
	graph *pipeline.Graph
	now   func() time.Time
}

// Compile-time checks.
var (
	_ Store    = (*KuzuStore)(nil)
	_ Lineager = (*KuzuStore)(nil)
)

func openKuzu(path string) (Store, error) {
	if path == "" {
		return NewKuzuStore()
	}
	return NewKuzuFileStore(path)
}

// NewKuzuStore creates a KuzuStore backed by an in-memory KuzuDB instance.
func NewKuzuStore() (*KuzuStore, error) {
	db, err := kuzu.OpenDatabase(":memory:", kuzu.DefaultSystemConfig())
	if err != nil {
		return nil, eris.Wrap(err, "kuzu: open database")
	}
	return newKuzuStore(db)
}

// NewKuzuFileStore creates a KuzuStore at dbPath. KuzuDB creates the leaf
// directory itself.
func NewKuzuFileStore(dbPath string) (*KuzuStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, eris.Wrap(err, "kuzu: create parent directory")
	}
	db, err := kuzu.OpenDatabase(dbPath, kuzu.DefaultSystemConfig())
	if err != nil {
		return nil, eris.Wrap(err, "kuzu: open file database")
	}
	return newKuzuStore(db)
}

func newKuzuStore(db *kuzu.Database) (*KuzuStore, error) {
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "kuzu: open connection")
	}
	s := &KuzuStore{db: db, conn: conn, graph: pipeline.DefaultGraph(), now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the KuzuDB connection and database.
func (s *KuzuStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	return nil
}

// ---------- Schema setup ----------

// nodeTable maps market_research to MarketResearchContext.
func nodeTable(stage pipeline.StageID) string {
	var b strings.Builder
	for _, part := range strings.Split(string(stage), "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	b.WriteString("Context")
	return b.String()
}

// usedInputTable names the edge table from stage to one of its inputs.
func usedInputTable(stage, input pipeline.StageID) string {
	return "USED_INPUT_" + strings.ToUpper(string(stage)) + "__" + strings.ToUpper(string(input))
}

// ddl returns the schema statements. Node tables precede relationship tables.
func (s *KuzuStore) ddl() []string {
	stmts := []string{
		`CREATE NODE TABLE IF NOT EXISTS Project(
			id STRING,
			progress STRING,
			phase STRING,
			updated_at INT64,
			PRIMARY KEY(id)
		)`,
	}
	for _, st := range pipeline.AllStages() {
		stmts = append(stmts, fmt.Sprintf(`CREATE NODE TABLE IF NOT EXISTS %s(
			project_id STRING,
			status STRING,
			input_refs STRING,
			payload STRING,
			retry_count INT64,
			last_error STRING,
			error_kind STRING,
			started_at INT64,
			next_attempt_at INT64,
			created_at INT64,
			updated_at INT64,
			PRIMARY KEY(project_id)
		)`, nodeTable(st)))
	}
	for _, st := range pipeline.AllStages() {
		for _, in := range s.graph.Prerequisites(st) {
			stmts = append(stmts, fmt.Sprintf(`CREATE REL TABLE IF NOT EXISTS %s(FROM %s TO %s)`,
				usedInputTable(st, in), nodeTable(st), nodeTable(in)))
		}
	}
	return stmts
}

func (s *KuzuStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range s.ddl() {
		res, err := s.conn.Query(stmt)
		if err != nil {
			return eris.Wrap(err, "kuzu: init schema")
		}
		res.Close()
	}
	return nil
}

// ---------- Reads ----------

// Get reads one stage node.
func (s *KuzuStore) Get(_ context.Context, projectID string, stage pipeline.StageID) (*pipeline.StageContext, error) {
	if !stage.Valid() {
		return nil, eris.Wrapf(pipeline.ErrUnknownStage, "%q", stage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.getLocked(projectID, stage)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, eris.Wrapf(ErrNotFound, "project %s stage %s", projectID, stage)
	}
	return c, nil
}

// Load reads every stage node of the project.
func (s *KuzuStore) Load(_ context.Context, projectID string) (map[pipeline.StageID]pipeline.StageContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[pipeline.StageID]pipeline.StageContext)
	for _, st := range pipeline.AllStages() {
		c, err := s.getLocked(projectID, st)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out[st] = *c
		}
	}
	return out, nil
}

func (s *KuzuStore) getLocked(projectID string, stage pipeline.StageID) (*pipeline.StageContext, error) {
	rows, err := s.query(fmt.Sprintf(
		`MATCH (c:%s {project_id: $pid})
		 RETURN c.status, c.input_refs, c.payload, c.retry_count, c.last_error, c.error_kind,
		        c.started_at, c.next_attempt_at, c.created_at, c.updated_at`, nodeTable(stage)),
		map[string]any{"pid": projectID},
	)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rowToContext(projectID, stage, rows[0])
}

// Progress reads the Project node.
func (s *KuzuStore) Progress(_ context.Context, projectID string) (pipeline.ProjectProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.query(
		"MATCH (p:Project {id: $id}) RETURN p.id, p.progress, p.phase, p.updated_at",
		map[string]any{"id": projectID},
	)
	if err != nil {
		return pipeline.ProjectProgress{}, err
	}
	if len(rows) == 0 {
		return pipeline.NewProjectProgress(projectID), nil
	}
	return rowToProgress(rows[0])
}

// ListProjects returns every Project node ordered by ID.
func (s *KuzuStore) ListProjects(_ context.Context) ([]pipeline.ProjectProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.query("MATCH (p:Project) RETURN p.id, p.progress, p.phase, p.updated_at ORDER BY p.id", nil)
	if err != nil {
		return nil, err
	}
	out := make([]pipeline.ProjectProgress, 0, len(rows))
	for _, r := range rows {
		p, err := rowToProgress(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ---------- Writes ----------

// Put upserts the stage node, rewrites its USED_INPUT edges and updates the
// Project node inside one transaction.
func (s *KuzuStore) Put(_ context.Context, c pipeline.StageContext) error {
	if err := c.Validate(); err != nil {
		return eris.Wrap(err, "store: put stage context")
	}
	now := s.now().UTC()
	c = stamp(c, now)

	refs, err := json.Marshal(refsOrEmpty(c.InputRefs))
	if err != nil {
		return eris.Wrap(err, "kuzu: encode input refs")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func() error {
		if err := s.exec(fmt.Sprintf(
			`MERGE (c:%s {project_id: $pid})
			 ON CREATE SET c.created_at = $created
			 SET c.status = $status, c.input_refs = $refs, c.payload = $payload,
			     c.retry_count = $retries, c.last_error = $lastErr, c.error_kind = $kind,
			     c.started_at = $started, c.next_attempt_at = $next, c.updated_at = $updated`,
			nodeTable(c.StageID)),
			map[string]any{
				"pid":     c.ProjectID,
				"created": millis(c.CreatedAt),
				"status":  string(c.Status),
				"refs":    string(refs),
				"payload": string(c.Payload),
				"retries": int64(c.RetryCount),
				"lastErr": c.LastError,
				"kind":    c.ErrorKind,
				"started": millis(c.StartedAt),
				"next":    millis(c.NextAttemptAt),
				"updated": millis(c.UpdatedAt),
			},
		); err != nil {
			return err
		}
		if err := s.relinkInputs(c); err != nil {
			return err
		}
		return s.refreshProjectLocked(c.ProjectID, now)
	})
}

// relinkInputs replaces the outgoing USED_INPUT edges of the stage node.
// References outside the graph's prerequisite set have no edge table and
// are kept only in input_refs.
func (s *KuzuStore) relinkInputs(c pipeline.StageContext) error {
	for _, in := range s.graph.Prerequisites(c.StageID) {
		if err := s.exec(fmt.Sprintf(
			"MATCH (a:%s {project_id: $pid})-[r:%s]->(:%s) DELETE r",
			nodeTable(c.StageID), usedInputTable(c.StageID, in), nodeTable(in)),
			map[string]any{"pid": c.ProjectID},
		); err != nil {
			return err
		}
	}
	for _, in := range c.InputRefs {
		if !s.graph.IsPrerequisite(c.StageID, in) {
			continue
		}
		if err := s.exec(fmt.Sprintf(
			"MATCH (a:%s {project_id: $pid}), (b:%s {project_id: $pid}) CREATE (a)-[:%s]->(b)",
			nodeTable(c.StageID), nodeTable(in), usedInputTable(c.StageID, in)),
			map[string]any{"pid": c.ProjectID},
		); err != nil {
			return err
		}
	}
	return nil
}

// Reset detach-deletes every stage node of the project and marks the
// Project node all-pending.
func (s *KuzuStore) Reset(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(func() error {
		for _, st := range pipeline.AllStages() {
			if err := s.exec(fmt.Sprintf("MATCH (c:%s {project_id: $pid}) DETACH DELETE c", nodeTable(st)),
				map[string]any{"pid": projectID}); err != nil {
				return err
			}
		}
		return s.writeProjectLocked(pipeline.NewProjectProgress(projectID), s.now().UTC())
	})
}

func (s *KuzuStore) refreshProjectLocked(projectID string, now time.Time) error {
	p := pipeline.NewProjectProgress(projectID)
	for _, st := range pipeline.AllStages() {
		rows, err := s.query(fmt.Sprintf("MATCH (c:%s {project_id: $pid}) RETURN c.status", nodeTable(st)),
			map[string]any{"pid": projectID})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			p.PerStage[st] = pipeline.StageStatus(toString(rows[0][0]))
		}
	}
	p.Phase = pipeline.ProjectPhase(p.PerStage)
	return s.writeProjectLocked(p, now)
}

func (s *KuzuStore) writeProjectLocked(p pipeline.ProjectProgress, now time.Time) error {
	blob, err := json.Marshal(p.PerStage)
	if err != nil {
		return eris.Wrap(err, "kuzu: encode progress")
	}
	return s.exec(
		"MERGE (p:Project {id: $id}) SET p.progress = $progress, p.phase = $phase, p.updated_at = $updated",
		map[string]any{
			"id":       p.ProjectID,
			"progress": string(blob),
			"phase":    string(p.Phase),
			"updated":  now.UnixMilli(),
		},
	)
}

// ---------- Lineage ----------

// Lineage walks USED_INPUT edges breadth-first from the stage node and
// returns every upstream stage whose output fed it, directly or
// transitively, in declaration order.
func (s *KuzuStore) Lineage(_ context.Context, projectID string, stage pipeline.StageID) ([]pipeline.StageID, error) {
	if !stage.Valid() {
		return nil, eris.Wrapf(pipeline.ErrUnknownStage, "%q", stage)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	visited := map[pipeline.StageID]bool{stage: true}
	queue := []pipeline.StageID{stage}
	found := map[pipeline.StageID]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, in := range s.graph.Prerequisites(cur) {
			if visited[in] {
				continue
			}
			rows, err := s.query(fmt.Sprintf(
				"MATCH (a:%s {project_id: $pid})-[:%s]->(b:%s) RETURN count(b)",
				nodeTable(cur), usedInputTable(cur, in), nodeTable(in)),
				map[string]any{"pid": projectID})
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 || toInt(rows[0][0]) == 0 {
				continue
			}
			visited[in] = true
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

// ---------- Internal helpers ----------

func (s *KuzuStore) inTx(fn func() error) error {
	if err := s.exec("BEGIN TRANSACTION", nil); err != nil {
		return err
	}
	if err := fn(); err != nil {
		_ = s.exec("ROLLBACK", nil)
		return err
	}
	return s.exec("COMMIT", nil)
}

// exec runs a Cypher statement that produces no result rows.
func (s *KuzuStore) exec(cypher string, params map[string]any) error {
	if len(params) == 0 {
		res, err := s.conn.Query(cypher)
		if err != nil {
			return eris.Wrap(err, "kuzu: execute")
		}
		res.Close()
		return nil
	}
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return eris.Wrap(err, "kuzu: prepare")
	}
	defer stmt.Close()

	res, err := s.conn.Execute(stmt, params)
	if err != nil {
		return eris.Wrap(err, "kuzu: execute")
	}
	res.Close()
	return nil
}

// query runs a Cypher statement and collects all result rows in column
// order.
func (s *KuzuStore) query(cypher string, params map[string]any) ([][]any, error) {
	var res *kuzu.QueryResult
	var err error

	if len(params) == 0 {
		res, err = s.conn.Query(cypher)
	} else {
		var stmt *kuzu.PreparedStatement
		stmt, err = s.conn.Prepare(cypher)
		if err != nil {
			return nil, eris.Wrap(err, "kuzu: prepare")
		}
		defer stmt.Close()
		res, err = s.conn.Execute(stmt, params)
	}
	if err != nil {
		return nil, eris.Wrap(err, "kuzu: query")
	}
	defer res.Close()

	var rows [][]any
	for res.HasNext() {
		tuple, err := res.Next()
		if err != nil {
			return nil, eris.Wrap(err, "kuzu: next")
		}
		vals, err := tuple.GetAsSlice()
		if err != nil {
			return nil, eris.Wrap(err, "kuzu: row values")
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

// rowToContext converts a 10-column result row. Column order: status,
// input_refs, payload, retry_count, last_error, error_kind, started_at,
// next_attempt_at, created_at, updated_at.
func rowToContext(projectID string, stage pipeline.StageID, r []any) (*pipeline.StageContext, error) {
	c := &pipeline.StageContext{
		ProjectID:     projectID,
		StageID:       stage,
		Status:        pipeline.StageStatus(toString(r[0])),
		RetryCount:    toInt(r[3]),
		LastError:     toString(r[4]),
		ErrorKind:     toString(r[5]),
		StartedAt:     fromMillis(toInt64(r[6])),
		NextAttemptAt: fromMillis(toInt64(r[7])),
		CreatedAt:     fromMillis(toInt64(r[8])),
		UpdatedAt:     fromMillis(toInt64(r[9])),
	}
	if refs := toString(r[1]); refs != "" {
		if err := json.Unmarshal([]byte(refs), &c.InputRefs); err != nil {
			return nil, eris.Wrap(err, "kuzu: decode input refs")
		}
		if len(c.InputRefs) == 0 {
			c.InputRefs = nil
		}
	}
	if payload := toString(r[2]); payload != "" {
		c.Payload = json.RawMessage(payload)
	}
	return c, nil
}

// rowToProgress converts an (id, progress, phase, updated_at) row.
func rowToProgress(r []any) (pipeline.ProjectProgress, error) {
	p, err := decodeProgress(toString(r[0]), []byte(toString(r[1])))
	if err != nil {
		return pipeline.ProjectProgress{}, err
	}
	p.Phase = pipeline.Phase(toString(r[2]))
	p.UpdatedAt = fromMillis(toInt64(r[3]))
	return p, nil
}

// ---------- Type coercion helpers ----------
// KuzuDB returns typed Go values (int64, float64, bool, string).

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toInt(v any) int { return int(toInt64(v)) }
