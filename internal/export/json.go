// Package export renders a project's pipeline state for other tools: a
// JSON or YAML snapshot of progress and stage contexts, and a Mermaid
// diagram of the stage graph.
package export

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/store"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ProjectExport is the top-level export structure.
type ProjectExport struct {
	ProjectID  string        `json:"projectId" yaml:"projectId"`
	ExportedAt string        `json:"exportedAt" yaml:"exportedAt"`
	Phase      string        `json:"phase" yaml:"phase"`
	Redirect   string        `json:"redirect" yaml:"redirect"`
	Done       bool          `json:"done" yaml:"done"`
	Stages     []StageExport `json:"stages" yaml:"stages"`
}

// StageExport describes one stage and its stored result.
type StageExport struct {
	Stage         string   `json:"stage" yaml:"stage"`
	Name          string   `json:"name" yaml:"name"`
	Status        string   `json:"status" yaml:"status"`
	Blocked       bool     `json:"blocked,omitempty" yaml:"blocked,omitempty"`
	Prerequisites []string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
	InputRefs     []string `json:"inputRefs,omitempty" yaml:"inputRefs,omitempty"`
	Lineage       []string `json:"lineage,omitempty" yaml:"lineage,omitempty"`
	RetryCount    int      `json:"retryCount" yaml:"retryCount"`
	LastError     string   `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	ErrorKind     string   `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	UpdatedAt     string   `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`

	// Result is the decoded payload of a complete stage.
	Result any `json:"result,omitempty" yaml:"result,omitempty"`
}

// Options controls what ExportProject reads.
type Options struct {
	Graph      *pipeline.Graph
	Routes     pipeline.Routes
	MaxRetries int

	// WithResults includes stage payloads.
	WithResults bool

	Now func() time.Time
}

// ExportProject builds a ProjectExport from the store.
func ExportProject(ctx context.Context, st store.Store, projectID string, opts Options) (*ProjectExport, error) {
	if opts.Graph == nil {
		opts.Graph = pipeline.DefaultGraph()
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = orchestrator.DefaultConfig().MaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	contexts, err := st.Load(ctx, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "export: load %s", projectID)
	}
	progress, err := st.Progress(ctx, projectID)
	if err != nil {
		return nil, eris.Wrapf(err, "export: progress %s", projectID)
	}
	blocked := orchestrator.BlockedStages(opts.Graph, contexts, opts.MaxRetries)

	out := &ProjectExport{
		ProjectID:  projectID,
		ExportedAt: opts.Now().UTC().Format(time.RFC3339),
		Phase:      string(progress.Phase),
		Redirect:   pipeline.RedirectFor(progress.Phase, projectID, opts.Routes),
		Done:       progress.Phase == pipeline.PhaseDashboard,
	}

	for _, id := range opts.Graph.Stages() {
		c, ok := contexts[id]
		if !ok {
			c = pipeline.NewStageContext(projectID, id)
		}
		se := StageExport{
			Stage:         string(id),
			Name:          id.Label(),
			Status:        string(c.Status),
			Blocked:       blocked[id] && c.Status != pipeline.StatusComplete,
			Prerequisites: names(opts.Graph.Prerequisites(id)),
			InputRefs:     names(c.InputRefs),
			RetryCount:    c.RetryCount,
			LastError:     c.LastError,
			ErrorKind:     c.ErrorKind,
		}
		if !c.UpdatedAt.IsZero() {
			se.UpdatedAt = c.UpdatedAt.UTC().Format(time.RFC3339)
		}
		if c.Status == pipeline.StatusComplete {
			lineage, err := store.Lineage(ctx, st, projectID, id)
			if err != nil {
				return nil, eris.Wrapf(err, "export: lineage of %s", id)
			}
			se.Lineage = names(lineage)
			if opts.WithResults {
				if err := json.Unmarshal(c.Payload, &se.Result); err != nil {
					return nil, eris.Wrapf(err, "export: decode %s payload", id)
				}
			}
		}
		out.Stages = append(out.Stages, se)
	}
	return out, nil
}

// WriteJSON writes e as indented JSON.
func WriteJSON(w io.Writer, e *ProjectExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

// WriteYAML writes e as YAML.
func WriteYAML(w io.Writer, e *ProjectExport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(e); err != nil {
		return eris.Wrap(err, "export: encode yaml")
	}
	if err := enc.Close(); err != nil {
		return eris.Wrap(err, "export: encode yaml")
	}
	return nil
}

// Write dispatches on format: "json" (default) or "yaml".
func Write(w io.Writer, format string, e *ProjectExport) error {
	switch format {
	case "", "json":
		return WriteJSON(w, e)
	case "yaml", "yml":
		return WriteYAML(w, e)
	default:
		return eris.Errorf("export: unknown format %q", format)
	}
}

func names(ids []pipeline.StageID) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
