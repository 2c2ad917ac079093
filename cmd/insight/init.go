package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dusk-indust/insight/internal/config"
	"github.com/dusk-indust/insight/internal/reasoner"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

// mcpEntry is the .mcp.json server entry that spawns `insight serve`.
var mcpEntry = json.RawMessage(`{
  "type": "stdio",
  "command": "insight",
  "args": ["serve"]
}`)

type initOptions struct {
	dir      string
	force    bool
	driver   string
	reasoner string
	endpoint string
	model    string
}

func newInitCmd() *cobra.Command {
	opts := initOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter insight.yml and register the MCP server",
		Long: `Write insight.yml with every default spelled out and add an "insight" entry
to .mcp.json so MCP clients can spawn the server. Existing files are left
alone unless --force is given.`,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"skipConfig": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.dir, "dir", ".", "project directory")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite existing files")
	cmd.Flags().StringVar(&opts.driver, "driver", "", "store driver (memory, sqlite, postgres, kuzu)")
	cmd.Flags().StringVar(&opts.reasoner, "reasoner", "", "reasoner kind (openai, a2a)")
	cmd.Flags().StringVar(&opts.endpoint, "endpoint", "", "reasoner endpoint")
	cmd.Flags().StringVar(&opts.model, "model", "", "reasoner model")
	return cmd
}

func runInit(out io.Writer, opts initOptions) error {
	abs, err := filepath.Abs(opts.dir)
	if err != nil {
		return eris.Wrap(err, "resolve project dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return eris.Wrapf(err, "create %s", abs)
	}

	overrides := map[string]any{}
	if opts.driver != "" {
		overrides["store.driver"] = opts.driver
	}
	if opts.reasoner != "" {
		switch opts.reasoner {
		case reasoner.KindOpenAI, reasoner.KindA2A:
		default:
			return eris.Errorf("unknown reasoner %q (want openai or a2a)", opts.reasoner)
		}
		overrides["reasoner.kind"] = opts.reasoner
	}
	if opts.endpoint != "" {
		overrides["reasoner.endpoint"] = opts.endpoint
	}
	if opts.model != "" {
		overrides["reasoner.model"] = opts.model
	}

	cfgPath := filepath.Join(abs, config.ProjectFile)
	if _, err := os.Stat(cfgPath); err == nil && !opts.force {
		fmt.Fprintf(out, "  skipped %s (exists, use --force to overwrite)\n", dotRelative(abs, cfgPath))
	} else {
		data, err := config.StarterYAML(overrides)
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
			return eris.Wrapf(err, "write %s", cfgPath)
		}
		fmt.Fprintf(out, "  created %s\n", dotRelative(abs, cfgPath))
	}

	if err := mergeMCPConfig(out, filepath.Join(abs, ".mcp.json"), opts.force); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nSetup complete. Run `insight run <project>` to start a pipeline.")
	return nil
}

// mergeMCPConfig adds the insight entry to .mcp.json, keeping every other
// key in the file.
func mergeMCPConfig(out io.Writer, mcpPath string, force bool) error {
	doc := map[string]json.RawMessage{}
	servers := map[string]json.RawMessage{}

	data, err := os.ReadFile(mcpPath)
	if err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return eris.Wrapf(err, "parse %s", mcpPath)
		}
		if raw, ok := doc["mcpServers"]; ok {
			if err := json.Unmarshal(raw, &servers); err != nil {
				return eris.Wrapf(err, "parse %s mcpServers", mcpPath)
			}
		}
	}

	if _, exists := servers["insight"]; exists && !force {
		fmt.Fprintln(out, "  skipped .mcp.json insight entry (exists, use --force to overwrite)")
		return nil
	}
	servers["insight"] = mcpEntry

	rawServers, err := json.Marshal(servers)
	if err != nil {
		return eris.Wrap(err, "marshal mcpServers")
	}
	doc["mcpServers"] = rawServers

	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return eris.Wrap(err, "marshal .mcp.json")
	}
	if err := os.WriteFile(mcpPath, append(encoded, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "write %s", mcpPath)
	}

	action := "created"
	if data != nil {
		action = "updated"
	}
	fmt.Fprintf(out, "  %s .mcp.json with insight MCP server\n", action)
	return nil
}

// dotRelative returns path relative to base, prefixed with "./".
func dotRelative(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return path
	}
	return "./" + rel
}
