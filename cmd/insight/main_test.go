package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// execute runs the root command with a memory-store config written to a
// temp dir.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "insight.yml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  driver: memory\nlog:\n  level: error\n"), 0o644))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--user-config", "-", "--config", cfgPath}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_Groups(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		group string
		flags []string
	}{
		"run":     {group: "pipeline", flags: []string{"json"}},
		"watch":   {group: "pipeline", flags: []string{"interval", "max-cycles"}},
		"retry":   {group: "pipeline", flags: []string{"json"}},
		"reset":   {group: "pipeline", flags: []string{"yes"}},
		"serve":   {group: "pipeline", flags: []string{"transport", "addr"}},
		"status":  {group: "inspect"},
		"diagram": {group: "inspect"},
		"export":  {group: "inspect", flags: []string{"format", "output", "results"}},
		"init":    {group: "setup", flags: []string{"dir", "force", "driver", "reasoner"}},
		"version": {group: "setup"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cmd, _, err := newRootCmd().Find([]string{name})
			require.NoError(t, err)
			require.Equal(t, name, cmd.Name())
			assert.Equal(t, tc.group, cmd.GroupID)
			for _, f := range tc.flags {
				assert.NotNil(t, cmd.Flags().Lookup(f), "missing --%s", f)
			}
		})
	}
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	for _, f := range []string{"config", "user-config", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(f), "missing --%s", f)
	}
	assert.Equal(t, "c", root.PersistentFlags().Lookup("config").Shorthand)
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "insight dev ("), out.String())
}

func TestStatusCmd_NoProjects(t *testing.T) {
	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no projects yet")
}

func TestStatusCmd_FreshProject(t *testing.T) {
	out, err := execute(t, "status", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "Project: acme")
	assert.Contains(t, out, "Market Research")
	assert.Contains(t, out, "Opportunity Mapping")
}

func TestDiagramCmd(t *testing.T) {
	out, err := execute(t, "diagram")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "graph TD"), out)
	assert.Contains(t, out, "market_research --> competitor_analysis")
}

func TestResetCmd_Declined(t *testing.T) {
	out, err := execute(t, "reset", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "aborted")
}

func TestRetryCmd_UnknownStage(t *testing.T) {
	_, err := execute(t, "retry", "acme", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestServeCmd_UnknownTransport(t *testing.T) {
	_, err := execute(t, "serve", "--transport", "carrier-pigeon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestRunInit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var out bytes.Buffer
	require.NoError(t, runInit(&out, initOptions{dir: dir, driver: "postgres", reasoner: "a2a", endpoint: "http://agent:9000/rpc"}))
	assert.Contains(t, out.String(), "created ./insight.yml")
	assert.Contains(t, out.String(), "created .mcp.json")

	cfg, err := os.ReadFile(filepath.Join(dir, "insight.yml"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "driver: postgres")
	assert.Contains(t, string(cfg), "kind: a2a")
	assert.Contains(t, string(cfg), "endpoint: http://agent:9000/rpc")

	var doc struct {
		MCPServers map[string]struct {
			Type    string   `json:"type"`
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	raw, err := os.ReadFile(filepath.Join(dir, ".mcp.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "insight", doc.MCPServers["insight"].Command)
	assert.Equal(t, []string{"serve"}, doc.MCPServers["insight"].Args)

	// A second run leaves both files alone.
	out.Reset()
	require.NoError(t, runInit(&out, initOptions{dir: dir}))
	assert.Contains(t, out.String(), "skipped ./insight.yml")
	assert.Contains(t, out.String(), "skipped .mcp.json insight entry")
}

func TestRunInit_UnknownReasoner(t *testing.T) {
	t.Parallel()

	err := runInit(&bytes.Buffer{}, initOptions{dir: t.TempDir(), reasoner: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown reasoner")
}

func TestMergeMCPConfig_KeepsOtherEntries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".mcp.json")
	existing := `{"mcpServers":{"other":{"type":"stdio","command":"other"}},"extra":true}`
	require.NoError(t, os.WriteFile(path, []byte(existing), 0o644))

	var out bytes.Buffer
	require.NoError(t, mergeMCPConfig(&out, path, false))
	assert.Contains(t, out.String(), "updated .mcp.json")

	var doc map[string]any
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, true, doc["extra"])
	servers := doc["mcpServers"].(map[string]any)
	assert.Contains(t, servers, "other")
	assert.Contains(t, servers, "insight")
}
