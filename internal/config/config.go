// Package config loads insight's layered configuration with koanf. Later
// layers win: defaults, the user file (~/.config/insight/config.yml), the
// project file (./insight.yml), then INSIGHT_* environment variables with
// "__" separating nested keys (INSIGHT_PIPELINE__MAX_RETRIES).
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dusk-indust/insight/internal/logging"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/pipeline"
	"github.com/dusk-indust/insight/internal/reasoner"
	"github.com/dusk-indust/insight/internal/store"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rotisserie/eris"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "INSIGHT_"

// ProjectFile is the project-level config file name.
const ProjectFile = "insight.yml"

// Config is the full application configuration.
type Config struct {
	Log      logging.Config      `koanf:"log"`
	Store    store.Config        `koanf:"store"`
	Reasoner reasoner.Config     `koanf:"reasoner"`
	Pipeline orchestrator.Config `koanf:"pipeline"`
	Routes   pipeline.Routes     `koanf:"routes"`
	MCP      MCPConfig           `koanf:"mcp"`
	Metrics  MetricsConfig       `koanf:"metrics"`
}

// MCPConfig configures the MCP trigger surface.
type MCPConfig struct {
	// Transport is "stdio" or "http".
	Transport string `koanf:"transport"`
	Addr      string `koanf:"addr"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LoadOptions overrides where config files are read from.
type LoadOptions struct {
	// UserPath defaults to UserConfigPath(). "-" skips the user layer.
	UserPath string

	// ProjectPath defaults to ./insight.yml.
	ProjectPath string
}

// Defaults returns the built-in configuration as flat koanf keys.
func Defaults() map[string]any {
	p := orchestrator.DefaultConfig()
	r := pipeline.DefaultRoutes()
	return map[string]any{
		"log.level":  "info",
		"log.format": "console",

		"store.driver": "sqlite",
		"store.path":   filepath.Join(".insight", "insight.db"),

		"reasoner.kind":          reasoner.KindOpenAI,
		"reasoner.endpoint":      "https://api.openai.com",
		"reasoner.model":         "gpt-4o-mini",
		"reasoner.timeout":       2 * time.Minute,
		"reasoner.poll_interval": 2 * time.Second,

		"pipeline.max_retries":         p.MaxRetries,
		"pipeline.max_parallel":        p.MaxParallel,
		"pipeline.invoke_timeout":      p.InvokeTimeout,
		"pipeline.stale_after":         p.StaleAfter,
		"pipeline.rate_limit_cooldown": p.RateLimitCooldown,
		"pipeline.max_cooldown":        p.MaxCooldown,
		"pipeline.lease_ttl":           p.LeaseTTL,

		"routes.problem_understanding": r.ProblemUnderstanding,
		"routes.analysis":              r.Analysis,
		"routes.dashboard":             r.Dashboard,

		"mcp.transport": "stdio",
		"mcp.addr":      "127.0.0.1:8081",

		"metrics.enabled": false,
		"metrics.addr":    "127.0.0.1:9464",
	}
}

// Load reads configuration from the default locations.
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

// LoadWithOptions reads configuration with explicit file locations.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, eris.Wrapf(err, "config: default %s", key)
		}
	}

	userPath := opts.UserPath
	if userPath == "" {
		userPath, _ = UserConfigPath()
	}
	if userPath != "-" {
		if err := loadFile(k, userPath); err != nil {
			return nil, err
		}
	}

	projectPath := opts.ProjectPath
	if projectPath == "" {
		projectPath = ProjectFile
	}
	if err := loadFile(k, projectPath); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, eris.Wrap(err, "config: load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if cfg.Reasoner.APIKey == "" && cfg.Reasoner.Kind == reasoner.KindOpenAI {
		cfg.Reasoner.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.Store.Path = expandHome(cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite", "postgres", "kuzu":
	default:
		return eris.Errorf("config: store.driver %q is not one of memory, sqlite, postgres, kuzu", c.Store.Driver)
	}
	if (c.Store.Driver == "sqlite" || c.Store.Driver == "kuzu") && c.Store.Path == "" {
		return eris.Errorf("config: store.path is required for %s", c.Store.Driver)
	}
	if err := c.Reasoner.Validate(); err != nil {
		return eris.Wrap(err, "config: reasoner")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return eris.Wrap(err, "config: pipeline")
	}
	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		return eris.Errorf("config: mcp.transport %q is not stdio or http", c.MCP.Transport)
	}
	return nil
}

// UserConfigPath returns ~/.config/insight/config.yml, following
// os.UserConfigDir.
func UserConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", eris.Wrap(err, "config: user config dir")
	}
	return filepath.Join(dir, "insight", "config.yml"), nil
}

func loadFile(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return eris.Wrapf(err, "config: load %s", path)
	}
	return nil
}

// envKey maps INSIGHT_PIPELINE__MAX_RETRIES to pipeline.max_retries.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
