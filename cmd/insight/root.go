package main

import (
	"context"

	"github.com/dusk-indust/insight/internal/config"
	"github.com/dusk-indust/insight/internal/logging"
	"github.com/dusk-indust/insight/internal/orchestrator"
	"github.com/dusk-indust/insight/internal/reasoner"
	"github.com/dusk-indust/insight/internal/store"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app holds what PersistentPreRunE loads for every subcommand.
type app struct {
	configPath string
	userConfig string
	logLevel   string

	cfg      *config.Config
	logger   *zap.Logger
	closeLog func()
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "insight",
		Short: "Run the product-validation analysis pipeline",
		Long: `insight runs a six-stage research pipeline for a project: market research,
competitor analysis, feature analysis, customer insights, persona generation
and opportunity mapping. Each stage runs once its prerequisites are complete,
results are persisted, and failed stages are retried on later runs.`,
		Example: `  insight run acme
  insight watch acme --interval 30s
  insight retry acme competitor_analysis
  insight status acme
  insight serve --transport http`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipConfig"] == "true" {
				return nil
			}
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				a.closeLog()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "project config file (default ./insight.yml)")
	root.PersistentFlags().StringVar(&a.userConfig, "user-config", "", `user config file, "-" to skip (default ~/.config/insight/config.yml)`)
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddGroup(
		&cobra.Group{ID: "pipeline", Title: "Pipeline Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	for _, c := range []*cobra.Command{newRunCmd(a), newWatchCmd(a), newRetryCmd(a), newResetCmd(a), newServeCmd(a)} {
		c.GroupID = "pipeline"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{newStatusCmd(a), newDiagramCmd(a), newExportCmd(a)} {
		c.GroupID = "inspect"
		root.AddCommand(c)
	}
	for _, c := range []*cobra.Command{newInitCmd(), newVersionCmd()} {
		c.GroupID = "setup"
		root.AddCommand(c)
	}
	return root
}

// load reads configuration and installs the global logger.
func (a *app) load() error {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		UserPath:    a.userConfig,
		ProjectPath: a.configPath,
	})
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	logger, closeLog, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.closeLog = cfg, logger, closeLog
	return nil
}

// openStore opens the configured backend.
func (a *app) openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, a.cfg.Store)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s store", a.cfg.Store.Driver)
	}
	return st, nil
}

// wiring is an opened store, reasoner and pipeline.
type wiring struct {
	pipeline *orchestrator.Pipeline
	store    store.Store
	reasoner orchestrator.Reasoner
	logger   *zap.Logger
}

// Close shuts down the progress stream and the store.
func (w *wiring) Close() {
	w.pipeline.Close()
	if err := w.store.Close(); err != nil {
		w.logger.Warn("close store", zap.Error(err))
	}
}

// openPipeline wires store, reasoner and orchestrator from the config.
func (a *app) openPipeline(ctx context.Context) (*wiring, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	r, err := reasoner.New(a.cfg.Reasoner, a.logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	p, err := orchestrator.NewPipeline(st, r,
		orchestrator.WithConfig(a.cfg.Pipeline),
		orchestrator.WithRoutes(a.cfg.Routes),
		orchestrator.WithLogger(a.logger),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &wiring{pipeline: p, store: st, reasoner: r, logger: a.logger}, nil
}
