package main

import (
	"context"
	"net/http"
	"time"

	"github.com/dusk-indust/insight/internal/mcptools"
	"github.com/dusk-indust/insight/internal/reasoner"
	"github.com/dusk-indust/insight/internal/telemetry"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var transport, addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline tools over MCP",
		Long: `Serve run_pipeline, retry_stage, get_progress and reset_pipeline as MCP
tools. The stdio transport is for editors and agents that spawn insight as a
subprocess; the http transport mounts a streamable handler at /mcp.

When metrics.enabled is set, Prometheus metrics are served at /metrics on
metrics.addr (or on the MCP listener when both addresses match).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if transport == "" {
				transport = a.cfg.MCP.Transport
			}
			if addr == "" {
				addr = a.cfg.MCP.Addr
			}
			if transport != "stdio" && transport != "http" {
				return eris.Errorf("unknown transport %q (want stdio or http)", transport)
			}

			ctx := cmd.Context()
			w, err := a.openPipeline(ctx)
			if err != nil {
				return err
			}
			defer w.Close()

			if c, ok := w.reasoner.(reasoner.Checker); ok {
				cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
				if err := c.Check(cctx); err != nil {
					a.logger.Warn("reasoner check failed; serving anyway", zap.Error(err))
				}
				cancel()
			}

			go func() {
				for ev := range w.pipeline.Progress() {
					a.logger.Info("stage progress",
						zap.String("project_id", ev.ProjectID),
						zap.String("cycle_id", ev.CycleID),
						zap.String("stage", string(ev.Stage)),
						zap.String("status", string(ev.Status)),
						zap.String("message", ev.Message),
					)
				}
			}()

			server := mcptools.NewServer(mcptools.NewPipelineService(w.pipeline, a.logger))
			g, gctx := errgroup.WithContext(ctx)

			mux := http.NewServeMux()
			if a.cfg.Metrics.Enabled {
				metrics, err := telemetry.InitMeterProvider(ctx, "insight")
				if err != nil {
					return err
				}
				if err := telemetry.InitMetrics(ctx); err != nil {
					return err
				}
				if transport == "http" && a.cfg.Metrics.Addr == addr {
					mux.Handle("/metrics", metrics)
				} else {
					metricsMux := http.NewServeMux()
					metricsMux.Handle("/metrics", metrics)
					a.logger.Info("serving metrics", zap.String("addr", a.cfg.Metrics.Addr))
					g.Go(func() error {
						return mcptools.ListenAndServe(gctx, a.cfg.Metrics.Addr, metricsMux)
					})
				}
			}

			switch transport {
			case "http":
				mux.Handle("/mcp", mcptools.Handler(server))
				a.logger.Info("serving MCP over http", zap.String("addr", addr), zap.String("path", "/mcp"))
				g.Go(func() error {
					return mcptools.ListenAndServe(gctx, addr, mux)
				})
			default:
				a.logger.Info("serving MCP over stdio")
				g.Go(func() error {
					err := mcptools.RunStdio(gctx, server)
					if gctx.Err() != nil {
						return nil
					}
					return err
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "stdio or http (default mcp.transport)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for the http transport (default mcp.addr)")
	return cmd
}
