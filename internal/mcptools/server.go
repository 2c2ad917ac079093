package mcptools

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rotisserie/eris"
)

// version is set by the linker at build time.
var version = "dev"

// NewServer creates an MCP server with the four pipeline tools registered.
func NewServer(svc *PipelineService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "insight",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_pipeline",
		Description: "Run one evaluation cycle for a project: execute every runnable analysis stage in dependency order and report which stages completed, failed, are blocked or still pending.",
	}, svc.RunPipeline)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "retry_stage",
		Description: "Reset a failed or stale analysis stage to pending with a fresh retry budget, then run one evaluation cycle.",
	}, svc.RetryStage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_progress",
		Description: "Read per-stage status, the project phase and the screen the user should be redirected to.",
	}, svc.GetProgress)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_pipeline",
		Description: "Cancel in-flight analysis for a project and clear every stage back to pending.",
	}, svc.ResetPipeline)

	return server
}

// RunStdio serves on stdin/stdout until the client disconnects or ctx is
// cancelled.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// Handler returns a streamable HTTP handler for server.
func Handler(server *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)
}

// ListenAndServe serves handler on addr and shuts down when ctx ends.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrapf(err, "mcptools: serve %s", addr)
	}
	return nil
}
