package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"causeway/internal/learning"
	"causeway/internal/mcp"
	"causeway/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP daemon (hooks, rule API, /metrics)",
	Long: `Serves the hooks over HTTP so each tool call skips process start-up and
the evaluator cache is shared across calls. Learning runs in the background
inside the daemon.

Endpoints:
  POST /v1/hooks/pre-tool-use   PreToolUse payload in, decision out
  POST /v1/hooks/stop           record the session and queue learning
  GET  /v1/rules                ?active_only=true&kind=&tool=
  GET  /v1/rules/{id}
  GET  /v1/rules/search         ?q=&k=
  GET  /v1/traces               ?limit=&session=&rule=&decision=&kind=
  GET  /v1/stats
  GET  /healthz
  GET  /metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the rule tools to the assistant over MCP (stdio)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return mcp.NewServer(a.manager(), version).Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	var runner *learning.Runner
	if a.cfg.Learning.Enabled {
		runner = learning.NewRunner(a.learner())
		defer func() {
			// Give running passes a moment to commit before cancelling them.
			shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := runner.Shutdown(shutCtx); err != nil {
				logger.Warn("learning passes cancelled", zap.Error(err))
			}
		}()
	}

	cfg := server.Config{
		Enforcer:   a.enforcer(),
		Sessions:   a.store,
		Manage:     a.manager(),
		Traces:     a.store,
		Gatherer:   a.registry,
		Metrics:    a.metrics,
		Logger:     logger,
		FailClosed: a.cfg.Hook.FailClosed,
		MaxConns:   a.cfg.Server.MaxConns,
	}
	if runner != nil {
		cfg.Learner = runner
	}
	logger.Info("causeway serving", zap.String("addr", addr), zap.String("db", a.store.Path()))
	return server.New(cfg).ListenAndServe(ctx, addr, 10*time.Second)
}
