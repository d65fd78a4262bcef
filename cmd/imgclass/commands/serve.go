package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/imgclass/internal/config"
	"github.com/rpggio/imgclass/internal/mcp"
	"github.com/rpggio/imgclass/internal/transport"
	"github.com/rpggio/imgclass/internal/watch"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

// NewServeCommand creates the serve command
func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and MCP server",
		Long: `Serve the REST API, the websocket job stream and the MCP endpoint over HTTP,
or MCP alone over stdin/stdout when transport.mode is "stdio".`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries JSON-RPC in stdio mode.
	logOut := io.Writer(os.Stdout)
	if cfg.Transport.Mode == config.ModeStdio {
		logOut = os.Stderr
	}
	a, err := openApp(logOut)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.orch.Recover(ctx); err != nil {
		return err
	}

	mcpServer := mcp.NewServer(mcp.Config{
		Services: mcp.Services{
			Projects:  a.projects,
			Datasets:  a.datasets,
			Training:  a.orch,
			Inference: a.gateway,
			Activity:  a.activity,
		},
		Resolver:      a.keys,
		AuthEnabled:   cfg.Auth.Enabled,
		TransportMode: cfg.Transport.Mode,
		Version:       version,
		Logger:        a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Watch.Enabled {
		w := watch.New(a.store.Layout(), a.datasets, a.logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	if cfg.Transport.Mode == config.ModeStdio {
		a.logger.Info("starting stdio transport", "auth", "disabled")
		g.Go(func() error {
			// stdin closing ends the process
			defer cancel()
			return mcpServer.Run(gctx, &sdkmcp.StdioTransport{})
		})
	} else {
		srv := newHTTPServer(a, mcpServer)
		g.Go(func() error {
			a.logger.Info("server listening", "addr", srv.Addr, "auth", cfg.Auth.Enabled, "runner", cfg.Training.Runner)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.logger.Info("shutting down")
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newHTTPServer(a *app, mcpServer *sdkmcp.Server) *http.Server {
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: 30 * time.Minute},
	)

	var auth func(http.Handler) http.Handler
	if a.cfg.Auth.Enabled {
		auth = transport.AuthMiddleware(a.keys)
	}
	router := transport.NewServer(transport.Services{
		Projects:  a.projects,
		Datasets:  a.datasets,
		Training:  a.orch,
		Inference: a.gateway,
		Activity:  a.activity,
		Reports:   a.reports,
	}, transport.Options{
		Auth:           auth,
		MCP:            mcpHandler,
		MaxUploadBytes: a.cfg.MaxUploadBytes(),
		Logger:         a.logger,
	})

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
