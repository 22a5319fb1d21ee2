package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/vcmatrix/pkg/api"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

type serveOptions struct {
	addr        string
	withWorkers bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps("")
	}
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Run the vcmatrix HTTP API.

Batch valuations and document processing are queued for the worker pools.
With redis configured the pools normally run in a separate "vcm worker"
process; --with-workers runs them inside the API process instead. Without
redis the queues live in memory and the pools always run in-process.`,
		Example: `  vcm serve
  vcm serve --addr :9000 --with-workers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), deps, opts)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "Listen address (default: server.addr)")
	cmd.Flags().BoolVar(&opts.withWorkers, "with-workers", false, "Run the job worker pools in this process")

	return cmd
}

func runServe(ctx context.Context, deps *CommandDeps, opts *serveOptions) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}

	a, err := newApp(ctx, deps, cfg, "vcmatrix-api", nil)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	handler := api.NewServer(api.Config{
		ServiceName:    "vcmatrix-api",
		APIKeys:        cfg.Server.APIKeys,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, a.apiDeps())
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if opts.withWorkers || !cfg.Redis.Enabled() {
		pm := a.newPoolManager()
		pm.StartAll(gctx)
		defer pm.StopAll()
		g.Go(func() error {
			pm.RunSweeper(gctx, cfg.Workers.StaleSweepInterval)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("API server listening", logging.F("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down API server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
