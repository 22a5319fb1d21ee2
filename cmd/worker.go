package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/vcmatrix/pkg/buildinfo"
	"github.com/otherjamesbrown/vcmatrix/pkg/health"
	"github.com/otherjamesbrown/vcmatrix/pkg/jobs"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

const workerService = "vcmatrix-worker"

type workerOptions struct {
	metricsAddr   string
	healthAddr    string
	statsInterval time.Duration
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps("")
	}
	opts := &workerOptions{}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the valuation and document worker pools",
		Long: `Run the job worker pools against the redis queues.

The valuation pool executes batch valuation jobs and the documents pool
classifies uploaded documents and extracts their metrics. Messages left
in flight by a crashed worker are recovered every workers.stale_sweep_interval.

The worker serves the gRPC health protocol on server.health_addr (service
"vcmatrix.worker") and Prometheus metrics on --metrics-addr.`,
		Example: `  vcm worker
  vcm worker --metrics-addr :9191`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), deps, opts)
		},
	}

	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", ":9091", "Address for /metrics and /version (empty disables)")
	cmd.Flags().StringVar(&opts.healthAddr, "health-addr", "", "gRPC health address (default: server.health_addr)")
	cmd.Flags().DurationVar(&opts.statsInterval, "stats-interval", 5*time.Minute, "How often pool statistics are logged")

	cmd.AddCommand(newWorkerHealthCommand(deps))

	return cmd
}

func runWorker(ctx context.Context, deps *CommandDeps, opts *workerOptions) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.Redis.Enabled() {
		return errors.New("vcm worker needs redis.url; without redis run \"vcm serve\", which runs the pools in-process")
	}
	healthAddr := cfg.Server.HealthAddr
	if opts.healthAddr != "" {
		healthAddr = opts.healthAddr
	}

	a, err := newApp(ctx, deps, cfg, workerService, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	pm := a.newPoolManager()
	g, gctx := errgroup.WithContext(ctx)

	pm.StartAll(gctx)
	defer pm.StopAll()

	g.Go(func() error {
		pm.RunSweeper(gctx, cfg.Workers.StaleSweepInterval)
		return nil
	})
	g.Go(func() error {
		logPoolStats(gctx, pm, logger, opts.statsInterval)
		return nil
	})

	if healthAddr != "" {
		hs := health.NewGRPCServer(a.health, 15*time.Second, logger)
		g.Go(func() error {
			return hs.ListenAndServe(gctx, healthAddr)
		})
	}

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
		mux.Handle("/version", buildinfo.Handler(workerService))
		srv := &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			logger.Info("Metrics server listening", logging.F("addr", opts.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("Worker started",
		logging.F("valuation_workers", cfg.Workers.ValuationWorkers),
		logging.F("document_workers", cfg.Workers.DocumentWorkers))
	return g.Wait()
}

func logPoolStats(ctx context.Context, pm *jobs.PoolManager, logger logging.Logger, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range pm.AllStats() {
				logger.Info("Worker pool stats",
					logging.F("pool", s.Name),
					logging.F("workers", s.WorkerCount),
					logging.F("active", s.ActiveCount),
					logging.F("processed", s.Processed),
					logging.F("failed", s.Failed))
			}
		}
	}
}

func newWorkerHealthCommand(deps *CommandDeps) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running worker's gRPC health service",
		Example: `  vcm worker health
  vcm worker health --addr worker:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := deps.LoadConfig()
				if err != nil {
					return fmt.Errorf("loading configuration: %w", err)
				}
				addr = cfg.Server.HealthAddr
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := health.Probe(ctx, addr, health.WorkerService)
			if err != nil {
				return err
			}
			return printProbe(cmd.OutOrStdout(), addr, status)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Health address (default: server.health_addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Probe timeout")
	return cmd
}

func printProbe(w io.Writer, addr, status string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ADDRESS\tSERVICE\tSTATUS\n%s\t%s\t%s\n", addr, health.WorkerService, status)
	if err := tw.Flush(); err != nil {
		return err
	}
	if status != "SERVING" {
		return fmt.Errorf("worker is %s", status)
	}
	return nil
}
