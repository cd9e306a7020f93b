// AMI Jobs: asynchronous ML job orchestration
// @title           AMI Jobs API
// @version         1.0.0
// @description     Job lifecycle, task distribution and result ingestion for AMI ML pipelines
// @host            localhost:8080

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ami-platform/ami-jobs/app/config"
	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/metrics"
)

const shutdownTimeout = 10 * time.Second

// Huma CLI Options
type Options struct {
	Port int `help:"Port to listen on" short:"p" default:"8080"`
}

// setup validates the environment and connects and wires the service
func setup(ctx context.Context, logger *slog.Logger) (*infra, *service, error) {
	config.ValidateEnv()

	m, err := metrics.New()
	if err != nil {
		return nil, nil, err
	}
	in, err := connect(ctx, logger, m)
	if err != nil {
		return nil, nil, err
	}
	svc, err := wire(ctx, in, logger, m)
	if err != nil {
		in.Close()
		return nil, nil, err
	}
	return in, svc, nil
}

// serve runs the API server, the worker and the background checkers until
// ctx is cancelled or one of them fails
func serve(ctx context.Context, in *infra, svc *service, port int, withAPI bool) error {
	worker, mux := svc.worker(in)
	if err := worker.Start(mux); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	svc.logger.Info("worker started", "queue", config.AMI_ASYNQ_QUEUE, "concurrency", config.AMI_WORKER_CONCURRENCY)

	g, ctx := errgroup.WithContext(ctx)

	if withAPI {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           svc.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			svc.logger.Info("API server starting", "port", port,
				"docs", fmt.Sprintf("http://localhost:%d/", port),
				"openapi", fmt.Sprintf("http://localhost:%d/openapi.json", port))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		worker.Shutdown()
		return nil
	})

	g.Go(func() error {
		jobs.NewStaleJobChecker(svc.manager, config.AMI_STALE_JOB_CUTOFF).Start(ctx, config.AMI_STALE_SWEEP_INTERVAL)
		return nil
	})
	g.Go(func() error {
		svc.health.Start(ctx, time.Minute)
		return nil
	})

	return g.Wait()
}

// runUntilSignal runs fn with a context cancelled on SIGINT or SIGTERM
func runUntilSignal(logger *slog.Logger, fn func(ctx context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := fn(ctx); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func main() {
	logger := config.InitLogger()
	logger.Info("starting AMI jobs")

	// === HUMA CLI ===
	cli := humacli.New(func(hooks humacli.Hooks, options *Options) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})

		hooks.OnStart(func() {
			defer close(done)
			in, svc, err := setup(ctx, logger)
			if err != nil {
				logger.Error("failed to start", "error", err)
				os.Exit(1)
			}
			defer in.Close()
			if err := serve(ctx, in, svc, options.Port, true); err != nil {
				logger.Error("service failed", "error", err)
				os.Exit(1)
			}
		})

		// Graceful shutdown
		hooks.OnStop(func() {
			logger.Info("shutting down")
			cancel()
			select {
			case <-done:
			case <-time.After(shutdownTimeout):
				logger.Warn("shutdown timed out")
			}
		})
	})

	cli.Root().AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run the job worker and background checkers without the API",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, options *Options) {
			runUntilSignal(logger, func(ctx context.Context) error {
				in, svc, err := setup(ctx, logger)
				if err != nil {
					return err
				}
				defer in.Close()
				return serve(ctx, in, svc, options.Port, false)
			})
		}),
	})

	cli.Root().AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Re-check stale running jobs once and print the report",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, options *Options) {
			runUntilSignal(logger, func(ctx context.Context) error {
				in, svc, err := setup(ctx, logger)
				if err != nil {
					return err
				}
				defer in.Close()
				report, err := svc.manager.SweepStale(ctx, config.AMI_STALE_JOB_CUTOFF)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			})
		}),
	})

	cli.Run()
}
