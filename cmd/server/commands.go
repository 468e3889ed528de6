package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/payroll-recon/api"
	"github.com/warp/payroll-recon/config"
)

// =============================================================================
// SERVE
// =============================================================================

func serveCmd(configPath *string) *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			// The memory queue only exists inside this process.
			if !withWorker && a.cfg.Queue.Driver == config.QueueMemory {
				a.logger.Warn("Memory queue without an in-process worker: deferred checks will never run")
			}
			if withWorker {
				worker := a.newWorker()
				worker.Start()
				defer worker.Shutdown()
			}

			handler := api.NewHandler(a.service, a.store, a.logger)
			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
				Handler:      api.NewRouter(handler, a.cfg.Server.AllowedOrigins),
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.WithField("port", a.cfg.Server.Port).Info("Server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}

			a.logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.logger.Info("Server stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", true, "consume deferred checks in this process")
	return cmd
}

// =============================================================================
// WORKER
// =============================================================================

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume deferred reconciliation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Queue.Driver == config.QueueMemory {
				return fmt.Errorf("worker needs a shared queue: set queue.driver to %s", config.QueueLmstfy)
			}

			worker := a.newWorker()
			worker.Start()
			a.logger.WithField("concurrency", a.cfg.Worker.Concurrency).Info("Worker started")

			<-ctx.Done()
			a.logger.Info("Draining in-flight jobs...")
			worker.Shutdown()
			a.logger.Info("Worker stopped")
			return nil
		},
	}
}

// =============================================================================
// DETECT
// =============================================================================

func detectCmd(configPath *string) *cobra.Command {
	var tenantID, runID string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one synchronous detection pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.ExecuteReconciliation(ctx, tenantID, runID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id")
	cmd.Flags().StringVar(&runID, "run", "", "payroll run id")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}
