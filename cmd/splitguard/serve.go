package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/splitguard/internal/api"
	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/feedback"
	"github.com/opensource-finance/splitguard/internal/worker"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scoring API and the training worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *domain.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting splitguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"tier", cfg.Tier,
	)

	a, err := newApp(cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		return err
	}
	defer a.Close()

	trainingWorker := worker.NewWorker(a.bus, a.orchestrator, worker.Config{
		Concurrency: cfg.Training.Workers,
	})
	if err := trainingWorker.Start(); err != nil {
		return fmt.Errorf("failed to start training worker: %w", err)
	}
	slog.Info("training worker started", "concurrency", cfg.Training.Workers)

	a.loadServing(ctx)

	srv := api.NewServer(cfg.Server, api.Deps{
		Scoring:  a.scoring,
		Trainer:  a.orchestrator,
		Catalog:  a.registry,
		Feedback: feedback.NewCollector(a.repo, a.repo),
		Repo:     a.repo,
		Cache:    a.cache,
		Version:  Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("splitguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"serving", a.scoring.Ready(),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Running jobs finish before the backends close.
	if err := trainingWorker.Stop(); err != nil {
		slog.Error("failed to stop training worker", "error", err)
	}

	slog.Info("splitguard shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	out := os.Stdout
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  ╔═══════════════════════════════════════════╗")
	fmt.Fprintln(out, "  ║               SPLITGUARD                  ║")
	fmt.Fprintln(out, "  ║     Ensemble Fraud Scoring Service        ║")
	fmt.Fprintln(out, "  ╚═══════════════════════════════════════════╝")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Version:   %s\n", version)
	fmt.Fprintf(out, "  Tier:      %s\n", cfg.Tier)
	fmt.Fprintf(out, "  Server:    http://%s:%d/api/v1\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  Registry:  %s\n", cfg.Models.RegistryPath)
	fmt.Fprintf(out, "  Retrain:   %s (run externally, e.g. cron calling POST /models/retrain)\n", cfg.Training.Schedule)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  Endpoints:")
	fmt.Fprintln(out, "    POST /analyze/split            - Score a split")
	fmt.Fprintln(out, "    POST /analyze/payment          - Score a payment")
	fmt.Fprintln(out, "    POST /analyze/batch            - Score splits or payments in order")
	fmt.Fprintln(out, "    GET  /models/versions          - List stored model versions")
	fmt.Fprintln(out, "    GET  /models/info              - Describe the serving ensemble")
	fmt.Fprintln(out, "    POST /models/retrain           - Queue a training job")
	fmt.Fprintln(out, "    GET  /models/training/{job_id} - Training job status")
	fmt.Fprintln(out, "    POST /models/load/{version}    - Serve a stored ensemble")
	fmt.Fprintln(out, "    POST /feedback                 - Label an alert")
	fmt.Fprintln(out, "    GET  /feedback/stats           - Precision, recall and F1")
	fmt.Fprintln(out, "    GET  /health  /ready  /metrics")
	fmt.Fprintln(out)
}
