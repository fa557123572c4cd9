package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/training"
)

func newTrainCmd(load configLoader) *cobra.Command {
	var modelType string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a new ensemble version in the foreground",
		Long: "Train runs one training job synchronously against the configured repository and\n" +
			"model registry. Partial model types retrain on top of the latest stored ensemble.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			mt, err := domain.ParseModelType(modelType)
			if err != nil {
				return err
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if mt != domain.ModelTypeAll {
				if _, err := a.scoring.LoadLatest(ctx); err != nil {
					return fmt.Errorf("partial training needs a stored ensemble: %w", err)
				}
			}

			spec := training.JobSpec{JobID: uuid.New().String(), ModelType: mt, SubmittedAt: time.Now().UTC()}
			start := time.Now()
			if err := a.orchestrator.Execute(ctx, spec); err != nil {
				return err
			}

			job, err := a.orchestrator.Status(ctx, spec.JobID)
			if err != nil {
				return err
			}
			if job.Status != domain.JobCompleted {
				return errors.New("training job did not complete: " + job.Error)
			}

			slog.Info("training finished",
				"job_id", job.ID,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "ensemble version: %v\n", job.Metrics["ensemble_version"])
			fmt.Fprintf(cmd.OutOrStdout(), "model versions:   %v\n", job.Metrics["model_versions"])
			fmt.Fprintf(cmd.OutOrStdout(), "samples:          %v (synthetic: %v)\n", job.Metrics["samples"], job.Metrics["synthetic"])
			return nil
		},
	}
	cmd.Flags().StringVarP(&modelType, "model-type", "m", string(domain.ModelTypeAll), "all, anomaly, pattern or risk")
	return cmd
}
