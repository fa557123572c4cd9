// SplitGuard scores split and payment events for fraud risk with an ensemble
// of three models, and manages the lifecycle of those models.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/splitguard/internal/config"
	"github.com/opensource-finance/splitguard/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "splitguard",
		Short:         "Ensemble fraud scoring for splits and payments",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default $SPLITGUARD_CONFIG)")

	load := func() (*domain.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			slog.Error("failed to load configuration", "error", err)
			return nil, err
		}
		setupLogging(cfg)
		setupTracing(cfg)
		return cfg, nil
	}

	root.AddCommand(
		newServeCmd(load),
		newTrainCmd(load),
		newModelsCmd(load),
	)
	return root
}

type configLoader func() (*domain.Config, error)

func setupLogging(cfg *domain.Config) {
	opts := &slog.HandlerOptions{Level: config.LogLevel(cfg.Logging.Level)}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// setupTracing installs W3C trace-context propagation so spans join the
// caller's trace. Exporting spans is left to the tracer provider a deployment
// registers.
func setupTracing(cfg *domain.Config) {
	if !cfg.Tracing.Enabled {
		return
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	slog.Info("trace propagation enabled", "service_name", cfg.Tracing.ServiceName)
}
