package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/splitguard/internal/bus"
	"github.com/opensource-finance/splitguard/internal/cache"
	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/ensemble"
	"github.com/opensource-finance/splitguard/internal/registry"
	"github.com/opensource-finance/splitguard/internal/repository"
	"github.com/opensource-finance/splitguard/internal/scoring"
	"github.com/opensource-finance/splitguard/internal/training"
	"github.com/opensource-finance/splitguard/internal/velocity"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg          *domain.Config
	repo         *repository.SQLRepository
	cache        domain.Cache
	bus          domain.EventBus
	registry     *registry.Registry
	velocity     *velocity.Service
	scoring      *scoring.Service
	orchestrator *training.Orchestrator
}

// newApp opens every backend and wires the scoring and training services.
// On error, whatever was opened is closed again.
func newApp(cfg *domain.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.repo, err = repository.New(cfg.Repository); err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if a.cache, err = cache.New(cfg.Cache); err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	if a.bus, err = bus.New(cfg.EventBus); err != nil {
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	if a.registry, err = registry.New(cfg.Models.RegistryPath); err != nil {
		return nil, err
	}
	slog.Info("model registry opened", "path", a.registry.Root())

	ensembleOpts, err := ensemble.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	factory := ensemble.NewFactory(cfg)

	a.velocity = velocity.NewService(a.repo, a.cache, velocity.Config{
		Window:         cfg.Velocity.Window,
		RapidThreshold: cfg.Velocity.RapidThreshold,
		HistoryTTL:     cfg.Cache.HistoryTTL,
	})

	a.scoring = scoring.NewService(a.registry, factory.Constituents(),
		scoring.WithContextProvider(a.velocity),
		scoring.WithRecorder(a.repo),
		scoring.WithEnsembleOptions(ensembleOpts...),
	)

	pipeline := &training.Pipeline{
		Store:            a.registry,
		Factory:          factory,
		Data:             &training.FeedbackDataset{Source: a.repo},
		Serving:          a.scoring.Current,
		EnsembleOptions:  ensembleOpts,
		MinSamples:       cfg.Training.MinSamples,
		SyntheticSamples: cfg.Training.SyntheticSamples,
	}
	var deploy training.DeployFunc
	if cfg.Training.AutoLoad {
		deploy = a.scoring.Install
	}
	a.orchestrator = training.NewOrchestrator(a.repo, a.bus, pipeline, deploy)

	return a, nil
}

// loadServing installs the newest stored ensemble. With bootstrap enabled and
// an empty registry, a full training job is queued instead.
func (a *app) loadServing(ctx context.Context) {
	ens, err := a.scoring.LoadLatest(ctx)
	switch {
	case err == nil:
		slog.Info("ensemble loaded", "version", ens.Version())
		return
	case !errors.Is(err, domain.ErrNotFound):
		slog.Error("failed to load latest ensemble, serving stays unavailable", "error", err)
		return
	}

	if !a.cfg.Training.BootstrapOnEmpty {
		slog.Warn("no trained ensemble found, POST /api/v1/models/retrain to train one")
		return
	}
	jobID, err := a.orchestrator.Submit(ctx, string(domain.ModelTypeAll))
	if err != nil {
		slog.Error("failed to queue bootstrap training", "error", err)
		return
	}
	slog.Info("no trained ensemble found, bootstrap training queued", "job_id", jobID)
}

// Close releases the backends in reverse order of opening.
func (a *app) Close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Warn("failed to close event bus", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("failed to close cache", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			slog.Warn("failed to close repository", "error", err)
		}
	}
}
