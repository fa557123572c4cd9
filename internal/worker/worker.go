// Package worker executes training jobs queued on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/training"
)

// Executor runs a single training job to a terminal state.
type Executor interface {
	Execute(ctx context.Context, spec training.JobSpec) error
}

// Worker consumes job specs from the training submit topic.
type Worker struct {
	bus      domain.EventBus
	executor Executor
	slots    chan struct{}

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds the number of jobs running at once.
	Concurrency int
}

// NewWorker creates a new training worker.
func NewWorker(bus domain.EventBus, executor Executor, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		executor: executor,
		slots:    make(chan struct{}, cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to the submit topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTrainingSubmit, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTrainingSubmit, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("training worker started",
		"topic", domain.TopicTrainingSubmit,
		"concurrency", cap(w.slots),
	)
	return nil
}

// handleMessage decodes a job spec and runs it in the background. It blocks
// while every slot is busy, which holds further messages on the bus.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var spec training.JobSpec
	if err := json.Unmarshal(msg.Payload, &spec); err != nil {
		return fmt.Errorf("%w: malformed job spec: %v", domain.ErrInvalidInput, err)
	}

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.wg.Add(1)
	// Started jobs run to completion even when the worker stops.
	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.run(jobCtx, spec)
	}()
	return nil
}

func (w *Worker) run(ctx context.Context, spec training.JobSpec) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("training job panicked",
				"job_id", spec.JobID,
				"panic", r,
			)
		}
	}()

	slog.Debug("executing training job",
		"job_id", spec.JobID,
		"model_type", spec.ModelType,
	)
	if err := w.executor.Execute(ctx, spec); err != nil {
		slog.Warn("training job did not complete",
			"job_id", spec.JobID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for running jobs to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.cancel()

	w.wg.Wait()

	slog.Info("training worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	RunningJobs       int      `json:"running_jobs"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		RunningJobs:       len(w.slots),
	}
}
