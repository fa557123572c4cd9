package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/splitguard/internal/bus"
	"github.com/opensource-finance/splitguard/internal/domain"
	"github.com/opensource-finance/splitguard/internal/training"
)

type fakeExecutor struct {
	mu      sync.Mutex
	specs   []training.JobSpec
	running atomic.Int32
	peak    atomic.Int32
	hold    chan struct{}
	err     error
}

func (f *fakeExecutor) Execute(ctx context.Context, spec training.JobSpec) error {
	n := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.hold != nil {
		<-f.hold
	}

	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	return f.err
}

func (f *fakeExecutor) executed() []training.JobSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]training.JobSpec(nil), f.specs...)
}

func publishSpec(t *testing.T, b domain.EventBus, spec training.JobSpec) {
	t.Helper()
	payload, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicTrainingSubmit, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeExecutor{}, Config{Concurrency: 2})
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicTrainingSubmit {
			t.Errorf("expected submit topic, got %v", stats.Topics)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}

		stats = w.GetStats()
		if stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("ExecutesSubmittedJobs", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		exec := &fakeExecutor{}
		w := NewWorker(eventBus, exec, Config{Concurrency: 2})
		w.Start()
		defer w.Stop()

		publishSpec(t, eventBus, training.JobSpec{JobID: "job-1", ModelType: domain.ModelTypeAll})
		publishSpec(t, eventBus, training.JobSpec{JobID: "job-2", ModelType: domain.ModelTypeRisk})

		waitFor(t, func() bool { return len(exec.executed()) == 2 })

		seen := map[string]domain.ModelType{}
		for _, s := range exec.executed() {
			seen[s.JobID] = s.ModelType
		}
		if seen["job-1"] != domain.ModelTypeAll || seen["job-2"] != domain.ModelTypeRisk {
			t.Errorf("unexpected specs executed: %v", seen)
		}
	})

	t.Run("BoundsConcurrency", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		exec := &fakeExecutor{hold: make(chan struct{})}
		w := NewWorker(eventBus, exec, Config{Concurrency: 2})
		w.Start()

		for _, id := range []string{"a", "b", "c", "d"} {
			publishSpec(t, eventBus, training.JobSpec{JobID: id})
		}

		waitFor(t, func() bool { return exec.running.Load() == 2 })
		time.Sleep(30 * time.Millisecond)
		if got := exec.running.Load(); got != 2 {
			t.Errorf("expected 2 running jobs, got %d", got)
		}

		close(exec.hold)
		waitFor(t, func() bool { return len(exec.executed()) == 4 })
		w.Stop()

		if peak := exec.peak.Load(); peak > 2 {
			t.Errorf("expected at most 2 concurrent jobs, peak was %d", peak)
		}
	})

	t.Run("StopWaitsForRunningJobs", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		exec := &fakeExecutor{hold: make(chan struct{})}
		w := NewWorker(eventBus, exec, Config{Concurrency: 1})
		w.Start()

		publishSpec(t, eventBus, training.JobSpec{JobID: "long"})
		waitFor(t, func() bool { return exec.running.Load() == 1 })

		stopped := make(chan struct{})
		go func() {
			w.Stop()
			close(stopped)
		}()

		select {
		case <-stopped:
			t.Fatal("Stop returned while a job was running")
		case <-time.After(50 * time.Millisecond):
		}

		close(exec.hold)
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("Stop did not return after the job finished")
		}

		if got := exec.executed(); len(got) != 1 || got[0].JobID != "long" {
			t.Errorf("expected the running job to complete, got %v", got)
		}
	})

	t.Run("ExecutorErrorKeepsWorking", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		exec := &fakeExecutor{err: errors.New("stage failed")}
		w := NewWorker(eventBus, exec, Config{Concurrency: 1})
		w.Start()
		defer w.Stop()

		publishSpec(t, eventBus, training.JobSpec{JobID: "bad-1"})
		publishSpec(t, eventBus, training.JobSpec{JobID: "bad-2"})

		waitFor(t, func() bool { return len(exec.executed()) == 2 })
	})

	t.Run("MalformedSpec", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		exec := &fakeExecutor{}
		w := NewWorker(eventBus, exec, Config{Concurrency: 1})

		err := w.handleMessage(context.Background(), &domain.Message{Payload: []byte("{not json")})
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if len(exec.executed()) != 0 {
			t.Error("malformed spec should not execute")
		}
	})
}

func TestNewWorkerDefaultsConcurrency(t *testing.T) {
	w := NewWorker(bus.NewChannelBus(1), &fakeExecutor{}, Config{})
	if cap(w.slots) != 1 {
		t.Errorf("expected default concurrency 1, got %d", cap(w.slots))
	}
}
