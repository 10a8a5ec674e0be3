package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"manifold/internal/clock"
	"manifold/internal/pipeline"
)

func TestRegisterAddsAllCronEntries(t *testing.T) {
	s := New(pipeline.NewMemoryStore(), nil, nil, nil, nil)
	if err := s.Register(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(s.Cron.Entries()); got != 4 {
		t.Fatalf("expected 4 registered jobs, got %d", got)
	}
}

func TestRunStageSkipsOverlappingWindow(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	blocking := func(ctx context.Context, window string) (int, map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 0, nil, nil
	}

	s := New(pipeline.NewMemoryStore(), nil, blocking, nil, nil)
	s.Clock = clock.Fixed{At: time.Date(2026, 7, 31, 13, 0, 0, 0, time.UTC)}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runPeriodMerge(context.Background())
	}()
	// Give the first invocation time to acquire the lock before the second fires.
	time.Sleep(20 * time.Millisecond)
	s.runPeriodMerge(context.Background())
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected only one overlapping call to run, got %d", got)
	}
}

func TestRunStageRunsAgainAfterPriorCompletes(t *testing.T) {
	var calls int32
	fn := func(ctx context.Context, window string) (int, map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		return 0, nil, nil
	}
	s := New(pipeline.NewMemoryStore(), nil, fn, nil, nil)
	s.Clock = clock.Fixed{At: time.Date(2026, 7, 31, 13, 0, 0, 0, time.UTC)}

	s.runPeriodMerge(context.Background())
	s.runPeriodMerge(context.Background())

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected both sequential calls to run, got %d", got)
	}
}
