package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/vodforge/transcode-api/video"
)

type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	fail  map[string]int // job ID -> number of failing attempts remaining
	done  chan string
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{fail: map[string]int{}, done: make(chan string, 64)}
}

func (e *recordingExecutor) Execute(_ context.Context, job Job) error {
	e.mu.Lock()
	e.order = append(e.order, job.ID)
	remaining := e.fail[job.ID]
	if remaining > 0 {
		e.fail[job.ID] = remaining - 1
	}
	e.mu.Unlock()
	if remaining > 0 {
		return errors.New("encode failed")
	}
	e.done <- job.ID
	return nil
}

func (e *recordingExecutor) executionOrder() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", want)
	}
}

func TestPriorityOrderWithFIFOTiebreak(t *testing.T) {
	exec := newRecordingExecutor()
	q := NewQueue(exec, nil,
		WithWorkers(1),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 0)))

	// Two videos enqueued back to back: all low renditions must run before
	// any medium, and within a priority class the earlier video goes first.
	q.Enqueue(Job{ID: "a-high", VideoID: "a", Resolution: video.ResolutionHigh, Priority: 3})
	q.Enqueue(Job{ID: "a-medium", VideoID: "a", Resolution: video.ResolutionMedium, Priority: 2})
	q.Enqueue(Job{ID: "a-low", VideoID: "a", Resolution: video.ResolutionLow, Priority: 1})
	q.Enqueue(Job{ID: "b-low", VideoID: "b", Resolution: video.ResolutionLow, Priority: 1})

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	for _, want := range []string{"a-low", "b-low", "a-medium", "a-high"} {
		waitFor(t, exec.done, want)
	}
	cancel()
	require.Equal(t, []string{"a-low", "b-low", "a-medium", "a-high"}, exec.executionOrder())
}

func TestConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})
	done := make(chan struct{}, 8)

	exec := executorFunc(func(ctx context.Context, job Job) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	q := NewQueue(exec, nil,
		WithWorkers(2),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 0)))
	for i := 0; i < 5; i++ {
		q.Enqueue(Job{ID: string(rune('a' + i)), Priority: 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	// Let the dispatchers pick up work, then unblock everything.
	time.Sleep(100 * time.Millisecond)
	close(release)
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, peak, 2)
	require.Equal(t, 2, peak)
}

func TestRetriesThenSucceeds(t *testing.T) {
	exec := newRecordingExecutor()
	exec.fail["j1"] = 2 // first two attempts fail, third succeeds

	q := NewQueue(exec, nil,
		WithWorkers(1),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 0)),
		WithInitialBackoff(time.Millisecond))
	q.Enqueue(Job{ID: "j1", VideoID: "v1", Priority: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	waitFor(t, exec.done, "j1")
	require.Equal(t, []string{"j1", "j1", "j1"}, exec.executionOrder())
}

func TestExhaustedAfterThreeAttempts(t *testing.T) {
	exec := newRecordingExecutor()
	exec.fail["j1"] = 100

	exhausted := make(chan Job, 1)
	q := NewQueue(exec,
		func(_ context.Context, job Job, err error) {
			require.Error(t, err)
			exhausted <- job
		},
		WithWorkers(1),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 0)),
		WithInitialBackoff(time.Millisecond))
	q.Enqueue(Job{ID: "j1", VideoID: "v1", Priority: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case job := <-exhausted:
		require.Equal(t, "j1", job.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("job was never reported exhausted")
	}
	require.Equal(t, []string{"j1", "j1", "j1"}, exec.executionOrder())
}

func TestRateLimiterSpacesStarts(t *testing.T) {
	exec := newRecordingExecutor()
	q := NewQueue(exec, nil,
		WithWorkers(2),
		WithRateLimiter(rate.NewLimiter(rate.Every(60*time.Millisecond), 1)))
	for i := 0; i < 3; i++ {
		q.Enqueue(Job{ID: string(rune('a' + i)), Priority: 1})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	start := time.Now()
	for i := 0; i < 3; i++ {
		select {
		case <-exec.done:
		case <-time.After(5 * time.Second):
			t.Fatal("jobs did not finish")
		}
	}
	// Burst of one plus two limited starts needs at least two intervals.
	require.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)
}

func TestShutdownStopsDispatch(t *testing.T) {
	exec := newRecordingExecutor()
	q := NewQueue(exec, nil,
		WithWorkers(1),
		WithRateLimiter(rate.NewLimiter(rate.Inf, 0)))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(runDone)
	}()

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// Enqueue after close is a no-op.
	q.Enqueue(Job{ID: "late", Priority: 1})
	waiting, _ := q.Depth()
	require.Zero(t, waiting)
}

type executorFunc func(ctx context.Context, job Job) error

func (f executorFunc) Execute(ctx context.Context, job Job) error { return f(ctx, job) }
