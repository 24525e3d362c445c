// Package queue schedules transcoding jobs. Jobs are ordered by rendition
// priority with FIFO order inside a priority class, a bounded number of jobs
// run concurrently, and job starts are rate limited so a burst of uploads
// cannot saturate the host.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/vodforge/transcode-api/config"
	"github.com/vodforge/transcode-api/log"
	"github.com/vodforge/transcode-api/metrics"
	"github.com/vodforge/transcode-api/video"
)

// Job is one rendition of one video waiting to be encoded.
type Job struct {
	ID         string
	VideoID    string
	Resolution video.Resolution
	Priority   int

	seq uint64
}

// Executor runs a single job attempt. A returned error makes the queue retry
// with exponential backoff until the attempt budget is spent.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// ExhaustedFunc is called once per job after every attempt has failed.
type ExhaustedFunc func(ctx context.Context, job Job, err error)

type Queue struct {
	executor    Executor
	onExhausted ExhaustedFunc

	workers        int
	limiter        *rate.Limiter
	attempts       uint64
	initialBackoff time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	heap    jobHeap
	nextSeq uint64
	active  int
	closed  bool
}

// Option overrides a scheduling knob, used by tests to avoid real waits.
type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) { q.workers = n }
}

func WithRateLimiter(l *rate.Limiter) Option {
	return func(q *Queue) { q.limiter = l }
}

func WithInitialBackoff(d time.Duration) Option {
	return func(q *Queue) { q.initialBackoff = d }
}

// NewQueue builds a queue with the standard limits: two concurrent jobs and
// at most three starts per minute.
func NewQueue(executor Executor, onExhausted ExhaustedFunc, opts ...Option) *Queue {
	q := &Queue{
		executor:       executor,
		onExhausted:    onExhausted,
		workers:        config.TranscodingParallelJobs,
		limiter:        rate.NewLimiter(rate.Every(config.RateLimitWindow/config.RateLimitStarts), config.RateLimitStarts),
		attempts:       config.RetryAttempts,
		initialBackoff: config.RetryInitialBackoff,
	}
	q.cond = sync.NewCond(&q.mu)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a job. Lower-resolution renditions carry a lower priority
// value and are dispatched first; equal priorities run in arrival order.
func (q *Queue) Enqueue(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	job.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, job)
	metrics.Metrics.QueueDepth.Set(float64(q.heap.Len()))
	q.cond.Signal()
}

// Depth returns the number of jobs waiting plus the number currently running.
func (q *Queue) Depth() (waiting, active int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len(), q.active
}

// Run dispatches jobs until ctx is cancelled. It blocks, so callers run it
// in its own goroutine (typically via errgroup).
func (q *Queue) Run(ctx context.Context) error {
	// Unblock the dispatchers when the context dies.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.dispatch(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) dispatch(ctx context.Context) {
	for {
		job, ok := q.next()
		if !ok {
			return
		}
		if err := q.limiter.Wait(ctx); err != nil {
			q.finish()
			return
		}
		q.runJob(ctx, job)
		q.finish()
	}
}

// next blocks until a job is available or the queue closes. The caller owns
// one active slot once next returns true.
func (q *Queue) next() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Job{}, false
	}
	job := heap.Pop(&q.heap).(Job)
	q.active++
	metrics.Metrics.QueueDepth.Set(float64(q.heap.Len()))
	return job, true
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

func (q *Queue) runJob(ctx context.Context, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic in job %s: %v", job.ID, rec)
			log.LogError(job.VideoID, "job panicked", err, "job_id", job.ID)
			q.exhausted(ctx, job, err)
		}
	}()

	attempt := 0
	operation := func() error {
		attempt++
		err := q.executor.Execute(ctx, job)
		if err != nil && ctx.Err() != nil {
			// Shutdown, not a job failure. Stop retrying without marking
			// the job exhausted.
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			log.LogError(job.VideoID, "job attempt failed", err,
				"job_id", job.ID, "resolution", job.Resolution, "attempt", attempt)
		}
		return err
	}

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = q.initialBackoff
	backOff.Multiplier = 2
	backOff.RandomizationFactor = 0
	backOff.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(backOff, q.attempts-1), ctx))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		q.exhausted(ctx, job, err)
	}
}

func (q *Queue) exhausted(ctx context.Context, job Job, err error) {
	if q.onExhausted != nil {
		q.onExhausted(ctx, job, err)
	}
}

// jobHeap orders jobs by priority value ascending, then by arrival order.
type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(Job)) }

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}
