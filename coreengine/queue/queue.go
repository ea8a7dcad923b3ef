// Package queue provides the serialized, rate-limited outbound request queue.
//
// Every call to an external provider (channel sends, posts) goes through a
// Queue so that calls are paced:
//   - Tasks run one at a time in enqueue order (FIFO)
//   - A pacing delay follows every successful task
//   - A longer backoff delay follows every failed task
//   - Failed tasks are not retried; the error goes back to the task's caller
//
// The worker goroutine starts lazily on the first enqueue and exits when the
// queue drains, so an idle Queue holds no goroutine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AporiaLabs/echo/coreengine/logging"
	"github.com/AporiaLabs/echo/coreengine/observability"
)

const (
	// DefaultPacingDelay is the wait after a successful task.
	DefaultPacingDelay = 1000 * time.Millisecond
	// DefaultBackoffDelay is the wait after a failed task.
	DefaultBackoffDelay = 2000 * time.Millisecond
)

// ErrTaskPanicked is returned to the caller of a task that panicked.
var ErrTaskPanicked = errors.New("queue: task panicked")

// Task is a unit of outbound work. The context it receives is not tied to
// the submitting caller; queued work always runs once dequeued.
type Task func(ctx context.Context) (any, error)

// Result is the settled outcome of a Task.
type Result struct {
	Value any
	Err   error
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Running   bool   `json:"running"`
	Enqueued  uint64 `json:"enqueued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

type queuedTask struct {
	task Task
	done chan Result
}

// Queue executes submitted tasks serially with pacing.
type Queue struct {
	name    string
	pacing  time.Duration
	backoff time.Duration
	logger  logging.Logger
	sleep   func(time.Duration)

	mu      sync.Mutex
	items   []queuedTask
	running bool
	idle    chan struct{} // closed while no worker is running

	enqueued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithName sets the name used in logs and metric labels.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

// WithPacingDelay sets the delay after a successful task.
func WithPacingDelay(d time.Duration) Option {
	return func(q *Queue) { q.pacing = d }
}

// WithBackoffDelay sets the delay after a failed task.
func WithBackoffDelay(d time.Duration) Option {
	return func(q *Queue) { q.backoff = d }
}

// WithLogger sets the queue logger.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) { q.logger = logging.OrNop(l) }
}

// WithSleep replaces time.Sleep, mainly for tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(q *Queue) { q.sleep = sleep }
}

// New creates an idle Queue.
func New(opts ...Option) *Queue {
	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		name:    "default",
		pacing:  DefaultPacingDelay,
		backoff: DefaultBackoffDelay,
		logger:  logging.Nop(),
		sleep:   time.Sleep,
		idle:    idle,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.Bind("queue", q.name)
	return q
}

// Submit appends a task and returns a channel that receives its Result
// exactly once. Submit never blocks on running work.
func (q *Queue) Submit(task Task) <-chan Result {
	done := make(chan Result, 1)

	q.mu.Lock()
	q.items = append(q.items, queuedTask{task: task, done: done})
	depth := len(q.items)
	start := !q.running
	if start {
		q.running = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	q.enqueued.Add(1)
	observability.SetQueueDepth(q.name, depth)

	if start {
		go q.process()
	}
	return done
}

// Enqueue submits a task and waits for it to settle. The task's own error
// is returned unwrapped. Cancelling ctx stops the wait only; the task still
// runs and its pacing still applies to later tasks.
func (q *Queue) Enqueue(ctx context.Context, task Task) (any, error) {
	done := q.Submit(task)
	select {
	case res := <-done:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Running reports whether the worker goroutine is active.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until the queue has drained and its worker exited.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.items)
	running := q.running
	q.mu.Unlock()

	return Stats{
		Name:      q.name,
		Pending:   pending,
		Running:   running,
		Enqueued:  q.enqueued.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

// process is the single worker loop. Only it pops from the front.
func (q *Queue) process() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items[0] = queuedTask{}
		q.items = q.items[1:]
		depth := len(q.items)
		q.mu.Unlock()

		observability.SetQueueDepth(q.name, depth)

		start := time.Now()
		res := q.execute(next.task)
		durationMS := int(time.Since(start).Milliseconds())
		next.done <- res

		if res.Err != nil {
			q.failed.Add(1)
			observability.RecordQueueTask(q.name, "error", durationMS)
			q.logger.Warn("queue_task_failed",
				"error", res.Err.Error(),
				"duration_ms", durationMS,
				"backoff_ms", q.backoff.Milliseconds(),
			)
			q.sleep(q.backoff)
			continue
		}

		q.completed.Add(1)
		observability.RecordQueueTask(q.name, "success", durationMS)
		q.logger.Debug("queue_task_completed", "duration_ms", durationMS)
		q.sleep(q.pacing)
	}
}

func (q *Queue) execute(task Task) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Err: fmt.Errorf("%w: %v", ErrTaskPanicked, p)}
		}
	}()

	value, err := task(context.Background())
	return Result{Value: value, Err: err}
}
