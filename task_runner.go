package modhub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Task is a unit of work executed on a TaskRunner.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context) error

// Run implements Task.
func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// NamedTask is implemented by tasks that want a readable name in logs.
type NamedTask interface {
	Task
	TaskName() string
}

// RunnerStats is a point-in-time view of a runner's queue and counters.
type RunnerStats struct {
	Name      string `json:"name"`
	Pending   int    `json:"pending"`
	Running   bool   `json:"running"`
	Executed  uint64 `json:"executed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Closed    bool   `json:"closed"`
}

// TaskRunner executes posted tasks one at a time, in the order they were
// posted, on a dedicated goroutine. Post never blocks: the queue is unbounded.
//
// Shutdown stops intake and drains what is already queued. Queued work is
// never silently dropped; CancelPending is the explicit way to discard it and
// reports how many tasks were discarded.
type TaskRunner struct {
	name   string
	logger Logger

	mu       sync.Mutex
	queue    []Task
	stopping bool
	running  bool
	wake     chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	executed  atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

// NewTaskRunner creates a runner and starts its worker goroutine.
func NewTaskRunner(name string, logger Logger) *TaskRunner {
	if logger == nil {
		logger = defaultLogger()
	}
	r := &TaskRunner{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.WithValue(context.Background(), runnerKey{}, r))
	go r.loop()
	return r
}

type runnerKey struct{}

// RunnerFromContext returns the runner executing the task that owns ctx.
// Contexts derived from a task's context keep the runner.
func RunnerFromContext(ctx context.Context) (*TaskRunner, bool) {
	if ctx == nil {
		return nil, false
	}
	r, ok := ctx.Value(runnerKey{}).(*TaskRunner)
	return r, ok
}

// withRunnerOf marks ctx with the runner carried by src, if any.
func withRunnerOf(ctx, src context.Context) context.Context {
	if r, ok := RunnerFromContext(src); ok {
		return context.WithValue(ctx, runnerKey{}, r)
	}
	return ctx
}

// runsOn reports whether ctx belongs to one of r's own tasks.
func (r *TaskRunner) runsOn(ctx context.Context) bool {
	current, ok := RunnerFromContext(ctx)
	return ok && current == r
}

// Name returns the runner's name.
func (r *TaskRunner) Name() string {
	return r.name
}

// Post appends a task to the tail of the queue and returns immediately.
func (r *TaskRunner) Post(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerStopped, r.name)
	}
	r.queue = append(r.queue, task)
	r.mu.Unlock()

	r.signal()
	return nil
}

// PostFunc is Post for a plain function.
func (r *TaskRunner) PostFunc(fn func(ctx context.Context) error) error {
	if fn == nil {
		return ErrNilTask
	}
	return r.Post(TaskFunc(fn))
}

// CancelPending removes every queued task that has not started yet and
// returns how many were removed. The task currently executing, if any, is
// not affected.
func (r *TaskRunner) CancelPending() int {
	r.mu.Lock()
	n := len(r.queue)
	for i := range r.queue {
		r.queue[i] = nil
	}
	r.queue = r.queue[:0]
	r.mu.Unlock()

	if n > 0 {
		r.cancelled.Add(uint64(n))
		r.logger.Warn("Cancelled pending tasks", "runner", r.name, "count", n)
	}
	return n
}

// Flush blocks until every task posted before the call has finished, or ctx
// is done. Called from one of r's own tasks it returns ErrOwnRunner.
func (r *TaskRunner) Flush(ctx context.Context) error {
	if r.runsOn(ctx) {
		return fmt.Errorf("flush %s: %w", r.name, ErrOwnRunner)
	}
	reached := make(chan struct{})
	err := r.Post(TaskFunc(func(context.Context) error {
		close(reached)
		return nil
	}))
	if err != nil {
		return err
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush %s: %w", r.name, ctx.Err())
	}
}

// Shutdown stops accepting tasks, waits for the queue to drain and releases
// the worker goroutine. If ctx ends first, ErrShutdownTimeout is returned and
// the worker keeps draining in the background.
//
// Called from one of r's own tasks, Shutdown stops intake and returns nil
// without waiting; the queue drains once that task returns.
func (r *TaskRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	alreadyStopping := r.stopping
	r.stopping = true
	pending := len(r.queue)
	r.mu.Unlock()

	if !alreadyStopping {
		r.logger.Debug("Stopping task runner", "runner", r.name, "pending", pending)
	}
	r.signal()

	if r.runsOn(ctx) {
		r.logger.Debug("Task runner stopping from its own task", "runner", r.name, "pending", pending)
		return nil
	}

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: runner %s has %d pending tasks", ErrShutdownTimeout, r.name, r.Stats().Pending)
	}
}

// Done is closed once the worker goroutine has exited.
func (r *TaskRunner) Done() <-chan struct{} {
	return r.done
}

// Stats returns a snapshot of the runner's counters.
func (r *TaskRunner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunnerStats{
		Name:      r.name,
		Pending:   len(r.queue),
		Running:   r.running,
		Executed:  r.executed.Load(),
		Failed:    r.failed.Load(),
		Cancelled: r.cancelled.Load(),
		Closed:    r.stopping,
	}
}

func (r *TaskRunner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *TaskRunner) loop() {
	defer close(r.done)
	defer r.cancel()

	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			if r.stopping {
				r.mu.Unlock()
				r.logger.Debug("Task runner stopped", "runner", r.name, "executed", r.executed.Load())
				return
			}
			r.mu.Unlock()
			<-r.wake
			continue
		}
		task := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		r.running = true
		r.mu.Unlock()

		r.execute(task)

		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}
}

func (r *TaskRunner) execute(task Task) {
	defer func() {
		r.executed.Add(1)
		if rec := recover(); rec != nil {
			r.failed.Add(1)
			r.logger.Error("Task panicked", "runner", r.name, "task", taskName(task),
				"panic", rec, "stack", string(debug.Stack()))
		}
	}()

	if err := task.Run(r.ctx); err != nil {
		r.failed.Add(1)
		r.logger.Debug("Task returned error", "runner", r.name, "task", taskName(task), "error", err)
	}
}

func taskName(task Task) string {
	if named, ok := task.(NamedTask); ok {
		return named.TaskName()
	}
	return fmt.Sprintf("%T", task)
}
