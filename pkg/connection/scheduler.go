package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler errors.
var (
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrInvalidDelay    = errors.New("connect delay must be positive")
)

// AttemptTimeout bounds a single attempt.
const AttemptTimeout = 30 * time.Second

// AttemptFunc is called to establish a connection.
// It should return nil on success or an error on failure.
type AttemptFunc func(ctx context.Context) error

// task is one pending key.
type task struct {
	cancel    context.CancelFunc
	cancelled bool
	attempts  int
}

// Scheduler runs cancellable retry tasks keyed by name.
type Scheduler struct {
	mu sync.Mutex

	clock clock.Clock
	tasks map[string]*task

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	closed bool

	// Callbacks
	onAttempt func(key string, attempt int)
	onRetry   func(key string, attempt int, err error)
	onSuccess func(key string, attempts int)
}

// NewScheduler creates a scheduler driven by clk. A nil clock uses the
// wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clk,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule starts a retry task for key whose first attempt runs
// immediately. An existing task for the same key is cancelled and replaced.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn AttemptFunc) error {
	return s.ScheduleAfter(key, 0, delay, fn)
}

// ScheduleAfter is like Schedule but waits before the first attempt.
func (s *Scheduler) ScheduleAfter(key string, wait, delay time.Duration, fn AttemptFunc) error {
	if delay <= 0 || wait < 0 {
		return ErrInvalidDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if old, ok := s.tasks[key]; ok {
		old.cancelled = true
		old.cancel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel}
	s.tasks[key] = t

	s.wg.Add(1)
	go s.run(ctx, key, t, wait, delay, fn)
	return nil
}

// Cancel stops the task for key. It is a no-op if none is pending.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[key]; ok {
		t.cancelled = true
		t.cancel()
		delete(s.tasks, key)
	}
}

// Pending reports whether a task for key is still retrying.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Attempts returns the number of attempts made so far for a pending key.
func (s *Scheduler) Attempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok {
		return t.attempts
	}
	return 0
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and waits for their goroutines to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, t := range s.tasks {
		t.cancelled = true
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// OnAttempt sets a callback invoked before every attempt.
func (s *Scheduler) OnAttempt(fn func(key string, attempt int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAttempt = fn
}

// OnRetry sets a callback invoked after a failed attempt, once the retry
// timer is armed.
func (s *Scheduler) OnRetry(fn func(key string, attempt int, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRetry = fn
}

// OnSuccess sets a callback invoked when an attempt succeeds.
func (s *Scheduler) OnSuccess(fn func(key string, attempts int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSuccess = fn
}

// begin marks the start of an attempt. It returns false if the task was
// cancelled.
func (s *Scheduler) begin(key string, t *task) (int, func(string, int), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.cancelled {
		return 0, nil, false
	}
	t.attempts++
	return t.attempts, s.onAttempt, true
}

// finish removes a successful task unless it was replaced meanwhile.
func (s *Scheduler) finish(key string, t *task) func(string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[key] == t {
		delete(s.tasks, key)
	}
	if t.cancelled {
		return nil
	}
	return s.onSuccess
}

func (s *Scheduler) retryHook() func(string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onRetry
}

// run performs attempts until success or cancellation.
func (s *Scheduler) run(ctx context.Context, key string, t *task, wait, delay time.Duration, fn AttemptFunc) {
	defer s.wg.Done()
	defer t.cancel()

	if wait > 0 && !s.sleep(ctx, wait) {
		return
	}

	for {
		attempt, onAttempt, ok := s.begin(key, t)
		if !ok {
			return
		}
		if onAttempt != nil {
			onAttempt(key, attempt)
		}

		actx, cancel := context.WithTimeout(ctx, AttemptTimeout)
		err := fn(actx)
		cancel()

		if err == nil {
			if onSuccess := s.finish(key, t); onSuccess != nil {
				onSuccess(key, attempt)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		timer := s.clock.Timer(delay)
		if onRetry := s.retryHook(); onRetry != nil {
			onRetry(key, attempt, err)
		}
		if !s.wait(ctx, timer) {
			return
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	return s.wait(ctx, s.clock.Timer(d))
}

// wait blocks until timer fires. It returns false when ctx ends first.
func (s *Scheduler) wait(ctx context.Context, timer *clock.Timer) bool {
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
		return true
	}
}
