package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"causeway/internal/logging"
)

// ErrRunnerClosed is returned by Submit after Close.
var ErrRunnerClosed = errors.New("learning runner closed")

// Learner is what the runner drives; *Agent implements it.
type Learner interface {
	Learn(ctx context.Context, sessionID string) (Result, error)
}

// Task is one background learning pass.
type Task struct {
	ID        string
	SessionID string

	done   chan struct{}
	result Result
	err    error
}

// Done is closed when the pass has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result blocks until the pass finishes.
func (t *Task) Result() (Result, error) {
	<-t.done
	return t.result, t.err
}

// Wait is Result bounded by ctx.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Runner runs learning passes off the caller's goroutine. A session already
// being learned is not started twice; Submit returns the running task.
type Runner struct {
	learner Learner
	ctx     context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	wg       sync.WaitGroup
	inflight map[string]*Task
	closed   bool
}

// NewRunner creates a runner around learner.
func NewRunner(learner Learner) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		learner:  learner,
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*Task),
	}
}

// Submit starts a pass for sessionID and returns immediately.
func (r *Runner) Submit(sessionID string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRunnerClosed
	}
	if t, ok := r.inflight[sessionID]; ok {
		return t, nil
	}
	t := &Task{ID: uuid.NewString(), SessionID: sessionID, done: make(chan struct{})}
	r.inflight[sessionID] = t
	r.wg.Add(1)
	go r.run(t)
	logging.LearningDebug("task %s queued for session %s", t.ID, sessionID)
	return t, nil
}

func (r *Runner) run(t *Task) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			t.err = fmt.Errorf("learning panicked: %v", p)
			logging.LearningError("task %s: %v", t.ID, t.err)
		}
		r.mu.Lock()
		delete(r.inflight, t.SessionID)
		r.mu.Unlock()
		close(t.done)
	}()
	t.result, t.err = r.learner.Learn(r.ctx, t.SessionID)
}

// Shutdown stops accepting work and waits for running passes until ctx is
// done, at which point they are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-idle
		return ctx.Err()
	}
}

// Close cancels running passes and waits for them to return.
func (r *Runner) Close() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = r.Shutdown(ctx)
}
