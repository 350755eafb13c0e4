package sweep

import (
	"context"
	"sync"
	"time"
)

// RunnerStatus is the coarse state of a Runner.
type RunnerStatus string

const (
	RunnerIdle      RunnerStatus = "idle"
	RunnerRunning   RunnerStatus = "running"
	RunnerCompleted RunnerStatus = "completed"
	RunnerAborted   RunnerStatus = "aborted"
)

// RunnerState is a snapshot of the current or most recent sweep.
type RunnerState struct {
	Status         RunnerStatus `json:"status"`
	CompletedSteps int          `json:"completed_steps"`
	Run            *Run         `json:"run,omitempty"`
}

// Executor runs a sweep with exclusive use of both devices.
type Executor interface {
	RunSweepObserved(ctx context.Context, p Params, obs Observer) (*Run, error)
}

// Runner runs one sweep at a time in the background.
type Runner struct {
	exec Executor

	mu     sync.RWMutex
	state  RunnerState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner on exec.
func NewRunner(exec Executor) *Runner {
	return &Runner{
		exec:  exec,
		state: RunnerState{Status: RunnerIdle},
	}
}

// State returns a copy of the current state.
func (r *Runner) State() RunnerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state
	s.Run = r.state.Run.Clone()
	return s
}

// Start validates p and launches the sweep in the background. It fails with
// ErrInvalidParameters or ErrSweepInProgress without touching the devices.
// Cancelling ctx or calling Stop aborts the sweep.
func (r *Runner) Start(ctx context.Context, p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.state.Status == RunnerRunning {
		r.mu.Unlock()
		return ErrSweepInProgress
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state = RunnerState{
		Status: RunnerRunning,
		Run:    &Run{Params: p, State: StateValidating, StartedAt: time.Now().UTC(), TotalSteps: p.StepCount()},
	}
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		run, err := r.exec.RunSweepObserved(runCtx, p, r)

		r.mu.Lock()
		defer r.mu.Unlock()
		r.state.Status = RunnerCompleted
		if err != nil {
			r.state.Status = RunnerAborted
		}
		if run != nil {
			r.state.Run = run.Clone()
			r.state.CompletedSteps = len(run.Records)
		} else if err != nil {
			// The executor failed before a run existed, e.g. while
			// waiting for the devices.
			now := time.Now().UTC()
			r.state.Run.State = StateAborted
			r.state.Run.Error = err.Error()
			r.state.Run.FinishedAt = &now
		}
		r.cancel = nil
	}()
	return nil
}

// Stop cancels a running sweep. It does not wait for it to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Wait blocks until the current sweep, if any, has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StateChanged implements Observer.
func (r *Runner) StateChanged(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Run = run
	r.state.CompletedSteps = len(run.Records)
}

// RecordAdded implements Observer.
func (r *Runner) RecordAdded(run *Run, _ Record) {
	r.StateChanged(run)
}
