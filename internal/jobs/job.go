// Package jobs runs task functions on a bounded local worker pool. Callers
// submit a function id with keyword arguments and get back a Job handle whose
// status can be polled without blocking.
package jobs

import (
	"context"
	"errors"
	"sync"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool { return s == StatusFinished || s == StatusError }

var (
	// ErrUnknownFunction is returned by Submit for unregistered function ids.
	ErrUnknownFunction = errors.New("jobs: unknown function")
	// ErrQueueFull is returned by Submit when the pool cannot take more work.
	ErrQueueFull = errors.New("jobs: queue is full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("jobs: engine closed")
	// ErrCanceled is the result error of a cancelled job.
	ErrCanceled = errors.New("jobs: canceled")
)

// Job is a handle on submitted work.
type Job interface {
	// ID is unique per engine and sorts by submission order.
	ID() string
	// Status never blocks.
	Status() Status
	// Result returns the return value once finished, or the failure once
	// errored. Before that both are nil.
	Result() (any, error)
	Cancel()
}

type localJob struct {
	id         string
	functionID string
	kwargs     map[string]any
	fn         Func

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
	result any
	err    error
}

func newLocalJob(parent context.Context, jobID, functionID string, fn Func, kwargs map[string]any) *localJob {
	ctx, cancel := context.WithCancel(parent)
	return &localJob{id: jobID, functionID: functionID, kwargs: kwargs, fn: fn, ctx: ctx, cancel: cancel, status: StatusQueued}
}

func (j *localJob) ID() string { return j.id }

func (j *localJob) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *localJob) Result() (any, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result, j.err
}

func (j *localJob) Cancel() {
	j.cancel()
	j.mu.Lock()
	if !j.status.Terminal() {
		j.status = StatusError
		j.err = ErrCanceled
	}
	j.mu.Unlock()
}

// start flips a queued job to running; false means it was cancelled first.
func (j *localJob) start() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusQueued {
		return false
	}
	j.status = StatusRunning
	return true
}

func (j *localJob) finish(result any, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	if err != nil {
		j.status = StatusError
		j.err = err
		return
	}
	j.status = StatusFinished
	j.result = result
}
