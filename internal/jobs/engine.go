package jobs

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rzbill/relay/pkg/id"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// Engine runs submitted jobs on a fixed number of workers.
type Engine struct {
	registry *Registry
	logger   logpkg.Logger
	ids      *id.Generator

	queue  chan *localJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewEngine starts workers goroutines pulling from a queue of queueSize jobs.
func NewEngine(registry *Registry, workers, queueSize int, logger logpkg.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ctx:      ctx,
		cancel:   cancel,
		registry: registry,
		logger:   logger.With(logpkg.Component("jobs")),
		ids:      id.NewGenerator(),
		queue:    make(chan *localJob, queueSize),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit queues functionID with kwargs. Unknown ids fail with
// ErrUnknownFunction and nothing is queued.
func (e *Engine) Submit(functionID string, kwargs map[string]any) (Job, error) {
	fn, ok := e.registry.Lookup(functionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, functionID)
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	j := newLocalJob(e.ctx, e.ids.Next().String(), functionID, fn, kwargs)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	select {
	case e.queue <- j:
		return j, nil
	default:
		return nil, ErrQueueFull
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		e.run(j)
	}
}

func (e *Engine) run(j *localJob) {
	if !j.start() {
		return
	}
	e.logger.Debug("jobs.started", logpkg.Str("job_id", j.id), logpkg.Str("function", j.functionID))
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("jobs.panic", logpkg.Str("job_id", j.id), logpkg.Str("function", j.functionID), logpkg.F("panic", r), logpkg.Str("stack", string(debug.Stack())))
			j.finish(nil, fmt.Errorf("task function %s panicked: %v", j.functionID, r))
		}
	}()
	result, err := j.fn(j.ctx, j.kwargs)
	if err != nil {
		e.logger.Debug("jobs.failed", logpkg.Str("job_id", j.id), logpkg.Str("function", j.functionID), logpkg.Err(err))
	}
	j.finish(result, err)
}

// Close stops accepting work, cancels queued and running jobs and waits for
// the workers to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()
	e.cancel()
	for j := range e.queue {
		j.Cancel()
	}
	e.wg.Wait()
}
