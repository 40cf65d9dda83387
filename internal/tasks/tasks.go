// Package tasks tracks submitted jobs by content hash, publishes their status
// transitions and persists finished results to the object store.
//
// A task lives until its status publish for finished or error succeeds, or
// until its requester stops sending keepalives. Persisting a result happens
// inline on the loop goroutine; a failed write leaves the task tracked and
// is retried once PersistRetry has passed.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rzbill/relay/internal/jobs"
	"github.com/rzbill/relay/internal/objstore"
	"github.com/rzbill/relay/internal/protocol"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// Publisher delivers outbound notifications.
type Publisher interface {
	Publish(msg any) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(msg any) error

func (f PublisherFunc) Publish(msg any) error { return f(msg) }

// Submitter creates jobs.
type Submitter interface {
	Submit(functionID string, kwargs map[string]any) (jobs.Job, error)
}

// Task is one tracked job.
type Task struct {
	Hash    string
	Request protocol.TaskRequest
	job     jobs.Job
	// status is the last successfully published status; empty until the
	// first publish.
	status        jobs.Status
	lastKeepAlive time.Time
	canceled      bool
	// persisted is set once the result object is written; nextPersist
	// throttles retries after a failed write.
	persisted   bool
	nextPersist time.Time
}

// Info is a read-only view of a task.
type Info struct {
	Hash          string    `json:"taskHash"`
	FunctionID    string    `json:"functionId"`
	Status        string    `json:"status"`
	LastKeepAlive time.Time `json:"lastKeepAlive"`
}

// Options configures a Manager.
type Options struct {
	// KeepAliveTimeout evicts tasks whose requester went quiet.
	KeepAliveTimeout time.Duration
	// PersistRetry is the minimum gap between attempts to store a result.
	PersistRetry time.Duration
	Now          func() time.Time
}

// Manager owns the tracked tasks.
type Manager struct {
	pub     Publisher
	objects objstore.Store
	submit  Submitter
	opts    Options
	logger  logpkg.Logger

	mu    sync.Mutex
	tasks map[string]*Task
}

func NewManager(pub Publisher, objects objstore.Store, submit Submitter, opts Options) *Manager {
	return NewManagerWithLogger(pub, objects, submit, opts, logpkg.NewLogger())
}

func NewManagerWithLogger(pub Publisher, objects objstore.Store, submit Submitter, opts Options, logger logpkg.Logger) *Manager {
	if opts.KeepAliveTimeout <= 0 {
		opts.KeepAliveTimeout = 3 * time.Minute
	}
	if opts.PersistRetry <= 0 {
		opts.PersistRetry = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		pub:     pub,
		objects: objects,
		submit:  submit,
		opts:    opts,
		logger:  logger.With(logpkg.Component("tasks")),
		tasks:   make(map[string]*Task),
	}
}

// Initiate handles an initiateTask request: a tracked hash re-publishes its
// status, otherwise a job is submitted and tracked. Submission failures are
// published as a terminal error and nothing is tracked.
func (m *Manager) Initiate(ctx context.Context, hash string, req protocol.TaskRequest) {
	m.mu.Lock()
	t, ok := m.tasks[hash]
	if ok {
		m.refreshLocked(ctx, t, true)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	job, err := m.submit.Submit(req.FunctionID, req.Kwargs)
	if err != nil {
		m.FailSubmission(hash, req.FunctionID, err)
		return
	}
	m.AddTask(ctx, hash, req, job)
}

// AddTask tracks job under hash and publishes its current status. A hash
// that is already tracked keeps its original job; its status is published
// again and the existing task returned.
func (m *Manager) AddTask(ctx context.Context, hash string, req protocol.TaskRequest, job jobs.Job) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[hash]; ok {
		m.refreshLocked(ctx, t, true)
		return t
	}
	t := &Task{
		Hash:          hash,
		Request:       req,
		job:           job,
		lastKeepAlive: m.opts.Now(),
	}
	m.tasks[hash] = t
	m.logger.Info("tasks.added", logpkg.TaskHash(hash), logpkg.Str("function", req.FunctionID), logpkg.Str("job_id", job.ID()))
	m.refreshLocked(ctx, t, true)
	return t
}

// FailSubmission publishes a terminal error for a request whose job could
// not be created.
func (m *Manager) FailSubmission(hash, functionID string, err error) {
	text := fmt.Sprintf("Unable to create job: %v", err)
	if errors.Is(err, jobs.ErrUnknownFunction) {
		text = "Unable to find task function: " + functionID
	}
	m.logger.Warn("tasks.submit_failed", logpkg.TaskHash(hash), logpkg.Str("function", functionID), logpkg.Err(err))
	if perr := m.pub.Publish(protocol.NewTaskStatusUpdate(hash, string(jobs.StatusError), text)); perr != nil {
		m.logger.Warn("tasks.publish_failed", logpkg.TaskHash(hash), logpkg.Err(perr))
	}
}

// KeepAlive refreshes hash's keepalive; unknown hashes are ignored.
func (m *Manager) KeepAlive(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[hash]; ok {
		t.lastKeepAlive = m.opts.Now()
	}
}

// Iterate polls every task once.
func (m *Manager) Iterate(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	for _, hash := range m.sortedHashesLocked() {
		t := m.tasks[hash]
		m.refreshLocked(ctx, t, false)
		if t.status.Terminal() {
			delete(m.tasks, hash)
			m.logger.Info("tasks.done", logpkg.TaskHash(hash), logpkg.Str("status", string(t.status)))
			continue
		}
		if idle := now.Sub(t.lastKeepAlive); idle > m.opts.KeepAliveTimeout {
			m.logger.Info("tasks.keepalive_timeout", logpkg.TaskHash(hash), logpkg.Dur("idle", idle))
			t.canceled = true
			t.job.Cancel()
			delete(m.tasks, hash)
		}
	}
}

// refreshLocked publishes the job's current status when it differs from the
// last published one, or always with force. Only a successful publish
// records the status, so a terminal task stays tracked until its final
// update goes out.
func (m *Manager) refreshLocked(ctx context.Context, t *Task, force bool) {
	observed := t.job.Status()
	if !force && observed == t.status {
		return
	}
	if m.publishLocked(ctx, t, observed) {
		t.status = observed
	}
}

// publishLocked sends a status update for t. For finished tasks the result
// is persisted first; a failure there skips the publish and returns false.
func (m *Manager) publishLocked(ctx context.Context, t *Task, status jobs.Status) bool {
	if t.canceled {
		return false
	}
	errText := ""
	switch status {
	case jobs.StatusError:
		_, err := t.job.Result()
		if err != nil {
			errText = err.Error()
		}
	case jobs.StatusFinished:
		if !t.persisted {
			now := m.opts.Now()
			if now.Before(t.nextPersist) {
				return false
			}
			if err := m.persistResult(ctx, t); err != nil {
				t.nextPersist = now.Add(m.opts.PersistRetry)
				m.logger.Warn("tasks.persist_failed", logpkg.TaskHash(t.Hash), logpkg.Dur("retry_in", m.opts.PersistRetry), logpkg.Err(err))
				return false
			}
			t.persisted = true
		}
	}
	if err := m.pub.Publish(protocol.NewTaskStatusUpdate(t.Hash, string(status), errText)); err != nil {
		m.logger.Warn("tasks.publish_failed", logpkg.TaskHash(t.Hash), logpkg.Err(err))
		return false
	}
	m.logger.Debug("tasks.status", logpkg.TaskHash(t.Hash), logpkg.Str("status", string(status)))
	return true
}

func (m *Manager) persistResult(ctx context.Context, t *Task) error {
	result, _ := t.job.Result()
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("serialize result: %w", err)
	}
	if _, err := m.objects.Put(ctx, objstore.TaskResultPath(t.Hash), data, objstore.PutOptions{}); err != nil {
		return fmt.Errorf("store result: %w", err)
	}
	return nil
}

func (m *Manager) sortedHashesLocked() []string {
	hashes := make([]string, 0, len(m.tasks))
	for h := range m.tasks {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	return hashes
}

// Has reports whether hash is tracked.
func (m *Manager) Has(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[hash]
	return ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Snapshot lists tracked tasks ordered by hash.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.tasks))
	for _, h := range m.sortedHashesLocked() {
		t := m.tasks[h]
		out = append(out, Info{Hash: h, FunctionID: t.Request.FunctionID, Status: string(t.job.Status()), LastKeepAlive: t.lastKeepAlive})
	}
	return out
}

// Close cancels every tracked task without publishing.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, t := range m.tasks {
		t.canceled = true
		t.job.Cancel()
		delete(m.tasks, h)
	}
}
