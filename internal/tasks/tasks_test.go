package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rzbill/relay/internal/jobs"
	"github.com/rzbill/relay/internal/objstore"
	"github.com/rzbill/relay/internal/protocol"
	logpkg "github.com/rzbill/relay/pkg/log"
)

type fakeJob struct {
	status   jobs.Status
	result   any
	err      error
	canceled bool
}

func (j *fakeJob) ID() string           { return "job-1" }
func (j *fakeJob) Status() jobs.Status  { return j.status }
func (j *fakeJob) Result() (any, error) { return j.result, j.err }
func (j *fakeJob) Cancel()              { j.canceled = true }

type recorder struct {
	msgs []protocol.TaskStatusUpdate
	fail error
}

func (r *recorder) Publish(msg any) error {
	if r.fail != nil {
		return r.fail
	}
	r.msgs = append(r.msgs, msg.(protocol.TaskStatusUpdate))
	return nil
}

func (r *recorder) statuses() []string {
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Status
	}
	return out
}

type fakeSubmitter struct {
	jobs  map[string]*fakeJob
	calls int
	err   error
}

func (s *fakeSubmitter) Submit(functionID string, kwargs map[string]any) (jobs.Job, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	j := &fakeJob{status: jobs.StatusQueued}
	if s.jobs == nil {
		s.jobs = map[string]*fakeJob{}
	}
	s.jobs[functionID] = j
	return j, nil
}

type harness struct {
	m       *Manager
	pub     *recorder
	objects *objstore.Memory
	submit  *fakeSubmitter
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{pub: &recorder{}, objects: objstore.NewMemory(), submit: &fakeSubmitter{}, now: time.Unix(5000, 0)}
	h.m = NewManagerWithLogger(h.pub, h.objects, h.submit, Options{
		KeepAliveTimeout: 180 * time.Second,
		Now:              func() time.Time { return h.now },
	}, logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})))
	return h
}

func equal(a, b []string) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func TestLifecycleToFinished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &fakeJob{status: jobs.StatusQueued}
	h.m.AddTask(ctx, "abcdef123", protocol.TaskRequest{FunctionID: "return_42"}, job)

	job.status = jobs.StatusRunning
	h.m.Iterate(ctx)
	h.m.Iterate(ctx)
	job.status = jobs.StatusFinished
	job.result = map[string]any{"answer": 42}
	h.m.Iterate(ctx)

	if want := []string{"queued", "running", "finished"}; !equal(h.pub.statuses(), want) {
		t.Fatalf("statuses=%v want %v", h.pub.statuses(), want)
	}
	if h.m.Len() != 0 {
		t.Fatalf("finished task should be removed")
	}
	b, err := h.objects.Get(ctx, "task_results/ab/cd/ef/abcdef123")
	if err != nil {
		t.Fatalf("result not stored: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(b, &got); err != nil || got["answer"] != 42 {
		t.Fatalf("stored result %s", b)
	}
}

func TestAddTaskIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := &fakeJob{status: jobs.StatusRunning}
	second := &fakeJob{status: jobs.StatusQueued}
	t1 := h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, first)
	t2 := h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, second)
	if t1 != t2 || h.m.Len() != 1 {
		t.Fatalf("duplicate task tracked")
	}
	if want := []string{"running", "running"}; !equal(h.pub.statuses(), want) {
		t.Fatalf("statuses=%v", h.pub.statuses())
	}
}

func TestInitiateDeduplicatesSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := protocol.TaskRequest{FunctionID: "return_42", Kwargs: map[string]any{"delay": 0}}
	h.m.Initiate(ctx, "h1", req)
	h.m.Initiate(ctx, "h1", req)
	if h.submit.calls != 1 {
		t.Fatalf("expected one job submission, got %d", h.submit.calls)
	}
	if len(h.pub.msgs) != 2 {
		t.Fatalf("expected status republished, got %d msgs", len(h.pub.msgs))
	}
}

func TestInitiateSubmissionFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"unknown function", fmt.Errorf("%w: nope", jobs.ErrUnknownFunction), "Unable to find task function: nope"},
		{"queue full", jobs.ErrQueueFull, "Unable to create job: jobs: queue is full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.submit.err = tt.err
			h.m.Initiate(context.Background(), "h1", protocol.TaskRequest{FunctionID: "nope"})
			if h.m.Len() != 0 {
				t.Fatalf("failed submission must not be tracked")
			}
			if len(h.pub.msgs) != 1 || h.pub.msgs[0].Status != "error" || h.pub.msgs[0].Error != tt.want {
				t.Fatalf("unexpected publish %+v", h.pub.msgs)
			}
		})
	}
}

func TestErrorStatusCarriesDescription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &fakeJob{status: jobs.StatusRunning}
	h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, job)
	job.status = jobs.StatusError
	job.err = errors.New("division by zero")
	h.m.Iterate(ctx)
	last := h.pub.msgs[len(h.pub.msgs)-1]
	if last.Status != "error" || last.Error != "division by zero" {
		t.Fatalf("unexpected %+v", last)
	}
	if h.m.Len() != 0 {
		t.Fatalf("errored task should be removed")
	}
}

func TestPersistFailureKeepsTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &fakeJob{status: jobs.StatusRunning}
	h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, job)

	job.status = jobs.StatusFinished
	job.result = "ok"
	h.objects.SetFailPuts(errors.New("bucket unavailable"))
	h.m.Iterate(ctx)
	if h.m.Len() != 1 {
		t.Fatalf("task must stay tracked after a failed persist")
	}
	if len(h.pub.msgs) != 1 {
		t.Fatalf("finished must not be published before the result is stored")
	}

	h.objects.SetFailPuts(nil)
	h.now = h.now.Add(5 * time.Second)
	h.m.Iterate(ctx)
	if h.m.Len() != 0 || h.pub.msgs[len(h.pub.msgs)-1].Status != "finished" {
		t.Fatalf("retry should publish finished and remove the task")
	}
}

func TestPersistRetryIsThrottled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &fakeJob{status: jobs.StatusRunning}
	h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, job)

	job.status = jobs.StatusFinished
	job.result = "ok"
	h.objects.SetFailPuts(errors.New("bucket unavailable"))
	for i := 0; i < 10; i++ {
		h.m.Iterate(ctx)
		h.now = h.now.Add(100 * time.Millisecond)
	}
	if n := h.objects.PutAttempts(); n != 1 {
		t.Fatalf("expected one write attempt within the retry interval, got %d", n)
	}

	h.now = h.now.Add(4 * time.Second)
	h.m.Iterate(ctx)
	if n := h.objects.PutAttempts(); n != 2 {
		t.Fatalf("expected a second attempt after the retry interval, got %d", n)
	}
	if h.m.Len() != 1 {
		t.Fatalf("task must stay tracked while the result cannot be stored")
	}
}

func TestResultIsStoredOnceWhenPublishFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &fakeJob{status: jobs.StatusRunning}
	h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, job)

	job.status = jobs.StatusFinished
	job.result = "ok"
	h.pub.fail = errors.New("not registered")
	h.m.Iterate(ctx)
	h.m.Iterate(ctx)
	h.pub.fail = nil
	h.m.Iterate(ctx)
	if n := h.objects.PutAttempts(); n != 1 {
		t.Fatalf("result should be written once, got %d attempts", n)
	}
	if h.m.Len() != 0 {
		t.Fatalf("task should be removed after the finished publish")
	}
}

func TestUnserializableResultIsNotPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &fakeJob{status: jobs.StatusFinished, result: make(chan int)}
	h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, job)
	h.m.Iterate(ctx)
	if len(h.pub.msgs) != 0 {
		t.Fatalf("unexpected publish %+v", h.pub.msgs)
	}
	if h.m.Len() != 1 {
		t.Fatalf("task should remain tracked")
	}
}

func TestKeepAliveTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := &fakeJob{status: jobs.StatusRunning}
	h.m.AddTask(ctx, "h1", protocol.TaskRequest{}, job)

	h.now = h.now.Add(170 * time.Second)
	h.m.KeepAlive("h1")
	h.m.KeepAlive("unknown")
	h.now = h.now.Add(170 * time.Second)
	h.m.Iterate(ctx)
	if h.m.Len() != 1 {
		t.Fatalf("keepalive should have extended the task")
	}

	h.now = h.now.Add(11 * time.Second)
	h.m.Iterate(ctx)
	if h.m.Len() != 0 || !job.canceled {
		t.Fatalf("expected task cancelled and removed")
	}
	n := len(h.pub.msgs)
	job.status = jobs.StatusError
	h.m.Iterate(ctx)
	if len(h.pub.msgs) != n {
		t.Fatalf("no status may be published after timeout")
	}
}

func TestCloseCancelsWithoutPublishing(t *testing.T) {
	h := newHarness(t)
	job := &fakeJob{status: jobs.StatusRunning}
	h.m.AddTask(context.Background(), "h1", protocol.TaskRequest{}, job)
	n := len(h.pub.msgs)
	h.m.Close()
	if !job.canceled || h.m.Len() != 0 || len(h.pub.msgs) != n {
		t.Fatalf("close should cancel silently")
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.m.AddTask(ctx, "b", protocol.TaskRequest{FunctionID: "echo"}, &fakeJob{status: jobs.StatusQueued})
	h.m.AddTask(ctx, "a", protocol.TaskRequest{FunctionID: "echo"}, &fakeJob{status: jobs.StatusRunning})
	snap := h.m.Snapshot()
	if len(snap) != 2 || snap[0].Hash != "a" || snap[0].Status != "running" {
		t.Fatalf("snapshot %+v", snap)
	}
}
