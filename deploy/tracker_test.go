package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/PipeOpsHQ/dao-ai-builder/agentlib"
	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/observe"
)

type fakeLibrary struct {
	createGate chan struct{}
	createErr  error
	deployErr  error

	creates  atomic.Int32
	deploys  atomic.Int32
	mu       sync.Mutex
	lastHost string
	lastEnv  map[string]string
}

func (f *fakeLibrary) CreateAgent(ctx context.Context, cfg *appconfig.AppConfig, creds agentlib.Credentials) (agentlib.AgentModel, error) {
	f.creates.Add(1)
	f.mu.Lock()
	f.lastHost = creds.Host
	f.lastEnv = creds.Environment
	f.mu.Unlock()
	if f.createGate != nil {
		select {
		case <-f.createGate:
		case <-ctx.Done():
			return agentlib.AgentModel{}, ctx.Err()
		}
	}
	if f.createErr != nil {
		return agentlib.AgentModel{}, f.createErr
	}
	return agentlib.AgentModel{FullName: cfg.App.RegisteredModel.FullName(), Version: "1"}, nil
}

func (f *fakeLibrary) DeployAgent(_ context.Context, cfg *appconfig.AppConfig, _ agentlib.Credentials, _ agentlib.AgentModel) (agentlib.Deployment, error) {
	f.deploys.Add(1)
	if f.deployErr != nil {
		return agentlib.Deployment{}, f.deployErr
	}
	return agentlib.Deployment{EndpointName: cfg.App.EndpointOrName(), Created: true}, nil
}

func (f *fakeLibrary) NewResponsesAgent(context.Context, *appconfig.AppConfig, agentlib.Credentials) (agentlib.ResponsesAgent, error) {
	return nil, errors.New("not used")
}

func validConfig() map[string]any {
	return map[string]any{
		"app": map[string]any{
			"name":          "retail-bot",
			"endpoint_name": "retail-bot-endpoint",
			"registered_model": map[string]any{
				"name":   "retail_bot",
				"schema": map[string]any{"catalog_name": "main", "schema_name": "agents"},
			},
			"environment_vars": map[string]any{
				"LOG_LEVEL":   "INFO",
				"PG_PASSWORD": "{{secrets/retail/pg}}",
			},
		},
		"agents": map[string]any{"general": map[string]any{"name": "general"}},
	}
}

func testRequest() Request {
	return Request{
		Config: validConfig(),
		Auth:   credential.DeployAuth{Host: "https://ws.cloud.databricks.com", Token: "dapi-1", Method: "manual_pat"},
	}
}

func startTracker(t *testing.T, lib agentlib.Library, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	tr := NewTracker(lib, opts...)
	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Stop(ctx)
	})
	return tr
}

func waitFor(t *testing.T, tr *Tracker, id string, cond func(Job) bool) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := tr.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if cond(job) {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for job %s, last snapshot %+v", id, job)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func terminal(j Job) bool { return j.Status.Terminal() }

func stepStatuses(j Job) []StepStatus {
	out := make([]StepStatus, len(j.Steps))
	for i, s := range j.Steps {
		out[i] = s.Status
	}
	return out
}

func TestTrackerCompletesDeployment(t *testing.T) {
	lib := &fakeLibrary{}
	var events observe.Recorder
	tr := startTracker(t, lib, WithSink(&events))

	job, err := tr.Submit(testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != StatusStarting || len(job.ID) != 8 || job.Type != TypeQuick {
		t.Fatalf("unexpected initial job %+v", job)
	}

	done := waitFor(t, tr, job.ID, terminal)
	if done.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", done.Status, done.Error)
	}
	if diff := cmp.Diff([]StepStatus{StepCompleted, StepCompleted, StepCompleted}, stepStatuses(done)); diff != "" {
		t.Fatalf("step statuses (-want +got):\n%s", diff)
	}
	want := &Result{EndpointName: "retail-bot-endpoint", ModelName: "main.agents.retail_bot", Message: "Deployment completed successfully"}
	if diff := cmp.Diff(want, done.Result); diff != "" {
		t.Fatalf("result (-want +got):\n%s", diff)
	}
	if done.CompletedAt == nil || done.CurrentStep != 2 {
		t.Fatalf("expected completion stamp on last step: %+v", done)
	}

	lib.mu.Lock()
	defer lib.mu.Unlock()
	if lib.lastHost != "https://ws.cloud.databricks.com" {
		t.Fatalf("credentials host not passed through: %q", lib.lastHost)
	}
	if diff := cmp.Diff(map[string]string{"LOG_LEVEL": "INFO"}, lib.lastEnv); diff != "" {
		t.Fatalf("secret references must not reach local env (-want +got):\n%s", diff)
	}

	// The final event is emitted just after the status flips.
	var kinds []string
	deadline := time.Now().Add(2 * time.Second)
	for {
		kinds = kinds[:0]
		for _, ev := range events.Events() {
			kinds = append(kinds, fmt.Sprintf("%s/%s/%s", ev.Kind, ev.Step, ev.Status))
		}
		if len(kinds) == 8 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	wantEvents := []string{
		"deployment//started",
		"step/validate/started", "step/validate/completed",
		"step/create_agent/started", "step/create_agent/completed",
		"step/deploy_agent/started", "step/deploy_agent/completed",
		"deployment//completed",
	}
	if diff := cmp.Diff(wantEvents, kinds); diff != "" {
		t.Fatalf("event order (-want +got):\n%s", diff)
	}
}

func TestTrackerRecordsFailureOnCurrentStep(t *testing.T) {
	lib := &fakeLibrary{createErr: fmt.Errorf("register model: %w", errors.New("PERMISSION_DENIED"))}
	tr := startTracker(t, lib)

	job, err := tr.Submit(testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, tr, job.ID, terminal)
	if done.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Error != "register model: PERMISSION_DENIED" || done.ErrorTrace == "" {
		t.Fatalf("error not recorded: %q / %q", done.Error, done.ErrorTrace)
	}
	if diff := cmp.Diff([]StepStatus{StepCompleted, StepFailed, StepPending}, stepStatuses(done)); diff != "" {
		t.Fatalf("step statuses (-want +got):\n%s", diff)
	}
	if done.Steps[1].Error != done.Error {
		t.Fatalf("step error %q", done.Steps[1].Error)
	}
	if lib.deploys.Load() != 0 {
		t.Fatal("deploy must not run after a failed create")
	}
}

func TestTrackerFailsValidateStep(t *testing.T) {
	tr := startTracker(t, &fakeLibrary{})
	req := testRequest()
	req.Config = map[string]any{"app": map[string]any{"name": "x"}}

	job, err := tr.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, tr, job.ID, terminal)
	if done.Status != StatusFailed || done.Steps[0].Status != StepFailed {
		t.Fatalf("expected validate failure, got %+v", done)
	}
}

func TestCancelHonouredAtNextBoundary(t *testing.T) {
	lib := &fakeLibrary{createGate: make(chan struct{})}
	tr := startTracker(t, lib)

	job, err := tr.Submit(testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, tr, job.ID, func(j Job) bool { return j.Status == StatusCreatingAgent })

	cancelled, err := tr.Cancel(job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled || !cancelled.Cancelled {
		t.Fatalf("unexpected cancel snapshot %+v", cancelled)
	}
	if cancelled.Steps[1].Status != StepFailed || cancelled.Steps[1].Error != "Cancelled by user" {
		t.Fatalf("in-flight step not failed: %+v", cancelled.Steps[1])
	}

	// The create call is still in flight; let it finish.
	close(lib.createGate)
	deadline := time.Now().Add(2 * time.Second)
	for lib.creates.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	final, err := tr.Status(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("cancelled job must stay cancelled, got %s", final.Status)
	}
	if lib.deploys.Load() != 0 {
		t.Fatal("deploy step must not start after cancellation")
	}
	if diff := cmp.Diff(cancelled, final); diff != "" {
		t.Fatalf("job changed after cancellation (-want +got):\n%s", diff)
	}
}

func TestCancelAfterTerminalIsRejected(t *testing.T) {
	tr := startTracker(t, &fakeLibrary{})
	job, err := tr.Submit(testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	done := waitFor(t, tr, job.ID, terminal)

	_, err = tr.Cancel(job.ID)
	var nc *NotCancellableError
	if !errors.As(err, &nc) {
		t.Fatalf("expected NotCancellableError, got %v", err)
	}
	if nc.Error() != "Deployment cannot be cancelled" || nc.Detail() != "Deployment is completed" {
		t.Fatalf("unexpected messages %q %q", nc.Error(), nc.Detail())
	}
	after, _ := tr.Status(job.ID)
	if diff := cmp.Diff(done, after); diff != "" {
		t.Fatalf("rejected cancel mutated the job (-want +got):\n%s", diff)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	tr := startTracker(t, &fakeLibrary{})
	if _, err := tr.Cancel("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := tr.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSnapshotsStayConsistentUnderConcurrency(t *testing.T) {
	tr := startTracker(t, &fakeLibrary{}, WithWorkers(4))
	var ids []string
	for i := 0; i < 20; i++ {
		job, err := tr.Submit(testRequest())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, job.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = tr.Cancel(id)
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				job, err := tr.Status(id)
				if err != nil {
					t.Errorf("status: %v", err)
					return
				}
				checkConsistent(t, job)
			}
		}()
	}
	wg.Wait()
	for _, id := range ids {
		checkConsistent(t, waitFor(t, tr, id, terminal))
	}
}

func checkConsistent(t *testing.T, job Job) {
	t.Helper()
	if job.CurrentStep < 0 || job.CurrentStep >= len(job.Steps) {
		t.Errorf("job %s current_step %d out of range", job.ID, job.CurrentStep)
		return
	}
	for i, s := range job.Steps {
		if job.Status.Terminal() && s.Status == StepRunning {
			t.Errorf("job %s is %s while step %d is running", job.ID, job.Status, i)
		}
		if job.Status == StatusCompleted && s.Status != StepCompleted {
			t.Errorf("job %s completed with step %d %s", job.ID, i, s.Status)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	tr := startTracker(t, &fakeLibrary{}, withClock(clock))

	first, _ := tr.Submit(testRequest())
	second, _ := tr.Submit(testRequest())
	list := tr.List()
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first, got %v / %v", list[0].ID, list[1].ID)
	}
}

func TestSubmitPreconditions(t *testing.T) {
	tr := NewTracker(&fakeLibrary{}, WithLogger(logging.Nop()))
	if _, err := tr.Submit(testRequest()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if _, err := tr.Submit(Request{}); !errors.Is(err, ErrNoConfig) {
		t.Fatalf("expected ErrNoConfig, got %v", err)
	}
}

func TestTransitionGuard(t *testing.T) {
	now := time.Now()
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusStarting, StatusCreatingAgent, true},
		{StatusStarting, StatusDeploying, false},
		{StatusCreatingAgent, StatusCancelled, true},
		{StatusDeploying, StatusCompleted, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusFailed, false},
	}
	for _, tt := range tests {
		job := newJob("abcd1234", "", now)
		job.Status = tt.from
		err := job.transition(tt.to, now)
		if (err == nil) != tt.ok {
			t.Errorf("%s -> %s: err=%v, want ok=%v", tt.from, tt.to, err, tt.ok)
		}
		if !tt.ok && job.Status != tt.from {
			t.Errorf("%s -> %s: rejected transition changed status to %s", tt.from, tt.to, job.Status)
		}
	}
}

func TestStopFailsQueuedJobs(t *testing.T) {
	lib := &fakeLibrary{createGate: make(chan struct{})}
	var events observe.Recorder
	tr := startTracker(t, lib, WithWorkers(1), WithSink(&events))

	first, err := tr.Submit(testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, tr, first.ID, func(j Job) bool { return j.Status == StatusCreatingAgent })
	queued, err := tr.Submit(testRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := tr.Status(queued.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != StatusFailed || got.Error != "server shutting down" {
		t.Fatalf("queued job = %s %q, want failed with shutdown error", got.Status, got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatal("queued job has no completion time")
	}
	want := []StepStatus{StepFailed, StepPending, StepPending}
	if diff := cmp.Diff(want, stepStatuses(got)); diff != "" {
		t.Fatalf("steps (-want +got):\n%s", diff)
	}
	if inflight, _ := tr.Status(first.ID); !inflight.Status.Terminal() {
		t.Fatalf("in-flight job left %s after stop", inflight.Status)
	}
	if n := lib.creates.Load(); n != 1 {
		t.Fatalf("CreateAgent called %d times, want 1", n)
	}
}
