package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/dao-ai-builder/agentlib"
	"github.com/PipeOpsHQ/dao-ai-builder/appconfig"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/logging"
	"github.com/PipeOpsHQ/dao-ai-builder/observe"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
)

var (
	ErrNotFound   = errors.New("deployment not found")
	ErrQueueFull  = errors.New("deployment queue is full")
	ErrNotRunning = errors.New("deployment tracker is not running")
	errCancelled  = errors.New("deployment cancelled")
	errShutdown   = errors.New("server shutting down")
	ErrNoConfig   = errors.New("config is required")
)

const successMessage = "Deployment completed successfully"

// NotCancellableError is returned by Cancel for a job that already finished.
type NotCancellableError struct {
	Status Status
}

func (e *NotCancellableError) Error() string { return "Deployment cannot be cancelled" }

// Detail is the human-readable reason.
func (e *NotCancellableError) Detail() string { return fmt.Sprintf("Deployment is %s", e.Status) }

// Request is an accepted deployment: a raw config document plus the
// credentials selected for it.
type Request struct {
	Config map[string]any
	Auth   credential.DeployAuth
}

type task struct {
	job *Job
	req Request
}

// Tracker owns the job map and the worker pool that executes jobs.
type Tracker struct {
	lib       agentlib.Library
	logger    *slog.Logger
	sink      observe.Sink
	workers   int
	queueSize int
	now       func() time.Time

	mu   sync.Mutex
	jobs map[string]*Job

	queue   chan task
	runMu   sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

type Option func(*Tracker)

func WithWorkers(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logging.Or(logger) }
}

func WithSink(sink observe.Sink) Option {
	return func(t *Tracker) {
		if sink != nil {
			t.sink = sink
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(lib agentlib.Library, opts ...Option) *Tracker {
	t := &Tracker{
		lib:       lib,
		logger:    slog.Default(),
		sink:      observe.NoopSink{},
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      map[string]*Job{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.queue = make(chan task, t.queueSize)
	return t
}

// Start launches the worker pool. Workers exit when ctx is done or Stop is
// called.
func (t *Tracker) Start(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancel != nil {
		return fmt.Errorf("deployment tracker already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	for i := 0; i < t.workers; i++ {
		t.running.Add(1)
		go t.work(runCtx)
	}
	t.logger.Info("deployment workers started", "workers", t.workers, "queue", t.queueSize)
	return nil
}

// Stop cancels the workers and waits for them, or for ctx. Jobs still
// waiting in the queue are marked failed.
func (t *Tracker) Stop(ctx context.Context) error {
	t.runMu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	t.drain()
	done := make(chan struct{})
	go func() {
		t.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) work(ctx context.Context) {
	defer t.running.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tk := <-t.queue:
			if ctx.Err() != nil {
				t.abandon(tk.job)
				continue
			}
			t.run(ctx, tk)
		}
	}
}

func (t *Tracker) drain() {
	for {
		select {
		case tk := <-t.queue:
			t.abandon(tk.job)
		default:
			return
		}
	}
}

// abandon fails a job that never reached a worker.
func (t *Tracker) abandon(job *Job) {
	t.fail(job, errShutdown, "")
	t.logger.Warn("deployment abandoned", "job_id", job.ID, "error", errShutdown)
	t.emit(observe.Event{Kind: observe.KindDeployment, Status: observe.StatusFailed, JobID: job.ID, Error: errShutdown.Error()})
}

// Submit records a new job in "starting" and queues it. It returns the
// job's initial snapshot without waiting for any step.
func (t *Tracker) Submit(req Request) (Job, error) {
	if len(req.Config) == 0 {
		return Job{}, ErrNoConfig
	}
	t.runMu.Lock()
	started := t.cancel != nil
	t.runMu.Unlock()
	if !started {
		return Job{}, ErrNotRunning
	}

	t.mu.Lock()
	id := t.newID()
	job := newJob(id, req.Auth.Method, t.now())
	select {
	case t.queue <- task{job: job, req: req}:
	default:
		t.mu.Unlock()
		return Job{}, ErrQueueFull
	}
	t.jobs[id] = job
	snapshot := job.clone()
	t.mu.Unlock()

	t.logger.Info("deployment queued", "job_id", id, "auth_method", req.Auth.Method, "host", req.Auth.Host)
	return snapshot, nil
}

// newID returns an unused 8-character id. Callers hold t.mu.
func (t *Tracker) newID() string {
	for {
		id := uuid.NewString()[:8]
		if _, taken := t.jobs[id]; !taken {
			return id
		}
	}
}

// Status returns a consistent snapshot of one job.
func (t *Tracker) Status(id string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job.clone(), nil
}

// List returns snapshots of every job, newest first.
func (t *Tracker) List() []Job {
	t.mu.Lock()
	out := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		out = append(out, job.clone())
	}
	t.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Cancel stops a job at its next step boundary. The step in flight is marked
// failed right away; a job that already finished is left untouched.
func (t *Tracker) Cancel(id string) (Job, error) {
	t.mu.Lock()
	job, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return Job{}, ErrNotFound
	}
	if !job.Status.Active() {
		status := job.Status
		t.mu.Unlock()
		t.logger.Warn("cancel rejected", "job_id", id, "status", status)
		return Job{}, &NotCancellableError{Status: status}
	}
	if err := job.transition(StatusCancelled, t.now()); err != nil {
		t.mu.Unlock()
		return Job{}, err
	}
	job.Cancelled = true
	job.failStep(cancelledByUser)
	snapshot := job.clone()
	t.mu.Unlock()

	t.logger.Info("deployment cancelled", "job_id", id, "step", snapshot.Steps[snapshot.CurrentStep].Name)
	t.emit(observe.Event{Kind: observe.KindDeployment, Status: observe.StatusCancelled, JobID: id})
	return snapshot, nil
}

// advance enters step i and, when next is set, moves the job to next. It
// returns errCancelled if the job was cancelled meanwhile.
func (t *Tracker) advance(job *Job, i int, next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job.Cancelled {
		return errCancelled
	}
	if next != "" && next != job.Status {
		if err := job.transition(next, t.now()); err != nil {
			return err
		}
	}
	job.enterStep(i)
	return nil
}

func (t *Tracker) complete(job *Job, result Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job.Cancelled {
		return errCancelled
	}
	if err := job.transition(StatusCompleted, t.now()); err != nil {
		return err
	}
	job.Steps[job.CurrentStep].Status = StepCompleted
	job.Result = &result
	return nil
}

func (t *Tracker) fail(job *Job, err error, trace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if job.Status.Terminal() {
		return
	}
	if terr := job.transition(StatusFailed, t.now()); terr != nil {
		t.logger.Error("could not mark deployment failed", "job_id", job.ID, "error", terr)
		return
	}
	job.Error = err.Error()
	job.ErrorTrace = trace
	job.failStep(err.Error())
}

func (t *Tracker) run(ctx context.Context, tk task) {
	job := tk.job
	started := t.now()
	t.emit(observe.Event{Kind: observe.KindDeployment, Status: observe.StatusStarted, JobID: job.ID, Attributes: map[string]any{"auth_method": job.Method}})
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("deployment panicked: %v", r)
			t.fail(job, err, string(debug.Stack()))
			t.logger.Error("deployment failed", "job_id", job.ID, "error", err)
			t.emit(observe.Event{Kind: observe.KindDeployment, Status: observe.StatusFailed, JobID: job.ID, Error: err.Error()})
		}
	}()

	result, err := t.execute(ctx, job, tk.req)
	duration := t.now().Sub(started).Milliseconds()
	switch {
	case errors.Is(err, errCancelled):
		t.logger.Info("deployment stopped after cancellation", "job_id", job.ID)
	case err != nil:
		t.fail(job, err, logging.ErrorTrace(err))
		t.logger.Error("deployment failed", "job_id", job.ID, "error", err)
		t.emit(observe.Event{Kind: observe.KindDeployment, Status: observe.StatusFailed, JobID: job.ID, Error: err.Error(), DurationMs: duration})
	default:
		t.logger.Info("deployment completed", "job_id", job.ID, "endpoint", result.EndpointName, "model", result.ModelName)
		t.emit(observe.Event{Kind: observe.KindDeployment, Status: observe.StatusCompleted, JobID: job.ID, Endpoint: result.EndpointName, DurationMs: duration})
	}
}

func (t *Tracker) execute(ctx context.Context, job *Job, req Request) (Result, error) {
	if err := t.advance(job, 0, ""); err != nil {
		return Result{}, err
	}
	cfg, err := step(t, job, StepValidate, func() (*appconfig.AppConfig, error) {
		return loadConfig(req.Config)
	})
	if err != nil {
		return Result{}, err
	}
	creds := agentlib.Credentials{
		Host:        req.Auth.Host,
		Tokens:      req.Auth.TokenSource(ctx),
		Environment: cfg.LocalEnvironment(),
	}

	if err := t.advance(job, 1, StatusCreatingAgent); err != nil {
		return Result{}, err
	}
	model, err := step(t, job, StepCreateAgent, func() (agentlib.AgentModel, error) {
		return t.lib.CreateAgent(ctx, cfg, creds)
	})
	if err != nil {
		return Result{}, err
	}

	if err := t.advance(job, 2, StatusDeploying); err != nil {
		return Result{}, err
	}
	dep, err := step(t, job, StepDeployAgent, func() (agentlib.Deployment, error) {
		return t.lib.DeployAgent(ctx, cfg, creds, model)
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{
		EndpointName: dep.EndpointName,
		ModelName:    cfg.App.RegisteredModel.FullName(),
		Message:      successMessage,
	}
	if result.EndpointName == "" {
		result.EndpointName = cfg.App.EndpointOrName()
	}
	return result, t.complete(job, result)
}

// step runs fn outside the lock and reports it to the sink.
func step[T any](t *Tracker, job *Job, name string, fn func() (T, error)) (T, error) {
	started := t.now()
	t.emit(observe.Event{Kind: observe.KindStep, Status: observe.StatusStarted, JobID: job.ID, Step: name})
	out, err := fn()
	ev := observe.Event{Kind: observe.KindStep, Status: observe.StatusCompleted, JobID: job.ID, Step: name, DurationMs: t.now().Sub(started).Milliseconds()}
	if err != nil {
		ev.Status = observe.StatusFailed
		ev.Error = err.Error()
	}
	t.emit(ev)
	return out, err
}

func loadConfig(doc map[string]any) (*appconfig.AppConfig, error) {
	cfg, err := appconfig.FromMap(doc)
	if err != nil {
		return nil, err
	}
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.App.RegisteredModel == nil || cfg.App.RegisteredModel.Name == "" {
		return nil, errors.New("app.registered_model is required for deployment")
	}
	return cfg, nil
}

func (t *Tracker) emit(ev observe.Event) {
	ev.Normalize()
	if err := t.sink.Emit(context.Background(), ev); err != nil {
		t.logger.Debug("observe sink failed", "error", err)
	}
}
