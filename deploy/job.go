// Package deploy runs quick deployments (validate, create agent, deploy
// agent) in the background and tracks their progress in memory.
package deploy

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusStarting      Status = "starting"
	StatusCreatingAgent Status = "creating_agent"
	StatusDeploying     Status = "deploying"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether a job in this status can still be cancelled.
func (s Status) Active() bool {
	return s == StatusStarting || s == StatusCreatingAgent || s == StatusDeploying
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

const (
	StepValidate    = "validate"
	StepCreateAgent = "create_agent"
	StepDeployAgent = "deploy_agent"

	TypeQuick = "quick"

	cancelledByUser = "Cancelled by user"
)

var quickSteps = []string{StepValidate, StepCreateAgent, StepDeployAgent}

type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

type Result struct {
	EndpointName string `json:"endpoint_name"`
	ModelName    string `json:"model_name"`
	Message      string `json:"message"`
}

// Job is one deployment attempt. Values handed out by the Tracker are
// snapshots; the live record is only touched under the tracker lock.
type Job struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Type        string     `json:"type"`
	Steps       []Step     `json:"steps"`
	CurrentStep int        `json:"current_step"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Cancelled   bool       `json:"cancelled"`
	Error       string     `json:"error"`
	ErrorTrace  string     `json:"error_trace,omitempty"`
	Result      *Result    `json:"result"`
	// Method names the credential type the deployment authenticated with.
	Method string `json:"auth_method,omitempty"`
}

func newJob(id, method string, now time.Time) *Job {
	steps := make([]Step, len(quickSteps))
	for i, name := range quickSteps {
		steps[i] = Step{Name: name, Status: StepPending}
	}
	return &Job{
		ID:        id,
		Status:    StatusStarting,
		Type:      TypeQuick,
		Steps:     steps,
		StartedAt: now,
		Method:    method,
	}
}

// transitions lists the allowed next statuses. Terminal statuses have none.
var transitions = map[Status][]Status{
	StatusStarting:      {StatusCreatingAgent, StatusFailed, StatusCancelled},
	StatusCreatingAgent: {StatusDeploying, StatusFailed, StatusCancelled},
	StatusDeploying:     {StatusCompleted, StatusFailed, StatusCancelled},
}

// InvalidTransitionError is returned for a transition the state machine
// does not allow.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("deployment cannot move from %s to %s", e.From, e.To)
}

// transition moves the job to next. Terminal transitions stamp CompletedAt.
func (j *Job) transition(next Status, now time.Time) error {
	for _, allowed := range transitions[j.Status] {
		if allowed == next {
			j.Status = next
			if next.Terminal() {
				t := now
				j.CompletedAt = &t
			}
			return nil
		}
	}
	return &InvalidTransitionError{From: j.Status, To: next}
}

// enterStep completes the step in flight (if any) and marks step i running.
func (j *Job) enterStep(i int) {
	if i > 0 && j.Steps[i-1].Status == StepRunning {
		j.Steps[i-1].Status = StepCompleted
	}
	j.Steps[i].Status = StepRunning
	j.CurrentStep = i
}

// failStep marks the step in flight failed with reason.
func (j *Job) failStep(reason string) {
	if j.CurrentStep >= 0 && j.CurrentStep < len(j.Steps) {
		j.Steps[j.CurrentStep].Status = StepFailed
		j.Steps[j.CurrentStep].Error = reason
	}
}

func (j *Job) clone() Job {
	out := *j
	out.Steps = append([]Step(nil), j.Steps...)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	return out
}
