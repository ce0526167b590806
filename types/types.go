package types

import "time"

// DefaultMaxRetries is applied to steps that do not declare their own retry budget.
const DefaultMaxRetries = 3

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "pending"
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowCompleted  WorkflowStatus = "completed"
	WorkflowFailed     WorkflowStatus = "failed"
	WorkflowPaused     WorkflowStatus = "paused"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// IsTerminal reports whether no further execution can happen for the status.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// Step is a unit of work inside a workflow DAG.
type Step struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	HandlerName  string                 `json:"handler_name"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Inputs       map[string]interface{} `json:"inputs,omitempty"`
	Outputs      map[string]interface{} `json:"outputs,omitempty"`
	Condition    string                 `json:"condition,omitempty"` // expr guard, empty means always run
	Timeout      time.Duration          `json:"timeout,omitempty"`
	Status       StepStatus             `json:"status"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	RetryCount   int                    `json:"retry_count"`
	MaxRetries   int                    `json:"max_retries"`
}

// NewStep returns a pending step with the default retry budget.
func NewStep(id, name, handler string, deps ...string) Step {
	return Step{
		ID:           id,
		Name:         name,
		HandlerName:  handler,
		Dependencies: deps,
		Inputs:       make(map[string]interface{}),
		Status:       StepPending,
		MaxRetries:   DefaultMaxRetries,
	}
}

// CanTransition reports whether moving the step to the given status is legal.
//
// Legal moves are pending -> in_progress -> completed|failed, failed -> pending
// while retries remain, and pending -> skipped.
func (s *Step) CanTransition(to StepStatus) bool {
	switch s.Status {
	case StepPending:
		return to == StepInProgress || to == StepSkipped
	case StepInProgress:
		return to == StepCompleted || to == StepFailed
	case StepFailed:
		return to == StepPending && s.RetryCount < s.MaxRetries
	default:
		return false
	}
}

// Workflow is an instance of a template's step DAG.
type Workflow struct {
	ID          string                 `json:"id"`
	OwnerID     string                 `json:"owner_id"`
	Type        string                 `json:"type"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Steps       []Step                 `json:"steps"`
	Status      WorkflowStatus         `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	CurrentStep string                 `json:"current_step,omitempty"`
	Context     map[string]interface{} `json:"context"`
	Error       string                 `json:"error,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (w *Workflow) Step(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// CountSteps returns how many steps are in the given status.
func (w *Workflow) CountSteps(status StepStatus) int {
	n := 0
	for _, s := range w.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Clone returns a copy that shares no maps, slices or time pointers with w.
// Map values themselves are copied shallowly.
func (w Workflow) Clone() Workflow {
	out := w
	out.StartedAt = cloneTime(w.StartedAt)
	out.CompletedAt = cloneTime(w.CompletedAt)
	out.Context = CopyMap(w.Context)
	if w.Steps != nil {
		out.Steps = make([]Step, len(w.Steps))
		for i, s := range w.Steps {
			out.Steps[i] = s.clone()
		}
	}
	return out
}

func (s Step) clone() Step {
	out := s
	if s.Dependencies != nil {
		out.Dependencies = append([]string(nil), s.Dependencies...)
	}
	out.Inputs = CopyMap(s.Inputs)
	out.Outputs = CopyMap(s.Outputs)
	out.StartedAt = cloneTime(s.StartedAt)
	out.CompletedAt = cloneTime(s.CompletedAt)
	return out
}

// CopyMap returns a shallow copy of m, preserving nil.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ExecutionSummary is what ExecuteWorkflow reports once the loop ends.
type ExecutionSummary struct {
	WorkflowID     string                 `json:"workflow_id"`
	Status         WorkflowStatus         `json:"status"`
	CompletedSteps int                    `json:"completed_steps"`
	TotalSteps     int                    `json:"total_steps"`
	Output         map[string]interface{} `json:"output"`
	Error          string                 `json:"error,omitempty"`
}

// Summarize builds an ExecutionSummary from the workflow's current state.
func (w *Workflow) Summarize() ExecutionSummary {
	return ExecutionSummary{
		WorkflowID:     w.ID,
		Status:         w.Status,
		CompletedSteps: w.CountSteps(StepCompleted),
		TotalSteps:     len(w.Steps),
		Output:         CopyMap(w.Context),
		Error:          w.Error,
	}
}
