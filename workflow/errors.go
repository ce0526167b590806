package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Standard error definitions
var (
	ErrUnknownTemplate      = errors.New("unknown workflow template")
	ErrUnknownWorkflow      = errors.New("unknown workflow")
	ErrWorkflowRunning      = errors.New("workflow is already executing")
	ErrWorkflowFinished     = errors.New("workflow has already finished")
	ErrWorkflowStuck        = errors.New("workflow has steps that can never run")
	ErrHandlerNotRegistered = errors.New("handler not registered")
	ErrInvalidDAG           = errors.New("invalid workflow DAG")
)

// UnknownTemplateError is returned by CreateWorkflow for unregistered workflow types.
type UnknownTemplateError struct {
	Type string
}

func (e *UnknownTemplateError) Error() string {
	return fmt.Sprintf("unknown workflow template %q", e.Type)
}

func (e *UnknownTemplateError) Is(target error) bool { return target == ErrUnknownTemplate }

// UnknownWorkflowError is returned when an ID is neither resident nor in the store.
type UnknownWorkflowError struct {
	ID  string
	Err error // the store's lookup error
}

func (e *UnknownWorkflowError) Error() string {
	return fmt.Sprintf("unknown workflow %q", e.ID)
}

func (e *UnknownWorkflowError) Is(target error) bool { return target == ErrUnknownWorkflow }
func (e *UnknownWorkflowError) Unwrap() error        { return e.Err }

// StepExecutionError describes one failed attempt of a step. It is recorded on
// the step and carried in events; ExecuteWorkflow only returns it wrapped in a
// WorkflowFailedError once the step's retries are exhausted.
type StepExecutionError struct {
	WorkflowID string
	StepID     string
	Handler    string
	Attempt    int
	Err        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s (handler %s) attempt %d: %v", e.StepID, e.Handler, e.Attempt, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// WorkflowFailedError is returned by ExecuteWorkflow when the workflow ends failed.
type WorkflowFailedError struct {
	WorkflowID string
	StepID     string // empty when the workflow got stuck
	Reason     string
	Err        error
}

func (e *WorkflowFailedError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("workflow %s failed: %s: %v", e.WorkflowID, e.Reason, e.Err)
	}
	return fmt.Sprintf("workflow %s failed at step %s: %s: %v", e.WorkflowID, e.StepID, e.Reason, e.Err)
}

func (e *WorkflowFailedError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure. It stops the executor loop.
type StoreError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *StoreError) Error() string {
	if e.WorkflowID == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// InvalidDAGError reports a template whose steps do not form a valid DAG.
type InvalidDAGError struct {
	Type     string
	Problems []string
}

func (e *InvalidDAGError) Error() string {
	return fmt.Sprintf("invalid DAG for workflow template %q: %s", e.Type, strings.Join(e.Problems, "; "))
}

func (e *InvalidDAGError) Is(target error) bool { return target == ErrInvalidDAG }
