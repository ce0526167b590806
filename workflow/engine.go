package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/stepflow/backoff"
	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/logging"
	"github.com/songzhibin97/stepflow/middleware"
	"github.com/songzhibin97/stepflow/rules"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/types"
)

const (
	reasonRetriesExhausted = "retries exhausted"
	reasonStuck            = "stuck"
)

type request int

const (
	requestNone request = iota
	requestPause
	requestCancel
)

// run is the resident state of one workflow. Only the goroutine holding the
// execution (running with a matching gen) mutates step state; other callers
// read clones or leave a request.
type run struct {
	wf      types.Workflow
	running bool
	gen     uint64
	request request
	wake    chan struct{} // closed when a request arrives during execution
	mu      sync.RWMutex
}

// signalLocked records a request and interrupts any backoff sleep.
func (r *run) signalLocked(req request) {
	if req > r.request {
		r.request = req
	}
	if r.wake != nil {
		close(r.wake)
		r.wake = nil
	}
}

// releaseLocked ends execution gen, unless a newer execution already started.
func (r *run) releaseLocked(gen uint64) {
	if r.gen == gen {
		r.running = false
		if r.wake != nil {
			close(r.wake)
			r.wake = nil
		}
	}
}

// Engine creates workflows from templates and executes their step DAGs, one
// step at a time per workflow.
type Engine struct {
	templates *TemplateRegistry
	handlers  *HandlerRegistry
	store     storage.Store
	evaluator rules.Evaluator
	backoff   backoff.Strategy
	eventBus  *events.EventBus
	logger    *slog.Logger
	nextID    func() (string, error)
	invoke    middleware.Middleware

	policy            MissingHandlerPolicy
	middlewares       []middleware.Middleware
	busOptions        []events.EventBusOption
	stepTimeout       time.Duration
	defaultMaxRetries int
	maxConcurrency    int

	runs map[string]*run
	mu   sync.Mutex
}

// NewEngine creates an Engine. Without options it keeps workflows in memory,
// simulates unregistered handlers and backs off exponentially from one second.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		templates:         NewTemplateRegistry(),
		store:             storage.NewMemoryStorage(),
		evaluator:         rules.NewExprEvaluator(),
		backoff:           backoff.DefaultStrategy(),
		logger:            logging.Discard(),
		policy:            PolicySimulate,
		defaultMaxRetries: types.DefaultMaxRetries,
		runs:              make(map[string]*run),
	}
	WithMachineID(1)(e)
	for _, opt := range opts {
		opt(e)
	}

	if _, err := ParsePolicy(string(e.policy)); err != nil {
		return nil, err
	}
	if e.stepTimeout < 0 {
		return nil, errors.New("step timeout cannot be negative")
	}

	e.handlers = NewHandlerRegistry(e.policy)
	e.eventBus = events.NewEventBus(append([]events.EventBusOption{events.WithLogger(e.logger)}, e.busOptions...)...)

	chain := append([]middleware.Middleware{}, e.middlewares...)
	chain = append(chain, middleware.Timeout(e.logger), middleware.Recover(e.logger))
	e.invoke = middleware.Chain(chain...)
	return e, nil
}

// RegisterTemplate registers the factory for a workflow type.
func (e *Engine) RegisterTemplate(workflowType string, factory TemplateFactory) error {
	return e.templates.Register(workflowType, factory)
}

// RegisterHandler registers the handler steps refer to by name.
func (e *Engine) RegisterHandler(name string, handler StepHandler) error {
	return e.handlers.Register(name, handler)
}

// Templates returns the registered workflow types.
func (e *Engine) Templates() []string {
	return e.templates.Types()
}

// Handlers returns the registered handler names.
func (e *Engine) Handlers() []string {
	return e.handlers.Names()
}

// UnsubscribeEvent removes a handler added with SubscribeEvent and reports
// whether it was subscribed.
func (e *Engine) UnsubscribeEvent(eventType string, handler events.EventHandler) bool {
	return e.eventBus.Unsubscribe(eventType, handler)
}

// SubscribeEvent subscribes an event handler to a specific event type, or to
// every type with events.Wildcard.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// CreateWorkflow builds a workflow from the template registered for
// workflowType, persists it in pending state and returns its ID.
func (e *Engine) CreateWorkflow(ctx context.Context, workflowType, ownerID string, params map[string]interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wf, err := e.templates.Build(workflowType, ownerID, params)
	if err != nil {
		return "", err
	}
	id, err := e.nextID()
	if err != nil {
		return "", fmt.Errorf("failed to generate workflow ID: %w", err)
	}
	e.normalize(&wf, id, workflowType, ownerID)

	r := &run{wf: wf.Clone()}
	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	if err := e.persist(ctx, "create", wf); err != nil {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		return "", err
	}

	e.logger.Info("workflow created",
		slog.String("workflow_id", id),
		slog.String("type", workflowType),
		slog.String("owner_id", ownerID),
		slog.Int("steps", len(wf.Steps)),
	)
	e.publish(ctx, events.WorkflowCreated, id, "", map[string]interface{}{
		"type":     workflowType,
		"owner_id": ownerID,
	})
	return id, nil
}

// normalize resets whatever state a factory left on the DAG.
func (e *Engine) normalize(wf *types.Workflow, id, workflowType, ownerID string) {
	now := time.Now().UTC()
	wf.ID = id
	wf.Type = workflowType
	wf.OwnerID = ownerID
	if wf.Name == "" {
		wf.Name = workflowType
	}
	wf.Status = types.WorkflowPending
	wf.CreatedAt = now
	wf.UpdatedAt = now
	wf.StartedAt = nil
	wf.CompletedAt = nil
	wf.CurrentStep = ""
	wf.Context = make(map[string]interface{})
	wf.Error = ""

	for i := range wf.Steps {
		s := &wf.Steps[i]
		s.Status = types.StepPending
		s.RetryCount = 0
		s.StartedAt = nil
		s.CompletedAt = nil
		s.ErrorMessage = ""
		s.Outputs = nil
		if s.Inputs == nil {
			s.Inputs = make(map[string]interface{})
		}
		switch {
		case s.MaxRetries == 0:
			s.MaxRetries = e.defaultMaxRetries
		case s.MaxRetries < 0:
			s.MaxRetries = 0
		}
	}
}

// GetWorkflow returns a snapshot of the workflow.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.wf.Clone(), nil
	}
	return e.load(ctx, id)
}

// ListWorkflows returns the workflows of ownerID, or all when ownerID is
// empty, oldest first. Stores implementing storage.Lister are consulted;
// otherwise only workflows resident in this engine are listed.
func (e *Engine) ListWorkflows(ctx context.Context, ownerID string) ([]types.Workflow, error) {
	byID := make(map[string]types.Workflow)
	if lister, ok := e.store.(storage.Lister); ok {
		stored, err := lister.List(ctx, ownerID)
		if err != nil {
			return nil, &StoreError{Op: "list", Err: err}
		}
		for _, wf := range stored {
			byID[wf.ID] = wf
		}
	}

	e.mu.Lock()
	resident := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		resident = append(resident, r)
	}
	e.mu.Unlock()
	for _, r := range resident {
		r.mu.RLock()
		if ownerID == "" || r.wf.OwnerID == ownerID {
			byID[r.wf.ID] = r.wf.Clone()
		}
		r.mu.RUnlock()
	}

	out := make([]types.Workflow, 0, len(byID))
	for _, wf := range byID {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// load reads a workflow from the store, mapping a miss to UnknownWorkflowError.
func (e *Engine) load(ctx context.Context, id string) (types.Workflow, error) {
	wf, err := e.store.Load(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Workflow{}, &UnknownWorkflowError{ID: id, Err: err}
	} else if err != nil {
		return types.Workflow{}, &StoreError{Op: "load", WorkflowID: id, Err: err}
	}
	return wf, nil
}

// resolve returns the resident run for id, loading it from the store if needed.
func (e *Engine) resolve(ctx context.Context, id string) (*run, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		return r, nil
	}

	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok {
		return r, nil
	}
	r = &run{wf: wf}
	e.runs[id] = r
	return r, nil
}

// ClearFinished drops completed, failed and cancelled workflows from this
// engine and, when the store implements storage.Cleaner, from the store. It
// returns the number of resident workflows dropped.
func (e *Engine) ClearFinished(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	evicted := 0
	for id, r := range e.runs {
		r.mu.RLock()
		finished := !r.running && r.wf.Status.IsTerminal()
		r.mu.RUnlock()
		if finished {
			delete(e.runs, id)
			evicted++
		}
	}
	e.mu.Unlock()

	if cleaner, ok := e.store.(storage.Cleaner); ok {
		if err := cleaner.ClearFinished(ctx); err != nil {
			return evicted, &StoreError{Op: "clear_finished", Err: err}
		}
	}
	e.logger.Info("finished workflows cleared", slog.Int("resident", evicted))
	return evicted, nil
}

// CancelWorkflow cancels a workflow. Idle workflows are cancelled at once; a
// running one stops at its next loop boundary, after the step in flight has
// finished and been recorded.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	r, err := e.resolve(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.wf.Status.IsTerminal() {
		r.mu.Unlock()
		return ErrWorkflowFinished
	}
	if r.running {
		r.signalLocked(requestCancel)
		r.mu.Unlock()
		e.logger.Info("workflow cancellation requested", slog.String("workflow_id", id))
		return nil
	}
	prev := e.setStatusLocked(r, types.WorkflowCancelled)
	snapshot := r.wf.Clone()
	r.mu.Unlock()

	e.publishStatus(ctx, snapshot, prev)
	return e.persist(ctx, "cancel", snapshot)
}

// PauseWorkflow pauses a workflow. A running workflow pauses at its next loop
// boundary; ExecuteWorkflow resumes it.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) error {
	r, err := e.resolve(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.wf.Status.IsTerminal() {
		r.mu.Unlock()
		return ErrWorkflowFinished
	}
	if r.running {
		r.signalLocked(requestPause)
		r.mu.Unlock()
		return nil
	}
	if r.wf.Status == types.WorkflowPaused {
		r.mu.Unlock()
		return nil
	}
	prev := e.setStatusLocked(r, types.WorkflowPaused)
	snapshot := r.wf.Clone()
	r.mu.Unlock()

	e.publishStatus(ctx, snapshot, prev)
	return e.persist(ctx, "pause", snapshot)
}

// ExecuteWorkflow runs the workflow until no step is ready, then finalizes
// it. Steps run one at a time in declaration order among those whose
// dependencies have completed. It resumes paused or interrupted workflows.
//
// A workflow ending failed yields a *WorkflowFailedError alongside the
// summary. Store errors and ctx cancellation stop the loop with the workflow
// still in progress, so it can be executed again later.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string) (types.ExecutionSummary, error) {
	r, err := e.resolve(ctx, id)
	if err != nil {
		return types.ExecutionSummary{}, err
	}

	r.mu.Lock()
	if r.wf.Status.IsTerminal() {
		summary := r.wf.Summarize()
		r.mu.Unlock()
		return summary, ErrWorkflowFinished
	}
	if r.running {
		r.mu.Unlock()
		return types.ExecutionSummary{}, ErrWorkflowRunning
	}
	r.gen++
	gen := r.gen
	r.running = true
	r.wake = make(chan struct{})
	if r.request == requestPause {
		r.request = requestNone
	}

	now := time.Now().UTC()
	for i := range r.wf.Steps {
		s := &r.wf.Steps[i]
		// Left over from an interrupted execution.
		if s.Status == types.StepInProgress || s.Status == types.StepFailed {
			s.Status = types.StepPending
			s.StartedAt = nil
		}
	}
	if r.wf.StartedAt == nil {
		r.wf.StartedAt = &now
	}
	prev := e.setStatusLocked(r, types.WorkflowInProgress)
	snapshot := r.wf.Clone()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.releaseLocked(gen)
		r.mu.Unlock()
	}()

	e.logger.Info("workflow execution started",
		slog.String("workflow_id", id),
		slog.String("from", string(prev)),
	)
	if prev != types.WorkflowInProgress {
		e.publishStatus(ctx, snapshot, prev)
	}
	if err := e.persist(ctx, "start", snapshot); err != nil {
		return snapshot.Summarize(), err
	}
	return e.loop(ctx, r, gen)
}

// loop is the executor. Each iteration handles pending requests, cascades
// skips, picks the next ready step and runs it.
func (e *Engine) loop(ctx context.Context, r *run, gen uint64) (types.ExecutionSummary, error) {
	for {
		if err := ctx.Err(); err != nil {
			r.mu.RLock()
			summary := r.wf.Summarize()
			r.mu.RUnlock()
			return summary, err
		}

		r.mu.Lock()
		switch r.request {
		case requestCancel:
			return e.stopLocked(ctx, r, gen, types.WorkflowCancelled, "cancel")
		case requestPause:
			r.request = requestNone
			return e.stopLocked(ctx, r, gen, types.WorkflowPaused, "pause")
		}

		skipped := skipBlockedLocked(&r.wf)
		idx := nextReadyStep(&r.wf)
		if idx < 0 {
			if len(skipped) > 0 {
				e.publishSkipped(ctx, r.wf.ID, skipped, "dependency skipped")
			}
			return e.finalizeLocked(ctx, r, gen)
		}

		wfID := r.wf.ID
		step := r.wf.Steps[idx]
		env := types.CopyMap(r.wf.Context)
		if env == nil {
			env = make(map[string]interface{})
		}
		for k, v := range step.Inputs {
			env[k] = v
		}
		var snapshot types.Workflow
		if len(skipped) > 0 {
			snapshot = r.wf.Clone()
		}
		r.mu.Unlock()

		if len(skipped) > 0 {
			e.publishSkipped(ctx, wfID, skipped, "dependency skipped")
			if err := e.persist(ctx, "skip", snapshot); err != nil {
				return snapshot.Summarize(), err
			}
		}

		if err := e.runStep(ctx, r, idx, env); err != nil {
			r.mu.RLock()
			summary := r.wf.Summarize()
			r.mu.RUnlock()
			return summary, err
		}
	}
}

// runStep evaluates the step's condition, invokes its handler and records the
// result, backing off before returning when the step will be retried.
func (e *Engine) runStep(ctx context.Context, r *run, idx int, env map[string]interface{}) error {
	r.mu.RLock()
	step := r.wf.Steps[idx]
	wfID := r.wf.ID
	r.mu.RUnlock()

	var condErr error
	if step.Condition != "" {
		ok, err := e.evaluator.Evaluate(step.Condition, env)
		switch {
		case err != nil:
			condErr = fmt.Errorf("failed to evaluate condition: %w", err)
		case !ok:
			return e.skipStep(ctx, r, idx)
		}
	}

	started := time.Now().UTC()
	snapshot := e.mutate(r, func(wf *types.Workflow) {
		s := &wf.Steps[idx]
		s.Status = types.StepInProgress
		s.StartedAt = &started
		s.CompletedAt = nil
		s.ErrorMessage = ""
		wf.CurrentStep = s.ID
	})
	e.publish(ctx, events.StepStarted, wfID, step.ID, map[string]interface{}{
		"handler": step.HandlerName,
		"attempt": step.RetryCount + 1,
	})
	if err := e.persist(ctx, "step_start", snapshot); err != nil {
		return err
	}

	var (
		out map[string]interface{}
		err = condErr
	)
	if condErr == nil {
		out, err = e.invokeHandler(ctx, wfID, step, env)
	}
	if err != nil && ctx.Err() != nil {
		return e.interruptStep(r, idx, ctx.Err())
	}
	if err != nil {
		return e.recordFailure(ctx, r, idx, &StepExecutionError{
			WorkflowID: wfID,
			StepID:     step.ID,
			Handler:    step.HandlerName,
			Attempt:    step.RetryCount + 1,
			Err:        err,
		})
	}
	return e.recordSuccess(ctx, r, idx, out)
}

// interruptStep returns a step whose handler was cut short by ctx to pending
// without spending a retry. Nothing is persisted: the store still holds the
// step in progress, which the next execution resets.
func (e *Engine) interruptStep(r *run, idx int, cause error) error {
	snapshot := e.mutate(r, func(wf *types.Workflow) {
		s := &wf.Steps[idx]
		s.Status = types.StepPending
		s.StartedAt = nil
		wf.CurrentStep = ""
	})
	e.logger.Warn("step interrupted",
		slog.String("workflow_id", snapshot.ID),
		slog.String("step_id", snapshot.Steps[idx].ID),
		slog.String("error", cause.Error()),
	)
	return cause
}

func (e *Engine) invokeHandler(ctx context.Context, wfID string, step types.Step, env map[string]interface{}) (map[string]interface{}, error) {
	timeout := e.stepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	inv := &middleware.Invocation{
		WorkflowID: wfID,
		StepID:     step.ID,
		Handler:    step.HandlerName,
		Attempt:    step.RetryCount + 1,
		Timeout:    timeout,
		Inputs:     env,
	}
	return e.invoke(ctx, inv, func(ctx context.Context) (map[string]interface{}, error) {
		return e.handlers.Invoke(ctx, inv.Handler, inv.Inputs)
	})
}

func (e *Engine) skipStep(ctx context.Context, r *run, idx int) error {
	var stepID string
	snapshot := e.mutate(r, func(wf *types.Workflow) {
		s := &wf.Steps[idx]
		stepID = s.ID
		if s.CanTransition(types.StepSkipped) {
			now := time.Now().UTC()
			s.Status = types.StepSkipped
			s.CompletedAt = &now
		}
	})
	e.logger.Debug("step skipped",
		slog.String("workflow_id", snapshot.ID),
		slog.String("step_id", stepID),
	)
	e.publishSkipped(ctx, snapshot.ID, []string{stepID}, "condition false")
	return e.persist(ctx, "step_skip", snapshot)
}

func (e *Engine) recordSuccess(ctx context.Context, r *run, idx int, out map[string]interface{}) error {
	var stepID string
	snapshot := e.mutate(r, func(wf *types.Workflow) {
		s := &wf.Steps[idx]
		stepID = s.ID
		if !s.CanTransition(types.StepCompleted) {
			return
		}
		now := time.Now().UTC()
		s.Status = types.StepCompleted
		s.CompletedAt = &now
		s.Outputs = types.CopyMap(out)
		if wf.Context == nil {
			wf.Context = make(map[string]interface{})
		}
		for k, v := range out {
			wf.Context[k] = v
		}
	})

	e.logger.Debug("step completed",
		slog.String("workflow_id", snapshot.ID),
		slog.String("step_id", stepID),
	)
	e.publish(ctx, events.StepCompleted, snapshot.ID, stepID, map[string]interface{}{
		"outputs": types.CopyMap(out),
	})
	return e.persist(ctx, "step_complete", snapshot)
}

// recordFailure marks the step failed and either fails the workflow, when no
// retries remain, or schedules the retry after the backoff delay.
func (e *Engine) recordFailure(ctx context.Context, r *run, idx int, stepErr *StepExecutionError) error {
	var (
		retry bool
		prev  types.WorkflowStatus
	)
	r.mu.Lock()
	s := &r.wf.Steps[idx]
	s.Status = types.StepFailed
	s.ErrorMessage = stepErr.Err.Error()
	r.wf.UpdatedAt = time.Now().UTC()
	if s.CanTransition(types.StepPending) {
		retry = true
		s.RetryCount++
	} else {
		r.wf.Error = stepErr.Error()
		prev = e.setStatusLocked(r, types.WorkflowFailed)
	}
	retryCount, maxRetries := s.RetryCount, s.MaxRetries
	wake, interrupted := r.wake, r.request != requestNone
	snapshot := r.wf.Clone()
	r.mu.Unlock()

	e.logger.Warn("step failed",
		slog.String("workflow_id", stepErr.WorkflowID),
		slog.String("step_id", stepErr.StepID),
		slog.Int("attempt", stepErr.Attempt),
		slog.Bool("will_retry", retry),
		slog.String("error", stepErr.Err.Error()),
	)
	e.publish(ctx, events.StepFailed, stepErr.WorkflowID, stepErr.StepID, map[string]interface{}{
		"error":   stepErr.Err.Error(),
		"attempt": stepErr.Attempt,
	})

	if !retry {
		e.publishStatus(ctx, snapshot, prev)
		if err := e.persist(ctx, "fail", snapshot); err != nil {
			return err
		}
		return &WorkflowFailedError{
			WorkflowID: stepErr.WorkflowID,
			StepID:     stepErr.StepID,
			Reason:     reasonRetriesExhausted,
			Err:        stepErr,
		}
	}

	if err := e.persist(ctx, "step_fail", snapshot); err != nil {
		return err
	}

	delay := e.backoff.Delay(retryCount)
	e.publish(ctx, events.StepRetrying, stepErr.WorkflowID, stepErr.StepID, map[string]interface{}{
		"retry_count": retryCount,
		"max_retries": maxRetries,
		"delay":       delay.String(),
	})
	if !interrupted {
		sleep(ctx, wake, delay)
	}

	snapshot = e.mutate(r, func(wf *types.Workflow) {
		s := &wf.Steps[idx]
		s.Status = types.StepPending
		s.StartedAt = nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return e.persist(ctx, "step_retry", snapshot)
}

// stopLocked ends execution in the cancelled or paused state. r.mu must be
// held; it is released.
func (e *Engine) stopLocked(ctx context.Context, r *run, gen uint64, status types.WorkflowStatus, op string) (types.ExecutionSummary, error) {
	prev := e.setStatusLocked(r, status)
	snapshot := r.wf.Clone()
	r.releaseLocked(gen)
	r.mu.Unlock()

	e.logger.Info("workflow stopped",
		slog.String("workflow_id", snapshot.ID),
		slog.String("status", string(status)),
	)
	e.publishStatus(ctx, snapshot, prev)
	return snapshot.Summarize(), e.persist(ctx, op, snapshot)
}

// finalizeLocked completes the workflow when every step completed or was
// skipped, and fails it as stuck otherwise. r.mu must be held; it is released.
func (e *Engine) finalizeLocked(ctx context.Context, r *run, gen uint64) (types.ExecutionSummary, error) {
	var unfinished []string
	for _, s := range r.wf.Steps {
		if s.Status != types.StepCompleted && s.Status != types.StepSkipped {
			unfinished = append(unfinished, s.ID)
		}
	}

	var failErr error
	status := types.WorkflowCompleted
	if len(unfinished) > 0 {
		status = types.WorkflowFailed
		failErr = &WorkflowFailedError{
			WorkflowID: r.wf.ID,
			Reason:     reasonStuck,
			Err:        fmt.Errorf("%w: %v", ErrWorkflowStuck, unfinished),
		}
		r.wf.Error = failErr.Error()
	}
	prev := e.setStatusLocked(r, status)
	r.wf.CurrentStep = ""
	snapshot := r.wf.Clone()
	r.releaseLocked(gen)
	r.mu.Unlock()

	e.logger.Info("workflow finished",
		slog.String("workflow_id", snapshot.ID),
		slog.String("status", string(status)),
		slog.Int("completed_steps", snapshot.CountSteps(types.StepCompleted)),
	)
	e.publishStatus(ctx, snapshot, prev)
	if err := e.persist(ctx, "finish", snapshot); err != nil {
		return snapshot.Summarize(), err
	}
	return snapshot.Summarize(), failErr
}

// setStatusLocked moves the workflow to status and returns the previous one.
func (e *Engine) setStatusLocked(r *run, status types.WorkflowStatus) types.WorkflowStatus {
	prev := r.wf.Status
	now := time.Now().UTC()
	r.wf.Status = status
	r.wf.UpdatedAt = now
	if status.IsTerminal() {
		r.wf.CompletedAt = &now
	}
	return prev
}

// mutate applies fn under the run lock and returns a snapshot to persist.
func (e *Engine) mutate(r *run, fn func(wf *types.Workflow)) types.Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.wf)
	r.wf.UpdatedAt = time.Now().UTC()
	return r.wf.Clone()
}

func (e *Engine) persist(ctx context.Context, op string, wf types.Workflow) error {
	if err := e.store.Save(ctx, wf); err != nil {
		e.logger.Error("failed to persist workflow",
			slog.String("workflow_id", wf.ID),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return &StoreError{Op: op, WorkflowID: wf.ID, Err: err}
	}
	return nil
}

// nextReadyStep returns the index of the first pending step, in declaration
// order, whose dependencies have all completed, or -1.
func nextReadyStep(wf *types.Workflow) int {
	status := make(map[string]types.StepStatus, len(wf.Steps))
	for _, s := range wf.Steps {
		status[s.ID] = s.Status
	}
	for i, s := range wf.Steps {
		if s.Status != types.StepPending {
			continue
		}
		ready := true
		for _, dep := range s.Dependencies {
			if status[dep] != types.StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			return i
		}
	}
	return -1
}

// skipBlockedLocked skips pending steps that depend on a skipped step,
// transitively, and returns their IDs.
func skipBlockedLocked(wf *types.Workflow) []string {
	var skipped []string
	for changed := true; changed; {
		changed = false
		for i := range wf.Steps {
			s := &wf.Steps[i]
			if s.Status != types.StepPending {
				continue
			}
			for _, dep := range s.Dependencies {
				if d := wf.Step(dep); d != nil && d.Status == types.StepSkipped {
					now := time.Now().UTC()
					s.Status = types.StepSkipped
					s.CompletedAt = &now
					skipped = append(skipped, s.ID)
					changed = true
					break
				}
			}
		}
	}
	return skipped
}

// sleep waits for d, returning early when ctx is done or wake is closed.
func sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-wake:
	}
}

// ExecuteAll executes the given workflows concurrently, bounded by
// WithMaxConcurrency. Summaries are returned in the order of ids; errors of
// individual workflows are joined.
func (e *Engine) ExecuteAll(ctx context.Context, ids ...string) ([]types.ExecutionSummary, error) {
	summaries := make([]types.ExecutionSummary, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	if e.maxConcurrency > 0 {
		g.SetLimit(e.maxConcurrency)
	}
	for i, id := range ids {
		g.Go(func() error {
			summary, err := e.ExecuteWorkflow(ctx, id)
			summaries[i] = summary
			if err != nil {
				errs[i] = fmt.Errorf("workflow %s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return summaries, errors.Join(errs...)
}

func (e *Engine) publish(ctx context.Context, eventType, workflowID, stepID string, data map[string]interface{}) {
	err := e.eventBus.Publish(ctx, events.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		StepID:     stepID,
		Data:       data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("event dropped",
			slog.String("event", eventType),
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) publishStatus(ctx context.Context, wf types.Workflow, prev types.WorkflowStatus) {
	data := map[string]interface{}{
		"from": string(prev),
		"to":   string(wf.Status),
	}
	if wf.Error != "" {
		data["error"] = wf.Error
	}
	e.publish(ctx, events.WorkflowStatusChanged, wf.ID, "", data)
}

func (e *Engine) publishSkipped(ctx context.Context, workflowID string, stepIDs []string, reason string) {
	for _, id := range stepIDs {
		e.publish(ctx, events.StepSkipped, workflowID, id, map[string]interface{}{"reason": reason})
	}
}

// Stop gracefully stops the engine's event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
