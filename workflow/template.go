package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/stepflow/types"
)

// TemplateFactory builds the step DAG for one workflow type. Build must be
// pure: the engine assigns IDs, normalizes state and persists the result.
// params parameterize step inputs only, never the topology.
type TemplateFactory interface {
	Build(ownerID string, params map[string]interface{}) (types.Workflow, error)
}

// TemplateFunc is a function adapter for TemplateFactory.
type TemplateFunc func(ownerID string, params map[string]interface{}) (types.Workflow, error)

// Build implements the TemplateFactory interface.
func (f TemplateFunc) Build(ownerID string, params map[string]interface{}) (types.Workflow, error) {
	return f(ownerID, params)
}

// TemplateRegistry maps workflow types to factories.
type TemplateRegistry struct {
	factories map[string]TemplateFactory
	mu        sync.RWMutex
}

// NewTemplateRegistry creates an empty registry.
func NewTemplateRegistry() *TemplateRegistry {
	return &TemplateRegistry{factories: make(map[string]TemplateFactory)}
}

// Register adds or replaces the factory for workflowType.
func (r *TemplateRegistry) Register(workflowType string, f TemplateFactory) error {
	if workflowType == "" || f == nil {
		return errors.New("workflow type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[workflowType] = f
	return nil
}

// Lookup returns the factory registered for workflowType.
func (r *TemplateRegistry) Lookup(workflowType string) (TemplateFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[workflowType]
	return f, ok
}

// Types returns the registered workflow types in sorted order.
func (r *TemplateRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build runs the factory for workflowType and validates the resulting DAG.
func (r *TemplateRegistry) Build(workflowType, ownerID string, params map[string]interface{}) (types.Workflow, error) {
	f, ok := r.Lookup(workflowType)
	if !ok {
		return types.Workflow{}, &UnknownTemplateError{Type: workflowType}
	}
	wf, err := f.Build(ownerID, types.CopyMap(params))
	if err != nil {
		return types.Workflow{}, fmt.Errorf("failed to build workflow %q: %w", workflowType, err)
	}
	if err := ValidateDAG(workflowType, wf.Steps); err != nil {
		return types.Workflow{}, err
	}
	return wf, nil
}

// ValidateDAG checks that steps exist, have unique non-empty IDs and handler
// names, depend only on known steps, and contain no cycle.
func ValidateDAG(workflowType string, steps []types.Step) error {
	var problems []string
	if len(steps) == 0 {
		problems = append(problems, "workflow has no steps")
	}

	ids := make(map[string]bool, len(steps))
	for i, s := range steps {
		switch {
		case s.ID == "":
			problems = append(problems, fmt.Sprintf("step #%d has an empty ID", i))
		case ids[s.ID]:
			problems = append(problems, fmt.Sprintf("duplicate step ID %q", s.ID))
		}
		if s.HandlerName == "" {
			problems = append(problems, fmt.Sprintf("step %q has no handler", s.ID))
		}
		ids[s.ID] = true
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				problems = append(problems, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep))
			} else if dep == s.ID {
				problems = append(problems, fmt.Sprintf("step %q depends on itself", s.ID))
			}
		}
	}
	if len(problems) == 0 {
		if cyclic := findCycle(steps); len(cyclic) > 0 {
			problems = append(problems, fmt.Sprintf("dependency cycle through steps %v", cyclic))
		}
	}

	if len(problems) > 0 {
		return &InvalidDAGError{Type: workflowType, Problems: problems}
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the steps left unordered,
// which are exactly those on or behind a cycle.
func findCycle(steps []types.Step) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	var remaining []string
	for _, s := range steps {
		if indegree[s.ID] > 0 {
			remaining = append(remaining, s.ID)
		}
	}
	return remaining
}
