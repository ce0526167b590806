package templates

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/stepflow/types"
	"github.com/songzhibin97/stepflow/workflow"
)

const (
	ownerPlaceholder  = "$owner"
	paramsPlaceholder = "$params."
)

// Definition is a workflow template declared in YAML. It implements
// workflow.TemplateFactory. String inputs equal to "$owner" or
// "$params.<key>" are replaced when a workflow is built.
type Definition struct {
	Type        string              `yaml:"type"`
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Params      map[string]ParamDef `yaml:"params"`
	Steps       []StepDefinition    `yaml:"steps"`
}

// ParamDef declares a template parameter.
type ParamDef struct {
	Required bool        `yaml:"required"`
	Default  interface{} `yaml:"default"`
}

// StepDefinition declares one step.
type StepDefinition struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Handler    string                 `yaml:"handler"`
	DependsOn  []string               `yaml:"depends_on"`
	Inputs     map[string]interface{} `yaml:"inputs"`
	Condition  string                 `yaml:"condition"`
	Timeout    time.Duration          `yaml:"timeout"`
	MaxRetries *int                   `yaml:"max_retries"` // unset means the engine default
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("templates: definition payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("templates: decode definition: %w", err)
	}
	if def.Type == "" {
		return nil, fmt.Errorf("templates: definition has no type")
	}
	if err := workflow.ValidateDAG(def.Type, def.steps("", nil)); err != nil {
		return nil, err
	}
	for _, s := range def.Steps {
		if err := checkPlaceholders(s.Inputs, def.Params); err != nil {
			return nil, fmt.Errorf("templates: %s step %s: %w", def.Type, s.ID, err)
		}
	}
	return &def, nil
}

// LoadFile loads a definition from path.
func LoadFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("templates: read %s: %w", path, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return nil, fmt.Errorf("templates: %s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, sorted by file name.
func LoadDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: read dir %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	defs := make([]*Definition, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		def, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[def.Type]; dup {
			return nil, fmt.Errorf("templates: type %q defined in both %s and %s", def.Type, prev, name)
		}
		seen[def.Type] = name
		defs = append(defs, def)
	}
	return defs, nil
}

// RegisterDir loads dir and registers each definition under its type.
func RegisterDir(r Registrar, dir string) ([]string, error) {
	defs, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	registered := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := r.RegisterTemplate(def.Type, def); err != nil {
			return registered, fmt.Errorf("failed to register template %s: %w", def.Type, err)
		}
		registered = append(registered, def.Type)
	}
	return registered, nil
}

// Build implements workflow.TemplateFactory.
func (d *Definition) Build(ownerID string, params map[string]interface{}) (types.Workflow, error) {
	resolved := make(map[string]interface{}, len(d.Params))
	for key, p := range d.Params {
		v, ok := params[key]
		switch {
		case ok:
			resolved[key] = v
		case p.Required:
			return types.Workflow{}, fmt.Errorf("missing required param %q", key)
		case p.Default != nil:
			resolved[key] = p.Default
		}
	}
	for key, v := range params {
		if _, declared := d.Params[key]; !declared {
			resolved[key] = v
		}
	}

	return types.Workflow{
		Name:        d.Name,
		Description: d.Description,
		Steps:       d.steps(ownerID, resolved),
	}, nil
}

func (d *Definition) steps(ownerID string, params map[string]interface{}) []types.Step {
	steps := make([]types.Step, len(d.Steps))
	for i, sd := range d.Steps {
		s := types.NewStep(sd.ID, sd.Name, sd.Handler, sd.DependsOn...)
		if s.Name == "" {
			s.Name = sd.ID
		}
		s.Condition = sd.Condition
		s.Timeout = sd.Timeout
		s.MaxRetries = 0
		if sd.MaxRetries != nil {
			s.MaxRetries = *sd.MaxRetries
			if s.MaxRetries == 0 {
				s.MaxRetries = -1 // explicit zero disables retries
			}
		}
		for k, v := range sd.Inputs {
			s.Inputs[k] = substitute(v, ownerID, params)
		}
		steps[i] = s
	}
	return steps
}

// substitute replaces placeholders in v, descending into maps and lists.
// Unset params resolve to nil.
func substitute(v interface{}, ownerID string, params map[string]interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if val == ownerPlaceholder {
			return ownerID
		}
		if key, ok := strings.CutPrefix(val, paramsPlaceholder); ok {
			return params[key]
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = substitute(item, ownerID, params)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = substitute(item, ownerID, params)
		}
		return out
	default:
		return v
	}
}

// checkPlaceholders rejects "$params.<key>" references to undeclared params
// when the definition declares any.
func checkPlaceholders(v interface{}, declared map[string]ParamDef) error {
	switch val := v.(type) {
	case string:
		if key, ok := strings.CutPrefix(val, paramsPlaceholder); ok && len(declared) > 0 {
			if _, found := declared[key]; !found {
				return fmt.Errorf("input references undeclared param %q", key)
			}
		}
	case map[string]interface{}:
		for _, item := range val {
			if err := checkPlaceholders(item, declared); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range val {
			if err := checkPlaceholders(item, declared); err != nil {
				return err
			}
		}
	}
	return nil
}
