package templates

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/stepflow/types"
	"github.com/songzhibin97/stepflow/workflow"
)

const referralYAML = `
type: referral
name: Specialist referral
description: Refer a patient to a specialist
params:
  specialty:
    required: true
  urgency:
    default: routine
steps:
  - id: review
    name: Review chart
    handler: review_chart
    inputs:
      patient: $owner
      specialty: $params.specialty
  - id: refer
    handler: send_referral
    depends_on: [review]
    timeout: 30s
    max_retries: 0
    condition: approved == true
    inputs:
      details:
        urgency: $params.urgency
        tags: [$params.specialty, fixed]
  - id: notify
    handler: notify_patient
    depends_on: [refer]
    max_retries: 2
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(referralYAML))
	require.NoError(t, err)
	assert.Equal(t, "referral", def.Type)
	assert.Equal(t, "Specialist referral", def.Name)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, 30*time.Second, def.Steps[1].Timeout)
	assert.Equal(t, []string{"review"}, def.Steps[1].DependsOn)
	assert.True(t, def.Params["specialty"].Required)
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"Empty", "  \n", "empty"},
		{"Malformed", "type: [", "decode definition"},
		{"NoType", "steps:\n  - id: a\n    handler: h\n", "no type"},
		{"NoSteps", "type: x\n", "no steps"},
		{"Cycle", "type: x\nsteps:\n  - {id: a, handler: h, depends_on: [b]}\n  - {id: b, handler: h, depends_on: [a]}\n", "cycle"},
		{"UnknownDep", "type: x\nsteps:\n  - {id: a, handler: h, depends_on: [zz]}\n", "zz"},
		{
			"UndeclaredParam",
			"type: x\nparams:\n  a: {}\nsteps:\n  - id: s\n    handler: h\n    inputs: {v: $params.b}\n",
			"undeclared param \"b\"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseDefinition_InvalidDAGIsTyped(t *testing.T) {
	_, err := ParseDefinition([]byte("type: x\nsteps:\n  - {id: a, handler: ''}\n"))
	assert.ErrorIs(t, err, workflow.ErrInvalidDAG)
}

func TestDefinition_Build(t *testing.T) {
	def, err := ParseDefinition([]byte(referralYAML))
	require.NoError(t, err)

	wf, err := def.Build("patient-3", map[string]interface{}{"specialty": "neurology", "extra": 1})
	require.NoError(t, err)
	require.Len(t, wf.Steps, 3)

	review := wf.Step("review")
	assert.Equal(t, "patient-3", review.Inputs["patient"])
	assert.Equal(t, "neurology", review.Inputs["specialty"])
	assert.Equal(t, 0, review.MaxRetries)

	refer := wf.Step("refer")
	assert.Equal(t, "refer", refer.Name)
	assert.Equal(t, -1, refer.MaxRetries)
	assert.Equal(t, "approved == true", refer.Condition)
	assert.Equal(t, 30*time.Second, refer.Timeout)
	details := refer.Inputs["details"].(map[string]interface{})
	assert.Equal(t, "routine", details["urgency"])
	assert.Equal(t, []interface{}{"neurology", "fixed"}, details["tags"])

	assert.Equal(t, 2, wf.Step("notify").MaxRetries)

	_, err = def.Build("patient-3", nil)
	assert.ErrorContains(t, err, `missing required param "specialty"`)
}

func TestDefinition_BuildDoesNotShareInputs(t *testing.T) {
	def, err := ParseDefinition([]byte(referralYAML))
	require.NoError(t, err)

	first, err := def.Build("a", map[string]interface{}{"specialty": "x"})
	require.NoError(t, err)
	first.Steps[1].Inputs["details"].(map[string]interface{})["urgency"] = "stat"

	second, err := def.Build("b", map[string]interface{}{"specialty": "x"})
	require.NoError(t, err)
	assert.Equal(t, "routine", second.Steps[1].Inputs["details"].(map[string]interface{})["urgency"])
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.yml", "type: second\nsteps:\n  - {id: a, handler: h}\n")
	writeFile(t, dir, "a.yaml", "type: first\nsteps:\n  - {id: a, handler: h}\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.yaml"), 0o700))

	defs, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "first", defs[0].Type)
	assert.Equal(t, "second", defs[1].Type)
}

func TestLoadDir_Errors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "type: dup\nsteps:\n  - {id: a, handler: h}\n")
	writeFile(t, dir, "b.yaml", "type: dup\nsteps:\n  - {id: a, handler: h}\n")
	_, err = LoadDir(dir)
	assert.ErrorContains(t, err, "defined in both a.yaml and b.yaml")

	bad := t.TempDir()
	writeFile(t, bad, "broken.yaml", "type: x\n")
	_, err = LoadDir(bad)
	assert.ErrorContains(t, err, "broken.yaml")
}

func TestRegisterDir_Executes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "referral.yaml", referralYAML)

	e := newEngine(t, workflow.WithMissingHandlerPolicy(workflow.PolicyFail))
	registered, err := RegisterDir(e, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"referral"}, registered)

	var referred []map[string]interface{}
	require.NoError(t, e.RegisterHandler("review_chart", workflow.HandlerFunc(
		func(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"approved": in["specialty"] == "neurology"}, nil
		})))
	require.NoError(t, e.RegisterHandler("send_referral", workflow.HandlerFunc(
		func(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
			referred = append(referred, in)
			return map[string]interface{}{"referral_id": "R-1"}, nil
		})))
	require.NoError(t, e.RegisterHandler("notify_patient", workflow.HandlerFunc(
		func(_ context.Context, _ map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"notified": true}, nil
		})))

	ctx := context.Background()
	id, err := e.CreateWorkflow(ctx, "referral", "patient-3", map[string]interface{}{"specialty": "neurology"})
	require.NoError(t, err)
	summary, err := e.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, summary.Status)
	assert.Equal(t, "R-1", summary.Output["referral_id"])
	require.Len(t, referred, 1)

	id, err = e.CreateWorkflow(ctx, "referral", "patient-4", map[string]interface{}{"specialty": "cardiology"})
	require.NoError(t, err)
	summary, err = e.ExecuteWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowCompleted, summary.Status)
	assert.Len(t, referred, 1)

	wf, err := e.GetWorkflow(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StepSkipped, wf.Step("refer").Status)
	assert.Equal(t, types.StepSkipped, wf.Step("notify").Status)
}
