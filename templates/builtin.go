// Package templates provides the built-in workflow templates and loads
// additional ones from YAML definitions.
package templates

import (
	"fmt"

	"github.com/songzhibin97/stepflow/types"
	"github.com/songzhibin97/stepflow/workflow"
)

// Built-in workflow types.
const (
	AppointmentBooking = "appointment_booking"
	DocumentIntake     = "document_intake"
	CoverageCheck      = "coverage_check"
)

// Registrar is implemented by *workflow.Engine.
type Registrar interface {
	RegisterTemplate(workflowType string, factory workflow.TemplateFactory) error
}

// Builtins returns the built-in factories keyed by workflow type.
func Builtins() map[string]workflow.TemplateFactory {
	return map[string]workflow.TemplateFactory{
		AppointmentBooking: workflow.TemplateFunc(appointmentBooking),
		DocumentIntake:     workflow.TemplateFunc(documentIntake),
		CoverageCheck:      workflow.TemplateFunc(coverageCheck),
	}
}

// RegisterBuiltins registers every built-in template with r.
func RegisterBuiltins(r Registrar) error {
	for name, factory := range Builtins() {
		if err := r.RegisterTemplate(name, factory); err != nil {
			return fmt.Errorf("failed to register template %s: %w", name, err)
		}
	}
	return nil
}

// pick copies the listed params, when present, into a new input map.
func pick(ownerID string, params map[string]interface{}, keys ...string) map[string]interface{} {
	in := map[string]interface{}{"owner_id": ownerID}
	for _, k := range keys {
		if v, ok := params[k]; ok {
			in[k] = v
		}
	}
	return in
}

func step(id, name, handler string, inputs map[string]interface{}, deps ...string) types.Step {
	s := types.NewStep(id, name, handler, deps...)
	s.Inputs = inputs
	s.MaxRetries = 0 // engine default
	return s
}

// appointmentBooking gathers the profile, then searches providers and verifies
// coverage independently before booking. Booking is not idempotent, so it is
// retried once at most.
func appointmentBooking(ownerID string, params map[string]interface{}) (types.Workflow, error) {
	book := step("book_appointment", "Book appointment", "book_appointment",
		pick(ownerID, params, "preferred_date", "preferred_time"),
		"search_providers", "verify_coverage")
	book.MaxRetries = 1

	return types.Workflow{
		Name:        "Appointment booking",
		Description: "Find a provider, confirm coverage and book an appointment",
		Steps: []types.Step{
			step("gather_profile", "Gather profile", "gather_profile", pick(ownerID, params)),
			step("search_providers", "Search providers", "search_providers",
				pick(ownerID, params, "specialty", "location", "radius_km"), "gather_profile"),
			step("verify_coverage", "Verify coverage", "verify_coverage",
				pick(ownerID, params, "insurance_id"), "gather_profile"),
			book,
			step("prepare_paperwork", "Prepare paperwork", "prepare_paperwork",
				pick(ownerID, params), "book_appointment"),
			step("schedule_followups", "Schedule follow-ups", "schedule_followups",
				pick(ownerID, params, "reminder_channel"), "book_appointment"),
		},
	}, nil
}

func documentIntake(ownerID string, params map[string]interface{}) (types.Workflow, error) {
	if _, ok := params["document_url"]; !ok {
		return types.Workflow{}, fmt.Errorf("document_intake requires the document_url param")
	}
	return types.Workflow{
		Name:        "Document intake",
		Description: "Ingest an uploaded document and file it",
		Steps: []types.Step{
			step("receive_document", "Receive document", "receive_document",
				pick(ownerID, params, "document_url")),
			step("classify_document", "Classify document", "classify_document",
				pick(ownerID, params), "receive_document"),
			step("extract_fields", "Extract fields", "extract_fields",
				pick(ownerID, params, "document_type"), "receive_document"),
			step("validate_fields", "Validate fields", "validate_fields",
				pick(ownerID, params), "extract_fields"),
			step("archive_document", "Archive document", "archive_document",
				pick(ownerID, params), "classify_document", "validate_fields"),
		},
	}, nil
}

func coverageCheck(ownerID string, params map[string]interface{}) (types.Workflow, error) {
	return types.Workflow{
		Name:        "Coverage check",
		Description: "Check a member's eligibility and estimate out-of-pocket cost",
		Steps: []types.Step{
			step("lookup_member", "Look up member", "lookup_member",
				pick(ownerID, params, "insurance_id")),
			step("check_eligibility", "Check eligibility", "check_eligibility",
				pick(ownerID, params, "service_code"), "lookup_member"),
			step("estimate_cost", "Estimate cost", "estimate_cost",
				pick(ownerID, params, "service_code"), "check_eligibility"),
		},
	}, nil
}
