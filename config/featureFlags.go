package config

import (
	"os"
	"strings"
)

// UseWorkflowViews enables routing read-style views (lists/detail pages) through
// the workflow engine instead of local SQL.
//
// Set via env:
// - WORKFLOW_VIEWS_ENABLED=true
func UseWorkflowViews() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("WORKFLOW_VIEWS_ENABLED")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// UseWorkflowCommandsFor enables incremental migration of mutation flows to
// engine workflows, one event type at a time.
//
// Set via env:
// - WORKFLOW_COMMANDS_EVENTS="invoice_update,client_update,devis_convert_to_invoice"
//
// Event keys are case-insensitive.
func UseWorkflowCommandsFor(eventType string) bool {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" {
		return false
	}
	raw := os.Getenv("WORKFLOW_COMMANDS_EVENTS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == eventType {
			return true
		}
	}
	return false
}
