package engine

import (
	"encoding/json"
	"time"
)

// TriggerRequest carries everything the engine needs to run one workflow for
// one tenant event. WorkflowId/WorkflowName come from the resolved link, not
// from the caller.
type TriggerRequest struct {
	TenantId      string
	EventType     string
	WorkflowId    string
	WorkflowName  string
	ModuleCode    string
	Payload       map[string]any
	CorrelationId string
}

// TriggerResult reports submission acknowledgment only. The engine runs the
// workflow's business logic after the webhook returns; completion is not
// tracked here.
type TriggerResult struct {
	Accepted    bool
	ExecutionId string
}

// triggerEnvelope is the webhook body. The engine's workflows key off "event";
// "metadata" identifies the resolved workflow for tracing.
type triggerEnvelope struct {
	Event     string         `json:"event"`
	TenantId  string         `json:"tenantId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  *envelopeMeta  `json:"metadata,omitempty"`
}

type envelopeMeta struct {
	WorkflowId   string `json:"workflowId"`
	WorkflowName string `json:"workflowName"`
	Module       string `json:"module,omitempty"`
}

// triggerAck is the best-effort parse of a webhook acknowledgment. Most
// workflows answer with an empty body; some echo an execution id.
type triggerAck struct {
	ExecutionId string          `json:"executionId"`
	Data        json.RawMessage `json:"data"`
}
