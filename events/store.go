package events

import (
	"context"
	"encoding/json"

	"github.com/talosprimes/platform_backend/engine"
	"github.com/talosprimes/platform_backend/models"
	"gorm.io/gorm"
)

// EventStore is the slice of the event log the dispatcher needs. The gorm
// implementation is below; tests swap in fakes.
type EventStore interface {
	Create(ctx context.Context, rec *models.EventLog) error
	MarkSucceeded(ctx context.Context, id int, workflowId string) error
	MarkFailed(ctx context.Context, id int, message string, workflowId *string) error
}

// LinkResolver answers "which workflow, if any, runs for (tenant, eventType)?".
// A nil link with nil error means "none configured" and is a normal outcome.
type LinkResolver interface {
	Resolve(ctx context.Context, tenantId string, eventType string) (*models.WorkflowLink, error)
}

// WorkflowInvoker is the execution-bridge contract: fire-style trigger plus
// call-and-return. engine.Client satisfies it.
type WorkflowInvoker interface {
	TriggerWorkflow(ctx context.Context, req engine.TriggerRequest) (engine.TriggerResult, error)
	CallWorkflow(ctx context.Context, req engine.TriggerRequest) (json.RawMessage, error)
}

type DBEventStore struct {
	DB *gorm.DB
}

func (s *DBEventStore) Create(ctx context.Context, rec *models.EventLog) error {
	return models.CreateEventLog(ctx, s.DB, rec)
}

func (s *DBEventStore) MarkSucceeded(ctx context.Context, id int, workflowId string) error {
	return models.MarkEventLogSucceeded(ctx, s.DB, id, workflowId)
}

func (s *DBEventStore) MarkFailed(ctx context.Context, id int, message string, workflowId *string) error {
	return models.MarkEventLogFailed(ctx, s.DB, id, message, workflowId)
}

type DBLinkResolver struct {
	DB *gorm.DB
}

func (r *DBLinkResolver) Resolve(ctx context.Context, tenantId string, eventType string) (*models.WorkflowLink, error) {
	return models.ResolveWorkflowLink(ctx, r.DB, tenantId, eventType)
}
