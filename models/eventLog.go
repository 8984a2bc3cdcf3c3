package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/talosprimes/platform_backend/config"
	"github.com/talosprimes/platform_backend/utils"
	"gorm.io/gorm"
)

type EventExecutionStatus string

const (
	EventStatusPending   EventExecutionStatus = "PENDING"
	EventStatusSucceeded EventExecutionStatus = "SUCCEEDED"
	EventStatusFailed    EventExecutionStatus = "FAILED"
)

// EventLog is the durable record of a business event and what came of trying to
// act on it. A row is written once at emission time (PENDING) and mutated at
// most once by the dispatcher to a terminal status. The dispatch path never
// deletes rows; retention is an ops housekeeping concern.
//
// Invariants:
// - workflow_triggered is true iff execution_status is terminal (SUCCEEDED/FAILED)
// - error_message is set iff execution_status = FAILED
type EventLog struct {
	ID         int    `gorm:"primary_key" json:"id"`
	TenantId   string `gorm:"size:64;not null;index;index:idx_event_tenant_created,priority:1" json:"tenant_id"`
	EventType  string `gorm:"size:100;not null;index" json:"event_type"`
	EntityType string `gorm:"size:100" json:"entity_type"`
	EntityId   string `gorm:"size:64" json:"entity_id"`
	// Payload shape is owned by each event type; the store passes it through untouched.
	Payload           []byte               `gorm:"type:blob" json:"payload"`
	ExecutionStatus   EventExecutionStatus `gorm:"size:20;not null;default:'PENDING';index" json:"execution_status"`
	WorkflowTriggered bool                 `gorm:"not null;default:false" json:"workflow_triggered"`
	WorkflowId        *string              `gorm:"size:255" json:"workflow_id"`
	ErrorMessage      *string              `gorm:"type:text" json:"error_message"`
	CorrelationId     string               `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt         time.Time            `gorm:"autoCreateTime;index:idx_event_tenant_created,priority:2" json:"created_at"`
	UpdatedAt         time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewEventLog builds a PENDING record for (tenant, eventType) about
// (entityType, entityId). The payload is marshalled as-is.
func NewEventLog(ctx context.Context, tenantId string, eventType string, entityType string, entityId string, payload map[string]any) (*EventLog, error) {
	if tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if eventType == "" {
		return nil, errors.New("event type is required")
	}
	var payloadInByte []byte
	var err error
	if payload != nil {
		payloadInByte, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &EventLog{
		TenantId:          tenantId,
		EventType:         eventType,
		EntityType:        entityType,
		EntityId:          entityId,
		Payload:           payloadInByte,
		ExecutionStatus:   EventStatusPending,
		WorkflowTriggered: false,
		CorrelationId:     correlationIdFromContextOrNew(ctx),
	}, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

func CreateEventLog(ctx context.Context, db *gorm.DB, rec *EventLog) error {
	return db.WithContext(ctx).Create(rec).Error
}

// MarkEventLogSucceeded transitions PENDING -> SUCCEEDED and records the
// workflow that was invoked. The status guard makes it a silent no-op when the
// record is already terminal or has been deleted concurrently: this runs on a
// background path with no caller waiting on it.
func MarkEventLogSucceeded(ctx context.Context, db *gorm.DB, id int, workflowId string) error {
	res := db.WithContext(ctx).Model(&EventLog{}).
		Where("id = ? AND execution_status = ?", id, EventStatusPending).
		Updates(map[string]interface{}{
			"execution_status":   EventStatusSucceeded,
			"workflow_triggered": true,
			"workflow_id":        &workflowId,
			"error_message":      nil,
		})
	return res.Error
}

// MarkEventLogFailed transitions PENDING -> FAILED with the error text.
// Same no-op semantics as MarkEventLogSucceeded.
func MarkEventLogFailed(ctx context.Context, db *gorm.DB, id int, message string, workflowId *string) error {
	if message == "" {
		message = "unknown error"
	}
	res := db.WithContext(ctx).Model(&EventLog{}).
		Where("id = ? AND execution_status = ?", id, EventStatusPending).
		Updates(map[string]interface{}{
			"execution_status":   EventStatusFailed,
			"workflow_triggered": true,
			"workflow_id":        workflowId,
			"error_message":      &message,
		})
	return res.Error
}

func GetEventLog(ctx context.Context, db *gorm.DB, id int) (*EventLog, error) {
	var result EventLog

	err := db.WithContext(ctx).First(&result, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &result, nil
}

// ListEventLogs is the operator read path (dashboards/log viewers): events of
// the context's tenant, newest first, optionally filtered by event type and
// execution status.
func ListEventLogs(ctx context.Context, eventType *string, status *EventExecutionStatus, limit int, offset int) ([]*EventLog, int64, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, 0, errors.New("tenant id is required")
	}
	if limit <= 0 || limit > 100 {
		limit = config.SearchLimit
	}
	if offset < 0 {
		offset = 0
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&EventLog{}).Where("tenant_id = ?", tenantId)
	if eventType != nil && *eventType != "" {
		dbCtx = dbCtx.Where("event_type = ?", *eventType)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("execution_status = ?", *status)
	}

	var total int64
	if err := dbCtx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var results []*EventLog
	err := dbCtx.Order("created_at DESC").Limit(limit).Offset(offset).Find(&results).Error
	if err != nil {
		return nil, 0, err
	}
	return results, total, nil
}
