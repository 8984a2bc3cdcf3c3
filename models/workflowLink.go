package models

import (
	"context"
	"errors"

	"time"

	"github.com/talosprimes/platform_backend/config"
	"github.com/talosprimes/platform_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WorkflowLinkStatus string

const (
	WorkflowLinkStatusActive   WorkflowLinkStatus = "ACTIVE"
	WorkflowLinkStatusInactive WorkflowLinkStatus = "INACTIVE"
)

// WorkflowLink binds a tenant's event type to the external workflow that should
// run for it. At most one link exists per (tenant_id, event_type); provisioning
// goes through UpsertWorkflowLink so repeated setup runs update in place instead
// of piling up duplicates. The dispatch path only ever reads links.
type WorkflowLink struct {
	ID           int                `gorm:"primary_key" json:"id"`
	TenantId     string             `gorm:"size:64;not null;uniqueIndex:uniq_workflow_link,priority:1" json:"tenant_id"`
	EventType    string             `gorm:"size:100;not null;uniqueIndex:uniq_workflow_link,priority:2" json:"event_type"`
	WorkflowId   string             `gorm:"size:255;not null" json:"workflow_id"`
	WorkflowName string             `gorm:"size:255" json:"workflow_name"`
	ModuleCode   string             `gorm:"size:100;index" json:"module_code"`
	Status       WorkflowLinkStatus `gorm:"size:20;not null;default:'ACTIVE';index" json:"status"`
	CreatedAt    time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func workflowLinkCacheKey(tenantId string, eventType string) string {
	return "WorkflowLink:" + tenantId + ":" + eventType
}

// ResolveWorkflowLink returns the ACTIVE link for (tenant, eventType), or
// (nil, nil) when none is configured. "Nothing subscribed" is a normal outcome
// and callers must not treat it as a lookup failure.
//
// Links are read-mostly from the dispatch path, so positive results are cached
// in Redis (best-effort: a cache error degrades to a DB read).
func ResolveWorkflowLink(ctx context.Context, db *gorm.DB, tenantId string, eventType string) (*WorkflowLink, error) {
	key := workflowLinkCacheKey(tenantId, eventType)

	var cached *WorkflowLink
	if exists, err := config.GetRedisObject(key, &cached); err == nil && exists && cached != nil {
		if cached.Status == WorkflowLinkStatusActive {
			return cached, nil
		}
	}

	var link WorkflowLink
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ? AND status = ?", tenantId, eventType, WorkflowLinkStatusActive).
		First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	_ = config.SetRedisObject(key, &link, utils.GetCacheLifespan())
	return &link, nil
}

type UpsertWorkflowLinkInput struct {
	EventType    string `json:"event_type" binding:"required,event_type"`
	WorkflowId   string `json:"workflow_id" binding:"required"`
	WorkflowName string `json:"workflow_name"`
	ModuleCode   string `json:"module_code"`
}

// UpsertWorkflowLink creates the link or, when the (tenant, eventType) pair
// already exists, updates the workflow reference in place and reactivates it.
// Safe to call repeatedly (setup tooling relies on this); concurrent upserts
// resolve to last-write-wins on the unique key.
func UpsertWorkflowLink(ctx context.Context, db *gorm.DB, tenantId string, input *UpsertWorkflowLinkInput) (*WorkflowLink, error) {
	if tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	link := WorkflowLink{
		TenantId:     tenantId,
		EventType:    input.EventType,
		WorkflowId:   input.WorkflowId,
		WorkflowName: input.WorkflowName,
		ModuleCode:   input.ModuleCode,
		Status:       WorkflowLinkStatusActive,
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "event_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"workflow_id", "workflow_name", "module_code", "status"}),
	}).Create(&link).Error
	if err != nil {
		return nil, err
	}

	// The dispatch path must see the new reference on its next resolve.
	_ = config.RemoveRedisKey(workflowLinkCacheKey(tenantId, input.EventType))

	// Re-read: on the update path MySQL does not report the surviving row's id.
	var result WorkflowLink
	err = db.WithContext(ctx).
		Where("tenant_id = ? AND event_type = ?", tenantId, input.EventType).
		First(&result).Error
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeactivateWorkflowLink turns a link off without deleting it, so the event
// type degrades to "logged, nothing subscribed".
func DeactivateWorkflowLink(ctx context.Context, db *gorm.DB, tenantId string, eventType string) error {
	res := db.WithContext(ctx).Model(&WorkflowLink{}).
		Where("tenant_id = ? AND event_type = ?", tenantId, eventType).
		Update("status", WorkflowLinkStatusInactive)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return config.RemoveRedisKey(workflowLinkCacheKey(tenantId, eventType))
}

// ListWorkflowLinks lists the context tenant's links, active ones first.
func ListWorkflowLinks(ctx context.Context, activeOnly bool) ([]*WorkflowLink, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if activeOnly {
		dbCtx = dbCtx.Where("status = ?", WorkflowLinkStatusActive)
	}

	var results []*WorkflowLink
	err := dbCtx.Order("status ASC").Order("event_type ASC").Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
