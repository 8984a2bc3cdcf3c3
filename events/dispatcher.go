package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/talosprimes/platform_backend/config"
	"github.com/talosprimes/platform_backend/engine"
	"github.com/talosprimes/platform_backend/models"
	"github.com/talosprimes/platform_backend/utils"
	"gorm.io/gorm"
)

// EventDispatcher is the bridge between "event recorded" and "event acted
// upon". Emit persists the record and returns; the actual trigger runs on a
// bounded worker pool. Nothing in the dispatch path may ever reach the emitting
// request: panics are recovered per task, store failures are logged and
// swallowed, and the record's FAILED status is the only durable trace.
//
// No ordering is guaranteed between dispatches, even for the same tenant or
// entity. Each emitted event rides its own task.
type EventDispatcher struct {
	Logger *logrus.Logger
	Store  EventStore
	Links  LinkResolver
	Engine WorkflowInvoker

	Workers       int
	QueueSize     int
	InvokeTimeout time.Duration

	queue     chan dispatchTask
	startOnce sync.Once
	wg        sync.WaitGroup
}

type dispatchTask struct {
	ctx context.Context
	rec *models.EventLog
}

func NewEventDispatcher(db *gorm.DB, logger *logrus.Logger, invoker WorkflowInvoker) *EventDispatcher {
	return &EventDispatcher{
		Logger:        logger,
		Store:         &DBEventStore{DB: db},
		Links:         &DBLinkResolver{DB: db},
		Engine:        invoker,
		Workers:       4,
		QueueSize:     256,
		InvokeTimeout: invokeTimeoutFromEnv(),
	}
}

// DISPATCH_TIMEOUT_SECONDS bounds a single engine trigger (default 30).
func invokeTimeoutFromEnv() time.Duration {
	if v := strings.TrimSpace(os.Getenv("DISPATCH_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 30 * time.Second
}

// Start launches the worker pool. Tasks in flight stop being picked up once
// ctx is cancelled; Emit keeps working (it spills to ad-hoc goroutines).
func (d *EventDispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		if d.Workers <= 0 {
			d.Workers = 4
		}
		if d.QueueSize <= 0 {
			d.QueueSize = 256
		}
		d.queue = make(chan dispatchTask, d.QueueSize)
		for i := 0; i < d.Workers; i++ {
			d.wg.Add(1)
			go d.worker(ctx)
		}
	})
}

// Wait blocks until every worker has exited, including its shutdown drain.
func (d *EventDispatcher) Wait() {
	d.wg.Wait()
}

func (d *EventDispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Emit already accepted these; finish them instead of leaving
			// records PENDING with no trace.
			for {
				select {
				case task := <-d.queue:
					d.dispatch(task.ctx, task.rec)
				default:
					return
				}
			}
		case task := <-d.queue:
			d.dispatch(task.ctx, task.rec)
		}
	}
}

// Emit durably records a business event and schedules its dispatch. It returns
// before any engine call is made and never surfaces an error: if the insert
// itself fails, emission degrades to a logged no-op so the business operation
// that triggered it still succeeds.
func (d *EventDispatcher) Emit(ctx context.Context, tenantId string, eventType string, entityType string, entityId string, payload map[string]any) *models.EventLog {
	rec, err := models.NewEventLog(ctx, tenantId, eventType, entityType, entityId, payload)
	if err != nil {
		config.LogError(d.Logger, "events", "Emit", "build event log", eventType, err)
		return nil
	}
	if err := d.Store.Create(ctx, rec); err != nil {
		config.LogError(d.Logger, "events", "Emit", "create event log", eventType, err)
		return nil
	}

	// Detach from the request: context values (tenant scope, correlation id)
	// survive, request cancellation does not.
	bgCtx := context.WithoutCancel(ctx)
	select {
	case d.queue <- dispatchTask{ctx: bgCtx, rec: rec}:
	default:
		// Pool not started or queue full: spill to a fresh goroutine rather
		// than blocking the request path.
		go d.dispatch(bgCtx, rec)
	}
	return rec
}

func (d *EventDispatcher) dispatch(ctx context.Context, rec *models.EventLog) {
	defer func() {
		if r := recover(); r != nil {
			d.markFailed(ctx, rec, fmt.Sprintf("panic during dispatch: %v", r), nil)
		}
	}()

	link, err := d.Links.Resolve(ctx, rec.TenantId, rec.EventType)
	if err != nil {
		d.markFailed(ctx, rec, "resolve workflow link: "+err.Error(), nil)
		return
	}
	if link == nil {
		// Event logged, nothing subscribed. The record stays PENDING on
		// purpose: there is no default-handler fallback.
		d.Logger.WithFields(logrus.Fields{
			"field":      "EventDispatcher",
			"tenant_id":  rec.TenantId,
			"event_type": rec.EventType,
			"event_id":   rec.ID,
		}).Debug("no active workflow link; event left pending")
		return
	}

	var payload map[string]any
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &payload); err != nil {
			d.markFailed(ctx, rec, "decode payload: "+err.Error(), &link.WorkflowId)
			return
		}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, d.InvokeTimeout)
	defer cancel()
	result, err := d.Engine.TriggerWorkflow(invokeCtx, engine.TriggerRequest{
		TenantId:      rec.TenantId,
		EventType:     rec.EventType,
		WorkflowId:    link.WorkflowId,
		WorkflowName:  link.WorkflowName,
		ModuleCode:    link.ModuleCode,
		Payload:       payload,
		CorrelationId: rec.CorrelationId,
	})
	if err != nil {
		// Timeouts and ambiguous answers land here too; both surface as
		// FAILED with the error text, reconciliation is an operator concern.
		d.markFailed(ctx, rec, err.Error(), &link.WorkflowId)
		return
	}
	if !result.Accepted {
		d.markFailed(ctx, rec, "workflow engine rejected the trigger", &link.WorkflowId)
		return
	}

	if err := d.Store.MarkSucceeded(ctx, rec.ID, link.WorkflowId); err != nil {
		// Stale PENDING status is acceptable; operators reconcile from logs.
		config.LogError(d.Logger, "events", "dispatch", "mark event succeeded", rec.ID, err)
		return
	}
	d.Logger.WithFields(logrus.Fields{
		"field":         "EventDispatcher",
		"tenant_id":     rec.TenantId,
		"event_type":    rec.EventType,
		"event_id":      rec.ID,
		"workflow_id":   link.WorkflowId,
		"workflow_name": link.WorkflowName,
	}).Info("workflow triggered")
}

func (d *EventDispatcher) markFailed(ctx context.Context, rec *models.EventLog, message string, workflowId *string) {
	d.Logger.WithFields(logrus.Fields{
		"field":      "EventDispatcher",
		"tenant_id":  rec.TenantId,
		"event_type": rec.EventType,
		"event_id":   rec.ID,
	}).Error("event dispatch failed: " + message)

	if err := d.Store.MarkFailed(ctx, rec.ID, message, workflowId); err != nil {
		config.LogError(d.Logger, "events", "markFailed", "update event status", rec.ID, err)
	}
}

// CallAndReturn resolves the tenant's workflow for eventType and waits for its
// answer. Read-style views use this; no event log row is written and "no link"
// is an error here because the caller needs a response.
func (d *EventDispatcher) CallAndReturn(ctx context.Context, tenantId string, eventType string, payload map[string]any) (json.RawMessage, error) {
	link, err := d.Links.Resolve(ctx, tenantId, eventType)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("no active workflow configured for %s", eventType)
	}

	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	callCtx, cancel := context.WithTimeout(ctx, d.InvokeTimeout)
	defer cancel()
	return d.Engine.CallWorkflow(callCtx, engine.TriggerRequest{
		TenantId:      tenantId,
		EventType:     eventType,
		WorkflowId:    link.WorkflowId,
		WorkflowName:  link.WorkflowName,
		ModuleCode:    link.ModuleCode,
		Payload:       payload,
		CorrelationId: correlationId,
	})
}
