package models

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/talosprimes/platform_backend/utils"
)

func workflowLinkColumns() []string {
	return []string{"id", "tenant_id", "event_type", "workflow_id", "workflow_name", "module_code", "status", "created_at", "updated_at"}
}

func TestResolveWorkflowLink_NoneConfigured(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM `workflow_links`").
		WillReturnRows(sqlmock.NewRows(workflowLinkColumns()))

	link, err := ResolveWorkflowLink(context.Background(), db, "tenant-1", "invoice_create")
	if err != nil {
		t.Fatalf("no link must not be an error, got %v", err)
	}
	if link != nil {
		t.Fatalf("expected nil link, got %+v", link)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestResolveWorkflowLink_ReturnsActiveLink(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM `workflow_links`").
		WillReturnRows(sqlmock.NewRows(workflowLinkColumns()).
			AddRow(3, "tenant-1", "invoice_create", "invoice_create", "Invoice - Create", "invoices", "ACTIVE", now, now))

	link, err := ResolveWorkflowLink(context.Background(), db, "tenant-1", "invoice_create")
	if err != nil {
		t.Fatalf("ResolveWorkflowLink: %v", err)
	}
	if link == nil || link.WorkflowId != "invoice_create" || link.Status != WorkflowLinkStatusActive {
		t.Fatalf("unexpected link: %+v", link)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertWorkflowLink_CreateOrUpdateOnUniqueKey(t *testing.T) {
	db, mock := newMockDB(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `workflow_links` (.+) ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT (.+) FROM `workflow_links`").
		WillReturnRows(sqlmock.NewRows(workflowLinkColumns()).
			AddRow(3, "tenant-1", "invoice_create", "wf-v2", "Invoice - Create v2", "invoices", "ACTIVE", now, now))

	link, err := UpsertWorkflowLink(context.Background(), db, "tenant-1", &UpsertWorkflowLinkInput{
		EventType:    "invoice_create",
		WorkflowId:   "wf-v2",
		WorkflowName: "Invoice - Create v2",
		ModuleCode:   "invoices",
	})
	if err != nil {
		t.Fatalf("UpsertWorkflowLink: %v", err)
	}
	if link.ID != 3 {
		t.Fatalf("expected the surviving row's id, got %d", link.ID)
	}
	if link.WorkflowId != "wf-v2" {
		t.Fatalf("expected the updated workflow reference, got %s", link.WorkflowId)
	}
	if link.Status != WorkflowLinkStatusActive {
		t.Fatalf("upsert must reactivate the link, got %s", link.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpsertWorkflowLink_RequiresTenant(t *testing.T) {
	db, _ := newMockDB(t)
	_, err := UpsertWorkflowLink(context.Background(), db, "", &UpsertWorkflowLinkInput{
		EventType:  "invoice_create",
		WorkflowId: "wf-1",
	})
	if err == nil {
		t.Fatal("expected an error for missing tenant")
	}
}

func TestDeactivateWorkflowLink_MissingLink(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `workflow_links` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := DeactivateWorkflowLink(context.Background(), db, "tenant-1", "invoice_create")
	if err != utils.ErrorRecordNotFound {
		t.Fatalf("expected ErrorRecordNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDeactivateWorkflowLink_TurnsLinkOff(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `workflow_links` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := DeactivateWorkflowLink(context.Background(), db, "tenant-1", "invoice_create"); err != nil {
		t.Fatalf("DeactivateWorkflowLink: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
