package models

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/talosprimes/platform_backend/utils"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQL-level tests run against sqlmock: they pin down the UPDATE guard that
// makes status marking idempotent without needing a MySQL instance.

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return db, mock
}

func TestNewEventLog_Defaults(t *testing.T) {
	rec, err := NewEventLog(context.Background(), "tenant-1", "invoice_create", "invoice", "inv-1", map[string]any{"total": 10})
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	if rec.ExecutionStatus != EventStatusPending {
		t.Fatalf("expected PENDING, got %s", rec.ExecutionStatus)
	}
	if rec.WorkflowTriggered {
		t.Fatal("workflow_triggered must start false")
	}
	if rec.CorrelationId == "" {
		t.Fatal("expected a generated correlation id")
	}
	if string(rec.Payload) != `{"total":10}` {
		t.Fatalf("unexpected payload: %s", rec.Payload)
	}
}

func TestNewEventLog_Validation(t *testing.T) {
	if _, err := NewEventLog(context.Background(), "", "invoice_create", "", "", nil); err == nil {
		t.Fatal("expected an error for missing tenant")
	}
	if _, err := NewEventLog(context.Background(), "tenant-1", "", "", "", nil); err == nil {
		t.Fatal("expected an error for missing event type")
	}
}

func TestNewEventLog_KeepsContextCorrelationId(t *testing.T) {
	ctx := utils.SetCorrelationIdInContext(context.Background(), "corr-9")
	rec, err := NewEventLog(ctx, "tenant-1", "invoice_create", "", "", nil)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	if rec.CorrelationId != "corr-9" {
		t.Fatalf("expected corr-9, got %s", rec.CorrelationId)
	}
}

func TestCreateEventLog_AssignsId(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `event_logs`").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	rec, err := NewEventLog(context.Background(), "tenant-1", "invoice_create", "invoice", "inv-1", nil)
	if err != nil {
		t.Fatalf("NewEventLog: %v", err)
	}
	if err := CreateEventLog(context.Background(), db, rec); err != nil {
		t.Fatalf("CreateEventLog: %v", err)
	}
	if rec.ID != 7 {
		t.Fatalf("expected id 7 from insert, got %d", rec.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEventLogSucceeded_SetsTriggeredAndClearsError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	// SET columns in gorm's map order: error_message, execution_status,
	// workflow_id, workflow_triggered, then the tracked updated_at.
	// error_message must be reset to NULL and workflow_triggered must flip to
	// true alongside the status; the WHERE guard pins the PENDING precondition.
	mock.ExpectExec("UPDATE `event_logs` SET").
		WithArgs(nil, string(EventStatusSucceeded), "invoice_create", true, sqlmock.AnyArg(), 7, string(EventStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := MarkEventLogSucceeded(context.Background(), db, 7, "invoice_create"); err != nil {
		t.Fatalf("MarkEventLogSucceeded: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEventLogSucceeded_TerminalRowIsNoOp(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	// Guard matched nothing: the row is already terminal (or gone).
	mock.ExpectExec("UPDATE `event_logs` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := MarkEventLogSucceeded(context.Background(), db, 7, "invoice_create"); err != nil {
		t.Fatalf("expected a silent no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEventLogFailed_TerminalRowIsNoOp(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `event_logs` SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := MarkEventLogFailed(context.Background(), db, 7, "engine down", nil); err != nil {
		t.Fatalf("expected a silent no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEventLogFailed_SetsTriggeredAndMessage(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `event_logs` SET").
		WithArgs("engine down", string(EventStatusFailed), nil, true, sqlmock.AnyArg(), 7, string(EventStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := MarkEventLogFailed(context.Background(), db, 7, "engine down", nil); err != nil {
		t.Fatalf("MarkEventLogFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkEventLogFailed_EmptyMessageDefaults(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `event_logs` SET").
		WithArgs("unknown error", string(EventStatusFailed), nil, true, sqlmock.AnyArg(), 7, string(EventStatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := MarkEventLogFailed(context.Background(), db, 7, "", nil); err != nil {
		t.Fatalf("MarkEventLogFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetEventLog_MissingRowIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM `event_logs`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "event_type", "execution_status"}))

	_, err := GetEventLog(context.Background(), db, 9)
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected ErrorRecordNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGetEventLog_DBErrorIsNotNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT (.+) FROM `event_logs`").
		WillReturnError(errors.New("dial tcp: connection refused"))

	_, err := GetEventLog(context.Background(), db, 9)
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatal("a connection failure must not render as not-found")
	}
}
