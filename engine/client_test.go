package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		baseURL: srv.URL,
		http:    srv.Client(),
	}
}

func TestTriggerWorkflow_PostsEnvelopeToAliasedPath(t *testing.T) {
	var gotPath, gotCorrelation string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(srv)
	result, err := c.TriggerWorkflow(context.Background(), TriggerRequest{
		TenantId:      "tenant-1",
		EventType:     "invoice_create",
		WorkflowId:    "invoice_create",
		WorkflowName:  "Invoice - Create",
		ModuleCode:    "invoices",
		Payload:       map[string]any{"total": 120.5},
		CorrelationId: "corr-1",
	})
	if err != nil {
		t.Fatalf("TriggerWorkflow: %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected the trigger to be accepted")
	}
	if gotPath != "/webhook/invoice-created" {
		t.Fatalf("legacy id not aliased: path %s", gotPath)
	}
	if gotCorrelation != "corr-1" {
		t.Fatalf("correlation header missing, got %q", gotCorrelation)
	}

	var envelope struct {
		Event    string         `json:"event"`
		TenantId string         `json:"tenantId"`
		Data     map[string]any `json:"data"`
		Metadata *struct {
			WorkflowId   string `json:"workflowId"`
			WorkflowName string `json:"workflowName"`
			Module       string `json:"module"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Event != "invoice_create" || envelope.TenantId != "tenant-1" {
		t.Fatalf("bad envelope: %+v", envelope)
	}
	if envelope.Data["total"] != 120.5 {
		t.Fatalf("payload not passed through: %v", envelope.Data)
	}
	if envelope.Metadata == nil || envelope.Metadata.WorkflowId != "invoice_create" || envelope.Metadata.Module != "invoices" {
		t.Fatalf("bad metadata: %+v", envelope.Metadata)
	}
}

func TestTriggerWorkflow_UnknownWorkflowIdPassesThrough(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c := testClient(srv)
	_, err := c.TriggerWorkflow(context.Background(), TriggerRequest{WorkflowId: "custom-tenant-flow"})
	if err != nil {
		t.Fatalf("TriggerWorkflow: %v", err)
	}
	if gotPath != "/webhook/custom-tenant-flow" {
		t.Fatalf("unexpected path %s", gotPath)
	}
}

func TestTriggerWorkflow_ParsesExecutionId(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"executionId":"exec-77"}`))
	}))
	defer srv.Close()

	result, err := testClient(srv).TriggerWorkflow(context.Background(), TriggerRequest{WorkflowId: "x"})
	if err != nil {
		t.Fatalf("TriggerWorkflow: %v", err)
	}
	if result.ExecutionId != "exec-77" {
		t.Fatalf("expected execution id exec-77, got %q", result.ExecutionId)
	}
}

func TestTriggerWorkflow_Non2xxIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow not active", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv).TriggerWorkflow(context.Background(), TriggerRequest{WorkflowId: "x"})
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "workflow not active") {
		t.Fatalf("error should carry status and body, got: %v", err)
	}
}

func TestTriggerWorkflow_NotConfigured(t *testing.T) {
	c := &Client{http: &http.Client{}}
	_, err := c.TriggerWorkflow(context.Background(), TriggerRequest{WorkflowId: "x"})
	if err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestTriggerWorkflow_HonorsContextDeadline(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		// Drain the body so the server can watch the connection; with unread
		// body bytes buffered, net/http never cancels r.Context() on client
		// disconnect and srv.Close would hang forever.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := testClient(srv).TriggerWorkflow(ctx, TriggerRequest{WorkflowId: "x"})
	if err == nil {
		t.Fatal("expected a deadline error")
	}
	select {
	case <-started:
	default:
		t.Fatal("request never reached the server")
	}
}

func TestCallWorkflow_ReturnsResponseDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		// Call-and-return envelopes carry no metadata block.
		if strings.Contains(string(body), `"metadata"`) {
			t.Errorf("unexpected metadata in call envelope: %s", body)
		}
		_, _ = w.Write([]byte(`{"invoices":[{"id":1}]}`))
	}))
	defer srv.Close()

	body, err := testClient(srv).CallWorkflow(context.Background(), TriggerRequest{WorkflowId: "invoices_list"})
	if err != nil {
		t.Fatalf("CallWorkflow: %v", err)
	}
	if string(body) != `{"invoices":[{"id":1}]}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestCallWorkflow_EmptyBodyBecomesEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	body, err := testClient(srv).CallWorkflow(context.Background(), TriggerRequest{WorkflowId: "x"})
	if err != nil {
		t.Fatalf("CallWorkflow: %v", err)
	}
	if string(body) != "{}" {
		t.Fatalf("expected {} for empty answer, got %q", body)
	}
}

func TestTestConnection_PrefersApiKeyOverBasicAuth(t *testing.T) {
	var gotApiKey, gotAuthorization string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotApiKey = r.Header.Get("X-Engine-API-Key")
		gotAuthorization = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := testClient(srv)
	c.apiKey = "key-1"
	c.username = "svc"
	c.password = "secret"
	if err := c.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if gotApiKey != "key-1" {
		t.Fatalf("api key header missing, got %q", gotApiKey)
	}
	if gotAuthorization != "" {
		t.Fatalf("basic auth must not be sent alongside the api key, got %q", gotAuthorization)
	}
}

func TestTestConnection_FallsBackToBasicAuth(t *testing.T) {
	var gotAuthorization string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthorization = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := testClient(srv)
	c.username = "svc"
	c.password = "secret"
	if err := c.TestConnection(context.Background()); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if !strings.HasPrefix(gotAuthorization, "Basic ") {
		t.Fatalf("expected basic auth, got %q", gotAuthorization)
	}
}

func TestTestConnection_UnhealthyEngine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := testClient(srv).TestConnection(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected unhealthy error with status, got %v", err)
	}
}
