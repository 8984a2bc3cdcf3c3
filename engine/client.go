package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned when ENGINE_API_URL is unset. Events still get
// recorded; triggering them is impossible until the engine is configured.
var ErrNotConfigured = errors.New("workflow engine not configured")

// webhookPathAliases maps legacy workflow ids (underscore style, as stored in
// older workflow_links rows) to the webhook paths the engine actually exposes
// (dash style). Unknown ids pass through unchanged.
var webhookPathAliases = map[string]string{
	// Invoices
	"invoice_create":       "invoice-created",
	"invoice_paid":         "invoice-paid",
	"invoice_overdue":      "invoice-overdue",
	"invoice_get":          "invoice-get",
	"invoice_update":       "invoice-update",
	"invoices_list":        "invoices-list",
	"invoice_generate_pdf": "invoice-generate-pdf",
	// Subscriptions
	"subscription_renewal":   "subscription-renewal",
	"subscription_cancelled": "subscription-cancelled",
	"subscription_suspended": "subscription-suspended",
	"subscription_upgrade":   "subscription-upgrade",
	// Clients
	"client_create":           "client-create",
	"client_create_from_lead": "client-create-from-lead",
	"client_update":           "client-update",
	"client_delete":           "client-delete",
	"client_get":              "client-get",
	"clients_list":            "clients-list",
	"client_onboarding":       "client-onboarding",
	// Leads
	"lead_create":        "lead-create",
	"leads_list":         "leads-list",
	"lead_get":           "lead-get",
	"lead_delete":        "lead-delete",
	"lead_update_status": "lead-update-status",
	"lead_confirmation":  "lead-confirmation",
	// Quotes
	"devis_create":             "devis-created",
	"devis_send":               "devis-sent",
	"devis_accept":             "devis-accepted",
	"devis_convert_to_invoice": "devis-convert-to-invoice",
	"devis_delete":             "devis-deleted",
	// Notifications
	"notification_create": "notification-created",
	"notification_read":   "notification-read",
	"notification_delete": "notification-deleted",
}

// Client talks to the external workflow engine. Webhook triggers are public on
// the engine side (no auth headers); the api key / basic auth pair only applies
// to the engine's REST surface (health checks).
type Client struct {
	baseURL  string
	apiKey   string
	username string
	password string
	http     *http.Client
}

// NewClient reads the engine endpoint from env:
//
//	ENGINE_API_URL, ENGINE_API_KEY, ENGINE_USERNAME, ENGINE_PASSWORD,
//	ENGINE_HTTP_TIMEOUT_SECONDS (default 30)
func NewClient() *Client {
	baseURL := strings.TrimSpace(os.Getenv("ENGINE_API_URL"))
	if baseURL == "" {
		log.Printf("ENGINE_API_URL not set; workflows will not be triggered")
	}

	timeout := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("ENGINE_HTTP_TIMEOUT_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}

	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   strings.TrimSpace(os.Getenv("ENGINE_API_KEY")),
		username: strings.TrimSpace(os.Getenv("ENGINE_USERNAME")),
		password: os.Getenv("ENGINE_PASSWORD"),
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Configured() bool {
	return c.baseURL != ""
}

// webhookPath returns the path to call for a stored workflow id, normalizing
// legacy underscore ids.
func (c *Client) webhookPath(workflowId string) string {
	if alias, ok := webhookPathAliases[workflowId]; ok {
		return alias
	}
	return workflowId
}

// TriggerWorkflow submits one event to the engine. It blocks only for the
// webhook acknowledgment, never for the workflow's business logic. A non-2xx
// answer or transport error is a trigger failure; the caller records it.
func (c *Client) TriggerWorkflow(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	if !c.Configured() {
		return TriggerResult{}, ErrNotConfigured
	}

	_, ack, err := c.postWebhook(ctx, req, true)
	if err != nil {
		return TriggerResult{}, err
	}

	return TriggerResult{Accepted: true, ExecutionId: ack.ExecutionId}, nil
}

// CallWorkflow is the call-and-return shape: it waits for the workflow's answer
// and hands the response document back to the caller. Used by read-style views
// that the engine orchestrates.
func (c *Client) CallWorkflow(ctx context.Context, req TriggerRequest) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	body, _, err := c.postWebhook(ctx, req, false)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(body), nil
}

func (c *Client) postWebhook(ctx context.Context, req TriggerRequest, withMeta bool) ([]byte, triggerAck, error) {
	envelope := triggerEnvelope{
		Event:     req.EventType,
		TenantId:  req.TenantId,
		Timestamp: time.Now().UTC(),
		Data:      req.Payload,
	}
	if withMeta {
		envelope.Metadata = &envelopeMeta{
			WorkflowId:   req.WorkflowId,
			WorkflowName: req.WorkflowName,
			Module:       req.ModuleCode,
		}
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, triggerAck{}, err
	}

	endpoint := c.baseURL + "/webhook/" + c.webhookPath(req.WorkflowId)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, triggerAck{}, err
	}
	// Engine webhooks are public; no auth headers here.
	httpReq.Header.Set("Content-Type", "application/json")
	if req.CorrelationId != "" {
		httpReq.Header.Set("X-Correlation-Id", req.CorrelationId)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, triggerAck{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, triggerAck{}, fmt.Errorf("workflow engine error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ack triggerAck
	// Many workflows answer with an empty or non-JSON body; that's fine.
	_ = json.Unmarshal(body, &ack)
	return body, ack, nil
}

// TestConnection probes the engine's health endpoint with REST auth headers
// (webhooks are public, the REST surface may not be).
func (c *Client) TestConnection(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	for k, v := range c.authHeaders() {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("workflow engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// authHeaders builds REST-surface auth: api key wins over basic auth.
func (c *Client) authHeaders() map[string]string {
	headers := map[string]string{
		"Accept": "application/json",
	}
	if c.apiKey != "" {
		headers["X-Engine-API-Key"] = c.apiKey
		return headers
	}
	if c.username != "" && c.password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		headers["Authorization"] = "Basic " + credentials
	}
	return headers
}
