// setup-workflow-links seeds the default workflow catalog for a tenant:
// one link per business event the engine ships workflows for (invoices,
// clients, leads). Safe to re-run; upserts never duplicate a pair.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//     go run ./cmd/setup-workflow-links -tenant <tenant-id> [-module invoices]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/talosprimes/platform_backend/config"
	"github.com/talosprimes/platform_backend/models"
	"github.com/talosprimes/platform_backend/utils"
)

type catalogEntry struct {
	EventType    string
	WorkflowId   string
	WorkflowName string
	ModuleCode   string
}

// Default catalog, one entry per shipped engine workflow. WorkflowId doubles
// as the webhook path key; legacy underscore ids are aliased by the client.
var defaultCatalog = []catalogEntry{
	{"invoice_create", "invoice_create", "Invoice - Create", "invoices"},
	{"invoice_update", "invoice_update", "Invoice - Update", "invoices"},
	{"invoice_send", "invoice_send", "Invoice - Send", "invoices"},
	{"invoice_paid", "invoice_paid", "Invoice - Mark Paid", "invoices"},
	{"invoice_cancel", "invoice_cancel", "Invoice - Cancel", "invoices"},
	{"invoice_overdue", "invoice_overdue", "Invoice - Overdue Reminder", "invoices"},
	{"devis_create", "devis_create", "Quote - Create", "invoices"},
	{"devis_accept", "devis_accept", "Quote - Accept", "invoices"},
	{"devis_convert_to_invoice", "devis_convert_to_invoice", "Quote - Convert to Invoice", "invoices"},
	{"client_create", "client_create", "Client - Create", "clients"},
	{"client_update", "client_update", "Client - Update", "clients"},
	{"client_archive", "client_archive", "Client - Archive", "clients"},
	{"lead_create", "lead_create", "Lead - Create", "leads"},
	{"lead_qualify", "lead_qualify", "Lead - Qualify", "leads"},
	{"lead_convert", "lead_convert", "Lead - Convert to Client", "leads"},
	{"subscription_create", "subscription_create", "Subscription - Create", "subscriptions"},
	{"subscription_renew", "subscription_renew", "Subscription - Renew", "subscriptions"},
	{"subscription_cancel", "subscription_cancel", "Subscription - Cancel", "subscriptions"},
}

func main() {
	tenantId := flag.String("tenant", "", "tenant id to provision (required)")
	moduleCode := flag.String("module", "", "restrict seeding to one module (invoices, clients, leads, subscriptions)")
	flag.Parse()

	if *tenantId == "" {
		fmt.Fprintln(os.Stderr, "usage: setup-workflow-links -tenant <tenant-id> [-module <code>]")
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	// Provisioning runs outside a request; bypass the tenant guard and pass the
	// tenant explicitly.
	ctx := context.Background()
	ctx = utils.SetTenantIdInContext(ctx, *tenantId)
	ctx = utils.SetUserNameInContext(ctx, "setup-workflow-links")
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	seeded := 0
	for _, entry := range defaultCatalog {
		if *moduleCode != "" && entry.ModuleCode != *moduleCode {
			continue
		}
		input := models.UpsertWorkflowLinkInput{
			EventType:    entry.EventType,
			WorkflowId:   entry.WorkflowId,
			WorkflowName: entry.WorkflowName,
			ModuleCode:   entry.ModuleCode,
		}
		link, err := models.UpsertWorkflowLink(ctx, db, *tenantId, &input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to upsert %s: %v\n", entry.EventType, err)
			os.Exit(1)
		}
		fmt.Printf("ok %s -> %s (id=%d)\n", entry.EventType, link.WorkflowId, link.ID)
		seeded++
	}

	fmt.Printf("seeded %d workflow links for tenant %s\n", seeded, *tenantId)
}
