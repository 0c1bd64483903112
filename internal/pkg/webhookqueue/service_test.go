package webhookqueue

import (
	"context"
	"testing"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/repotest"
)

func newQueueFixture(t *testing.T) (*Service, *repository.Repositories, uint) {
	t.Helper()
	store := repotest.NewStore()
	repos := store.Repositories()

	tenant := &models.Tenant{ExternalGuildID: "guild-1"}
	if err := repos.Tenant.Create(tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return NewService(repos), repos, tenant.ID
}

func TestRegisterEndpointValidation(t *testing.T) {
	svc, _, tenantID := newQueueFixture(t)

	if err := svc.RegisterEndpoint(&models.WebhookEndpoint{TenantID: tenantID, URL: "not a url"}); err == nil {
		t.Fatal("expected invalid URL to be rejected")
	}
	if err := svc.RegisterEndpoint(&models.WebhookEndpoint{
		TenantID:   tenantID,
		URL:        "https://example.com/hook",
		EventTypes: models.StringList{"grant.vanished"},
	}); err == nil {
		t.Fatal("expected unknown event type to be rejected")
	}

	e := &models.WebhookEndpoint{TenantID: tenantID, URL: "https://example.com/hook"}
	if err := svc.RegisterEndpoint(e); err != nil {
		t.Fatalf("RegisterEndpoint: %v", err)
	}
	if e.SigningSecret == "" {
		t.Fatal("expected a generated signing secret")
	}
	if !e.IsActive {
		t.Fatal("expected new endpoint to be active")
	}
}

func TestEnqueueDeliveriesDedupeAndFilter(t *testing.T) {
	svc, _, tenantID := newQueueFixture(t)
	ctx := context.Background()

	all := &models.WebhookEndpoint{TenantID: tenantID, URL: "https://example.com/all"}
	if err := svc.RegisterEndpoint(all); err != nil {
		t.Fatalf("register all: %v", err)
	}
	grantsOnly := &models.WebhookEndpoint{
		TenantID:   tenantID,
		URL:        "https://example.com/grants",
		EventTypes: models.StringList{models.WebhookEventGrantCreated},
	}
	if err := svc.RegisterEndpoint(grantsOnly); err != nil {
		t.Fatalf("register grants-only: %v", err)
	}

	created, err := svc.EnqueueDeliveries(ctx, tenantID, models.WebhookEventGrantCreated, "grant-1-created",
		map[string]interface{}{"grant_id": 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if created != 2 {
		t.Fatalf("expected 2 deliveries, got %d", created)
	}

	// Same domain event again: dedupe swallows everything.
	created, err = svc.EnqueueDeliveries(ctx, tenantID, models.WebhookEventGrantCreated, "grant-1-created",
		map[string]interface{}{"grant_id": 1})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected duplicate enqueue to create nothing, got %d", created)
	}

	// An event type outside the filter reaches only the catch-all endpoint.
	created, err = svc.EnqueueDeliveries(ctx, tenantID, models.WebhookEventRoleSyncFailed, "role-sync-9",
		map[string]interface{}{"request_id": 9})
	if err != nil {
		t.Fatalf("enqueue sync event: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 delivery for filtered event, got %d", created)
	}

	// Disabled endpoints get nothing.
	if err := svc.DisableEndpoint(all.ID); err != nil {
		t.Fatalf("disable: %v", err)
	}
	created, err = svc.EnqueueDeliveries(ctx, tenantID, models.WebhookEventRoleSyncFailed, "role-sync-10",
		map[string]interface{}{"request_id": 10})
	if err != nil {
		t.Fatalf("enqueue after disable: %v", err)
	}
	if created != 0 {
		t.Fatalf("expected no deliveries after disable, got %d", created)
	}
}
