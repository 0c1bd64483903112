package webhookqueue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/repotest"
)

type fakeArchiver struct {
	docs map[uint][]byte
}

func (f *fakeArchiver) ArchiveDeadLetter(_ context.Context, deliveryID uint, doc []byte) error {
	if f.docs == nil {
		f.docs = make(map[uint][]byte)
	}
	f.docs[deliveryID] = doc
	return nil
}

func newDispatchFixture(t *testing.T, url string) (*Service, *Dispatcher, *fakeArchiver, *repository.Repositories, uint, uint) {
	t.Helper()
	store := repotest.NewStore()
	repos := store.Repositories()

	tenant := &models.Tenant{ExternalGuildID: "guild-1"}
	if err := repos.Tenant.Create(tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}

	svc := NewService(repos)
	endpoint := &models.WebhookEndpoint{TenantID: tenant.ID, URL: url, SigningSecret: "hook-secret"}
	if err := svc.RegisterEndpoint(endpoint); err != nil {
		t.Fatalf("register endpoint: %v", err)
	}

	archiver := &fakeArchiver{}
	dispatcher := NewDispatcher(repos, archiver)
	dispatcher.maxAttempts = 2
	dispatcher.baseBackoff = time.Minute
	dispatcher.maxBackoff = 4 * time.Minute
	return svc, dispatcher, archiver, repos, tenant.ID, endpoint.ID
}

func TestDispatchSignsAndDelivers(t *testing.T) {
	var gotSig atomic.Value
	var gotBody atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(body)
		gotSig.Store(r.Header.Get(SignatureHeader))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	svc, dispatcher, _, _, tenantID, _ := newDispatchFixture(t, server.URL)
	ctx := context.Background()

	if _, err := svc.EnqueueDeliveries(ctx, tenantID, models.WebhookEventGrantCreated, "grant-1-created",
		map[string]interface{}{"grant_id": 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	succeeded, retried, dead, err := dispatcher.DispatchDueOnce(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("DispatchDueOnce: %v", err)
	}
	if succeeded != 1 || retried != 0 || dead != 0 {
		t.Fatalf("unexpected outcome: %d/%d/%d", succeeded, retried, dead)
	}

	body := gotBody.Load().([]byte)
	sig := gotSig.Load().(string)
	if !VerifySignature("hook-secret", body, sig) {
		t.Fatalf("signature %q does not verify against body", sig)
	}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("payload is not an envelope: %v", err)
	}
	if envelope.ID != "grant-1-created" || envelope.Type != models.WebhookEventGrantCreated || envelope.GuildID != "guild-1" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}

	// Nothing left to do.
	succeeded, retried, dead, err = dispatcher.DispatchDueOnce(ctx, time.Now(), 10)
	if err != nil || succeeded+retried+dead != 0 {
		t.Fatalf("expected drained queue, got %d/%d/%d %v", succeeded, retried, dead, err)
	}
}

func TestDispatchRetriesThenDeadLetters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc, dispatcher, archiver, repos, tenantID, _ := newDispatchFixture(t, server.URL)
	ctx := context.Background()
	now := time.Now()

	if _, err := svc.EnqueueDeliveries(ctx, tenantID, models.WebhookEventGrantCreated, "grant-2-created",
		map[string]interface{}{"grant_id": 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// First attempt fails and schedules a retry.
	succeeded, retried, dead, err := dispatcher.DispatchDueOnce(ctx, now, 10)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if succeeded != 0 || retried != 1 || dead != 0 {
		t.Fatalf("unexpected first outcome: %d/%d/%d", succeeded, retried, dead)
	}

	// Not due yet: backoff holds the delivery back.
	succeeded, retried, dead, err = dispatcher.DispatchDueOnce(ctx, now.Add(30*time.Second), 10)
	if err != nil || succeeded+retried+dead != 0 {
		t.Fatalf("expected backoff to hold delivery, got %d/%d/%d %v", succeeded, retried, dead, err)
	}

	// Second attempt exhausts the budget and dead-letters.
	succeeded, retried, dead, err = dispatcher.DispatchDueOnce(ctx, now.Add(2*time.Minute), 10)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if succeeded != 0 || retried != 0 || dead != 1 {
		t.Fatalf("unexpected second outcome: %d/%d/%d", succeeded, retried, dead)
	}

	failed, err := repos.Webhook.ListFailed(tenantID, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected 1 dead letter, got %v %v", failed, err)
	}
	if failed[0].Attempts != 2 || failed[0].LastError == "" {
		t.Fatalf("unexpected dead letter: %+v", failed[0])
	}
	if len(archiver.docs) != 1 {
		t.Fatalf("expected archived dead letter, got %d", len(archiver.docs))
	}

	// Dead letters never become due again.
	succeeded, retried, dead, err = dispatcher.DispatchDueOnce(ctx, now.Add(24*time.Hour), 10)
	if err != nil || succeeded+retried+dead != 0 {
		t.Fatalf("expected dead letter to stay put, got %d/%d/%d %v", succeeded, retried, dead, err)
	}
}
