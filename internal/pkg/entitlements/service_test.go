package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/repotest"
)

type recordedSync struct {
	tenantID      uint
	subjectUserID string
	reason        string
}

type fakeSyncEnqueuer struct {
	calls []recordedSync
}

func (f *fakeSyncEnqueuer) EnqueueUserSync(_ context.Context, tenantID uint, subjectUserID, reason string, _ audit.Actor) error {
	f.calls = append(f.calls, recordedSync{tenantID, subjectUserID, reason})
	return nil
}

type recordedNotify struct {
	eventType string
	eventID   string
}

type fakeWebhookEnqueuer struct {
	calls []recordedNotify
}

func (f *fakeWebhookEnqueuer) EnqueueDeliveries(_ context.Context, _ uint, eventType, eventID string, _ map[string]interface{}) (int, error) {
	f.calls = append(f.calls, recordedNotify{eventType, eventID})
	return 1, nil
}

func newGrantTestService(t *testing.T) (*Service, *repository.Repositories, *fakeSyncEnqueuer, *fakeWebhookEnqueuer, uint, uint) {
	t.Helper()
	store := repotest.NewStore()
	repos := store.Repositories()

	tenant := &models.Tenant{ExternalGuildID: "guild-1"}
	if err := repos.Tenant.Create(tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	tier := &models.Tier{
		TenantID:   tenant.ID,
		Name:       "Gold",
		RoleIDs:    models.StringList{"role-gold"},
		PolicyKind: models.TierPolicySubscription,
	}
	if err := repos.Tier.Create(tier); err != nil {
		t.Fatalf("seed tier: %v", err)
	}

	syncs := &fakeSyncEnqueuer{}
	webhooks := &fakeWebhookEnqueuer{}
	svc := NewService(repos, audit.NewRecorder(repos.Audit), syncs, webhooks)
	return svc, repos, syncs, webhooks, tenant.ID, tier.ID
}

func TestCreateManualGrantForcesSource(t *testing.T) {
	svc, _, syncs, webhooks, tenantID, tierID := newGrantTestService(t)

	grant, err := svc.CreateManualGrant(context.Background(), CreateGrantInput{
		TenantID:      tenantID,
		TierID:        tierID,
		SubjectUserID: " user-1 ",
		Source:        models.GrantSourceStripeSubscription, // must be overridden
	}, audit.Admin("ops"))
	if err != nil {
		t.Fatalf("CreateManualGrant: %v", err)
	}
	if grant.Source != models.GrantSourceManual {
		t.Fatalf("expected manual source, got %s", grant.Source)
	}
	if grant.SubjectUserID != "user-1" {
		t.Fatalf("expected trimmed subject, got %q", grant.SubjectUserID)
	}
	if grant.Status != models.GrantStatusActive {
		t.Fatalf("expected default active status, got %s", grant.Status)
	}
	if len(syncs.calls) != 1 || syncs.calls[0].subjectUserID != "user-1" {
		t.Fatalf("expected one user sync enqueue, got %+v", syncs.calls)
	}
	if len(webhooks.calls) != 1 || webhooks.calls[0].eventType != models.WebhookEventGrantCreated {
		t.Fatalf("expected one grant.created notification, got %+v", webhooks.calls)
	}
}

func TestCreateGrantValidation(t *testing.T) {
	svc, repos, _, _, tenantID, tierID := newGrantTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateGrant(ctx, CreateGrantInput{TierID: tierID, SubjectUserID: "u"}, audit.Admin("ops")); err == nil {
		t.Fatal("expected missing tenant to be rejected")
	}

	other := &models.Tenant{ExternalGuildID: "guild-2"}
	if err := repos.Tenant.Create(other); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if _, err := svc.CreateGrant(ctx, CreateGrantInput{TenantID: other.ID, TierID: tierID, SubjectUserID: "u"}, audit.Admin("ops")); err == nil {
		t.Fatal("expected cross-tenant tier to be rejected")
	}

	from := time.Now()
	through := from.Add(-time.Hour)
	if _, err := svc.CreateGrant(ctx, CreateGrantInput{
		TenantID: tenantID, TierID: tierID, SubjectUserID: "u",
		ValidFrom: &from, ValidThrough: &through,
	}, audit.Admin("ops")); err == nil {
		t.Fatal("expected inverted window to be rejected")
	}

	if _, err := svc.CreateGrant(ctx, CreateGrantInput{
		TenantID: tenantID, TierID: tierID, SubjectUserID: "u", Status: "bogus",
	}, audit.Admin("ops")); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestUpdateGrantStatusIdempotentAndGuarded(t *testing.T) {
	svc, _, _, webhooks, tenantID, tierID := newGrantTestService(t)
	ctx := context.Background()

	grant, err := svc.CreateGrant(ctx, CreateGrantInput{
		TenantID: tenantID, TierID: tierID, SubjectUserID: "user-1",
	}, audit.Admin("ops"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	notified := len(webhooks.calls)

	// Same-status update is a silent no-op.
	updated, err := svc.UpdateGrantStatus(ctx, grant.ID, models.GrantStatusActive, "", audit.Admin("ops"))
	if err != nil {
		t.Fatalf("same-status update: %v", err)
	}
	if updated.Status != models.GrantStatusActive || len(webhooks.calls) != notified {
		t.Fatalf("no-op update must not notify: %+v", webhooks.calls)
	}

	// Legal transition goes through and notifies once.
	updated, err = svc.UpdateGrantStatus(ctx, grant.ID, models.GrantStatusCanceled, "refund", audit.Admin("ops"))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != models.GrantStatusCanceled {
		t.Fatalf("expected canceled, got %s", updated.Status)
	}
	if len(webhooks.calls) != notified+1 {
		t.Fatalf("expected exactly one notification, got %d", len(webhooks.calls)-notified)
	}

	// canceled -> past_due is not in the transition table.
	if _, err := svc.UpdateGrantStatus(ctx, grant.ID, models.GrantStatusPastDue, "", audit.Admin("ops")); err == nil {
		t.Fatal("expected illegal transition to be rejected")
	}
}

func TestExpireDueGrants(t *testing.T) {
	svc, repos, syncs, _, tenantID, tierID := newGrantTestService(t)
	ctx := context.Background()

	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mk := func(subject string, through *time.Time) {
		from := now.Add(-48 * time.Hour)
		if _, err := svc.CreateGrant(ctx, CreateGrantInput{
			TenantID: tenantID, TierID: tierID, SubjectUserID: subject,
			ValidFrom: &from, ValidThrough: through,
		}, audit.Admin("ops")); err != nil {
			t.Fatalf("seed grant %s: %v", subject, err)
		}
	}
	mk("user-due", &past)
	mk("user-later", &future)
	mk("user-open", nil)
	syncs.calls = nil

	expired, err := svc.ExpireDueGrants(ctx, now, 100)
	if err != nil {
		t.Fatalf("ExpireDueGrants: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}

	grants, err := repos.Grant.ListByTenantUser(tenantID, "user-due")
	if err != nil || len(grants) != 1 {
		t.Fatalf("grant lookup: %v %d", err, len(grants))
	}
	if grants[0].Status != models.GrantStatusExpired {
		t.Fatalf("expected expired, got %s", grants[0].Status)
	}
	if len(syncs.calls) != 1 || syncs.calls[0].subjectUserID != "user-due" {
		t.Fatalf("expected resync for the expired user only, got %+v", syncs.calls)
	}

	// Second sweep finds nothing.
	expired, err = svc.ExpireDueGrants(ctx, now, 100)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected idle sweep, got %d", expired)
	}
}

func TestEvaluateUser(t *testing.T) {
	svc, _, _, _, tenantID, tierID := newGrantTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateGrant(ctx, CreateGrantInput{
		TenantID: tenantID, TierID: tierID, SubjectUserID: "user-1",
	}, audit.Admin("ops")); err != nil {
		t.Fatalf("create: %v", err)
	}

	roles, err := svc.EvaluateUser(tenantID, "user-1", time.Now())
	if err != nil {
		t.Fatalf("EvaluateUser: %v", err)
	}
	if len(roles) != 1 || roles[0] != "role-gold" {
		t.Fatalf("expected [role-gold], got %v", roles)
	}

	roles, err = svc.EvaluateUser(tenantID, "user-unknown", time.Now())
	if err != nil {
		t.Fatalf("EvaluateUser unknown: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected empty role set, got %v", roles)
	}
}
