package rolesync

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/entitlements"
	"github.com/guildgate/guildgate/internal/pkg/repotest"
)

// fakeRoleAPI tracks per-member role sets in memory.
type fakeRoleAPI struct {
	mu    sync.Mutex
	roles map[string][]string // "guild/user" -> role ids
	fail  bool
}

func newFakeRoleAPI() *fakeRoleAPI {
	return &fakeRoleAPI{roles: make(map[string][]string)}
}

func (f *fakeRoleAPI) key(guildID, userID string) string { return guildID + "/" + userID }

func (f *fakeRoleAPI) set(guildID, userID string, roleIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[f.key(guildID, userID)] = roleIDs
}

func (f *fakeRoleAPI) get(guildID, userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.roles[f.key(guildID, userID)]...)
	sort.Strings(out)
	return out
}

func (f *fakeRoleAPI) CurrentRoleIDs(_ context.Context, guildID, userID string) ([]string, error) {
	if f.fail {
		return nil, fmt.Errorf("platform unavailable")
	}
	return f.get(guildID, userID), nil
}

func (f *fakeRoleAPI) AddRole(_ context.Context, guildID, userID, roleID string) error {
	if f.fail {
		return fmt.Errorf("platform unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(guildID, userID)
	for _, r := range f.roles[k] {
		if r == roleID {
			return nil
		}
	}
	f.roles[k] = append(f.roles[k], roleID)
	return nil
}

func (f *fakeRoleAPI) RemoveRole(_ context.Context, guildID, userID, roleID string) error {
	if f.fail {
		return fmt.Errorf("platform unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(guildID, userID)
	var kept []string
	for _, r := range f.roles[k] {
		if r != roleID {
			kept = append(kept, r)
		}
	}
	f.roles[k] = kept
	return nil
}

func newWorkerFixture(t *testing.T) (*Worker, *Service, *entitlements.Service, *repository.Repositories, *fakeRoleAPI, uint, uint) {
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
		RoleIDs:    models.StringList{"role-gold", "role-member"},
		PolicyKind: models.TierPolicySubscription,
	}
	if err := repos.Tier.Create(tier); err != nil {
		t.Fatalf("seed tier: %v", err)
	}

	auditor := audit.NewRecorder(repos.Audit)
	syncSvc := NewService(repos, auditor, nil)
	ents := entitlements.NewService(repos, auditor, syncSvc, nil)
	roles := newFakeRoleAPI()
	worker := NewWorker(syncSvc, ents, repos, roles)
	return worker, syncSvc, ents, repos, roles, tenant.ID, tier.ID
}

func TestWorkerConvergesUserRoles(t *testing.T) {
	worker, syncSvc, ents, repos, roles, tenantID, tierID := newWorkerFixture(t)
	ctx := context.Background()
	now := time.Now()

	// Member holds one managed role they should lose, one unmanaged role that
	// must survive, and is missing a managed role they should gain.
	roles.set("guild-1", "user-1", "role-member", "role-unmanaged")

	if _, err := ents.CreateGrant(ctx, entitlements.CreateGrantInput{
		TenantID: tenantID, TierID: tierID, SubjectUserID: "user-1",
	}, audit.Admin("ops")); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// CreateGrant enqueued a user sync via the service hook.

	processed, err := worker.ProcessOnce(ctx, tenantID, now)
	if err != nil || !processed {
		t.Fatalf("ProcessOnce: %v %v", processed, err)
	}

	got := roles.get("guild-1", "user-1")
	want := []string{"role-gold", "role-member", "role-unmanaged"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("roles after sync = %v, want %v", got, want)
	}

	reqs, err := syncSvc.ListByTenant(tenantID, models.SyncStatusCompleted, 10)
	if err != nil || len(reqs) != 1 {
		t.Fatalf("expected 1 completed request, got %v %v", reqs, err)
	}

	// Revoke and sync again: managed roles drop, unmanaged stays.
	grants, err := repos.Grant.ListByTenantUser(tenantID, "user-1")
	if err != nil || len(grants) != 1 {
		t.Fatalf("grant lookup: %v %d", err, len(grants))
	}
	if _, err := ents.RevokeGrant(ctx, grants[0].ID, "", audit.Admin("ops")); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	processed, err = worker.ProcessOnce(ctx, tenantID, now)
	if err != nil || !processed {
		t.Fatalf("ProcessOnce after revoke: %v %v", processed, err)
	}

	got = roles.get("guild-1", "user-1")
	want = []string{"role-unmanaged"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("roles after revoke = %v, want %v", got, want)
	}
}

func TestWorkerGuildScopeSyncsAllSubjects(t *testing.T) {
	worker, syncSvc, ents, _, roles, tenantID, tierID := newWorkerFixture(t)
	ctx := context.Background()
	now := time.Now()

	for _, user := range []string{"user-1", "user-2"} {
		if _, err := ents.CreateGrant(ctx, entitlements.CreateGrantInput{
			TenantID: tenantID, TierID: tierID, SubjectUserID: user,
		}, audit.Admin("ops")); err != nil {
			t.Fatalf("grant %s: %v", user, err)
		}
	}
	// Drain the per-grant user syncs first.
	if _, err := worker.ProcessAllTenants(ctx, now, 10); err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Simulate manual drift on the platform.
	roles.set("guild-1", "user-1")
	roles.set("guild-1", "user-2", "role-gold", "role-member", "role-extra")

	if _, err := syncSvc.RequestRoleSync(ctx, tenantID, models.SyncScopeGuild, "", "drift repair", audit.System("test")); err != nil {
		t.Fatalf("guild request: %v", err)
	}
	processed, err := worker.ProcessOnce(ctx, tenantID, now)
	if err != nil || !processed {
		t.Fatalf("ProcessOnce: %v %v", processed, err)
	}

	if got := roles.get("guild-1", "user-1"); !reflect.DeepEqual(got, []string{"role-gold", "role-member"}) {
		t.Fatalf("user-1 roles = %v", got)
	}
	if got := roles.get("guild-1", "user-2"); !reflect.DeepEqual(got, []string{"role-extra", "role-gold", "role-member"}) {
		t.Fatalf("user-2 roles = %v", got)
	}
}

func TestWorkerFailureMarksRequestFailed(t *testing.T) {
	worker, syncSvc, _, _, roles, tenantID, _ := newWorkerFixture(t)
	ctx := context.Background()
	roles.fail = true

	req, err := syncSvc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "user-1", "", audit.Admin("ops"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	processed, err := worker.ProcessOnce(ctx, tenantID, time.Now())
	if err != nil || !processed {
		t.Fatalf("ProcessOnce: %v %v", processed, err)
	}

	failed, err := syncSvc.ListByTenant(tenantID, models.SyncStatusFailed, 10)
	if err != nil || len(failed) != 1 || failed[0].ID != req.ID {
		t.Fatalf("expected request %d failed, got %v %v", req.ID, failed, err)
	}
	if failed[0].LastError == "" {
		t.Fatal("expected last_error to carry the platform failure")
	}
}
