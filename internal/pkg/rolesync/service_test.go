package rolesync

import (
	"context"
	"testing"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/repotest"
)

func newSyncTestService(t *testing.T) (*Service, *repository.Repositories, uint) {
	t.Helper()
	store := repotest.NewStore()
	repos := store.Repositories()

	tenant := &models.Tenant{ExternalGuildID: "guild-1"}
	if err := repos.Tenant.Create(tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	svc := NewService(repos, audit.NewRecorder(repos.Audit), nil)
	return svc, repos, tenant.ID
}

func TestRequestRoleSyncScopeValidation(t *testing.T) {
	svc, _, tenantID := newSyncTestService(t)
	ctx := context.Background()
	actor := audit.Admin("ops")

	if _, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeGuild, "user-1", "", actor); err == nil {
		t.Fatal("guild scope with subject must be rejected")
	}
	if _, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "", "", actor); err == nil {
		t.Fatal("user scope without subject must be rejected")
	}
	if _, err := svc.RequestRoleSync(ctx, tenantID, "partial", "", "", actor); err == nil {
		t.Fatal("unknown scope must be rejected")
	}
	if _, err := svc.RequestRoleSync(ctx, 9999, models.SyncScopeGuild, "", "", actor); err == nil {
		t.Fatal("unknown tenant must be rejected")
	}

	req, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, " user-1 ", "grant created", actor)
	if err != nil {
		t.Fatalf("RequestRoleSync: %v", err)
	}
	if req.Status != models.SyncStatusPending || req.SubjectUserID != "user-1" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestClaimHandsOutEachRequestOnce(t *testing.T) {
	svc, _, tenantID := newSyncTestService(t)
	ctx := context.Background()
	actor := audit.Admin("ops")

	first, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "user-1", "", actor)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "user-2", "", actor); err != nil {
		t.Fatalf("request: %v", err)
	}

	now := time.Now()
	claimed1, err := svc.ClaimNextRequest(ctx, tenantID, now)
	if err != nil || claimed1 == nil {
		t.Fatalf("first claim: %v %v", claimed1, err)
	}
	if claimed1.ID != first.ID {
		t.Fatalf("expected oldest request first, got %d", claimed1.ID)
	}
	if claimed1.Status != models.SyncStatusInProgress || claimed1.ClaimedAt == nil {
		t.Fatalf("claim must flip to in_progress: %+v", claimed1)
	}

	claimed2, err := svc.ClaimNextRequest(ctx, tenantID, now)
	if err != nil || claimed2 == nil {
		t.Fatalf("second claim: %v %v", claimed2, err)
	}
	if claimed2.ID == claimed1.ID {
		t.Fatal("same request claimed twice")
	}

	claimed3, err := svc.ClaimNextRequest(ctx, tenantID, now)
	if err != nil {
		t.Fatalf("third claim: %v", err)
	}
	if claimed3 != nil {
		t.Fatalf("expected empty queue, got %+v", claimed3)
	}
}

func TestCompleteRequestTerminalSemantics(t *testing.T) {
	svc, _, tenantID := newSyncTestService(t)
	ctx := context.Background()

	req, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "user-1", "", audit.Admin("ops"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	now := time.Now()

	// Completing before claiming is rejected.
	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusCompleted, "", now); err == nil {
		t.Fatal("completing a pending request must fail")
	}

	if _, err := svc.ClaimNextRequest(ctx, tenantID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// The terminal status and its error reason must agree.
	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusFailed, "", now); err == nil {
		t.Fatal("failed completion without a reason must be rejected")
	}
	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusCompleted, "stray reason", now); err == nil {
		t.Fatal("completed with an error reason must be rejected")
	}

	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusCompleted, "", now); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Repeating the same terminal outcome is a no-op.
	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusCompleted, "", now); err != nil {
		t.Fatalf("idempotent complete must not error: %v", err)
	}
	// A conflicting terminal outcome is rejected.
	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusFailed, "late failure", now); err == nil {
		t.Fatal("conflicting terminal status must be rejected")
	}
	// Non-terminal target is rejected outright.
	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusPending, "", now); err == nil {
		t.Fatal("non-terminal completion must be rejected")
	}
}

func failRequest(t *testing.T, svc *Service, tenantID uint, subject string) *models.RoleSyncRequest {
	t.Helper()
	ctx := context.Background()
	req, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, subject, "", audit.Admin("ops"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := svc.ClaimNextRequest(ctx, tenantID, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := svc.CompleteRequest(ctx, req.ID, models.SyncStatusFailed, "platform 502", time.Now()); err != nil {
		t.Fatalf("fail: %v", err)
	}
	return req
}

func TestRetryFailedRequestsCreatesOneRetryPerScope(t *testing.T) {
	svc, repos, tenantID := newSyncTestService(t)
	ctx := context.Background()

	failRequest(t, svc, tenantID, "user-1")

	retried, err := svc.RetryFailedRequests(ctx, time.Now().Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("RetryFailedRequests: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected 1 retry, got %d", retried)
	}

	open, err := repos.RoleSync.CountOpenForScope(tenantID, models.SyncScopeUser, "user-1")
	if err != nil {
		t.Fatalf("count open: %v", err)
	}
	if open != 1 {
		t.Fatalf("expected 1 open retry, got %d", open)
	}

	// With the retry still open, another pass schedules nothing.
	retried, err = svc.RetryFailedRequests(ctx, time.Now().Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if retried != 0 {
		t.Fatalf("expected no retry while one is open, got %d", retried)
	}
}

func TestRetrySkipsSupersededFailures(t *testing.T) {
	svc, _, tenantID := newSyncTestService(t)
	ctx := context.Background()

	failRequest(t, svc, tenantID, "user-1")

	// A newer request for the same scope supersedes the failure; make it
	// terminal so no open request blocks the check either.
	newer, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "user-1", "fresh grant", audit.Admin("ops"))
	if err != nil {
		t.Fatalf("newer request: %v", err)
	}
	if _, err := svc.ClaimNextRequest(ctx, tenantID, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := svc.CompleteRequest(ctx, newer.ID, models.SyncStatusCompleted, "", time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}

	retried, err := svc.RetryFailedRequests(ctx, time.Now().Add(-time.Hour), 100)
	if err != nil {
		t.Fatalf("RetryFailedRequests: %v", err)
	}
	if retried != 0 {
		t.Fatalf("expected superseded failure to be skipped, got %d retries", retried)
	}
}

func TestEnqueueRepairsSchedulesStaleTenants(t *testing.T) {
	svc, _, tenantID := newSyncTestService(t)
	ctx := context.Background()
	now := time.Now()

	// No guild request yet: repair schedules one.
	scheduled, err := svc.EnqueueRepairs(ctx, time.Hour, now)
	if err != nil {
		t.Fatalf("EnqueueRepairs: %v", err)
	}
	if scheduled != 1 {
		t.Fatalf("expected 1 repair, got %d", scheduled)
	}

	// The fresh pending request suppresses further repairs.
	scheduled, err = svc.EnqueueRepairs(ctx, time.Hour, now)
	if err != nil {
		t.Fatalf("second repair pass: %v", err)
	}
	if scheduled != 0 {
		t.Fatalf("expected no repair while one is open, got %d", scheduled)
	}

	// Finish it; within the interval it still suppresses scheduling.
	claimed, err := svc.ClaimNextRequest(ctx, tenantID, now)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	if err := svc.CompleteRequest(ctx, claimed.ID, models.SyncStatusCompleted, "", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	scheduled, err = svc.EnqueueRepairs(ctx, time.Hour, now)
	if err != nil {
		t.Fatalf("third repair pass: %v", err)
	}
	if scheduled != 0 {
		t.Fatalf("expected fresh completion to suppress repair, got %d", scheduled)
	}

	// Once the interval has passed, the next repair is due.
	scheduled, err = svc.EnqueueRepairs(ctx, time.Hour, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("fourth repair pass: %v", err)
	}
	if scheduled != 1 {
		t.Fatalf("expected repair after interval, got %d", scheduled)
	}
}

func TestEnqueueRepairsBlockedByOlderOpenClaim(t *testing.T) {
	svc, repos, tenantID := newSyncTestService(t)
	ctx := context.Background()
	now := time.Now()

	// An old claim that never finished.
	stuck := &models.RoleSyncRequest{
		TenantID:    tenantID,
		Scope:       models.SyncScopeGuild,
		Status:      models.SyncStatusInProgress,
		RequestedBy: "system:rolesync-worker",
		CreatedAt:   now.Add(-3 * time.Hour),
	}
	if err := repos.RoleSync.Create(stuck); err != nil {
		t.Fatalf("seed stuck request: %v", err)
	}
	// A newer guild recomputation that finished long before the cutoff.
	done := &models.RoleSyncRequest{
		TenantID:    tenantID,
		Scope:       models.SyncScopeGuild,
		Status:      models.SyncStatusCompleted,
		RequestedBy: "system:rolesync-repair",
		CreatedAt:   now.Add(-90 * time.Minute),
	}
	if err := repos.RoleSync.Create(done); err != nil {
		t.Fatalf("seed completed request: %v", err)
	}

	scheduled, err := svc.EnqueueRepairs(ctx, time.Hour, now)
	if err != nil {
		t.Fatalf("EnqueueRepairs: %v", err)
	}
	if scheduled != 0 {
		t.Fatalf("expected open claim to block repair, got %d", scheduled)
	}
}

func TestSweepStaleInProgress(t *testing.T) {
	svc, repos, tenantID := newSyncTestService(t)
	ctx := context.Background()
	now := time.Now()

	req, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "user-1", "", audit.Admin("ops"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := svc.ClaimNextRequest(ctx, tenantID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	swept, err := svc.SweepStaleInProgress(ctx, 30*time.Minute, now, 100)
	if err != nil {
		t.Fatalf("SweepStaleInProgress: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept request, got %d", swept)
	}

	stale, err := repos.RoleSync.GetByID(req.ID)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stale.Status != models.SyncStatusFailed || stale.LastError != "claim expired" {
		t.Fatalf("expected failed claim-expired, got %s %q", stale.Status, stale.LastError)
	}

	// A recent claim is left alone.
	if _, err := svc.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, "user-2", "", audit.Admin("ops")); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := svc.ClaimNextRequest(ctx, tenantID, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	swept, err = svc.SweepStaleInProgress(ctx, 30*time.Minute, now, 100)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected recent claim untouched, got %d", swept)
	}
}
