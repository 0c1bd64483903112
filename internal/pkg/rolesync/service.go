package rolesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/entitlements"
)

// Service owns the role sync request workflow: request, claim, complete,
// retry, drift repair and the stale-claim sweep. Workers never mutate request
// rows directly; everything goes through the guarded transitions here.
type Service struct {
	syncs    repository.RoleSyncRepository
	tenants  repository.TenantRepository
	auditor  *audit.Recorder
	webhooks entitlements.WebhookEnqueuer
}

// NewService creates a role sync service from injected repositories.
func NewService(repos *repository.Repositories, auditor *audit.Recorder, webhooks entitlements.WebhookEnqueuer) *Service {
	return &Service{
		syncs:    repos.RoleSync,
		tenants:  repos.Tenant,
		auditor:  auditor,
		webhooks: webhooks,
	}
}

// RequestRoleSync validates and enqueues a sync request. Guild scope targets
// every known member and must not carry a subject; user scope requires one.
func (s *Service) RequestRoleSync(ctx context.Context, tenantID uint, scope, subjectUserID, reason string, actor audit.Actor) (*models.RoleSyncRequest, error) {
	subject := strings.TrimSpace(subjectUserID)
	switch scope {
	case models.SyncScopeGuild:
		if subject != "" {
			return nil, errors.New("guild scope must not carry a subject_user_id")
		}
	case models.SyncScopeUser:
		if subject == "" {
			return nil, errors.New("user scope requires a subject_user_id")
		}
	default:
		return nil, fmt.Errorf("unknown sync scope %q", scope)
	}
	if _, err := s.tenants.GetByID(tenantID); err != nil {
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}

	req := &models.RoleSyncRequest{
		TenantID:      tenantID,
		Scope:         scope,
		SubjectUserID: subject,
		Status:        models.SyncStatusPending,
		RequestedBy:   actor.Kind + ":" + actor.ID,
		Reason:        strings.TrimSpace(reason),
	}
	if err := s.syncs.Create(req); err != nil {
		return nil, err
	}

	s.auditor.Record(tenantID, actor, models.AuditSyncRequested, subject,
		fmt.Sprintf("role_sync:%d", req.ID), map[string]interface{}{
			"scope":  scope,
			"reason": req.Reason,
		})
	s.notify(ctx, req, models.WebhookEventRoleSyncRequested,
		fmt.Sprintf("role-sync-%d-requested", req.ID))

	return req, nil
}

// EnqueueUserSync satisfies the grant mutation hook: every grant change
// schedules a user-scope recomputation.
func (s *Service) EnqueueUserSync(ctx context.Context, tenantID uint, subjectUserID, reason string, actor audit.Actor) error {
	_, err := s.RequestRoleSync(ctx, tenantID, models.SyncScopeUser, subjectUserID, reason, actor)
	return err
}

// ClaimNextRequest hands the oldest pending request of a tenant to a worker.
// Returns nil when nothing is pending.
func (s *Service) ClaimNextRequest(ctx context.Context, tenantID uint, asOf time.Time) (*models.RoleSyncRequest, error) {
	return s.syncs.ClaimOldestPending(tenantID, asOf)
}

// CompleteRequest finishes an in_progress request with a terminal status.
// Completing an already-terminal request with the same status is a no-op; a
// conflicting terminal status is an error.
func (s *Service) CompleteRequest(ctx context.Context, id uint, toStatus, lastError string, asOf time.Time) error {
	if !models.IsTerminalSyncStatus(toStatus) {
		return fmt.Errorf("%q is not a terminal sync status", toStatus)
	}
	if toStatus == models.SyncStatusFailed && lastError == "" {
		return errors.New("failed completion requires an error reason")
	}
	if toStatus == models.SyncStatusCompleted && lastError != "" {
		return errors.New("completed requests must not carry an error")
	}

	changed, err := s.syncs.CompleteIf(id, toStatus, lastError, asOf)
	if err != nil {
		return err
	}
	if !changed {
		req, err := s.syncs.GetByID(id)
		if err != nil {
			return err
		}
		if req.Status == toStatus {
			return nil
		}
		return fmt.Errorf("role sync %d is %s, cannot complete as %s", id, req.Status, toStatus)
	}

	req, err := s.syncs.GetByID(id)
	if err != nil {
		return err
	}

	actor := audit.System("rolesync-worker")
	if toStatus == models.SyncStatusCompleted {
		s.auditor.Record(req.TenantID, actor, models.AuditSyncCompleted, req.SubjectUserID,
			fmt.Sprintf("role_sync:%d", req.ID), map[string]interface{}{"scope": req.Scope})
		s.notify(ctx, req, models.WebhookEventRoleSyncSucceeded, fmt.Sprintf("role-sync-%d", req.ID))
	} else {
		s.auditor.Record(req.TenantID, actor, models.AuditSyncFailed, req.SubjectUserID,
			fmt.Sprintf("role_sync:%d", req.ID), map[string]interface{}{
				"scope": req.Scope,
				"error": lastError,
			})
		s.notify(ctx, req, models.WebhookEventRoleSyncFailed, fmt.Sprintf("role-sync-%d", req.ID))
	}
	return nil
}

// RetryFailedRequests re-enqueues recent failures. One retry per logical
// scope: a newer request for the same target supersedes the failure, and an
// open request means a recomputation is already on its way.
func (s *Service) RetryFailedRequests(ctx context.Context, since time.Time, limit int) (int, error) {
	failed, err := s.syncs.ListRecentFailed(since, limit)
	if err != nil {
		return 0, err
	}

	retried := 0
	seen := make(map[string]struct{})
	for i := range failed {
		req := &failed[i]
		key := req.ScopeKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		latest, err := s.syncs.LatestForScope(req.TenantID, req.Scope, req.SubjectUserID)
		if err != nil {
			log.Errorf("[RoleSync] retry scope lookup failed for %s: %v", key, err)
			continue
		}
		if latest != nil && latest.ID != req.ID {
			// A newer request supersedes this failure.
			continue
		}
		open, err := s.syncs.CountOpenForScope(req.TenantID, req.Scope, req.SubjectUserID)
		if err != nil {
			log.Errorf("[RoleSync] retry open count failed for %s: %v", key, err)
			continue
		}
		if open > 0 {
			continue
		}

		retry := &models.RoleSyncRequest{
			TenantID:      req.TenantID,
			Scope:         req.Scope,
			SubjectUserID: req.SubjectUserID,
			Status:        models.SyncStatusPending,
			RequestedBy:   "system:rolesync-retry",
			Reason:        fmt.Sprintf("retry of %d", req.ID),
		}
		if err := s.syncs.Create(retry); err != nil {
			log.Errorf("[RoleSync] retry create failed for %s: %v", key, err)
			continue
		}
		retried++
		s.auditor.Record(req.TenantID, audit.System("rolesync-retry"), models.AuditSyncRetryScheduled,
			req.SubjectUserID, fmt.Sprintf("role_sync:%d", retry.ID), map[string]interface{}{
				"failed_request_id": req.ID,
			})
	}
	return retried, nil
}

// EnqueueRepairs schedules a guild-scope sync per tenant whose last guild
// recomputation is older than minInterval. This is the drift repair loop:
// manual role edits on the platform get reverted eventually even when no
// grant ever changes.
func (s *Service) EnqueueRepairs(ctx context.Context, minInterval time.Duration, asOf time.Time) (int, error) {
	tenants, err := s.tenants.ListAll()
	if err != nil {
		return 0, err
	}

	scheduled := 0
	cutoff := asOf.Add(-minInterval)
	for i := range tenants {
		tenant := &tenants[i]
		// Any open guild request blocks a repair, not just the latest one:
		// a stale older claim must not race a fresh repair for the same guild.
		open, err := s.syncs.CountOpenForScope(tenant.ID, models.SyncScopeGuild, "")
		if err != nil {
			log.Errorf("[RoleSync] repair lookup failed for tenant %d: %v", tenant.ID, err)
			continue
		}
		if open > 0 {
			continue
		}
		latest, err := s.syncs.LatestGuildRequest(tenant.ID)
		if err != nil {
			log.Errorf("[RoleSync] repair lookup failed for tenant %d: %v", tenant.ID, err)
			continue
		}
		if latest != nil && latest.CreatedAt.After(cutoff) {
			continue
		}

		req := &models.RoleSyncRequest{
			TenantID:    tenant.ID,
			Scope:       models.SyncScopeGuild,
			Status:      models.SyncStatusPending,
			RequestedBy: "system:rolesync-repair",
			Reason:      "scheduled drift repair",
		}
		if err := s.syncs.Create(req); err != nil {
			log.Errorf("[RoleSync] repair create failed for tenant %d: %v", tenant.ID, err)
			continue
		}
		scheduled++
		s.auditor.Record(tenant.ID, audit.System("rolesync-repair"), models.AuditSyncRepairScheduled,
			"", fmt.Sprintf("role_sync:%d", req.ID), nil)
	}
	return scheduled, nil
}

// SweepStaleInProgress fails requests whose claim outlived claimTimeout, so
// a crashed worker cannot strand a request forever. The retry pass picks the
// failure up on its next tick.
func (s *Service) SweepStaleInProgress(ctx context.Context, claimTimeout time.Duration, asOf time.Time, limit int) (int, error) {
	stale, err := s.syncs.ListStaleInProgress(asOf.Add(-claimTimeout), limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range stale {
		req := &stale[i]
		if err := s.CompleteRequest(ctx, req.ID, models.SyncStatusFailed, "claim expired", asOf); err != nil {
			log.Errorf("[RoleSync] stale sweep failed for request %d: %v", req.ID, err)
			continue
		}
		swept++
	}
	return swept, nil
}

// ListByTenant exposes request history for the admin surface.
func (s *Service) ListByTenant(tenantID uint, status string, limit int) ([]models.RoleSyncRequest, error) {
	return s.syncs.ListByTenant(tenantID, status, limit)
}

func (s *Service) notify(ctx context.Context, req *models.RoleSyncRequest, eventType, eventID string) {
	if s.webhooks == nil {
		return
	}
	payload := map[string]interface{}{
		"request_id":      req.ID,
		"scope":           req.Scope,
		"subject_user_id": req.SubjectUserID,
		"status":          req.Status,
		"reason":          req.Reason,
	}
	if _, err := s.webhooks.EnqueueDeliveries(ctx, req.TenantID, eventType, eventID, payload); err != nil {
		log.Errorf("[RoleSync] webhook enqueue failed for request %d: %v", req.ID, err)
	}
}
