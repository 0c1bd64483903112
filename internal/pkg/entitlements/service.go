package entitlements

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
)

// SyncEnqueuer schedules role sync work after a grant mutation. Implemented
// by the rolesync service; kept as a local interface so grant mutations stay
// decoupled from the workflow package.
type SyncEnqueuer interface {
	EnqueueUserSync(ctx context.Context, tenantID uint, subjectUserID, reason string, actor audit.Actor) error
}

// WebhookEnqueuer fans a domain event out to subscriber endpoints.
type WebhookEnqueuer interface {
	EnqueueDeliveries(ctx context.Context, tenantID uint, eventType, eventID string, payload map[string]interface{}) (int, error)
}

// Service owns entitlement grant mutations: manual creation, status
// transitions and the scheduled expiry sweep.
type Service struct {
	tiers    repository.TierRepository
	grants   repository.GrantRepository
	auditor  *audit.Recorder
	syncs    SyncEnqueuer
	webhooks WebhookEnqueuer
}

// NewService creates an entitlement service from injected repositories.
func NewService(repos *repository.Repositories, auditor *audit.Recorder, syncs SyncEnqueuer, webhooks WebhookEnqueuer) *Service {
	return &Service{
		tiers:    repos.Tier,
		grants:   repos.Grant,
		auditor:  auditor,
		syncs:    syncs,
		webhooks: webhooks,
	}
}

// CreateGrantInput is the normalized input for grant creation.
type CreateGrantInput struct {
	TenantID      uint
	TierID        uint
	SubjectUserID string
	Status        string
	ValidFrom     *time.Time
	ValidThrough  *time.Time
	Source        string
	SourceRefID   string
	Note          string
}

// CreateManualGrant inserts a grant with source=manual. Manual grants are
// simply additional grants; they carry no override semantics.
func (s *Service) CreateManualGrant(ctx context.Context, in CreateGrantInput, actor audit.Actor) (*models.EntitlementGrant, error) {
	in.Source = models.GrantSourceManual
	return s.CreateGrant(ctx, in, actor)
}

// CreateGrant validates and inserts a grant, appends an audit event and
// enqueues a user-scope role sync plus a grant.created notification.
func (s *Service) CreateGrant(ctx context.Context, in CreateGrantInput, actor audit.Actor) (*models.EntitlementGrant, error) {
	subject := strings.TrimSpace(in.SubjectUserID)
	if in.TenantID == 0 || in.TierID == 0 || subject == "" {
		return nil, errors.New("tenant_id, tier_id and subject_user_id are required")
	}

	tier, err := s.tiers.GetByID(in.TierID)
	if err != nil {
		return nil, fmt.Errorf("tier lookup failed: %w", err)
	}
	if tier.TenantID != in.TenantID {
		return nil, errors.New("tier does not belong to tenant")
	}

	status := in.Status
	if status == "" {
		status = models.GrantStatusActive
	}
	if !models.IsGrantStatus(status) {
		return nil, fmt.Errorf("unknown grant status %q", status)
	}

	validFrom := time.Now()
	if in.ValidFrom != nil {
		validFrom = *in.ValidFrom
	}
	if in.ValidThrough != nil && in.ValidThrough.Before(validFrom) {
		return nil, errors.New("valid_through must not precede valid_from")
	}

	source := in.Source
	if source == "" {
		source = models.GrantSourceAPI
	}

	grant := &models.EntitlementGrant{
		TenantID:      in.TenantID,
		TierID:        in.TierID,
		SubjectUserID: subject,
		Status:        status,
		ValidFrom:     validFrom,
		ValidThrough:  in.ValidThrough,
		Source:        source,
		SourceRefID:   strings.TrimSpace(in.SourceRefID),
		Note:          strings.TrimSpace(in.Note),
	}
	if err := s.grants.Create(grant); err != nil {
		return nil, err
	}

	s.auditor.Record(grant.TenantID, actor, models.AuditGrantCreated, grant.SubjectUserID,
		fmt.Sprintf("grant:%d", grant.ID), map[string]interface{}{
			"tier_id": grant.TierID,
			"status":  grant.Status,
			"source":  grant.Source,
		})
	s.notifyAndResync(ctx, grant, models.WebhookEventGrantCreated,
		fmt.Sprintf("grant-%d-created", grant.ID), "grant created", actor)

	return grant, nil
}

// UpdateGrantStatus applies a guarded status transition. Identical from/to is
// an idempotent no-op that produces no audit entry or notification.
func (s *Service) UpdateGrantStatus(ctx context.Context, grantID uint, toStatus, note string, actor audit.Actor) (*models.EntitlementGrant, error) {
	grant, err := s.grants.GetByID(grantID)
	if err != nil {
		return nil, err
	}
	if grant.Status == toStatus {
		return grant, nil
	}
	if !models.CanTransitionGrantStatus(grant.Status, toStatus) {
		return nil, fmt.Errorf("grant status transition %s -> %s not allowed", grant.Status, toStatus)
	}

	changed, err := s.grants.UpdateStatusIf(grant.ID, grant.Status, toStatus)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost a race against a concurrent transition; re-read and report.
		return s.grants.GetByID(grantID)
	}

	fromStatus := grant.Status
	grant.Status = toStatus
	if note != "" {
		grant.Note = note
		if err := s.grants.Update(grant); err != nil {
			log.Warnf("[Entitlements] note update failed for grant %d: %v", grant.ID, err)
		}
	}

	s.auditor.Record(grant.TenantID, actor, models.AuditGrantStatusChanged, grant.SubjectUserID,
		fmt.Sprintf("grant:%d", grant.ID), map[string]interface{}{
			"from": fromStatus,
			"to":   toStatus,
		})
	s.notifyAndResync(ctx, grant, models.WebhookEventGrantUpdated,
		fmt.Sprintf("grant-%d-%s", grant.ID, toStatus), "grant status changed", actor)

	return grant, nil
}

// BillingTransition describes the change a provider event wants to apply to
// a grant: a target status, and optionally a new validity window.
type BillingTransition struct {
	ToStatus     string
	SetWindow    bool
	ValidThrough *time.Time
	Note         string
}

// ApplyBillingTransition applies status and window in one step. When neither
// changes the call is an idempotent no-op, which is what makes provider event
// replays harmless.
func (s *Service) ApplyBillingTransition(ctx context.Context, grantID uint, tr BillingTransition, actor audit.Actor) (*models.EntitlementGrant, error) {
	grant, err := s.grants.GetByID(grantID)
	if err != nil {
		return nil, err
	}

	windowChanged := tr.SetWindow && !timePtrEqual(grant.ValidThrough, tr.ValidThrough)
	statusChanged := grant.Status != tr.ToStatus
	if !windowChanged && !statusChanged {
		return grant, nil
	}
	if statusChanged && !models.CanTransitionGrantStatus(grant.Status, tr.ToStatus) {
		return nil, fmt.Errorf("grant status transition %s -> %s not allowed", grant.Status, tr.ToStatus)
	}

	fromStatus := grant.Status
	if statusChanged {
		changed, err := s.grants.UpdateStatusIf(grant.ID, grant.Status, tr.ToStatus)
		if err != nil {
			return nil, err
		}
		if !changed {
			return s.grants.GetByID(grantID)
		}
		grant.Status = tr.ToStatus
	}
	if windowChanged {
		grant.ValidThrough = tr.ValidThrough
		if tr.Note != "" {
			grant.Note = tr.Note
		}
		if err := s.grants.Update(grant); err != nil {
			return nil, err
		}
	}

	summary := map[string]interface{}{
		"from": fromStatus,
		"to":   grant.Status,
	}
	if windowChanged {
		summary["valid_through"] = grant.ValidThrough
	}
	s.auditor.Record(grant.TenantID, actor, models.AuditGrantStatusChanged, grant.SubjectUserID,
		fmt.Sprintf("grant:%d", grant.ID), summary)

	eventID := fmt.Sprintf("grant-%d-%s", grant.ID, grant.Status)
	if !statusChanged {
		if grant.ValidThrough != nil {
			eventID = fmt.Sprintf("grant-%d-window-%d", grant.ID, grant.ValidThrough.Unix())
		} else {
			eventID = fmt.Sprintf("grant-%d-window-open", grant.ID)
		}
	}
	s.notifyAndResync(ctx, grant, models.WebhookEventGrantUpdated, eventID, "billing state changed", actor)

	return grant, nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// RevokeGrant cancels a grant (admin action).
func (s *Service) RevokeGrant(ctx context.Context, grantID uint, note string, actor audit.Actor) (*models.EntitlementGrant, error) {
	return s.UpdateGrantStatus(ctx, grantID, models.GrantStatusCanceled, note, actor)
}

// ExpireDueGrants transitions grants whose valid_through has passed into
// expired. This is how time-bounded access is revoked without per-request
// checks elsewhere. Per-grant failures do not abort the sweep.
func (s *Service) ExpireDueGrants(ctx context.Context, asOf time.Time, limit int) (int, error) {
	due, err := s.grants.ListDueForExpiry(asOf, limit)
	if err != nil {
		return 0, err
	}

	actor := audit.System("expiry-sweep")
	expired := 0
	for i := range due {
		grant := &due[i]
		changed, err := s.grants.UpdateStatusIf(grant.ID, grant.Status, models.GrantStatusExpired)
		if err != nil {
			log.Errorf("[Entitlements] expiry failed for grant %d: %v", grant.ID, err)
			continue
		}
		if !changed {
			continue
		}
		expired++
		grant.Status = models.GrantStatusExpired

		s.auditor.Record(grant.TenantID, actor, models.AuditGrantExpired, grant.SubjectUserID,
			fmt.Sprintf("grant:%d", grant.ID), map[string]interface{}{
				"valid_through": grant.ValidThrough,
			})
		s.notifyAndResync(ctx, grant, models.WebhookEventGrantExpired,
			fmt.Sprintf("grant-%d-expired", grant.ID), "grant expired", actor)
	}
	return expired, nil
}

// EvaluateUser loads grants and tiers and computes the desired role set for
// one user as of a timestamp.
func (s *Service) EvaluateUser(tenantID uint, subjectUserID string, asOf time.Time) ([]string, error) {
	grants, err := s.grants.ListByTenantUser(tenantID, subjectUserID)
	if err != nil {
		return nil, err
	}
	tiers, err := s.tiers.ListByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	return DesiredRoleIDs(grants, TiersByID(tiers), asOf), nil
}

// TiersByID indexes tiers for the evaluator.
func TiersByID(tiers []models.Tier) map[uint]*models.Tier {
	byID := make(map[uint]*models.Tier, len(tiers))
	for i := range tiers {
		byID[tiers[i].ID] = &tiers[i]
	}
	return byID
}

func (s *Service) notifyAndResync(ctx context.Context, grant *models.EntitlementGrant, eventType, eventID, reason string, actor audit.Actor) {
	if s.webhooks != nil {
		if _, err := s.webhooks.EnqueueDeliveries(ctx, grant.TenantID, eventType, eventID, grantPayload(grant)); err != nil {
			log.Errorf("[Entitlements] webhook enqueue failed for grant %d: %v", grant.ID, err)
		}
	}
	if s.syncs != nil {
		if err := s.syncs.EnqueueUserSync(ctx, grant.TenantID, grant.SubjectUserID, reason, actor); err != nil {
			log.Errorf("[Entitlements] role sync enqueue failed for grant %d: %v", grant.ID, err)
		}
	}
}

func grantPayload(g *models.EntitlementGrant) map[string]interface{} {
	payload := map[string]interface{}{
		"grant_id":        g.ID,
		"tier_id":         g.TierID,
		"subject_user_id": g.SubjectUserID,
		"status":          g.Status,
		"source":          g.Source,
		"valid_from":      g.ValidFrom,
	}
	if g.ValidThrough != nil {
		payload["valid_through"] = *g.ValidThrough
	}
	return payload
}
