package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/entitlements"
)

// Service owns provider event ingestion and application. Recording and
// applying are separate steps: a recorded event survives an application
// failure and is retried by the worker.
type Service struct {
	events  repository.ProviderEventRepository
	tenants repository.TenantRepository
	tiers   repository.TierRepository
	grants  repository.GrantRepository

	entitlements *entitlements.Service
	auditor      *audit.Recorder
}

// NewService creates a payments service from injected repositories.
func NewService(repos *repository.Repositories, ents *entitlements.Service, auditor *audit.Recorder) *Service {
	return &Service{
		events:       repos.ProviderEvent,
		tenants:      repos.Tenant,
		tiers:        repos.Tier,
		grants:       repos.Grant,
		entitlements: ents,
		auditor:      auditor,
	}
}

// RecordProviderEvent persists a normalized event exactly once. Replays of
// the same (provider, provider_event_id) return the stored row untouched.
func (s *Service) RecordProviderEvent(ctx context.Context, in ProviderEventInput) (RecordResult, *models.ProviderEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	eventID := strings.TrimSpace(in.ProviderEventID)
	if provider == "" || eventID == "" {
		return "", nil, errors.New("provider and provider_event_id are required")
	}
	if !models.IsNormalizedEventType(in.Type) {
		return "", nil, fmt.Errorf("unknown normalized event type %q", in.Type)
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	purchaseType := in.PurchaseType
	if purchaseType == "" {
		purchaseType = models.PurchaseTypeSubscription
	}

	ev := &models.ProviderEvent{
		Provider:            provider,
		ProviderEventID:     eventID,
		NormalizedEventType: in.Type,
		PurchaseType:        purchaseType,
		ObjectRef:           strings.TrimSpace(in.ObjectRef),
		CustomerRef:         strings.TrimSpace(in.CustomerRef),
		PriceRef:            strings.TrimSpace(in.PriceRef),
		GuildRef:            strings.TrimSpace(in.GuildRef),
		SubjectUserRef:      strings.TrimSpace(in.SubjectUserRef),
		PeriodEnd:           in.PeriodEnd,
		OccurredAt:          occurredAt,
		ReceivedAt:          time.Now().UTC(),
		PayloadJSON:         in.PayloadJSON,
	}

	created, stored, err := s.events.CreateIfNotExists(ev)
	if err != nil {
		return "", nil, err
	}
	if !created {
		return RecordResultDuplicate, stored, nil
	}
	return RecordResultRecorded, stored, nil
}

// MarkProviderEventProcessed finalizes an event. Finalization is terminal:
// repeating the same outcome is a no-op, a conflicting outcome is an error.
func (s *Service) MarkProviderEventProcessed(ctx context.Context, eventID uint, status, lastError string) error {
	if status != models.ProviderEventProcessed && status != models.ProviderEventFailed {
		return fmt.Errorf("unknown processed status %q", status)
	}
	if status == models.ProviderEventFailed && lastError == "" {
		return errors.New("failed finalization requires an error reason")
	}
	if status == models.ProviderEventProcessed && lastError != "" {
		return errors.New("processed finalization must not carry an error")
	}

	ev, err := s.events.GetByID(eventID)
	if err != nil {
		return err
	}
	if ev.ProcessedStatus != "" {
		if ev.ProcessedStatus == status {
			return nil
		}
		return fmt.Errorf("provider event %d already finalized as %s", eventID, ev.ProcessedStatus)
	}

	changed, err := s.events.SetProcessedStatusIfUnset(eventID, status, lastError)
	if err != nil {
		return err
	}
	if !changed {
		// Lost a race against a concurrent finalizer; re-check the outcome.
		ev, err := s.events.GetByID(eventID)
		if err != nil {
			return err
		}
		if ev.ProcessedStatus == status {
			return nil
		}
		return fmt.Errorf("provider event %d already finalized as %s", eventID, ev.ProcessedStatus)
	}
	return nil
}

// ApplyEvent turns one recorded provider event into at most one grant
// creation or update. Replaying an already-applied event resolves to an
// idempotent no-op inside the entitlement transition guards.
func (s *Service) ApplyEvent(ctx context.Context, ev *models.ProviderEvent) error {
	actor := audit.System("payments")
	source := models.GrantSourceForProvider(ev.Provider, ev.PurchaseType)

	grant, err := s.grants.GetBySourceRef(source, ev.ObjectRef)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	switch ev.NormalizedEventType {
	case models.EventSubscriptionActive:
		return s.applyActive(ctx, ev, grant, actor)

	case models.EventPaymentSucceeded:
		if ev.PurchaseType == models.PurchaseTypeSubscription {
			return s.applyActive(ctx, ev, grant, actor)
		}
		if grant != nil {
			// Replayed purchase; the grant already exists.
			return nil
		}
		return s.createGrantFromEvent(ctx, ev, actor)

	case models.EventSubscriptionPastDue:
		if grant == nil {
			return fmt.Errorf("no grant for %s ref %s", source, ev.ObjectRef)
		}
		return s.applyPastDue(ctx, ev, grant, actor)

	case models.EventPaymentFailed:
		if ev.PurchaseType == models.PurchaseTypeOneTime {
			// Nothing was granted, nothing to revoke.
			return nil
		}
		if grant == nil {
			return fmt.Errorf("no grant for %s ref %s", source, ev.ObjectRef)
		}
		return s.applyPastDue(ctx, ev, grant, actor)

	case models.EventSubscriptionCanceled:
		if grant == nil {
			return fmt.Errorf("no grant for %s ref %s", source, ev.ObjectRef)
		}
		return s.applyCanceled(ctx, ev, grant, actor)

	case models.EventRefundIssued:
		if grant == nil {
			return fmt.Errorf("no grant for %s ref %s", source, ev.ObjectRef)
		}
		_, err := s.entitlements.ApplyBillingTransition(ctx, grant.ID, entitlements.BillingTransition{
			ToStatus: models.GrantStatusCanceled,
			Note:     "refund issued",
		}, actor)
		return err

	case models.EventChargebackOpened:
		if grant == nil {
			return fmt.Errorf("no grant for %s ref %s", source, ev.ObjectRef)
		}
		_, err := s.entitlements.ApplyBillingTransition(ctx, grant.ID, entitlements.BillingTransition{
			ToStatus: models.GrantStatusSuspendedDispute,
			Note:     "chargeback opened",
		}, actor)
		return err

	case models.EventChargebackClosed:
		if grant == nil {
			return fmt.Errorf("no grant for %s ref %s", source, ev.ObjectRef)
		}
		_, err := s.entitlements.ApplyBillingTransition(ctx, grant.ID, entitlements.BillingTransition{
			ToStatus: models.GrantStatusActive,
			Note:     "chargeback closed",
		}, actor)
		return err

	default:
		return fmt.Errorf("unknown normalized event type %q", ev.NormalizedEventType)
	}
}

func (s *Service) applyActive(ctx context.Context, ev *models.ProviderEvent, grant *models.EntitlementGrant, actor audit.Actor) error {
	if grant == nil {
		return s.createGrantFromEvent(ctx, ev, actor)
	}
	_, err := s.entitlements.ApplyBillingTransition(ctx, grant.ID, entitlements.BillingTransition{
		ToStatus:     models.GrantStatusActive,
		SetWindow:    true,
		ValidThrough: ev.PeriodEnd,
	}, actor)
	return err
}

func (s *Service) applyPastDue(ctx context.Context, ev *models.ProviderEvent, grant *models.EntitlementGrant, actor audit.Actor) error {
	tier, err := s.tiers.GetByID(grant.TierID)
	if err != nil {
		return fmt.Errorf("tier lookup failed: %w", err)
	}

	// Grace runs from the missed period boundary, or from the event itself
	// when the provider did not report one.
	base := ev.OccurredAt
	if ev.PeriodEnd != nil {
		base = *ev.PeriodEnd
	}
	validThrough := base.Add(time.Duration(tier.GracePeriodDays) * 24 * time.Hour)

	_, err = s.entitlements.ApplyBillingTransition(ctx, grant.ID, entitlements.BillingTransition{
		ToStatus:     models.GrantStatusPastDue,
		SetWindow:    true,
		ValidThrough: &validThrough,
	}, actor)
	return err
}

func (s *Service) applyCanceled(ctx context.Context, ev *models.ProviderEvent, grant *models.EntitlementGrant, actor audit.Actor) error {
	tier, err := s.tiers.GetByID(grant.TierID)
	if err != nil {
		return fmt.Errorf("tier lookup failed: %w", err)
	}

	// cancel_at_period_end keeps paid-through access: the window closes at
	// the period boundary and the expiry sweep finishes the job.
	if tier.CancelAtPeriodEnd && ev.PeriodEnd != nil && ev.PeriodEnd.After(time.Now()) {
		_, err := s.entitlements.ApplyBillingTransition(ctx, grant.ID, entitlements.BillingTransition{
			ToStatus:     grant.Status,
			SetWindow:    true,
			ValidThrough: ev.PeriodEnd,
			Note:         "canceled at period end",
		}, actor)
		return err
	}

	_, err = s.entitlements.ApplyBillingTransition(ctx, grant.ID, entitlements.BillingTransition{
		ToStatus: models.GrantStatusCanceled,
	}, actor)
	return err
}

func (s *Service) createGrantFromEvent(ctx context.Context, ev *models.ProviderEvent, actor audit.Actor) error {
	if ev.GuildRef == "" {
		return errors.New("event carries no guild reference and matches no existing grant")
	}
	tenant, err := s.tenants.GetByGuildID(ev.GuildRef)
	if err != nil {
		return fmt.Errorf("unknown guild ref %q: %w", ev.GuildRef, err)
	}
	if ev.SubjectUserRef == "" {
		return errors.New("event carries no subject user reference")
	}

	tier, err := s.resolveTier(tenant.ID, ev)
	if err != nil {
		return err
	}

	validFrom := ev.OccurredAt
	var validThrough *time.Time
	switch tier.PolicyKind {
	case models.TierPolicyOneTime:
		if !tier.IsLifetime {
			vt := validFrom.Add(time.Duration(tier.DurationDays) * 24 * time.Hour)
			validThrough = &vt
		}
	default:
		validThrough = ev.PeriodEnd
	}

	_, err = s.entitlements.CreateGrant(ctx, entitlements.CreateGrantInput{
		TenantID:      tenant.ID,
		TierID:        tier.ID,
		SubjectUserID: ev.SubjectUserRef,
		Status:        models.GrantStatusActive,
		ValidFrom:     &validFrom,
		ValidThrough:  validThrough,
		Source:        models.GrantSourceForProvider(ev.Provider, ev.PurchaseType),
		SourceRefID:   ev.ObjectRef,
	}, actor)
	return err
}

// resolveTier maps the provider product reference to a tier of the tenant.
func (s *Service) resolveTier(tenantID uint, ev *models.ProviderEvent) (*models.Tier, error) {
	if ev.PriceRef == "" {
		return nil, errors.New("event carries no provider product reference")
	}
	tiers, err := s.tiers.ListByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	for i := range tiers {
		if tiers[i].MatchesProviderRef(ev.Provider, ev.PurchaseType, ev.PriceRef) {
			return &tiers[i], nil
		}
	}
	return nil, fmt.Errorf("no tier sold as %s %s ref %q", ev.Provider, ev.PurchaseType, ev.PriceRef)
}

// ProcessPendingEvents applies unprocessed events and finalizes each with a
// terminal outcome. Per-event failures do not abort the batch.
func (s *Service) ProcessPendingEvents(ctx context.Context, limit int) (applied, failed int, err error) {
	pending, err := s.events.ListUnprocessed(limit)
	if err != nil {
		return 0, 0, err
	}

	for i := range pending {
		ev := &pending[i]
		applyErr := s.ApplyEvent(ctx, ev)
		if applyErr != nil {
			failed++
			log.Errorf("[Payments] apply failed for event %d (%s %s): %v", ev.ID, ev.Provider, ev.ProviderEventID, applyErr)
			s.auditor.Record(0, audit.System("payments"), models.AuditProviderEventFailed, ev.SubjectUserRef,
				fmt.Sprintf("provider_event:%d", ev.ID), map[string]interface{}{
					"provider": ev.Provider,
					"type":     ev.NormalizedEventType,
					"error":    applyErr.Error(),
				})
			if markErr := s.MarkProviderEventProcessed(ctx, ev.ID, models.ProviderEventFailed, applyErr.Error()); markErr != nil {
				log.Errorf("[Payments] finalize failed for event %d: %v", ev.ID, markErr)
			}
			continue
		}

		applied++
		s.auditor.Record(0, audit.System("payments"), models.AuditProviderEventApplied, ev.SubjectUserRef,
			fmt.Sprintf("provider_event:%d", ev.ID), map[string]interface{}{
				"provider": ev.Provider,
				"type":     ev.NormalizedEventType,
			})
		if markErr := s.MarkProviderEventProcessed(ctx, ev.ID, models.ProviderEventProcessed, ""); markErr != nil {
			log.Errorf("[Payments] finalize failed for event %d: %v", ev.ID, markErr)
		}
	}
	return applied, failed, nil
}
