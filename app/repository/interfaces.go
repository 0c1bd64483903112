package repository

import (
	"time"

	"github.com/guildgate/guildgate/app/models"
)

// TenantRepository defines tenant lookups and first-contact creation.
type TenantRepository interface {
	Create(t *models.Tenant) error
	GetByID(id uint) (*models.Tenant, error)
	GetByGuildID(guildID string) (*models.Tenant, error)
	GetOrCreateByGuildID(guildID, displayName string) (*models.Tenant, error)
	ListAll() ([]models.Tenant, error)
}

// TierRepository defines tier storage and provider product resolution.
type TierRepository interface {
	Create(t *models.Tier) error
	GetByID(id uint) (*models.Tier, error)
	ListByTenant(tenantID uint) ([]models.Tier, error)
	Update(t *models.Tier) error
}

// GrantRepository defines entitlement grant storage. Grants are never
// deleted; every mutation is a status or window change.
type GrantRepository interface {
	Create(g *models.EntitlementGrant) error
	GetByID(id uint) (*models.EntitlementGrant, error)
	GetBySourceRef(source, sourceRefID string) (*models.EntitlementGrant, error)
	ListByTenantUser(tenantID uint, subjectUserID string) ([]models.EntitlementGrant, error)
	ListSubjectsWithGrants(tenantID uint) ([]string, error)
	ListDueForExpiry(asOf time.Time, limit int) ([]models.EntitlementGrant, error)
	ListStaleSubscriptionGrants(staleBefore time.Time, limit int) ([]models.EntitlementGrant, error)
	Update(g *models.EntitlementGrant) error
	// UpdateStatusIf flips status only when the current value still matches
	// from; reports whether the row was changed.
	UpdateStatusIf(id uint, from, to string) (bool, error)
	TouchReconciledAt(id uint, at time.Time) error
}

// ProviderEventRepository defines the deduplicated provider event log.
type ProviderEventRepository interface {
	// CreateIfNotExists inserts unless (provider, provider_event_id) already
	// exists; returns created=false and the stored row on duplicates.
	CreateIfNotExists(ev *models.ProviderEvent) (bool, *models.ProviderEvent, error)
	GetByID(id uint) (*models.ProviderEvent, error)
	ListUnprocessed(limit int) ([]models.ProviderEvent, error)
	// SetProcessedStatusIfUnset writes the terminal processed status only when
	// none is set yet; reports whether the row was changed.
	SetProcessedStatusIfUnset(id uint, status, lastError string) (bool, error)
}

// RoleSyncRepository defines the sync request queue. Claim and complete are
// conditional single-row transitions guarded by current status.
type RoleSyncRepository interface {
	Create(r *models.RoleSyncRequest) error
	GetByID(id uint) (*models.RoleSyncRequest, error)
	// ClaimOldestPending atomically flips the oldest pending request of the
	// tenant to in_progress; returns nil when none is pending.
	ClaimOldestPending(tenantID uint, asOf time.Time) (*models.RoleSyncRequest, error)
	// CompleteIf finishes an in_progress request; reports false when the
	// request was not in_progress (already terminal or never claimed).
	CompleteIf(id uint, toStatus, lastError string, asOf time.Time) (bool, error)
	ListRecentFailed(since time.Time, limit int) ([]models.RoleSyncRequest, error)
	LatestForScope(tenantID uint, scope, subjectUserID string) (*models.RoleSyncRequest, error)
	CountOpenForScope(tenantID uint, scope, subjectUserID string) (int64, error)
	LatestGuildRequest(tenantID uint) (*models.RoleSyncRequest, error)
	ListStaleInProgress(olderThan time.Time, limit int) ([]models.RoleSyncRequest, error)
	ListByTenant(tenantID uint, status string, limit int) ([]models.RoleSyncRequest, error)
}

// WebhookRepository defines subscriber endpoints and the outbound delivery
// queue with its dedupe and conditional pickup semantics.
type WebhookRepository interface {
	CreateEndpoint(e *models.WebhookEndpoint) error
	GetEndpoint(id uint) (*models.WebhookEndpoint, error)
	ListActiveEndpoints(tenantID uint) ([]models.WebhookEndpoint, error)
	UpdateEndpoint(e *models.WebhookEndpoint) error
	// CreateDeliveryIfNotExists dedupes on (endpoint_id, event_type, event_id).
	CreateDeliveryIfNotExists(d *models.OutboundWebhookDelivery) (bool, error)
	GetDelivery(id uint) (*models.OutboundWebhookDelivery, error)
	ListDueDeliveries(asOf time.Time, limit int) ([]models.OutboundWebhookDelivery, error)
	// StartDeliveryIf flips a due pending delivery to delivering and bumps
	// the attempt counter; reports whether this caller won the pickup.
	StartDeliveryIf(id uint, asOf time.Time) (bool, error)
	MarkDelivery(id uint, status string, nextAttemptAt *time.Time, lastError string) error
	ListFailed(tenantID uint, limit int) ([]models.FailedDeliveryView, error)
}

// AuditRepository is append-only.
type AuditRepository interface {
	Append(ev *models.AuditEvent) error
	ListByTenant(tenantID uint, since time.Time, limit int) ([]models.AuditEvent, error)
	ListByTenantSubject(tenantID uint, subjectUserID string, since time.Time, limit int) ([]models.AuditEvent, error)
}
