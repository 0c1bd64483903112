package models

import "time"

// Actor kinds recorded in the audit log.
const (
	ActorSystem = "system"
	ActorAdmin  = "admin"
)

// Audit event types.
const (
	AuditGrantCreated         = "grant.created"
	AuditGrantStatusChanged   = "grant.status_changed"
	AuditGrantExpired         = "grant.expired"
	AuditProviderEventApplied = "provider_event.applied"
	AuditProviderEventFailed  = "provider_event.failed"
	AuditSyncRequested        = "role_sync.requested"
	AuditSyncCompleted        = "role_sync.completed"
	AuditSyncFailed           = "role_sync.failed"
	AuditSyncRetryScheduled   = "role_sync.retry_scheduled"
	AuditSyncRepairScheduled  = "role_sync.repair_scheduled"
	AuditReconcileOutcome     = "reconcile.outcome"
)

// AuditEvent is an append-only record of a state transition. SummaryJSON is a
// compact payload summary and never includes secrets or tokens.
type AuditEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TenantID      uint      `gorm:"not null;index:idx_audit_tenant_time,priority:1" json:"tenant_id"`
	ActorKind     string    `gorm:"type:varchar(10);not null" json:"actor_kind"`
	ActorID       string    `gorm:"type:varchar(120);not null;default:''" json:"actor_id"`
	EventType     string    `gorm:"type:varchar(60);not null;index" json:"event_type"`
	SubjectUserID string    `gorm:"type:varchar(64);not null;default:'';index" json:"subject_user_id"`
	CorrelationID string    `gorm:"type:varchar(191);not null;default:''" json:"correlation_id"`
	SummaryJSON   string    `gorm:"type:text" json:"summary_json"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index:idx_audit_tenant_time,priority:2" json:"created_at"`
}
