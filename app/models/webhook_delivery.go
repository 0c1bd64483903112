package models

import "time"

// Outbound delivery statuses. A failed delivery with no scheduled next
// attempt is a dead letter and stays visible to operators.
const (
	DeliveryStatusPending    = "pending"
	DeliveryStatusDelivering = "delivering"
	DeliveryStatusSucceeded  = "succeeded"
	DeliveryStatusFailed     = "failed"
)

// Domain event types emitted to subscriber endpoints.
const (
	WebhookEventGrantCreated      = "grant.created"
	WebhookEventGrantUpdated      = "grant.updated"
	WebhookEventGrantExpired      = "grant.expired"
	WebhookEventRoleSyncRequested = "role_sync.requested"
	WebhookEventRoleSyncSucceeded = "role_sync.succeeded"
	WebhookEventRoleSyncFailed    = "role_sync.failed"
)

// OutboundWebhookDelivery is one attempt-tracked notification to one
// endpoint. The unique (endpoint_id, event_type, event_id) index makes
// re-enqueuing the same domain event a no-op per endpoint.
type OutboundWebhookDelivery struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	TenantID       uint       `gorm:"not null;index" json:"tenant_id"`
	EndpointID     uint       `gorm:"not null;index:ux_webhook_deliveries_dedupe,unique,priority:1" json:"endpoint_id"`
	EventType      string     `gorm:"type:varchar(60);not null;index:ux_webhook_deliveries_dedupe,unique,priority:2" json:"event_type"`
	EventID        string     `gorm:"type:varchar(191);not null;index:ux_webhook_deliveries_dedupe,unique,priority:3" json:"event_id"`
	URL            string     `gorm:"type:varchar(500);not null" json:"url"`
	SecretSnapshot string     `gorm:"type:varchar(191);not null" json:"-"`
	PayloadJSON    string     `gorm:"type:longtext;not null" json:"-"`
	Status         string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_webhook_deliveries_status_due,priority:1" json:"status"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  *time.Time `gorm:"type:timestamp;default:null;index:idx_webhook_deliveries_status_due,priority:2" json:"next_attempt_at,omitempty"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// FailedDeliveryView is the operator-facing projection of a dead-lettered
// delivery. It deliberately omits the signing secret and full payload.
type FailedDeliveryView struct {
	ID         uint      `json:"id"`
	TenantID   uint      `json:"tenant_id"`
	EndpointID uint      `json:"endpoint_id"`
	EventType  string    `json:"event_type"`
	EventID    string    `json:"event_id"`
	URL        string    `json:"url"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
