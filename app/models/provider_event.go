package models

import "time"

// Payment providers.
const (
	ProviderStripe       = "stripe"
	ProviderAuthorizeNet = "authorizenet"
	ProviderNMI          = "nmi"
)

// Normalized provider event types. Every provider adapter converges on this
// vocabulary before any shared logic runs.
const (
	EventPaymentSucceeded     = "PAYMENT_SUCCEEDED"
	EventPaymentFailed        = "PAYMENT_FAILED"
	EventSubscriptionActive   = "SUBSCRIPTION_ACTIVE"
	EventSubscriptionPastDue  = "SUBSCRIPTION_PAST_DUE"
	EventSubscriptionCanceled = "SUBSCRIPTION_CANCELED"
	EventRefundIssued         = "REFUND_ISSUED"
	EventChargebackOpened     = "CHARGEBACK_OPENED"
	EventChargebackClosed     = "CHARGEBACK_CLOSED"
)

// Processed statuses for a provider event. Empty means not yet processed.
const (
	ProviderEventProcessed = "processed"
	ProviderEventFailed    = "failed"
)

// ProviderEvent is one normalized, deduplicated ingestion record. The unique
// (provider, provider_event_id) index is the idempotency guarantee: providers
// retry webhook delivery and reconciliation re-derives synthetic event ids.
type ProviderEvent struct {
	ID                  uint       `gorm:"primaryKey" json:"id"`
	Provider            string     `gorm:"type:varchar(20);not null;index:ux_provider_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID     string     `gorm:"type:varchar(191);not null;index:ux_provider_events_provider_event,unique,priority:2" json:"provider_event_id"`
	NormalizedEventType string     `gorm:"type:varchar(40);not null;index" json:"normalized_event_type"`
	PurchaseType        string     `gorm:"type:varchar(20);not null;default:'subscription'" json:"purchase_type"`
	ObjectRef           string     `gorm:"type:varchar(191);not null;default:'';index" json:"object_ref"`
	CustomerRef         string     `gorm:"type:varchar(191);not null;default:''" json:"customer_ref"`
	PriceRef            string     `gorm:"type:varchar(191);not null;default:''" json:"price_ref"`
	GuildRef            string     `gorm:"type:varchar(64);not null;default:''" json:"guild_ref"`
	SubjectUserRef      string     `gorm:"type:varchar(64);not null;default:''" json:"subject_user_ref"`
	PeriodEnd           *time.Time `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	OccurredAt          time.Time  `gorm:"not null" json:"occurred_at"`
	ReceivedAt          time.Time  `gorm:"not null" json:"received_at"`
	ProcessedStatus     string     `gorm:"type:varchar(16);not null;default:'';index" json:"processed_status"`
	LastError           string     `gorm:"type:text" json:"last_error"`
	PayloadJSON         string     `gorm:"type:longtext" json:"payload_json"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsNormalizedEventType reports whether s belongs to the canonical vocabulary.
func IsNormalizedEventType(s string) bool {
	switch s {
	case EventPaymentSucceeded, EventPaymentFailed,
		EventSubscriptionActive, EventSubscriptionPastDue, EventSubscriptionCanceled,
		EventRefundIssued, EventChargebackOpened, EventChargebackClosed:
		return true
	default:
		return false
	}
}
