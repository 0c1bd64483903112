package models

import "time"

// WebhookEndpoint is a subscriber endpoint registered by a tenant admin.
// SigningSecret is used to HMAC-sign outbound payloads; EventTypes filters
// which domain events produce deliveries for this endpoint.
type WebhookEndpoint struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	TenantID      uint       `gorm:"not null;index" json:"tenant_id"`
	URL           string     `gorm:"type:varchar(500);not null" json:"url" validate:"required,url"`
	SigningSecret string     `gorm:"type:varchar(191);not null" json:"-"`
	EventTypes    StringList `gorm:"type:text;not null" json:"event_types"`
	IsActive      bool       `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// SubscribesTo reports whether the endpoint wants deliveries for eventType.
// An empty filter subscribes to everything.
func (e *WebhookEndpoint) SubscribesTo(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}
