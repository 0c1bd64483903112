package models

import (
	"time"

	"gorm.io/gorm"
)

// Tenant is one external community (guild) whose roles GuildGate manages.
// Tenants are created on first contact and never deleted.
type Tenant struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	ExternalGuildID string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"external_guild_id"`
	DisplayName     string    `gorm:"type:varchar(200);not null;default:''" json:"display_name"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindTenantByGuildID looks up a tenant by its external guild id.
func FindTenantByGuildID(db *gorm.DB, guildID string) (*Tenant, error) {
	var t Tenant
	if err := db.Where("external_guild_id = ?", guildID).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetOrCreateTenant returns the tenant for a guild id, creating it on first contact.
func GetOrCreateTenant(db *gorm.DB, guildID, displayName string) (*Tenant, error) {
	t, err := FindTenantByGuildID(db, guildID)
	if err == nil {
		return t, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	t = &Tenant{ExternalGuildID: guildID, DisplayName: displayName}
	if err := db.Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}
