package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Entitlement policy kinds for a tier.
const (
	TierPolicySubscription = "subscription"
	TierPolicyOneTime      = "one_time"
)

// Purchase types used to key provider product references.
const (
	PurchaseTypeSubscription = "subscription"
	PurchaseTypeOneTime      = "one_time"
)

// Tier is a purchasable access level within a tenant: the external roles it
// grants, its entitlement policy, and the provider products that sell it.
type Tier struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	TenantID          uint          `gorm:"not null;index:idx_tiers_tenant" json:"tenant_id"`
	Name              string        `gorm:"type:varchar(120);not null" json:"name" validate:"required,min=1,max=120"`
	RoleIDs           StringList    `gorm:"type:text;not null" json:"role_ids"`
	PolicyKind        string        `gorm:"type:varchar(20);not null;default:'subscription'" json:"policy_kind" validate:"oneof=subscription one_time"`
	DurationDays      int           `gorm:"not null;default:0" json:"duration_days"`
	IsLifetime        bool          `gorm:"not null;default:false" json:"is_lifetime"`
	GracePeriodDays   int           `gorm:"not null;default:0" json:"grace_period_days"`
	CancelAtPeriodEnd bool          `gorm:"not null;default:true" json:"cancel_at_period_end"`
	ProviderRefs      StringListMap `gorm:"type:text" json:"provider_refs"`
	CreatedAt         time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

const defaultGracePeriodDays = 7

// ApplyPolicyDefaults fills unset policy fields the way admin tooling expects:
// subscriptions get a grace period, one-time tiers keep their explicit window.
func (t *Tier) ApplyPolicyDefaults() {
	if t.PolicyKind == "" {
		t.PolicyKind = TierPolicySubscription
	}
	if t.PolicyKind == TierPolicySubscription && t.GracePeriodDays == 0 {
		t.GracePeriodDays = defaultGracePeriodDays
	}
}

// Validate enforces the tier policy invariant: one-time tiers have exactly one
// of {fixed duration, lifetime}; subscription tiers never set a fixed duration.
func (t *Tier) Validate() error {
	v := validator.New()
	if err := v.Struct(t); err != nil {
		return err
	}
	switch t.PolicyKind {
	case TierPolicyOneTime:
		if t.IsLifetime == (t.DurationDays > 0) {
			return errors.New("one_time tier requires exactly one of duration_days or is_lifetime")
		}
	case TierPolicySubscription:
		if t.DurationDays > 0 {
			return errors.New("subscription tier must not set a fixed duration")
		}
		if t.IsLifetime {
			return errors.New("subscription tier must not be lifetime")
		}
	}
	return nil
}

// ProviderRefKey builds the lookup key for provider product references.
func ProviderRefKey(provider, purchaseType string) string {
	return fmt.Sprintf("%s:%s", provider, purchaseType)
}

// MatchesProviderRef reports whether the tier is sold as the given provider
// product (price id, plan id, SKU) for the given purchase type.
func (t *Tier) MatchesProviderRef(provider, purchaseType, ref string) bool {
	refs, ok := t.ProviderRefs[ProviderRefKey(provider, purchaseType)]
	if !ok {
		return false
	}
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}
