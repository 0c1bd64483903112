package models

import "time"

// Grant statuses. Expiry and cancellation are status transitions; grant rows
// are never deleted so access history stays queryable.
const (
	GrantStatusActive           = "active"
	GrantStatusPending          = "pending"
	GrantStatusPastDue          = "past_due"
	GrantStatusCanceled         = "canceled"
	GrantStatusExpired          = "expired"
	GrantStatusSuspendedDispute = "suspended_dispute"
)

// Grant sources.
const (
	GrantSourceStripeSubscription       = "stripe_subscription"
	GrantSourceStripeOneTime            = "stripe_one_time"
	GrantSourceAuthorizeNetSubscription = "authorize_net_subscription"
	GrantSourceAuthorizeNetOneTime      = "authorize_net_one_time"
	GrantSourceNMISubscription          = "nmi_subscription"
	GrantSourceNMIOneTime               = "nmi_one_time"
	GrantSourceManual                   = "manual"
	GrantSourceAPI                      = "api"
)

// EntitlementGrant is the atomic unit of access: one user's right to one tier,
// time-bounded or open-ended. Multiple concurrent grants per user are legal;
// effective access is the union over all of them.
type EntitlementGrant struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	TenantID      uint       `gorm:"not null;index:idx_grants_tenant_user,priority:1" json:"tenant_id"`
	TierID        uint       `gorm:"not null;index" json:"tier_id"`
	SubjectUserID string     `gorm:"type:varchar(64);not null;index:idx_grants_tenant_user,priority:2" json:"subject_user_id"`
	Status        string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	ValidFrom     time.Time  `gorm:"not null" json:"valid_from"`
	ValidThrough  *time.Time `gorm:"type:timestamp;default:null;index" json:"valid_through,omitempty"`
	Source        string     `gorm:"type:varchar(40);not null;index" json:"source"`
	SourceRefID   string     `gorm:"type:varchar(191);not null;default:'';index" json:"source_ref_id"`
	Note          string     `gorm:"type:text" json:"note"`
	// LastReconciledAt is the last time a provider confirmed this grant's
	// remote state; reconciliation targets rows where it has gone stale.
	LastReconciledAt *time.Time `gorm:"type:timestamp;default:null;index" json:"last_reconciled_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// grantTransitions is the explicit status state machine for grants. Guards
// live here once instead of as scattered status checks at every call site.
var grantTransitions = map[string][]string{
	GrantStatusPending:          {GrantStatusActive, GrantStatusCanceled, GrantStatusExpired},
	GrantStatusActive:           {GrantStatusPastDue, GrantStatusCanceled, GrantStatusExpired, GrantStatusSuspendedDispute},
	GrantStatusPastDue:          {GrantStatusActive, GrantStatusCanceled, GrantStatusExpired, GrantStatusSuspendedDispute},
	GrantStatusSuspendedDispute: {GrantStatusActive, GrantStatusCanceled, GrantStatusExpired},
	GrantStatusCanceled:         {GrantStatusActive, GrantStatusExpired},
	GrantStatusExpired:          {GrantStatusActive},
}

// IsGrantStatus reports whether s belongs to the grant status vocabulary.
func IsGrantStatus(s string) bool {
	switch s {
	case GrantStatusActive, GrantStatusPending, GrantStatusPastDue,
		GrantStatusCanceled, GrantStatusExpired, GrantStatusSuspendedDispute:
		return true
	default:
		return false
	}
}

// CanTransitionGrantStatus reports whether a grant status change is allowed.
// Identical from/to is permitted as an idempotent no-op.
func CanTransitionGrantStatus(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range grantTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SubscriptionGrantSources lists sources eligible for provider reconciliation.
func SubscriptionGrantSources() []string {
	return []string{
		GrantSourceStripeSubscription,
		GrantSourceAuthorizeNetSubscription,
		GrantSourceNMISubscription,
	}
}

// GrantSourceForProvider maps a provider name and purchase type to a source.
func GrantSourceForProvider(provider, purchaseType string) string {
	switch provider {
	case "stripe":
		if purchaseType == PurchaseTypeOneTime {
			return GrantSourceStripeOneTime
		}
		return GrantSourceStripeSubscription
	case "authorizenet":
		if purchaseType == PurchaseTypeOneTime {
			return GrantSourceAuthorizeNetOneTime
		}
		return GrantSourceAuthorizeNetSubscription
	case "nmi":
		if purchaseType == PurchaseTypeOneTime {
			return GrantSourceNMIOneTime
		}
		return GrantSourceNMISubscription
	default:
		return GrantSourceAPI
	}
}

// ProviderForGrantSource is the inverse mapping used by reconciliation.
func ProviderForGrantSource(source string) string {
	switch source {
	case GrantSourceStripeSubscription, GrantSourceStripeOneTime:
		return "stripe"
	case GrantSourceAuthorizeNetSubscription, GrantSourceAuthorizeNetOneTime:
		return "authorizenet"
	case GrantSourceNMISubscription, GrantSourceNMIOneTime:
		return "nmi"
	default:
		return ""
	}
}
