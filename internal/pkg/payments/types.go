package payments

import "time"

// NormalizedEvent is the provider-agnostic shape every adapter converges on
// before any shared logic runs.
type NormalizedEvent struct {
	Provider        string
	ProviderEventID string
	Type            string // models.Event* vocabulary
	PurchaseType    string // models.PurchaseType*
	ObjectRef       string // provider subscription/transaction id
	CustomerRef     string
	PriceRef        string // provider price/plan/SKU reference
	GuildRef        string // external guild id carried in provider metadata
	SubjectUserRef  string // chat user id carried in provider metadata
	PeriodEnd       *time.Time
	OccurredAt      time.Time
	RawJSON         string
}

// RemoteSubscriptionState is a provider's current view of one subscription,
// used by reconciliation.
type RemoteSubscriptionState struct {
	Status    string // already normalized to the models.Event* vocabulary
	PeriodEnd *time.Time
}

// RecordResult distinguishes a fresh insert from an idempotent duplicate.
type RecordResult string

const (
	RecordResultRecorded  RecordResult = "recorded"
	RecordResultDuplicate RecordResult = "duplicate"
)

// ProviderEventInput is the normalized input for provider event persistence.
type ProviderEventInput struct {
	Provider        string
	ProviderEventID string
	Type            string
	PurchaseType    string
	ObjectRef       string
	CustomerRef     string
	PriceRef        string
	GuildRef        string
	SubjectUserRef  string
	PeriodEnd       *time.Time
	OccurredAt      time.Time
	PayloadJSON     string
}
