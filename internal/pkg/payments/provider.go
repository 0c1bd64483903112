package payments

import (
	"context"
	"errors"
	"strings"
)

// ErrUnsupportedEvent marks provider notifications outside the normalized
// vocabulary. Callers acknowledge these without recording anything.
var ErrUnsupportedEvent = errors.New("unsupported provider event type")

// Adapter converts one provider's webhook dialect into normalized events and
// answers reconciliation queries against the provider API.
type Adapter interface {
	Name() string
	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
	// VerifySignature checks the raw request body against the header value.
	VerifySignature(body []byte, headerValue string) error
	// ParseWebhook normalizes one webhook request body. Returns
	// ErrUnsupportedEvent for notification types outside the vocabulary.
	ParseWebhook(body []byte) (*NormalizedEvent, error)
	// QueryCurrentState fetches the provider's current view of a subscription.
	QueryCurrentState(ctx context.Context, objectRef string) (*RemoteSubscriptionState, error)
}

// Registry resolves adapters by provider name.
type Registry map[string]Adapter

// NewRegistry indexes adapters by their Name.
func NewRegistry(adapters ...Adapter) Registry {
	r := make(Registry, len(adapters))
	for _, a := range adapters {
		r[a.Name()] = a
	}
	return r
}

// Get resolves an adapter by provider name, case-insensitively.
func (r Registry) Get(provider string) (Adapter, bool) {
	a, ok := r[strings.ToLower(strings.TrimSpace(provider))]
	return a, ok
}
