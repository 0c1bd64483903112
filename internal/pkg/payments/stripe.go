package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/internal/pkg/env"
)

const (
	defaultStripeAPIBaseURL = "https://api.stripe.com"

	// stripeSignatureTolerance bounds the accepted age of a signed timestamp.
	stripeSignatureTolerance = 5 * time.Minute
)

type StripeAdapter struct {
	WebhookSecret string
	APIKey        string
	APIBaseURL    string

	HTTPClient *http.Client

	// now is swapped in tests to pin the signature tolerance window.
	now func() time.Time
}

func NewStripeAdapterFromEnv() *StripeAdapter {
	return &StripeAdapter{
		WebhookSecret: strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		APIKey:        strings.TrimSpace(env.GetEnv("STRIPE_API_KEY", "")),
		APIBaseURL:    strings.TrimRight(strings.TrimSpace(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeAPIBaseURL)), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

func (a *StripeAdapter) Name() string { return models.ProviderStripe }

func (a *StripeAdapter) SignatureHeader() string { return "Stripe-Signature" }

// VerifySignature checks the t=...,v1=... scheme: HMAC-SHA256 over
// "<timestamp>.<body>", with a bounded timestamp age.
func (a *StripeAdapter) VerifySignature(body []byte, headerValue string) error {
	if strings.TrimSpace(a.WebhookSecret) == "" {
		return errors.New("STRIPE_WEBHOOK_SECRET is not configured")
	}
	header := strings.TrimSpace(headerValue)
	if header == "" {
		return errors.New("missing Stripe-Signature header")
	}

	var timestamp string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			candidates = append(candidates, kv[1])
		}
	}
	if timestamp == "" || len(candidates) == 0 {
		return errors.New("malformed Stripe-Signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("malformed Stripe-Signature timestamp")
	}
	age := a.now().Sub(time.Unix(ts, 0))
	if age > stripeSignatureTolerance || age < -stripeSignatureTolerance {
		return errors.New("Stripe-Signature timestamp outside tolerance")
	}

	signed := append([]byte(timestamp+"."), body...)
	for _, candidate := range candidates {
		if verifyHMACSHA256Hex(signed, candidate, []byte(a.WebhookSecret)) {
			return nil
		}
	}
	return errors.New("Stripe-Signature verification failed")
}

type stripeObject struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Subscription     string            `json:"subscription"`
	PaymentIntent    string            `json:"payment_intent"`
	Charge           string            `json:"charge"`
	Status           string            `json:"status"`
	Mode             string            `json:"mode"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Lines struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeObject `json:"object"`
	} `json:"data"`
}

func (a *StripeAdapter) ParseWebhook(body []byte) (*NormalizedEvent, error) {
	var raw stripeEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("stripe webhook payload is not valid JSON: %w", err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, errors.New("stripe webhook payload missing event id")
	}

	obj := raw.Data.Object
	out := &NormalizedEvent{
		Provider:        models.ProviderStripe,
		ProviderEventID: raw.ID,
		PurchaseType:    models.PurchaseTypeSubscription,
		CustomerRef:     obj.Customer,
		GuildRef:        strings.TrimSpace(obj.Metadata["guild_id"]),
		SubjectUserRef:  strings.TrimSpace(obj.Metadata["user_id"]),
		OccurredAt:      time.Unix(raw.Created, 0).UTC(),
		RawJSON:         string(body),
	}
	if raw.Created == 0 {
		out.OccurredAt = time.Now().UTC()
	}
	if obj.CurrentPeriodEnd > 0 {
		periodEnd := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		out.PeriodEnd = &periodEnd
	}
	if len(obj.Items.Data) > 0 {
		out.PriceRef = obj.Items.Data[0].Price.ID
	} else if len(obj.Lines.Data) > 0 {
		out.PriceRef = obj.Lines.Data[0].Price.ID
	} else {
		out.PriceRef = strings.TrimSpace(obj.Metadata["price_id"])
	}

	switch raw.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		out.Type = stripeSubscriptionStatusToEvent(obj.Status)
		out.ObjectRef = obj.ID
	case "customer.subscription.deleted":
		out.Type = models.EventSubscriptionCanceled
		out.ObjectRef = obj.ID
	case "invoice.payment_succeeded":
		out.Type = models.EventPaymentSucceeded
		out.ObjectRef = firstNonEmpty(obj.Subscription, obj.ID)
	case "invoice.payment_failed":
		out.Type = models.EventPaymentFailed
		out.ObjectRef = firstNonEmpty(obj.Subscription, obj.ID)
	case "checkout.session.completed":
		if obj.Mode != "payment" {
			return nil, ErrUnsupportedEvent
		}
		out.Type = models.EventPaymentSucceeded
		out.PurchaseType = models.PurchaseTypeOneTime
		out.ObjectRef = obj.ID
	case "charge.refunded":
		out.Type = models.EventRefundIssued
		out.PurchaseType = models.PurchaseTypeOneTime
		out.ObjectRef = firstNonEmpty(obj.PaymentIntent, obj.ID)
	case "charge.dispute.created":
		out.Type = models.EventChargebackOpened
		out.PurchaseType = models.PurchaseTypeOneTime
		out.ObjectRef = firstNonEmpty(obj.PaymentIntent, obj.Charge, obj.ID)
	case "charge.dispute.closed":
		out.Type = models.EventChargebackClosed
		out.PurchaseType = models.PurchaseTypeOneTime
		out.ObjectRef = firstNonEmpty(obj.PaymentIntent, obj.Charge, obj.ID)
	default:
		return nil, ErrUnsupportedEvent
	}

	if strings.TrimSpace(out.ObjectRef) == "" {
		return nil, errors.New("stripe webhook payload missing object reference")
	}
	return out, nil
}

func (a *StripeAdapter) QueryCurrentState(ctx context.Context, objectRef string) (*RemoteSubscriptionState, error) {
	ref := strings.TrimSpace(objectRef)
	if ref == "" {
		return nil, errors.New("subscription reference is required")
	}
	if strings.TrimSpace(a.APIKey) == "" {
		return nil, errors.New("STRIPE_API_KEY is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIBaseURL+"/v1/subscriptions/"+ref, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe subscription lookup failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw struct {
		Status           string `json:"status"`
		CurrentPeriodEnd int64  `json:"current_period_end"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	out := &RemoteSubscriptionState{Status: stripeSubscriptionStatusToEvent(raw.Status)}
	if raw.CurrentPeriodEnd > 0 {
		periodEnd := time.Unix(raw.CurrentPeriodEnd, 0).UTC()
		out.PeriodEnd = &periodEnd
	}
	return out, nil
}

func stripeSubscriptionStatusToEvent(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "past_due", "unpaid":
		return models.EventSubscriptionPastDue
	case "canceled", "incomplete_expired":
		return models.EventSubscriptionCanceled
	default:
		// Transient states like incomplete or paused must not cancel the
		// grant; the next reconcile pass sees the settled status.
		return models.EventSubscriptionActive
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
