package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/guildgate/guildgate/app/models"
)

func newTestStripeAdapter(secret string, now time.Time) *StripeAdapter {
	return &StripeAdapter{
		WebhookSecret: secret,
		now:           func() time.Time { return now },
	}
}

func stripeSign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeVerifySignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	adapter := newTestStripeAdapter("whsec_test", now)
	body := []byte(`{"id":"evt_1"}`)

	if err := adapter.VerifySignature(body, stripeSign("whsec_test", now.Unix(), body)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := adapter.VerifySignature(body, stripeSign("whsec_wrong", now.Unix(), body)); err == nil {
		t.Fatal("expected wrong-secret signature to fail")
	}
	if err := adapter.VerifySignature([]byte(`{"id":"evt_2"}`), stripeSign("whsec_test", now.Unix(), body)); err == nil {
		t.Fatal("expected tampered body to fail")
	}

	stale := now.Add(-10 * time.Minute).Unix()
	if err := adapter.VerifySignature(body, stripeSign("whsec_test", stale, body)); err == nil {
		t.Fatal("expected stale timestamp to fail")
	}
	if err := adapter.VerifySignature(body, ""); err == nil {
		t.Fatal("expected missing header to fail")
	}
}

func TestStripeParseWebhookSubscription(t *testing.T) {
	adapter := newTestStripeAdapter("whsec_test", time.Now())
	body := []byte(`{
		"id": "evt_sub_1",
		"type": "customer.subscription.updated",
		"created": 1700000000,
		"data": {"object": {
			"id": "sub_123",
			"customer": "cus_9",
			"status": "past_due",
			"current_period_end": 1702592000,
			"metadata": {"guild_id": "guild-1", "user_id": "user-1"},
			"items": {"data": [{"price": {"id": "price_gold"}}]}
		}}
	}`)

	ev, err := adapter.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Type != models.EventSubscriptionPastDue {
		t.Fatalf("expected SUBSCRIPTION_PAST_DUE, got %s", ev.Type)
	}
	if ev.ProviderEventID != "evt_sub_1" || ev.ObjectRef != "sub_123" {
		t.Fatalf("unexpected refs: %+v", ev)
	}
	if ev.PurchaseType != models.PurchaseTypeSubscription {
		t.Fatalf("expected subscription purchase type, got %s", ev.PurchaseType)
	}
	if ev.GuildRef != "guild-1" || ev.SubjectUserRef != "user-1" || ev.PriceRef != "price_gold" {
		t.Fatalf("metadata not carried through: %+v", ev)
	}
	if ev.PeriodEnd == nil || ev.PeriodEnd.Unix() != 1702592000 {
		t.Fatalf("expected period end from current_period_end, got %v", ev.PeriodEnd)
	}
}

func TestStripeParseWebhookOneTimeCheckout(t *testing.T) {
	adapter := newTestStripeAdapter("whsec_test", time.Now())
	body := []byte(`{
		"id": "evt_cs_1",
		"type": "checkout.session.completed",
		"created": 1700000000,
		"data": {"object": {
			"id": "cs_456",
			"customer": "cus_9",
			"mode": "payment",
			"metadata": {"guild_id": "guild-1", "user_id": "user-1", "price_id": "price_lifetime"}
		}}
	}`)

	ev, err := adapter.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Type != models.EventPaymentSucceeded || ev.PurchaseType != models.PurchaseTypeOneTime {
		t.Fatalf("expected one-time PAYMENT_SUCCEEDED, got %s/%s", ev.Type, ev.PurchaseType)
	}
	if ev.ObjectRef != "cs_456" || ev.PriceRef != "price_lifetime" {
		t.Fatalf("unexpected refs: %+v", ev)
	}
}

func TestStripeSubscriptionStatusMapping(t *testing.T) {
	cases := []struct {
		status string
		want   string
	}{
		{"active", models.EventSubscriptionActive},
		{"trialing", models.EventSubscriptionActive},
		{"past_due", models.EventSubscriptionPastDue},
		{"unpaid", models.EventSubscriptionPastDue},
		{"canceled", models.EventSubscriptionCanceled},
		{"incomplete_expired", models.EventSubscriptionCanceled},
		// Transient checkout states keep the grant alive.
		{"incomplete", models.EventSubscriptionActive},
		{"paused", models.EventSubscriptionActive},
	}
	for _, tc := range cases {
		if got := stripeSubscriptionStatusToEvent(tc.status); got != tc.want {
			t.Fatalf("status %q: expected %s, got %s", tc.status, tc.want, got)
		}
	}
}

func TestStripeParseWebhookUnsupportedType(t *testing.T) {
	adapter := newTestStripeAdapter("whsec_test", time.Now())
	body := []byte(`{"id": "evt_x", "type": "customer.created", "data": {"object": {"id": "cus_1"}}}`)
	if _, err := adapter.ParseWebhook(body); !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}

	subsOnly := []byte(`{"id": "evt_y", "type": "checkout.session.completed", "data": {"object": {"id": "cs_1", "mode": "subscription"}}}`)
	if _, err := adapter.ParseWebhook(subsOnly); !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected subscription-mode checkout to be unsupported, got %v", err)
	}
}
