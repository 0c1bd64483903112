package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"
	"testing"

	"github.com/guildgate/guildgate/app/models"
)

func TestNMIVerifySignature(t *testing.T) {
	adapter := &NMIAdapter{WebhookSigningKey: "nmi_key"}
	body := []byte("event_id=ev1&event_type=transaction.sale.success")

	mac := hmac.New(sha256.New, []byte("nmi_key"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	if err := adapter.VerifySignature(body, sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := adapter.VerifySignature([]byte("event_id=ev2"), sig); err == nil {
		t.Fatal("expected tampered body to fail")
	}
}

func TestNMIParseWebhookSubscription(t *testing.T) {
	adapter := &NMIAdapter{}
	form := url.Values{}
	form.Set("event_id", "nmi-ev-1")
	form.Set("event_type", "recurring.subscription.update")
	form.Set("subscription_id", "sub-77")
	form.Set("plan_id", "plan-gold")
	form.Set("guild_id", "guild-1")
	form.Set("user_id", "user-1")
	form.Set("period_end", "1702592000")

	ev, err := adapter.ParseWebhook([]byte(form.Encode()))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Type != models.EventSubscriptionActive || ev.PurchaseType != models.PurchaseTypeSubscription {
		t.Fatalf("unexpected normalization: %s/%s", ev.Type, ev.PurchaseType)
	}
	if ev.ObjectRef != "sub-77" || ev.PriceRef != "plan-gold" {
		t.Fatalf("unexpected refs: %+v", ev)
	}
	if ev.PeriodEnd == nil || ev.PeriodEnd.Unix() != 1702592000 {
		t.Fatalf("expected period end, got %v", ev.PeriodEnd)
	}
}

func TestNMIParseWebhookOneTimeSale(t *testing.T) {
	adapter := &NMIAdapter{}
	form := url.Values{}
	form.Set("event_id", "nmi-ev-2")
	form.Set("event_type", "transaction.sale.success")
	form.Set("transaction_id", "txn-42")
	form.Set("plan_id", "sku-lifetime")
	form.Set("guild_id", "guild-1")
	form.Set("user_id", "user-1")

	ev, err := adapter.ParseWebhook([]byte(form.Encode()))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Type != models.EventPaymentSucceeded || ev.PurchaseType != models.PurchaseTypeOneTime {
		t.Fatalf("unexpected normalization: %s/%s", ev.Type, ev.PurchaseType)
	}
	if ev.ObjectRef != "txn-42" {
		t.Fatalf("expected transaction ref, got %q", ev.ObjectRef)
	}
}

func TestNMIParseWebhookUnsupported(t *testing.T) {
	adapter := &NMIAdapter{}
	if _, err := adapter.ParseWebhook([]byte("event_id=x&event_type=settlement.batch.complete")); !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected ErrUnsupportedEvent, got %v", err)
	}
}

func TestAuthorizeNetVerifySignature(t *testing.T) {
	adapter := &AuthorizeNetAdapter{SignatureKey: "anet_key"}
	body := []byte(`{"notificationId":"n1"}`)

	mac := hmac.New(sha512.New, []byte("anet_key"))
	mac.Write(body)
	sig := "sha512=" + hex.EncodeToString(mac.Sum(nil))

	if err := adapter.VerifySignature(body, sig); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
	if err := adapter.VerifySignature([]byte(`{"notificationId":"n2"}`), sig); err == nil {
		t.Fatal("expected tampered body to fail")
	}
}

func TestAuthorizeNetParseWebhook(t *testing.T) {
	adapter := &AuthorizeNetAdapter{}
	body := []byte(`{
		"notificationId": "anet-n-1",
		"eventType": "net.authorize.customer.subscription.suspended",
		"eventDate": "2023-12-01T10:00:00Z",
		"payload": {"id": "arb-55", "guildRef": "guild-1", "userRef": "user-1", "planRef": "plan-silver"}
	}`)

	ev, err := adapter.ParseWebhook(body)
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if ev.Type != models.EventSubscriptionPastDue || ev.PurchaseType != models.PurchaseTypeSubscription {
		t.Fatalf("unexpected normalization: %s/%s", ev.Type, ev.PurchaseType)
	}
	if ev.ObjectRef != "arb-55" || ev.GuildRef != "guild-1" || ev.PriceRef != "plan-silver" {
		t.Fatalf("unexpected refs: %+v", ev)
	}
}
