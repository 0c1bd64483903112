package payments

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/internal/pkg/env"
)

const defaultNMIQueryAPIURL = "https://secure.nmi.com/api/query.php"

type NMIAdapter struct {
	WebhookSigningKey string
	SecurityKey       string
	QueryAPIURL       string

	HTTPClient *http.Client
}

func NewNMIAdapterFromEnv() *NMIAdapter {
	return &NMIAdapter{
		WebhookSigningKey: strings.TrimSpace(env.GetEnv("NMI_WEBHOOK_SIGNING_KEY", "")),
		SecurityKey:       strings.TrimSpace(env.GetEnv("NMI_SECURITY_KEY", "")),
		QueryAPIURL:       strings.TrimSpace(env.GetEnv("NMI_QUERY_API_URL", defaultNMIQueryAPIURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *NMIAdapter) Name() string { return models.ProviderNMI }

func (a *NMIAdapter) SignatureHeader() string { return "X-NMI-Signature" }

// VerifySignature checks a hex HMAC-SHA256 over the raw form body.
func (a *NMIAdapter) VerifySignature(body []byte, headerValue string) error {
	if a.WebhookSigningKey == "" {
		return errors.New("NMI_WEBHOOK_SIGNING_KEY is not configured")
	}
	header := strings.TrimSpace(headerValue)
	if header == "" {
		return errors.New("missing X-NMI-Signature header")
	}
	if verifyHMACSHA256Hex(body, header, []byte(a.WebhookSigningKey)) {
		return nil
	}
	return errors.New("X-NMI-Signature verification failed")
}

// ParseWebhook normalizes NMI's form-encoded notification body.
func (a *NMIAdapter) ParseWebhook(body []byte) (*NormalizedEvent, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("nmi webhook payload is not form-encoded: %w", err)
	}

	eventID := strings.TrimSpace(values.Get("event_id"))
	if eventID == "" {
		return nil, errors.New("nmi webhook payload missing event_id")
	}

	subscriptionID := strings.TrimSpace(values.Get("subscription_id"))
	transactionID := strings.TrimSpace(values.Get("transaction_id"))

	out := &NormalizedEvent{
		Provider:        models.ProviderNMI,
		ProviderEventID: eventID,
		CustomerRef:     strings.TrimSpace(values.Get("customer_vault_id")),
		PriceRef:        strings.TrimSpace(values.Get("plan_id")),
		GuildRef:        strings.TrimSpace(values.Get("guild_id")),
		SubjectUserRef:  strings.TrimSpace(values.Get("user_id")),
		OccurredAt:      time.Now().UTC(),
		RawJSON:         string(body),
	}
	if ts := strings.TrimSpace(values.Get("event_date")); ts != "" {
		if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
			out.OccurredAt = time.Unix(unix, 0).UTC()
		}
	}
	if ts := strings.TrimSpace(values.Get("period_end")); ts != "" {
		if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
			periodEnd := time.Unix(unix, 0).UTC()
			out.PeriodEnd = &periodEnd
		}
	}

	if subscriptionID != "" {
		out.PurchaseType = models.PurchaseTypeSubscription
		out.ObjectRef = subscriptionID
	} else {
		out.PurchaseType = models.PurchaseTypeOneTime
		out.ObjectRef = transactionID
	}

	switch strings.TrimSpace(values.Get("event_type")) {
	case "transaction.sale.success":
		out.Type = models.EventPaymentSucceeded
	case "transaction.sale.failure":
		out.Type = models.EventPaymentFailed
	case "transaction.refund.success":
		out.Type = models.EventRefundIssued
	case "recurring.subscription.add", "recurring.subscription.update":
		out.Type = models.EventSubscriptionActive
		out.PurchaseType = models.PurchaseTypeSubscription
	case "recurring.subscription.delete":
		out.Type = models.EventSubscriptionCanceled
		out.PurchaseType = models.PurchaseTypeSubscription
	case "chargeback.opened":
		out.Type = models.EventChargebackOpened
	case "chargeback.closed":
		out.Type = models.EventChargebackClosed
	default:
		return nil, ErrUnsupportedEvent
	}

	if out.ObjectRef == "" {
		return nil, errors.New("nmi webhook payload missing subscription_id/transaction_id")
	}
	return out, nil
}

type nmiQueryResponse struct {
	XMLName   xml.Name `xml:"nm_response"`
	Recurring struct {
		Subscription struct {
			SubscriptionID string `xml:"subscription_id"`
			Status         string `xml:"status"`
			NextChargeDate string `xml:"next_charge_date"`
		} `xml:"subscription"`
	} `xml:"recurring"`
}

// QueryCurrentState queries the recurring report for one subscription. The
// query API answers in XML regardless of the request encoding.
func (a *NMIAdapter) QueryCurrentState(ctx context.Context, objectRef string) (*RemoteSubscriptionState, error) {
	ref := strings.TrimSpace(objectRef)
	if ref == "" {
		return nil, errors.New("subscription reference is required")
	}
	if a.SecurityKey == "" {
		return nil, errors.New("NMI_SECURITY_KEY is not configured")
	}

	form := url.Values{}
	form.Set("security_key", a.SecurityKey)
	form.Set("report_type", "recurring")
	form.Set("subscription_id", ref)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.QueryAPIURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nmi subscription lookup failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw nmiQueryResponse
	if err := xml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("nmi subscription lookup returned invalid XML: %w", err)
	}
	if strings.TrimSpace(raw.Recurring.Subscription.SubscriptionID) == "" {
		// Absent from the recurring report means the subscription is gone.
		return &RemoteSubscriptionState{Status: models.EventSubscriptionCanceled}, nil
	}

	out := &RemoteSubscriptionState{Status: nmiSubscriptionStatusToEvent(raw.Recurring.Subscription.Status)}
	if next := strings.TrimSpace(raw.Recurring.Subscription.NextChargeDate); next != "" {
		if t, err := time.Parse("2006-01-02", next); err == nil {
			t = t.UTC()
			out.PeriodEnd = &t
		}
	}
	return out, nil
}

func nmiSubscriptionStatusToEvent(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "active":
		return models.EventSubscriptionActive
	case "past_due", "failed":
		return models.EventSubscriptionPastDue
	default:
		return models.EventSubscriptionCanceled
	}
}
