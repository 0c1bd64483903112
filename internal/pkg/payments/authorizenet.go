package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/internal/pkg/env"
)

const defaultAuthorizeNetAPIURL = "https://api.authorize.net/xml/v1/request.api"

type AuthorizeNetAdapter struct {
	SignatureKey   string
	APILoginID     string
	TransactionKey string
	APIURL         string

	HTTPClient *http.Client
}

func NewAuthorizeNetAdapterFromEnv() *AuthorizeNetAdapter {
	return &AuthorizeNetAdapter{
		SignatureKey:   strings.TrimSpace(env.GetEnv("ANET_SIGNATURE_KEY", "")),
		APILoginID:     strings.TrimSpace(env.GetEnv("ANET_API_LOGIN_ID", "")),
		TransactionKey: strings.TrimSpace(env.GetEnv("ANET_TRANSACTION_KEY", "")),
		APIURL:         strings.TrimSpace(env.GetEnv("ANET_API_URL", defaultAuthorizeNetAPIURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (a *AuthorizeNetAdapter) Name() string { return models.ProviderAuthorizeNet }

func (a *AuthorizeNetAdapter) SignatureHeader() string { return "X-ANET-Signature" }

// VerifySignature checks the sha512=HEX scheme: HMAC-SHA512 with the merchant
// signature key over the raw body.
func (a *AuthorizeNetAdapter) VerifySignature(body []byte, headerValue string) error {
	if a.SignatureKey == "" {
		return errors.New("ANET_SIGNATURE_KEY is not configured")
	}
	header := strings.TrimSpace(headerValue)
	if header == "" {
		return errors.New("missing X-ANET-Signature header")
	}
	hexSig := strings.TrimPrefix(strings.ToLower(header), "sha512=")
	if verifyHMACSHA512Hex(body, hexSig, []byte(a.SignatureKey)) {
		return nil
	}
	return errors.New("X-ANET-Signature verification failed")
}

type anetWebhook struct {
	NotificationID string    `json:"notificationId"`
	EventType      string    `json:"eventType"`
	EventDate      time.Time `json:"eventDate"`
	Payload        struct {
		ID         string `json:"id"`
		EntityName string `json:"entityName"`
		// Merchant-defined pass-through fields configured on the hosted form.
		GuildRef string `json:"guildRef"`
		UserRef  string `json:"userRef"`
		PlanRef  string `json:"planRef"`
		Profile  struct {
			CustomerProfileID json.Number `json:"customerProfileId"`
		} `json:"profile"`
	} `json:"payload"`
}

func (a *AuthorizeNetAdapter) ParseWebhook(body []byte) (*NormalizedEvent, error) {
	var raw anetWebhook
	if err := json.Unmarshal(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), &raw); err != nil {
		return nil, fmt.Errorf("authorize.net webhook payload is not valid JSON: %w", err)
	}
	if strings.TrimSpace(raw.NotificationID) == "" {
		return nil, errors.New("authorize.net webhook payload missing notificationId")
	}
	if strings.TrimSpace(raw.Payload.ID) == "" {
		return nil, errors.New("authorize.net webhook payload missing object id")
	}

	out := &NormalizedEvent{
		Provider:        models.ProviderAuthorizeNet,
		ProviderEventID: raw.NotificationID,
		ObjectRef:       raw.Payload.ID,
		CustomerRef:     raw.Payload.Profile.CustomerProfileID.String(),
		PriceRef:        strings.TrimSpace(raw.Payload.PlanRef),
		GuildRef:        strings.TrimSpace(raw.Payload.GuildRef),
		SubjectUserRef:  strings.TrimSpace(raw.Payload.UserRef),
		OccurredAt:      raw.EventDate.UTC(),
		RawJSON:         string(body),
	}
	if raw.EventDate.IsZero() {
		out.OccurredAt = time.Now().UTC()
	}

	switch raw.EventType {
	case "net.authorize.payment.authcapture.created":
		out.Type = models.EventPaymentSucceeded
		out.PurchaseType = models.PurchaseTypeOneTime
	case "net.authorize.payment.refund.created":
		out.Type = models.EventRefundIssued
		out.PurchaseType = models.PurchaseTypeOneTime
	case "net.authorize.payment.fraud.held":
		out.Type = models.EventChargebackOpened
		out.PurchaseType = models.PurchaseTypeOneTime
	case "net.authorize.payment.fraud.approved":
		out.Type = models.EventChargebackClosed
		out.PurchaseType = models.PurchaseTypeOneTime
	case "net.authorize.customer.subscription.created", "net.authorize.customer.subscription.updated":
		out.Type = models.EventSubscriptionActive
		out.PurchaseType = models.PurchaseTypeSubscription
	case "net.authorize.customer.subscription.suspended":
		out.Type = models.EventSubscriptionPastDue
		out.PurchaseType = models.PurchaseTypeSubscription
	case "net.authorize.customer.subscription.cancelled", "net.authorize.customer.subscription.terminated":
		out.Type = models.EventSubscriptionCanceled
		out.PurchaseType = models.PurchaseTypeSubscription
	default:
		return nil, ErrUnsupportedEvent
	}
	return out, nil
}

// QueryCurrentState issues an ARBGetSubscriptionStatusRequest. Authorize.Net
// prefixes JSON responses with a UTF-8 BOM that must be stripped before
// decoding.
func (a *AuthorizeNetAdapter) QueryCurrentState(ctx context.Context, objectRef string) (*RemoteSubscriptionState, error) {
	ref := strings.TrimSpace(objectRef)
	if ref == "" {
		return nil, errors.New("subscription reference is required")
	}
	if a.APILoginID == "" || a.TransactionKey == "" {
		return nil, errors.New("ANET_API_LOGIN_ID/ANET_TRANSACTION_KEY are not configured")
	}

	reqBody := map[string]interface{}{
		"ARBGetSubscriptionStatusRequest": map[string]interface{}{
			"merchantAuthentication": map[string]string{
				"name":           a.APILoginID,
				"transactionKey": a.TransactionKey,
			},
			"subscriptionId": ref,
		},
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("authorize.net subscription lookup failed: status=%d body=%s", resp.StatusCode, string(body))
	}

	var raw struct {
		Status   string `json:"status"`
		Messages struct {
			ResultCode string `json:"resultCode"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), &raw); err != nil {
		return nil, err
	}
	if !strings.EqualFold(raw.Messages.ResultCode, "Ok") {
		return nil, fmt.Errorf("authorize.net subscription lookup rejected: body=%s", string(body))
	}

	return &RemoteSubscriptionState{Status: anetSubscriptionStatusToEvent(raw.Status)}, nil
}

func anetSubscriptionStatusToEvent(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.EventSubscriptionActive
	case "suspended":
		return models.EventSubscriptionPastDue
	default:
		return models.EventSubscriptionCanceled
	}
}
