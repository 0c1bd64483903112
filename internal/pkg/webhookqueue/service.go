package webhookqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
)

// Service owns subscriber endpoints and the outbound delivery queue. Fan-out
// is per endpoint with a dedupe key, so re-announcing the same domain event
// never produces a second delivery.
type Service struct {
	webhooks repository.WebhookRepository
	tenants  repository.TenantRepository
	validate *validator.Validate
}

// NewService creates a webhook queue service.
func NewService(repos *repository.Repositories) *Service {
	return &Service{
		webhooks: repos.Webhook,
		tenants:  repos.Tenant,
		validate: validator.New(),
	}
}

// RegisterEndpoint validates and stores a subscriber endpoint. An empty
// signing secret gets a generated one; the caller shows it to the admin once.
func (s *Service) RegisterEndpoint(e *models.WebhookEndpoint) error {
	if e.TenantID == 0 {
		return errors.New("tenant_id is required")
	}
	if _, err := s.tenants.GetByID(e.TenantID); err != nil {
		return fmt.Errorf("tenant lookup failed: %w", err)
	}
	e.URL = strings.TrimSpace(e.URL)
	if err := s.validate.Struct(e); err != nil {
		return err
	}
	for _, eventType := range e.EventTypes {
		if !isKnownWebhookEventType(eventType) {
			return fmt.Errorf("unknown webhook event type %q", eventType)
		}
	}
	if strings.TrimSpace(e.SigningSecret) == "" {
		e.SigningSecret = uuid.NewString()
	}
	e.IsActive = true
	return s.webhooks.CreateEndpoint(e)
}

// DisableEndpoint deactivates an endpoint without losing its history.
func (s *Service) DisableEndpoint(id uint) error {
	e, err := s.webhooks.GetEndpoint(id)
	if err != nil {
		return err
	}
	e.IsActive = false
	return s.webhooks.UpdateEndpoint(e)
}

// Envelope is the wire shape every delivery carries.
type Envelope struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	GuildID    string                 `json:"guildId"`
	OccurredAt time.Time              `json:"occurredAt"`
	Data       map[string]interface{} `json:"data"`
}

// EnqueueDeliveries fans a domain event out to every active subscribed
// endpoint. Returns how many deliveries were newly created; duplicates by
// (endpoint, event type, event id) are silently skipped.
func (s *Service) EnqueueDeliveries(ctx context.Context, tenantID uint, eventType, eventID string, payload map[string]interface{}) (int, error) {
	if strings.TrimSpace(eventID) == "" {
		return 0, errors.New("event id is required")
	}
	tenant, err := s.tenants.GetByID(tenantID)
	if err != nil {
		return 0, fmt.Errorf("tenant lookup failed: %w", err)
	}
	endpoints, err := s.webhooks.ListActiveEndpoints(tenantID)
	if err != nil {
		return 0, err
	}

	envelope := Envelope{
		ID:         eventID,
		Type:       eventType,
		GuildID:    tenant.ExternalGuildID,
		OccurredAt: time.Now().UTC(),
		Data:       payload,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, err
	}

	created := 0
	for i := range endpoints {
		endpoint := &endpoints[i]
		if !endpoint.SubscribesTo(eventType) {
			continue
		}
		ok, err := s.webhooks.CreateDeliveryIfNotExists(&models.OutboundWebhookDelivery{
			TenantID:       tenantID,
			EndpointID:     endpoint.ID,
			EventType:      eventType,
			EventID:        eventID,
			URL:            endpoint.URL,
			SecretSnapshot: endpoint.SigningSecret,
			PayloadJSON:    string(body),
			Status:         models.DeliveryStatusPending,
		})
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// ListFailedDeliveries exposes dead letters to the admin surface.
func (s *Service) ListFailedDeliveries(tenantID uint, limit int) ([]models.FailedDeliveryView, error) {
	return s.webhooks.ListFailed(tenantID, limit)
}

func isKnownWebhookEventType(t string) bool {
	switch t {
	case models.WebhookEventGrantCreated, models.WebhookEventGrantUpdated, models.WebhookEventGrantExpired,
		models.WebhookEventRoleSyncRequested, models.WebhookEventRoleSyncSucceeded, models.WebhookEventRoleSyncFailed:
		return true
	default:
		return false
	}
}
