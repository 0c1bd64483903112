package webhookqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
)

// DeadLetterArchiver stores exhausted deliveries for offline inspection.
// Implemented by the S3 archive; nil disables archiving.
type DeadLetterArchiver interface {
	ArchiveDeadLetter(ctx context.Context, deliveryID uint, doc []byte) error
}

// Dispatcher drains the delivery queue: signed POST per delivery, exponential
// backoff on failure, dead letter after the attempt budget is spent.
type Dispatcher struct {
	webhooks repository.WebhookRepository
	archiver DeadLetterArchiver

	client      *http.Client
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

const (
	defaultMaxAttempts = 8
	defaultBaseBackoff = 30 * time.Second
	defaultMaxBackoff  = time.Hour
)

// NewDispatcher creates a dispatcher with the default retry policy.
func NewDispatcher(repos *repository.Repositories, archiver DeadLetterArchiver) *Dispatcher {
	return &Dispatcher{
		webhooks: repos.Webhook,
		archiver: archiver,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
	}
}

// DispatchDueOnce processes one batch of due deliveries. The conditional
// pickup makes concurrent dispatchers safe: losing the status flip means
// another dispatcher owns the delivery.
func (d *Dispatcher) DispatchDueOnce(ctx context.Context, asOf time.Time, limit int) (succeeded, retried, deadLettered int, err error) {
	due, err := d.webhooks.ListDueDeliveries(asOf, limit)
	if err != nil {
		return 0, 0, 0, err
	}

	for i := range due {
		delivery := &due[i]
		won, err := d.webhooks.StartDeliveryIf(delivery.ID, asOf)
		if err != nil {
			log.Errorf("[WebhookQueue] pickup failed for delivery %d: %v", delivery.ID, err)
			continue
		}
		if !won {
			continue
		}
		attempt := delivery.Attempts + 1

		sendErr := d.send(ctx, delivery)
		if sendErr == nil {
			if err := d.webhooks.MarkDelivery(delivery.ID, models.DeliveryStatusSucceeded, nil, ""); err != nil {
				log.Errorf("[WebhookQueue] mark succeeded failed for delivery %d: %v", delivery.ID, err)
			}
			succeeded++
			continue
		}

		if attempt >= d.maxAttempts {
			if err := d.webhooks.MarkDelivery(delivery.ID, models.DeliveryStatusFailed, nil, sendErr.Error()); err != nil {
				log.Errorf("[WebhookQueue] dead-letter mark failed for delivery %d: %v", delivery.ID, err)
				continue
			}
			deadLettered++
			log.Warnf("[WebhookQueue] delivery %d dead-lettered after %d attempts: %v", delivery.ID, attempt, sendErr)
			d.archive(ctx, delivery, attempt, sendErr)
			continue
		}

		next := asOf.Add(d.backoff(attempt))
		if err := d.webhooks.MarkDelivery(delivery.ID, models.DeliveryStatusPending, &next, sendErr.Error()); err != nil {
			log.Errorf("[WebhookQueue] reschedule failed for delivery %d: %v", delivery.ID, err)
			continue
		}
		retried++
	}
	return succeeded, retried, deadLettered, nil
}

func (d *Dispatcher) send(ctx context.Context, delivery *models.OutboundWebhookDelivery) error {
	body := []byte(delivery.PayloadJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(delivery.SecretSnapshot, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint answered status %d", resp.StatusCode)
	}
	return nil
}

// backoff doubles per attempt from baseBackoff, capped at maxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.baseBackoff
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= d.maxBackoff {
			return d.maxBackoff
		}
	}
	return wait
}

func (d *Dispatcher) archive(ctx context.Context, delivery *models.OutboundWebhookDelivery, attempts int, sendErr error) {
	if d.archiver == nil {
		return
	}
	doc, err := json.Marshal(map[string]interface{}{
		"delivery_id": delivery.ID,
		"tenant_id":   delivery.TenantID,
		"endpoint_id": delivery.EndpointID,
		"event_type":  delivery.EventType,
		"event_id":    delivery.EventID,
		"url":         delivery.URL,
		"attempts":    attempts,
		"last_error":  sendErr.Error(),
		"payload":     json.RawMessage(delivery.PayloadJSON),
	})
	if err != nil {
		log.Errorf("[WebhookQueue] archive marshal failed for delivery %d: %v", delivery.ID, err)
		return
	}
	if err := d.archiver.ArchiveDeadLetter(ctx, delivery.ID, doc); err != nil {
		log.Errorf("[WebhookQueue] archive failed for delivery %d: %v", delivery.ID, err)
	}
}
