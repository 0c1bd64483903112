package controllers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/guildgate/guildgate/internal/pkg/payments"
)

// HandleProviderWebhook ingests one provider webhook: verify the signature
// over the raw body, normalize, record exactly once, ack fast. Entitlement
// application runs asynchronously off the recorded event.
func HandleProviderWebhook(c *fiber.Ctx) error {
	provider := strings.ToLower(strings.TrimSpace(c.Params("provider")))
	adapter, ok := services.Providers.Get(provider)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_provider"})
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get(adapter.SignatureHeader()))
	if err := adapter.VerifySignature(rawBody, signature); err != nil {
		// Unverified bodies are never recorded: a forged event id would
		// later shadow the provider's genuine delivery as a duplicate.
		log.Warnf("[Webhook] %s signature rejected: %v", provider, err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	ev, err := adapter.ParseWebhook(rawBody)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedEvent) {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
		}
		log.Warnf("[Webhook] %s payload rejected: %v", provider, err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, _, err := services.Payments.RecordProviderEvent(ctx, payments.ProviderEventInput{
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		Type:            ev.Type,
		PurchaseType:    ev.PurchaseType,
		ObjectRef:       ev.ObjectRef,
		CustomerRef:     ev.CustomerRef,
		PriceRef:        ev.PriceRef,
		GuildRef:        ev.GuildRef,
		SubjectUserRef:  ev.SubjectUserRef,
		PeriodEnd:       ev.PeriodEnd,
		OccurredAt:      ev.OccurredAt,
		PayloadJSON:     string(rawBody),
	})
	if err != nil {
		log.Errorf("[Webhook] %s persist failed: %v", provider, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if result == payments.RecordResultDuplicate {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
}
