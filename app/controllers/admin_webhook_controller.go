package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/guildgate/guildgate/app/models"
)

// HandleAdminCreateWebhookEndpoint registers a subscriber endpoint for a
// tenant. The signing secret is generated when absent and returned exactly
// once in this response.
func HandleAdminCreateWebhookEndpoint(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}

	var body struct {
		URL           string   `json:"url"`
		SigningSecret string   `json:"signing_secret"`
		EventTypes    []string `json:"event_types"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}

	endpoint := &models.WebhookEndpoint{
		TenantID:      tenantID,
		URL:           body.URL,
		SigningSecret: body.SigningSecret,
		EventTypes:    models.StringList(body.EventTypes),
	}
	if err := services.Webhooks.RegisterEndpoint(endpoint); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "endpoint_create_failed", "message": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":             endpoint.ID,
		"tenant_id":      endpoint.TenantID,
		"url":            endpoint.URL,
		"event_types":    endpoint.EventTypes,
		"is_active":      endpoint.IsActive,
		"signing_secret": endpoint.SigningSecret,
	})
}

// HandleAdminDisableWebhookEndpoint deactivates an endpoint. Pending
// deliveries already enqueued for it still drain.
func HandleAdminDisableWebhookEndpoint(c *fiber.Ctx) error {
	endpointID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_endpoint_id"})
	}
	if err := services.Webhooks.DisableEndpoint(endpointID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "endpoint_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "endpoint_disable_failed"})
	}
	return c.JSON(fiber.Map{"ok": true})
}

// HandleAdminListFailedDeliveries lists dead-lettered deliveries of a tenant,
// excluding secrets and payload bodies.
func HandleAdminListFailedDeliveries(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}
	deliveries, err := services.Webhooks.ListFailedDeliveries(tenantID, queryLimit(c, 50))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "delivery_list_failed"})
	}
	return c.JSON(fiber.Map{"deliveries": deliveries})
}
