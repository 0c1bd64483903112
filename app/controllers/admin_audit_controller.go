package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// HandleAdminListAuditEvents lists audit events of a tenant since a given
// time (?since=RFC3339, default 24h back), optionally narrowed to one subject
// user (?subject=).
func HandleAdminListAuditEvents(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_since", "message": "since must be RFC3339"})
		}
		since = parsed
	}
	limit := queryLimit(c, 100)

	if subject := c.Query("subject"); subject != "" {
		events, err := services.Repos.Audit.ListByTenantSubject(tenantID, subject, since, limit)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "audit_list_failed"})
		}
		return c.JSON(fiber.Map{"events": events})
	}

	events, err := services.Repos.Audit.ListByTenant(tenantID, since, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "audit_list_failed"})
	}
	return c.JSON(fiber.Map{"events": events})
}
