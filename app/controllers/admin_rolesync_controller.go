package controllers

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/guildgate/guildgate/app/models"
)

// HandleAdminRequestRoleSync enqueues a role sync for a guild or a single
// user. Scope defaults to guild.
func HandleAdminRequestRoleSync(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}

	var body struct {
		Scope         string `json:"scope"`
		SubjectUserID string `json:"subject_user_id"`
		Reason        string `json:"reason"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if body.Scope == "" {
		body.Scope = models.SyncScopeGuild
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := services.RoleSync.RequestRoleSync(ctx, tenantID, body.Scope, body.SubjectUserID, body.Reason, adminActor(c))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sync_request_failed", "message": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

// HandleAdminListRoleSyncs lists sync requests of a tenant, optionally
// filtered by status (?status=failed).
func HandleAdminListRoleSyncs(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}
	limit := queryLimit(c, 50)

	requests, err := services.RoleSync.ListByTenant(tenantID, c.Query("status"), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_list_failed"})
	}
	return c.JSON(fiber.Map{"requests": requests})
}

func queryLimit(c *fiber.Ctx, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
