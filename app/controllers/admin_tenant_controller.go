package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/guildgate/guildgate/app/models"
)

// HandleAdminCreateTenant onboards a guild. Repeating the call for the same
// external guild id returns the existing tenant.
func HandleAdminCreateTenant(c *fiber.Ctx) error {
	var body struct {
		ExternalGuildID string `json:"external_guild_id"`
		DisplayName     string `json:"display_name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	guildID := strings.TrimSpace(body.ExternalGuildID)
	if guildID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "external_guild_id is required"})
	}

	tenant, err := services.Repos.Tenant.GetOrCreateByGuildID(guildID, strings.TrimSpace(body.DisplayName))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tenant_create_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(tenant)
}

// HandleAdminListTenants lists all tenants.
func HandleAdminListTenants(c *fiber.Ctx) error {
	tenants, err := services.Repos.Tenant.ListAll()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tenant_list_failed"})
	}
	return c.JSON(fiber.Map{"tenants": tenants})
}

// HandleAdminCreateTier creates a tier within a tenant.
func HandleAdminCreateTier(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}
	if _, err := services.Repos.Tenant.GetByID(tenantID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tenant_not_found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tenant_lookup_failed"})
	}

	var tier models.Tier
	if err := c.BodyParser(&tier); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	tier.ID = 0
	tier.TenantID = tenantID
	tier.ApplyPolicyDefaults()
	if err := tier.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tier", "message": err.Error()})
	}

	if err := services.Repos.Tier.Create(&tier); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tier_create_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(tier)
}

// HandleAdminListTiers lists the tiers of a tenant.
func HandleAdminListTiers(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}
	tiers, err := services.Repos.Tier.ListByTenant(tenantID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tier_list_failed"})
	}
	return c.JSON(fiber.Map{"tiers": tiers})
}
