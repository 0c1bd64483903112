package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/internal/pkg/entitlements"
)

// HandleAdminCreateGrant creates a manual grant for a user within a tenant.
func HandleAdminCreateGrant(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}

	var body struct {
		TierID        uint       `json:"tier_id"`
		SubjectUserID string     `json:"subject_user_id"`
		ValidFrom     *time.Time `json:"valid_from"`
		ValidThrough  *time.Time `json:"valid_through"`
		Note          string     `json:"note"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grant, err := services.Entitlements.CreateManualGrant(ctx, entitlements.CreateGrantInput{
		TenantID:      tenantID,
		TierID:        body.TierID,
		SubjectUserID: body.SubjectUserID,
		ValidFrom:     body.ValidFrom,
		ValidThrough:  body.ValidThrough,
		Note:          body.Note,
	}, adminActor(c))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "grant_create_failed", "message": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(grant)
}

// HandleAdminRevokeGrant cancels a grant.
func HandleAdminRevokeGrant(c *fiber.Ctx) error {
	grantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_grant_id"})
	}
	var body struct {
		Note string `json:"note"`
	}
	// Body is optional.
	_ = c.BodyParser(&body)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grant, err := services.Entitlements.RevokeGrant(ctx, grantID, body.Note, adminActor(c))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "grant_not_found"})
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "grant_revoke_failed", "message": err.Error()})
	}
	return c.JSON(grant)
}

// HandleAdminEvaluateUser returns the deterministic access state of one user:
// desired role ids, grants and tenure.
func HandleAdminEvaluateUser(c *fiber.Ctx) error {
	tenantID, err := parseUintParam(c, "id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_tenant_id"})
	}
	subjectUserID := c.Params("userId")
	asOf := time.Now().UTC()

	roleIDs, err := services.Entitlements.EvaluateUser(tenantID, subjectUserID, asOf)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "evaluate_failed"})
	}
	grants, err := services.Repos.Grant.ListByTenantUser(tenantID, subjectUserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "grant_list_failed"})
	}
	tiers, err := services.Repos.Tier.ListByTenant(tenantID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tier_list_failed"})
	}
	tiersByID := make(map[uint]*models.Tier, len(tiers))
	for i := range tiers {
		tiersByID[tiers[i].ID] = &tiers[i]
	}

	return c.JSON(fiber.Map{
		"tenant_id":         tenantID,
		"subject_user_id":   subjectUserID,
		"as_of":             asOf.Format(time.RFC3339),
		"desired_role_ids":  roleIDs,
		"member_since_days": entitlements.MemberSinceDays(grants, asOf),
		"active_tier_rank":  entitlements.ActiveTierRank(grants, tiersByID, asOf, entitlements.RankByName(tiers)),
		"grants":            grants,
	})
}
