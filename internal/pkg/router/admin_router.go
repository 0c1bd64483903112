package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/guildgate/guildgate/app/controllers"
	"github.com/guildgate/guildgate/internal/pkg/constants"
	"github.com/guildgate/guildgate/internal/pkg/middleware"
)

// AdminRouter carries the operator API, guarded by the admin bearer token.
type AdminRouter struct {
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group(constants.AdminAPIPrefix, middleware.RequireAdminToken())

	admin.Post("/tenants", controllers.HandleAdminCreateTenant)
	admin.Get("/tenants", controllers.HandleAdminListTenants)
	admin.Post("/tenants/:id/tiers", controllers.HandleAdminCreateTier)
	admin.Get("/tenants/:id/tiers", controllers.HandleAdminListTiers)

	admin.Post("/tenants/:id/grants", controllers.HandleAdminCreateGrant)
	admin.Post("/grants/:id/revoke", controllers.HandleAdminRevokeGrant)
	admin.Get("/tenants/:id/users/:userId/entitlements", controllers.HandleAdminEvaluateUser)

	admin.Post("/tenants/:id/role-syncs", controllers.HandleAdminRequestRoleSync)
	admin.Get("/tenants/:id/role-syncs", controllers.HandleAdminListRoleSyncs)

	admin.Post("/tenants/:id/webhook-endpoints", controllers.HandleAdminCreateWebhookEndpoint)
	admin.Post("/webhook-endpoints/:id/disable", controllers.HandleAdminDisableWebhookEndpoint)
	admin.Get("/tenants/:id/deliveries/failed", controllers.HandleAdminListFailedDeliveries)

	admin.Get("/tenants/:id/audit-events", controllers.HandleAdminListAuditEvents)

	admin.Get("/worker/stats", controllers.HandleAdminWorkerStats)
	admin.Post("/worker/reconcile", controllers.HandleAdminRunReconcile)
	admin.Post("/worker/repair", controllers.HandleAdminRunRepair)
}

func NewAdminRouter() *AdminRouter {
	return &AdminRouter{}
}
