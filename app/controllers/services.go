package controllers

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/entitlements"
	"github.com/guildgate/guildgate/internal/pkg/payments"
	"github.com/guildgate/guildgate/internal/pkg/rolesync"
	"github.com/guildgate/guildgate/internal/pkg/webhookqueue"
)

// ServiceSet bundles the services the HTTP handlers delegate to. Installed
// once at startup via InitServices.
type ServiceSet struct {
	Repos        *repository.Repositories
	Entitlements *entitlements.Service
	Payments     *payments.Service
	Providers    payments.Registry
	RoleSync     *rolesync.Service
	Webhooks     *webhookqueue.Service
}

var services ServiceSet

// InitServices installs the process-wide service set.
func InitServices(s ServiceSet) {
	services = s
}

func parseUintParam(c *fiber.Ctx, name string) (uint, error) {
	raw := c.Params(name)
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}

// adminActor identifies the calling operator for audit purposes. The token
// itself never appears in audit rows.
func adminActor(c *fiber.Ctx) audit.Actor {
	id := strings.TrimSpace(c.Get("X-Admin-Actor"))
	if id == "" {
		id = "admin"
	}
	return audit.Admin(id)
}
