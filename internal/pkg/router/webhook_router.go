package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/guildgate/guildgate/app/controllers"
	"github.com/guildgate/guildgate/internal/pkg/cache"
	"github.com/guildgate/guildgate/internal/pkg/constants"
	"github.com/guildgate/guildgate/internal/pkg/env"
)

// WebhookRouter carries the public surface: health probe and inbound
// provider webhooks.
type WebhookRouter struct {
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Providers retry aggressively on timeout; the limiter bounds abuse
	// without starving legitimate retry bursts.
	app.Post(constants.ProviderWebhookRoute, webhookLimiter(), controllers.HandleProviderWebhook)
}

func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{}
}

// webhookLimiter rate-limits per source IP and provider, backed by Redis so
// limits hold across instances.
func webhookLimiter() fiber.Handler {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if client := cache.GetClient(); client != nil {
		addr := client.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := client.Options().Password; p != "" {
			password = p
		}
	}

	// Database 1 keeps limiter state apart from the worker counters in DB 0.
	storage := redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})

	return limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP() + ":" + c.Params("provider")
		},
	})
}
