package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// InstallRouter registers all route groups.
func InstallRouter(app *fiber.App) {
	setup(app, NewWebhookRouter(), NewAdminRouter())
}

func setup(app *fiber.App, routers ...Router) {
	for _, r := range routers {
		r.InstallRouter(app)
	}
}
