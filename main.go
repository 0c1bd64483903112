package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/guildgate/guildgate/app/controllers"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/archive"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/cache"
	"github.com/guildgate/guildgate/internal/pkg/database"
	"github.com/guildgate/guildgate/internal/pkg/entitlements"
	"github.com/guildgate/guildgate/internal/pkg/env"
	"github.com/guildgate/guildgate/internal/pkg/payments"
	"github.com/guildgate/guildgate/internal/pkg/reconcile"
	"github.com/guildgate/guildgate/internal/pkg/rolesync"
	"github.com/guildgate/guildgate/internal/pkg/router"
	"github.com/guildgate/guildgate/internal/pkg/webhookqueue"
	"github.com/guildgate/guildgate/internal/pkg/worker"
)

func main() {
	app := NewApplication()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		if mgr := worker.GetManager(); mgr != nil {
			mgr.Stop()
		}
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	factory := repository.NewFactory(database.GetDB())
	repository.SetGlobalFactory(factory)
	repos := factory.GetRepositories()

	auditor := audit.NewRecorder(repos.Audit)
	webhookSvc := webhookqueue.NewService(repos)
	roleSyncSvc := rolesync.NewService(repos, auditor, webhookSvc)
	entsSvc := entitlements.NewService(repos, auditor, roleSyncSvc, webhookSvc)
	paySvc := payments.NewService(repos, entsSvc, auditor)
	providers := payments.NewRegistry(
		payments.NewStripeAdapterFromEnv(),
		payments.NewAuthorizeNetAdapterFromEnv(),
		payments.NewNMIAdapterFromEnv(),
	)
	reconciler := reconcile.NewReconciler(repos, paySvc, providers, auditor, reconcileStaleAfter())
	syncWorker := rolesync.NewWorker(roleSyncSvc, entsSvc, repos, rolesync.NewRESTRoleAPIFromEnv())
	dispatcher := webhookqueue.NewDispatcher(repos, newArchiver())

	worker.Initialize(worker.Deps{
		Entitlements: entsSvc,
		Payments:     paySvc,
		RoleSync:     roleSyncSvc,
		SyncWorker:   syncWorker,
		Reconciler:   reconciler,
		Dispatcher:   dispatcher,
	}).Start()

	controllers.InitServices(controllers.ServiceSet{
		Repos:        repos,
		Entitlements: entsSvc,
		Payments:     paySvc,
		Providers:    providers,
		RoleSync:     roleSyncSvc,
		Webhooks:     webhookSvc,
	})

	app := fiber.New(fiber.Config{
		BodyLimit: 2 * 1024 * 1024, // provider webhook payloads are small
	})
	app.Use(recover.New(), logger.New())
	app.Get("/metrics", monitor.New())

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: "./public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	// ROUTER
	router.InstallRouter(app)

	return app
}

// newArchiver returns the S3 dead-letter archiver, or nil when disabled.
func newArchiver() webhookqueue.DeadLetterArchiver {
	cfg, err := archive.LoadConfig()
	if err != nil {
		log.Printf("Warning: S3 archive misconfigured, dead letters stay DB-only: %v", err)
		return nil
	}
	if !cfg.IsEnabled() {
		return nil
	}
	client, err := archive.NewClient(cfg)
	if err != nil {
		log.Printf("Warning: S3 archive unavailable, dead letters stay DB-only: %v", err)
		return nil
	}
	return client
}

func reconcileStaleAfter() (d time.Duration) {
	d = 24 * time.Hour
	if raw := env.GetEnv("RECONCILE_STALE_AFTER", ""); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			d = parsed
		}
	}
	return d
}
