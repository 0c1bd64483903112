package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/guildgate/guildgate/internal/pkg/metrics/counter"
	"github.com/guildgate/guildgate/internal/pkg/worker"
)

// HandleAdminWorkerStats returns the background worker counters.
func HandleAdminWorkerStats(c *fiber.Ctx) error {
	stats, err := counter.Snapshot()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "stats_unavailable"})
	}
	mgr := worker.GetManager()
	return c.JSON(fiber.Map{
		"running":  mgr != nil && mgr.IsRunning(),
		"counters": stats,
	})
}

// HandleAdminRunReconcile triggers a single reconciliation pass.
func HandleAdminRunReconcile(c *fiber.Ctx) error {
	mgr := worker.GetManager()
	if mgr == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	res, err := mgr.RunReconcileOnce(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "reconcile_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{
		"checked": res.Checked,
		"applied": res.Applied,
		"noops":   res.NoOps,
		"failed":  res.Failed,
		"skipped": res.Skipped,
	})
}

// HandleAdminRunRepair triggers a single drift repair pass.
func HandleAdminRunRepair(c *fiber.Ctx) error {
	mgr := worker.GetManager()
	if mgr == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "worker_unavailable"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	enqueued, err := mgr.RunRepairOnce(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "repair_failed", "message": err.Error()})
	}
	return c.JSON(fiber.Map{"enqueued": enqueued})
}
