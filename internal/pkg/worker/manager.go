package worker

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/guildgate/guildgate/internal/pkg/entitlements"
	"github.com/guildgate/guildgate/internal/pkg/env"
	"github.com/guildgate/guildgate/internal/pkg/metrics/counter"
	"github.com/guildgate/guildgate/internal/pkg/payments"
	"github.com/guildgate/guildgate/internal/pkg/reconcile"
	"github.com/guildgate/guildgate/internal/pkg/rolesync"
	"github.com/guildgate/guildgate/internal/pkg/webhookqueue"
)

// Batch sizes per tick. Oversized backlogs drain across ticks instead of
// blocking one tick for minutes.
const (
	eventBatch     = 100
	expiryBatch    = 200
	perTenantSyncs = 10
	retryBatch     = 50
	sweepBatch     = 100
	reconcileBatch = 50
	dispatchBatch  = 50

	retryLookback  = 24 * time.Hour
	repairInterval = 6 * time.Hour
	claimTimeout   = 10 * time.Minute
)

// Deps are the services the background loops drive.
type Deps struct {
	Entitlements *entitlements.Service
	Payments     *payments.Service
	RoleSync     *rolesync.Service
	SyncWorker   *rolesync.Worker
	Reconciler   *reconcile.Reconciler
	Dispatcher   *webhookqueue.Dispatcher
}

// Manager runs the periodic background tasks: provider event application,
// grant expiry, role sync execution and repair, webhook dispatch and
// provider reconciliation.
type Manager struct {
	deps Deps

	eventTicker     *time.Ticker
	expiryTicker    *time.Ticker
	syncTicker      *time.Ticker
	retryTicker     *time.Ticker
	repairTicker    *time.Ticker
	sweepTicker     *time.Ticker
	reconcileTicker *time.Ticker
	dispatchTicker  *time.Ticker

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var (
	globalManager *Manager
	managerOnce   sync.Once
)

// Initialize creates the global manager (singleton).
func Initialize(deps Deps) *Manager {
	managerOnce.Do(func() {
		globalManager = &Manager{
			deps:   deps,
			stopCh: make(chan struct{}),
		}
	})
	return globalManager
}

// GetManager returns the global manager, or nil before Initialize.
func GetManager() *Manager {
	return globalManager
}

// Start starts all background loops.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Worker Manager] Starting background tasks")

	m.eventTicker = time.NewTicker(intervalFromEnv("WORKER_EVENT_INTERVAL", 30*time.Second))
	m.expiryTicker = time.NewTicker(intervalFromEnv("WORKER_EXPIRY_INTERVAL", time.Minute))
	m.syncTicker = time.NewTicker(intervalFromEnv("WORKER_SYNC_INTERVAL", 15*time.Second))
	m.retryTicker = time.NewTicker(intervalFromEnv("WORKER_RETRY_INTERVAL", 2*time.Minute))
	m.repairTicker = time.NewTicker(intervalFromEnv("WORKER_REPAIR_INTERVAL", 15*time.Minute))
	m.sweepTicker = time.NewTicker(intervalFromEnv("WORKER_SWEEP_INTERVAL", 5*time.Minute))
	m.reconcileTicker = time.NewTicker(intervalFromEnv("WORKER_RECONCILE_INTERVAL", time.Hour))
	m.dispatchTicker = time.NewTicker(intervalFromEnv("WORKER_DISPATCH_INTERVAL", 15*time.Second))

	m.wg.Add(8)
	go m.loop("event", m.eventTicker, m.runEventsOnce)
	go m.loop("expiry", m.expiryTicker, m.runExpiryOnce)
	go m.loop("sync", m.syncTicker, m.runSyncOnce)
	go m.loop("retry", m.retryTicker, m.runRetryOnce)
	go m.loop("repair", m.repairTicker, m.runRepairOnce)
	go m.loop("sweep", m.sweepTicker, m.runSweepOnce)
	go m.loop("reconcile", m.reconcileTicker, m.runReconcileOnce)
	go m.loop("dispatch", m.dispatchTicker, m.runDispatchOnce)

	log.Info("[Worker Manager] Started successfully")
}

// Stop stops all background loops and waits for them to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Worker Manager] Stopping background tasks...")

	for _, t := range []*time.Ticker{
		m.eventTicker, m.expiryTicker, m.syncTicker, m.retryTicker,
		m.repairTicker, m.sweepTicker, m.reconcileTicker, m.dispatchTicker,
	} {
		if t != nil {
			t.Stop()
		}
	}

	close(m.stopCh)
	m.running = false

	m.wg.Wait()
	log.Info("[Worker Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) loop(name string, ticker *time.Ticker, run func(context.Context)) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Infof("[Worker Manager] %s worker stopping", name)
			return
		case <-ticker.C:
			run(context.Background())
		}
	}
}

func (m *Manager) runEventsOnce(ctx context.Context) {
	applied, failed, err := m.deps.Payments.ProcessPendingEvents(ctx, eventBatch)
	if err != nil {
		log.Errorf("[Worker Manager] provider event pass error: %v", err)
		return
	}
	bump(counter.EventsApplied, applied)
	bump(counter.EventsFailed, failed)
}

func (m *Manager) runExpiryOnce(ctx context.Context) {
	expired, err := m.deps.Entitlements.ExpireDueGrants(ctx, time.Now().UTC(), expiryBatch)
	if err != nil {
		log.Errorf("[Worker Manager] expiry sweep error: %v", err)
		return
	}
	bump(counter.GrantsExpired, expired)
}

func (m *Manager) runSyncOnce(ctx context.Context) {
	processed, err := m.deps.SyncWorker.ProcessAllTenants(ctx, time.Now().UTC(), perTenantSyncs)
	if err != nil {
		log.Errorf("[Worker Manager] role sync pass error: %v", err)
		return
	}
	bump(counter.SyncsProcessed, processed)
}

func (m *Manager) runRetryOnce(ctx context.Context) {
	retried, err := m.deps.RoleSync.RetryFailedRequests(ctx, time.Now().UTC().Add(-retryLookback), retryBatch)
	if err != nil {
		log.Errorf("[Worker Manager] sync retry pass error: %v", err)
		return
	}
	bump(counter.SyncsRetried, retried)
}

func (m *Manager) runRepairOnce(ctx context.Context) {
	enqueued, err := m.deps.RoleSync.EnqueueRepairs(ctx, repairInterval, time.Now().UTC())
	if err != nil {
		log.Errorf("[Worker Manager] repair pass error: %v", err)
		return
	}
	bump(counter.RepairsEnqueued, enqueued)
}

func (m *Manager) runSweepOnce(ctx context.Context) {
	swept, err := m.deps.RoleSync.SweepStaleInProgress(ctx, claimTimeout, time.Now().UTC(), sweepBatch)
	if err != nil {
		log.Errorf("[Worker Manager] stale claim sweep error: %v", err)
		return
	}
	bump(counter.ClaimsSwept, swept)
}

func (m *Manager) runReconcileOnce(ctx context.Context) {
	res, err := m.deps.Reconciler.Run(ctx, time.Now().UTC(), reconcileBatch)
	if err != nil {
		log.Errorf("[Worker Manager] reconcile pass error: %v", err)
		return
	}
	bump(counter.ReconcileChecked, res.Checked)
	bump(counter.ReconcileApplied, res.Applied)
	bump(counter.ReconcileFailed, res.Failed)
}

func (m *Manager) runDispatchOnce(ctx context.Context) {
	succeeded, retried, dead, err := m.deps.Dispatcher.DispatchDueOnce(ctx, time.Now().UTC(), dispatchBatch)
	if err != nil {
		log.Errorf("[Worker Manager] webhook dispatch error: %v", err)
		return
	}
	bump(counter.DeliveriesSucceeded, succeeded)
	bump(counter.DeliveriesRetried, retried)
	bump(counter.DeliveriesDeadLetter, dead)
}

// RunReconcileOnce exposes a manual trigger for a single reconcile pass
// (admin use).
func (m *Manager) RunReconcileOnce(ctx context.Context) (reconcile.Result, error) {
	return m.deps.Reconciler.Run(ctx, time.Now().UTC(), reconcileBatch)
}

// RunRepairOnce exposes a manual trigger for a single drift repair pass
// (admin use).
func (m *Manager) RunRepairOnce(ctx context.Context) (int, error) {
	return m.deps.RoleSync.EnqueueRepairs(ctx, repairInterval, time.Now().UTC())
}

func bump(name string, n int) {
	if err := counter.Add(name, int64(n)); err != nil {
		log.Debugf("[Worker Manager] counter %s update failed: %v", name, err)
	}
}

func intervalFromEnv(key string, def time.Duration) time.Duration {
	raw := env.GetEnv(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warnf("[Worker Manager] invalid %s value %q, using %s", key, raw, def)
		return def
	}
	return d
}
