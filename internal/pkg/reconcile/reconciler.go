package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/audit"
	"github.com/guildgate/guildgate/internal/pkg/payments"
)

// Reconciler periodically asks providers for the current state of stale
// subscription grants and replays the answer through the normal ingestion
// path. A remote state that was already observed dedupes on its synthetic
// event id, so reconciliation against an unchanged subscription is free.
type Reconciler struct {
	grants   repository.GrantRepository
	payments *payments.Service
	adapters payments.Registry
	auditor  *audit.Recorder

	// staleAfter is how long a grant may go without provider confirmation
	// before reconciliation picks it up.
	staleAfter time.Duration
}

// NewReconciler creates a reconciler.
func NewReconciler(repos *repository.Repositories, paySvc *payments.Service, adapters payments.Registry, auditor *audit.Recorder, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		grants:     repos.Grant,
		payments:   paySvc,
		adapters:   adapters,
		auditor:    auditor,
		staleAfter: staleAfter,
	}
}

// Result counts per-grant outcomes of one reconciliation pass.
type Result struct {
	Checked int
	Applied int
	NoOps   int
	Failed  int
	Skipped int
}

// Run reconciles up to limit stale subscription grants as of asOf.
// Per-grant failures never abort the pass.
func (r *Reconciler) Run(ctx context.Context, asOf time.Time, limit int) (Result, error) {
	stale, err := r.grants.ListStaleSubscriptionGrants(asOf.Add(-r.staleAfter), limit)
	if err != nil {
		return Result{}, err
	}

	var res Result
	actor := audit.System("reconcile")
	for i := range stale {
		grant := &stale[i]
		outcome := r.reconcileGrant(ctx, grant, asOf, &res)
		r.auditor.Record(grant.TenantID, actor, models.AuditReconcileOutcome, grant.SubjectUserID,
			fmt.Sprintf("grant:%d", grant.ID), map[string]interface{}{
				"source":  grant.Source,
				"ref":     grant.SourceRefID,
				"outcome": outcome,
			})
	}
	return res, nil
}

func (r *Reconciler) reconcileGrant(ctx context.Context, grant *models.EntitlementGrant, asOf time.Time, res *Result) string {
	provider := models.ProviderForGrantSource(grant.Source)
	adapter, ok := r.adapters.Get(provider)
	if !ok {
		res.Skipped++
		return "skipped: no adapter for " + provider
	}

	state, err := adapter.QueryCurrentState(ctx, grant.SourceRefID)
	if err != nil {
		res.Failed++
		log.Errorf("[Reconcile] provider query failed for grant %d (%s %s): %v",
			grant.ID, provider, grant.SourceRefID, err)
		return "failed: " + err.Error()
	}
	res.Checked++

	// The synthetic id encodes the observed remote state. Observing the same
	// state twice dedupes in the provider event log; only changes apply.
	var periodEndUnix int64
	if state.PeriodEnd != nil {
		periodEndUnix = state.PeriodEnd.Unix()
	}
	syntheticID := fmt.Sprintf("reconcile:%s:%s:%s:%d", provider, grant.SourceRefID, state.Status, periodEndUnix)

	result, stored, err := r.payments.RecordProviderEvent(ctx, payments.ProviderEventInput{
		Provider:        provider,
		ProviderEventID: syntheticID,
		Type:            state.Status,
		PurchaseType:    models.PurchaseTypeSubscription,
		ObjectRef:       grant.SourceRefID,
		GuildRef:        "",
		PeriodEnd:       state.PeriodEnd,
		OccurredAt:      asOf,
	})
	if err != nil {
		res.Failed++
		return "failed: " + err.Error()
	}

	if result == payments.RecordResultDuplicate {
		res.NoOps++
		r.touch(grant.ID, asOf)
		return "noop: remote state unchanged"
	}

	if err := r.payments.ApplyEvent(ctx, stored); err != nil {
		res.Failed++
		if markErr := r.payments.MarkProviderEventProcessed(ctx, stored.ID, models.ProviderEventFailed, err.Error()); markErr != nil {
			log.Errorf("[Reconcile] finalize failed for event %d: %v", stored.ID, markErr)
		}
		return "failed: " + err.Error()
	}
	if err := r.payments.MarkProviderEventProcessed(ctx, stored.ID, models.ProviderEventProcessed, ""); err != nil {
		log.Errorf("[Reconcile] finalize failed for event %d: %v", stored.ID, err)
	}

	res.Applied++
	r.touch(grant.ID, asOf)
	return "applied: " + state.Status
}

func (r *Reconciler) touch(grantID uint, asOf time.Time) {
	if err := r.grants.TouchReconciledAt(grantID, asOf); err != nil {
		log.Errorf("[Reconcile] touch failed for grant %d: %v", grantID, err)
	}
}
