package counter

import (
	"context"
	"strconv"

	"github.com/guildgate/guildgate/internal/pkg/cache"
)

const workerCountersKey = "worker:counters"

// Counter names written by the background worker loops.
const (
	EventsApplied        = "events_applied"
	EventsFailed         = "events_failed"
	GrantsExpired        = "grants_expired"
	SyncsProcessed       = "syncs_processed"
	SyncsRetried         = "syncs_retried"
	RepairsEnqueued      = "repairs_enqueued"
	ClaimsSwept          = "claims_swept"
	ReconcileChecked     = "reconcile_checked"
	ReconcileApplied     = "reconcile_applied"
	ReconcileFailed      = "reconcile_failed"
	DeliveriesSucceeded  = "deliveries_succeeded"
	DeliveriesRetried    = "deliveries_retried"
	DeliveriesDeadLetter = "deliveries_dead_lettered"
)

// Add increments a named worker counter in Redis.
func Add(name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, workerCountersKey, name, delta).Err()
}

// Snapshot returns the current value of every worker counter.
func Snapshot() (map[string]int64, error) {
	ctx := context.Background()
	raw, err := cache.GetClient().HGetAll(ctx, workerCountersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for name, value := range raw {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		out[name] = n
	}
	return out, nil
}

// Reset clears all worker counters.
func Reset() error {
	ctx := context.Background()
	return cache.GetClient().Del(ctx, workerCountersKey).Err()
}
