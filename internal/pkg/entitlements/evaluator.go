package entitlements

import (
	"sort"
	"time"

	"github.com/guildgate/guildgate/app/models"
)

// IsEffective reports whether a grant counts toward access as of the given
// time. past_due is deliberately included: grace-period access continues
// through a failed-but-not-yet-canceled billing cycle.
func IsEffective(g *models.EntitlementGrant, asOf time.Time) bool {
	if g.Status != models.GrantStatusActive && g.Status != models.GrantStatusPastDue {
		return false
	}
	if g.ValidFrom.After(asOf) {
		return false
	}
	if g.ValidThrough != nil && g.ValidThrough.Before(asOf) {
		return false
	}
	return true
}

// EffectiveGrants filters to the grants that count toward access as of asOf.
func EffectiveGrants(grants []models.EntitlementGrant, asOf time.Time) []models.EntitlementGrant {
	var out []models.EntitlementGrant
	for i := range grants {
		if IsEffective(&grants[i], asOf) {
			out = append(out, grants[i])
		}
	}
	return out
}

// DesiredRoleIDs computes the external role set a user should hold: the
// union of role ids over all tiers referenced by effective grants (the
// most-permissive-union policy), deduplicated and sorted as strings. The
// stable order matters only for deterministic diffing and tests.
func DesiredRoleIDs(grants []models.EntitlementGrant, tiersByID map[uint]*models.Tier, asOf time.Time) []string {
	seen := make(map[string]struct{})
	for i := range grants {
		if !IsEffective(&grants[i], asOf) {
			continue
		}
		tier, ok := tiersByID[grants[i].TierID]
		if !ok {
			continue
		}
		for _, roleID := range tier.RoleIDs {
			seen[roleID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for roleID := range seen {
		out = append(out, roleID)
	}
	sort.Strings(out)
	return out
}

// MemberSinceDays returns whole days since the earliest ValidFrom over ALL
// grants regardless of current effectiveness, clamped to >= 0. A
// lapsed-then-renewed member keeps original tenure.
func MemberSinceDays(grants []models.EntitlementGrant, asOf time.Time) int {
	if len(grants) == 0 {
		return 0
	}
	earliest := grants[0].ValidFrom
	for i := range grants[1:] {
		if grants[i+1].ValidFrom.Before(earliest) {
			earliest = grants[i+1].ValidFrom
		}
	}
	days := int(asOf.Sub(earliest).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// TierRankFunc supplies a total order over tiers for the single-scalar badge
// signal. Higher is better.
type TierRankFunc func(t *models.Tier) int

// RankByName orders tiers alphabetically by name; last name wins.
func RankByName(tiers []models.Tier) TierRankFunc {
	names := make([]string, 0, len(tiers))
	for i := range tiers {
		names = append(names, tiers[i].Name)
	}
	sort.Strings(names)
	rank := make(map[string]int, len(names))
	for i, n := range names {
		rank[n] = i
	}
	return func(t *models.Tier) int {
		return rank[t.Name]
	}
}

// ActiveTierRank returns the highest rank among tiers with at least one
// effective grant, or -1 when none is effective. This is a badge signal,
// not the access decision.
func ActiveTierRank(grants []models.EntitlementGrant, tiersByID map[uint]*models.Tier, asOf time.Time, rank TierRankFunc) int {
	best := -1
	for i := range grants {
		if !IsEffective(&grants[i], asOf) {
			continue
		}
		tier, ok := tiersByID[grants[i].TierID]
		if !ok {
			continue
		}
		if r := rank(tier); r > best {
			best = r
		}
	}
	return best
}
