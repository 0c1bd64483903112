package entitlements

import (
	"reflect"
	"testing"
	"time"

	"github.com/guildgate/guildgate/app/models"
)

var evalNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func grantAt(tierID uint, status string, from time.Time, through *time.Time) models.EntitlementGrant {
	return models.EntitlementGrant{
		TierID:       tierID,
		Status:       status,
		ValidFrom:    from,
		ValidThrough: through,
	}
}

func TestIsEffective(t *testing.T) {
	past := evalNow.Add(-24 * time.Hour)
	future := evalNow.Add(24 * time.Hour)
	expired := evalNow.Add(-time.Hour)

	cases := []struct {
		name  string
		grant models.EntitlementGrant
		want  bool
	}{
		{"active open-ended", grantAt(1, models.GrantStatusActive, past, nil), true},
		{"active within window", grantAt(1, models.GrantStatusActive, past, &future), true},
		{"past_due keeps access", grantAt(1, models.GrantStatusPastDue, past, &future), true},
		{"window closed", grantAt(1, models.GrantStatusActive, past, &expired), false},
		{"not yet valid", grantAt(1, models.GrantStatusActive, future, nil), false},
		{"canceled", grantAt(1, models.GrantStatusCanceled, past, nil), false},
		{"expired status", grantAt(1, models.GrantStatusExpired, past, nil), false},
		{"suspended dispute", grantAt(1, models.GrantStatusSuspendedDispute, past, nil), false},
		{"pending", grantAt(1, models.GrantStatusPending, past, nil), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsEffective(&tc.grant, evalNow); got != tc.want {
				t.Fatalf("IsEffective = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDesiredRoleIDsUnion(t *testing.T) {
	past := evalNow.Add(-24 * time.Hour)
	expired := evalNow.Add(-time.Hour)

	tiers := map[uint]*models.Tier{
		1: {ID: 1, Name: "Silver", RoleIDs: models.StringList{"role-b", "role-a"}},
		2: {ID: 2, Name: "Gold", RoleIDs: models.StringList{"role-b", "role-c"}},
		3: {ID: 3, Name: "Bronze", RoleIDs: models.StringList{"role-z"}},
	}
	grants := []models.EntitlementGrant{
		grantAt(1, models.GrantStatusActive, past, nil),
		grantAt(2, models.GrantStatusPastDue, past, nil),
		grantAt(3, models.GrantStatusActive, past, &expired), // no longer effective
		grantAt(9, models.GrantStatusActive, past, nil),      // tier deleted
	}

	got := DesiredRoleIDs(grants, tiers, evalNow)
	want := []string{"role-a", "role-b", "role-c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DesiredRoleIDs = %v, want %v", got, want)
	}
}

func TestDesiredRoleIDsEmpty(t *testing.T) {
	if got := DesiredRoleIDs(nil, nil, evalNow); len(got) != 0 {
		t.Fatalf("expected empty role set, got %v", got)
	}
}

func TestMemberSinceDaysKeepsTenureAcrossLapses(t *testing.T) {
	first := evalNow.Add(-100 * 24 * time.Hour)
	lapsedEnd := evalNow.Add(-50 * 24 * time.Hour)
	renewed := evalNow.Add(-10 * 24 * time.Hour)

	grants := []models.EntitlementGrant{
		grantAt(1, models.GrantStatusExpired, first, &lapsedEnd),
		grantAt(1, models.GrantStatusActive, renewed, nil),
	}
	if got := MemberSinceDays(grants, evalNow); got != 100 {
		t.Fatalf("MemberSinceDays = %d, want 100", got)
	}
	if got := MemberSinceDays(nil, evalNow); got != 0 {
		t.Fatalf("MemberSinceDays(nil) = %d, want 0", got)
	}
	// A grant starting in the future clamps to zero.
	future := []models.EntitlementGrant{grantAt(1, models.GrantStatusActive, evalNow.Add(24*time.Hour), nil)}
	if got := MemberSinceDays(future, evalNow); got != 0 {
		t.Fatalf("MemberSinceDays(future) = %d, want 0", got)
	}
}

func TestActiveTierRank(t *testing.T) {
	past := evalNow.Add(-24 * time.Hour)
	tiers := []models.Tier{
		{ID: 1, Name: "Bronze", RoleIDs: models.StringList{"r1"}},
		{ID: 2, Name: "Silver", RoleIDs: models.StringList{"r2"}},
	}
	byID := TiersByID(tiers)
	rank := RankByName(tiers)

	grants := []models.EntitlementGrant{
		grantAt(1, models.GrantStatusActive, past, nil),
		grantAt(2, models.GrantStatusActive, past, nil),
	}
	if got := ActiveTierRank(grants, byID, evalNow, rank); got != 1 {
		t.Fatalf("ActiveTierRank = %d, want 1", got)
	}
	if got := ActiveTierRank(nil, byID, evalNow, rank); got != -1 {
		t.Fatalf("ActiveTierRank(no grants) = %d, want -1", got)
	}
}
