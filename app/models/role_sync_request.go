package models

import (
	"fmt"
	"time"
)

// Role sync scopes.
const (
	SyncScopeGuild = "guild"
	SyncScopeUser  = "user"
)

// Role sync request statuses. completed and failed are terminal; retries
// create a new request row instead of mutating history in place.
const (
	SyncStatusPending    = "pending"
	SyncStatusInProgress = "in_progress"
	SyncStatusCompleted  = "completed"
	SyncStatusFailed     = "failed"
)

// RoleSyncRequest is one unit of desired-state recomputation against the
// external role system, either for a whole guild or a single user.
type RoleSyncRequest struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	TenantID      uint       `gorm:"not null;index:idx_sync_requests_tenant_status,priority:1" json:"tenant_id"`
	Scope         string     `gorm:"type:varchar(10);not null" json:"scope"`
	SubjectUserID string     `gorm:"type:varchar(64);not null;default:''" json:"subject_user_id"`
	Status        string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_sync_requests_tenant_status,priority:2" json:"status"`
	RequestedBy   string     `gorm:"type:varchar(120);not null" json:"requested_by"`
	Reason        string     `gorm:"type:varchar(255);not null;default:''" json:"reason"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	ClaimedAt     *time.Time `gorm:"type:timestamp;default:null" json:"claimed_at,omitempty"`
	CompletedAt   *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

var syncTransitions = map[string][]string{
	SyncStatusPending:    {SyncStatusInProgress},
	SyncStatusInProgress: {SyncStatusCompleted, SyncStatusFailed},
}

// CanTransitionSyncStatus reports whether a role sync status change is
// allowed. Terminal states accept no transitions.
func CanTransitionSyncStatus(from, to string) bool {
	for _, allowed := range syncTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminalSyncStatus reports whether a status is terminal for its request.
func IsTerminalSyncStatus(status string) bool {
	return status == SyncStatusCompleted || status == SyncStatusFailed
}

// ScopeKey identifies the logical target of a request independent of the
// request row, used for retry deduplication.
func (r *RoleSyncRequest) ScopeKey() string {
	if r.Scope == SyncScopeUser {
		return fmt.Sprintf("user:%d:%s", r.TenantID, r.SubjectUserID)
	}
	return fmt.Sprintf("guild:%d", r.TenantID)
}
