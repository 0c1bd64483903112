package repository

import (
	"errors"
	"time"

	"github.com/guildgate/guildgate/app/models"
	"gorm.io/gorm"
)

type roleSyncRepository struct {
	db *gorm.DB
}

// NewRoleSyncRepository creates a role sync request repository backed by GORM.
func NewRoleSyncRepository(db *gorm.DB) RoleSyncRepository {
	return &roleSyncRepository{db: db}
}

func (r *roleSyncRepository) Create(req *models.RoleSyncRequest) error {
	return r.db.Create(req).Error
}

func (r *roleSyncRepository) GetByID(id uint) (*models.RoleSyncRequest, error) {
	var req models.RoleSyncRequest
	if err := r.db.First(&req, id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// claimAttempts bounds the select-then-flip loop when racing other workers.
const claimAttempts = 3

func (r *roleSyncRepository) ClaimOldestPending(tenantID uint, asOf time.Time) (*models.RoleSyncRequest, error) {
	for i := 0; i < claimAttempts; i++ {
		var req models.RoleSyncRequest
		err := r.db.
			Where("tenant_id = ? AND status = ?", tenantID, models.SyncStatusPending).
			Order("created_at ASC, id ASC").
			First(&req).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		// The status guard makes the flip atomic: two concurrent workers can
		// both select the row but only one UPDATE matches.
		tx := r.db.Model(&models.RoleSyncRequest{}).
			Where("id = ? AND status = ?", req.ID, models.SyncStatusPending).
			Updates(map[string]interface{}{
				"status":     models.SyncStatusInProgress,
				"claimed_at": asOf,
			})
		if tx.Error != nil {
			return nil, tx.Error
		}
		if tx.RowsAffected > 0 {
			return r.GetByID(req.ID)
		}
		// Lost the race; try the next pending request.
	}
	return nil, nil
}

func (r *roleSyncRepository) CompleteIf(id uint, toStatus, lastError string, asOf time.Time) (bool, error) {
	tx := r.db.Model(&models.RoleSyncRequest{}).
		Where("id = ? AND status = ?", id, models.SyncStatusInProgress).
		Updates(map[string]interface{}{
			"status":       toStatus,
			"last_error":   lastError,
			"completed_at": asOf,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *roleSyncRepository) ListRecentFailed(since time.Time, limit int) ([]models.RoleSyncRequest, error) {
	var reqs []models.RoleSyncRequest
	err := r.db.
		Where("status = ? AND created_at >= ?", models.SyncStatusFailed, since).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}

func (r *roleSyncRepository) LatestForScope(tenantID uint, scope, subjectUserID string) (*models.RoleSyncRequest, error) {
	var req models.RoleSyncRequest
	q := r.db.Where("tenant_id = ? AND scope = ?", tenantID, scope)
	if scope == models.SyncScopeUser {
		q = q.Where("subject_user_id = ?", subjectUserID)
	}
	err := q.Order("created_at DESC, id DESC").First(&req).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *roleSyncRepository) CountOpenForScope(tenantID uint, scope, subjectUserID string) (int64, error) {
	var count int64
	q := r.db.Model(&models.RoleSyncRequest{}).
		Where("tenant_id = ? AND scope = ? AND status IN ?",
			tenantID, scope, []string{models.SyncStatusPending, models.SyncStatusInProgress})
	if scope == models.SyncScopeUser {
		q = q.Where("subject_user_id = ?", subjectUserID)
	}
	err := q.Count(&count).Error
	return count, err
}

func (r *roleSyncRepository) LatestGuildRequest(tenantID uint) (*models.RoleSyncRequest, error) {
	return r.LatestForScope(tenantID, models.SyncScopeGuild, "")
}

func (r *roleSyncRepository) ListStaleInProgress(olderThan time.Time, limit int) ([]models.RoleSyncRequest, error) {
	var reqs []models.RoleSyncRequest
	err := r.db.
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", models.SyncStatusInProgress, olderThan).
		Order("claimed_at ASC").
		Limit(limit).
		Find(&reqs).Error
	return reqs, err
}

func (r *roleSyncRepository) ListByTenant(tenantID uint, status string, limit int) ([]models.RoleSyncRequest, error) {
	var reqs []models.RoleSyncRequest
	q := r.db.Where("tenant_id = ?", tenantID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&reqs).Error
	return reqs, err
}
