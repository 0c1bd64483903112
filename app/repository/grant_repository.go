package repository

import (
	"time"

	"github.com/guildgate/guildgate/app/models"
	"gorm.io/gorm"
)

type grantRepository struct {
	db *gorm.DB
}

// NewGrantRepository creates a grant repository backed by GORM.
func NewGrantRepository(db *gorm.DB) GrantRepository {
	return &grantRepository{db: db}
}

func (r *grantRepository) Create(g *models.EntitlementGrant) error {
	return r.db.Create(g).Error
}

func (r *grantRepository) GetByID(id uint) (*models.EntitlementGrant, error) {
	var g models.EntitlementGrant
	if err := r.db.First(&g, id).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *grantRepository) GetBySourceRef(source, sourceRefID string) (*models.EntitlementGrant, error) {
	var g models.EntitlementGrant
	err := r.db.
		Where("source = ? AND source_ref_id = ?", source, sourceRefID).
		Order("id DESC").
		First(&g).Error
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *grantRepository) ListByTenantUser(tenantID uint, subjectUserID string) ([]models.EntitlementGrant, error) {
	var grants []models.EntitlementGrant
	err := r.db.
		Where("tenant_id = ? AND subject_user_id = ?", tenantID, subjectUserID).
		Order("id ASC").
		Find(&grants).Error
	return grants, err
}

func (r *grantRepository) ListSubjectsWithGrants(tenantID uint) ([]string, error) {
	var subjects []string
	err := r.db.Model(&models.EntitlementGrant{}).
		Where("tenant_id = ?", tenantID).
		Distinct("subject_user_id").
		Order("subject_user_id ASC").
		Pluck("subject_user_id", &subjects).Error
	return subjects, err
}

func (r *grantRepository) ListDueForExpiry(asOf time.Time, limit int) ([]models.EntitlementGrant, error) {
	var grants []models.EntitlementGrant
	err := r.db.
		Where("status IN ? AND valid_through IS NOT NULL AND valid_through < ?",
			[]string{models.GrantStatusActive, models.GrantStatusPastDue, models.GrantStatusPending}, asOf).
		Order("valid_through ASC").
		Limit(limit).
		Find(&grants).Error
	return grants, err
}

func (r *grantRepository) ListStaleSubscriptionGrants(staleBefore time.Time, limit int) ([]models.EntitlementGrant, error) {
	var grants []models.EntitlementGrant
	err := r.db.
		Where("source IN ? AND status IN ? AND source_ref_id <> ''",
			models.SubscriptionGrantSources(),
			[]string{models.GrantStatusActive, models.GrantStatusPastDue}).
		Where("last_reconciled_at IS NULL OR last_reconciled_at < ?", staleBefore).
		Order("id ASC").
		Limit(limit).
		Find(&grants).Error
	return grants, err
}

func (r *grantRepository) Update(g *models.EntitlementGrant) error {
	return r.db.Save(g).Error
}

func (r *grantRepository) UpdateStatusIf(id uint, from, to string) (bool, error) {
	tx := r.db.Model(&models.EntitlementGrant{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *grantRepository) TouchReconciledAt(id uint, at time.Time) error {
	return r.db.Model(&models.EntitlementGrant{}).
		Where("id = ?", id).
		Update("last_reconciled_at", at).Error
}
