package repository

import (
	"github.com/guildgate/guildgate/app/models"
	"gorm.io/gorm"
)

type tierRepository struct {
	db *gorm.DB
}

// NewTierRepository creates a tier repository backed by GORM.
func NewTierRepository(db *gorm.DB) TierRepository {
	return &tierRepository{db: db}
}

func (r *tierRepository) Create(t *models.Tier) error {
	return r.db.Create(t).Error
}

func (r *tierRepository) GetByID(id uint) (*models.Tier, error) {
	var t models.Tier
	if err := r.db.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tierRepository) ListByTenant(tenantID uint) ([]models.Tier, error) {
	var tiers []models.Tier
	err := r.db.Where("tenant_id = ?", tenantID).Order("id ASC").Find(&tiers).Error
	return tiers, err
}

func (r *tierRepository) Update(t *models.Tier) error {
	return r.db.Save(t).Error
}
