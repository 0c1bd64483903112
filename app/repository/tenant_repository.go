package repository

import (
	"errors"

	"github.com/guildgate/guildgate/app/models"
	"gorm.io/gorm"
)

type tenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository creates a tenant repository backed by GORM.
func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &tenantRepository{db: db}
}

func (r *tenantRepository) Create(t *models.Tenant) error {
	return r.db.Create(t).Error
}

func (r *tenantRepository) GetByID(id uint) (*models.Tenant, error) {
	var t models.Tenant
	if err := r.db.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tenantRepository) GetByGuildID(guildID string) (*models.Tenant, error) {
	return models.FindTenantByGuildID(r.db, guildID)
}

func (r *tenantRepository) GetOrCreateByGuildID(guildID, displayName string) (*models.Tenant, error) {
	t, err := models.FindTenantByGuildID(r.db, guildID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return models.GetOrCreateTenant(r.db, guildID, displayName)
}

func (r *tenantRepository) ListAll() ([]models.Tenant, error) {
	var tenants []models.Tenant
	err := r.db.Order("id ASC").Find(&tenants).Error
	return tenants, err
}
