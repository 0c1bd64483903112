package repository

import (
	"github.com/guildgate/guildgate/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type providerEventRepository struct {
	db *gorm.DB
}

// NewProviderEventRepository creates a provider event repository backed by GORM.
func NewProviderEventRepository(db *gorm.DB) ProviderEventRepository {
	return &providerEventRepository{db: db}
}

func (r *providerEventRepository) CreateIfNotExists(ev *models.ProviderEvent) (bool, *models.ProviderEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(ev)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.ProviderEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", ev.Provider, ev.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *providerEventRepository) GetByID(id uint) (*models.ProviderEvent, error) {
	var ev models.ProviderEvent
	if err := r.db.First(&ev, id).Error; err != nil {
		return nil, err
	}
	return &ev, nil
}

func (r *providerEventRepository) ListUnprocessed(limit int) ([]models.ProviderEvent, error) {
	var events []models.ProviderEvent
	err := r.db.
		Where("processed_status = ''").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *providerEventRepository) SetProcessedStatusIfUnset(id uint, status, lastError string) (bool, error) {
	tx := r.db.Model(&models.ProviderEvent{}).
		Where("id = ? AND processed_status = ''", id).
		Updates(map[string]interface{}{
			"processed_status": status,
			"last_error":       lastError,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
