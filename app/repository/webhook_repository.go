package repository

import (
	"time"

	"github.com/guildgate/guildgate/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type webhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository creates a webhook repository backed by GORM.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &webhookRepository{db: db}
}

func (r *webhookRepository) CreateEndpoint(e *models.WebhookEndpoint) error {
	return r.db.Create(e).Error
}

func (r *webhookRepository) GetEndpoint(id uint) (*models.WebhookEndpoint, error) {
	var e models.WebhookEndpoint
	if err := r.db.First(&e, id).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *webhookRepository) ListActiveEndpoints(tenantID uint) ([]models.WebhookEndpoint, error) {
	var endpoints []models.WebhookEndpoint
	err := r.db.
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("id ASC").
		Find(&endpoints).Error
	return endpoints, err
}

func (r *webhookRepository) UpdateEndpoint(e *models.WebhookEndpoint) error {
	return r.db.Save(e).Error
}

func (r *webhookRepository) CreateDeliveryIfNotExists(d *models.OutboundWebhookDelivery) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "endpoint_id"},
			{Name: "event_type"},
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(d)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *webhookRepository) GetDelivery(id uint) (*models.OutboundWebhookDelivery, error) {
	var d models.OutboundWebhookDelivery
	if err := r.db.First(&d, id).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *webhookRepository) ListDueDeliveries(asOf time.Time, limit int) ([]models.OutboundWebhookDelivery, error) {
	var deliveries []models.OutboundWebhookDelivery
	err := r.db.
		Where("status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", models.DeliveryStatusPending, asOf).
		Order("id ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

func (r *webhookRepository) StartDeliveryIf(id uint, asOf time.Time) (bool, error) {
	tx := r.db.Model(&models.OutboundWebhookDelivery{}).
		Where("id = ? AND status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			id, models.DeliveryStatusPending, asOf).
		Updates(map[string]interface{}{
			"status":   models.DeliveryStatusDelivering,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *webhookRepository) MarkDelivery(id uint, status string, nextAttemptAt *time.Time, lastError string) error {
	return r.db.Model(&models.OutboundWebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          status,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
		}).Error
}

func (r *webhookRepository) ListFailed(tenantID uint, limit int) ([]models.FailedDeliveryView, error) {
	var views []models.FailedDeliveryView
	err := r.db.Model(&models.OutboundWebhookDelivery{}).
		Select("id", "tenant_id", "endpoint_id", "event_type", "event_id", "url", "attempts", "last_error", "created_at", "updated_at").
		Where("tenant_id = ? AND status = ?", tenantID, models.DeliveryStatusFailed).
		Order("updated_at DESC").
		Limit(limit).
		Scan(&views).Error
	return views, err
}
