package repository

import (
	"time"

	"github.com/guildgate/guildgate/app/models"
	"gorm.io/gorm"
)

type auditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an audit repository backed by GORM.
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(ev *models.AuditEvent) error {
	return r.db.Create(ev).Error
}

func (r *auditRepository) ListByTenant(tenantID uint, since time.Time, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := r.db.
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *auditRepository) ListByTenantSubject(tenantID uint, subjectUserID string, since time.Time, limit int) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := r.db.
		Where("tenant_id = ? AND subject_user_id = ? AND created_at >= ?", tenantID, subjectUserID, since).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
