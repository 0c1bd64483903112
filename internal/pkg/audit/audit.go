package audit

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
)

// Actor identifies who caused a state transition.
type Actor struct {
	Kind string
	ID   string
}

// System returns the system actor for worker-driven transitions.
func System(component string) Actor {
	return Actor{Kind: models.ActorSystem, ID: component}
}

// Admin returns an admin actor.
func Admin(id string) Actor {
	return Actor{Kind: models.ActorAdmin, ID: id}
}

// Recorder appends audit events. Writes are best-effort: a failed audit
// insert is logged but never fails the surrounding mutation.
type Recorder struct {
	repo repository.AuditRepository
}

// NewRecorder creates a recorder over an audit repository.
func NewRecorder(repo repository.AuditRepository) *Recorder {
	return &Recorder{repo: repo}
}

// Record appends one audit event. summary is marshaled to compact JSON and
// must never contain secrets or tokens.
func (r *Recorder) Record(tenantID uint, actor Actor, eventType, subjectUserID, correlationID string, summary map[string]interface{}) {
	summaryJSON := ""
	if summary != nil {
		if b, err := json.Marshal(summary); err == nil {
			summaryJSON = string(b)
		}
	}
	ev := &models.AuditEvent{
		TenantID:      tenantID,
		ActorKind:     actor.Kind,
		ActorID:       actor.ID,
		EventType:     eventType,
		SubjectUserID: subjectUserID,
		CorrelationID: correlationID,
		SummaryJSON:   summaryJSON,
		CreatedAt:     time.Now(),
	}
	if err := r.repo.Append(ev); err != nil {
		log.Errorf("[Audit] append failed (type=%s tenant=%d): %v", eventType, tenantID, err)
	}
}
