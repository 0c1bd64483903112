// Package repotest provides in-memory repository implementations for service
// tests. Semantics mirror the GORM-backed repositories, including the
// conditional single-row updates the workflow packages rely on.
package repotest

import (
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
)

// Store is one in-memory database shared by all repositories it creates.
type Store struct {
	mu sync.Mutex

	tenants    map[uint]*models.Tenant
	tiers      map[uint]*models.Tier
	grants     map[uint]*models.EntitlementGrant
	events     map[uint]*models.ProviderEvent
	syncs      map[uint]*models.RoleSyncRequest
	endpoints  map[uint]*models.WebhookEndpoint
	deliveries map[uint]*models.OutboundWebhookDelivery
	audits     []models.AuditEvent

	nextID uint
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		tenants:    make(map[uint]*models.Tenant),
		tiers:      make(map[uint]*models.Tier),
		grants:     make(map[uint]*models.EntitlementGrant),
		events:     make(map[uint]*models.ProviderEvent),
		syncs:      make(map[uint]*models.RoleSyncRequest),
		endpoints:  make(map[uint]*models.WebhookEndpoint),
		deliveries: make(map[uint]*models.OutboundWebhookDelivery),
	}
}

// Repositories bundles all in-memory repositories over one store.
func (s *Store) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Tenant:        &tenantRepo{s},
		Tier:          &tierRepo{s},
		Grant:         &grantRepo{s},
		ProviderEvent: &providerEventRepo{s},
		RoleSync:      &roleSyncRepo{s},
		Webhook:       &webhookRepo{s},
		Audit:         &auditRepo{s},
	}
}

func (s *Store) allocID() uint {
	s.nextID++
	return s.nextID
}

// AuditEvents returns a snapshot of everything appended so far.
func (s *Store) AuditEvents() []models.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditEvent, len(s.audits))
	copy(out, s.audits)
	return out
}

type tenantRepo struct{ s *Store }

func (r *tenantRepo) Create(t *models.Tenant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == 0 {
		t.ID = r.s.allocID()
	}
	t.CreatedAt = time.Now()
	cp := *t
	r.s.tenants[t.ID] = &cp
	return nil
}

func (r *tenantRepo) GetByID(id uint) (*models.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tenants[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *tenantRepo) GetByGuildID(guildID string) (*models.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tenants {
		if t.ExternalGuildID == guildID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *tenantRepo) GetOrCreateByGuildID(guildID, displayName string) (*models.Tenant, error) {
	if t, err := r.GetByGuildID(guildID); err == nil {
		return t, nil
	}
	t := &models.Tenant{ExternalGuildID: guildID, DisplayName: displayName}
	if err := r.Create(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *tenantRepo) ListAll() ([]models.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]models.Tenant, 0, len(r.s.tenants))
	for _, t := range r.s.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type tierRepo struct{ s *Store }

func (r *tierRepo) Create(t *models.Tier) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.ID == 0 {
		t.ID = r.s.allocID()
	}
	cp := *t
	r.s.tiers[t.ID] = &cp
	return nil
}

func (r *tierRepo) GetByID(id uint) (*models.Tier, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.tiers[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *tierRepo) ListByTenant(tenantID uint) ([]models.Tier, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Tier
	for _, t := range r.s.tiers {
		if t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *tierRepo) Update(t *models.Tier) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.tiers[t.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *t
	r.s.tiers[t.ID] = &cp
	return nil
}

type grantRepo struct{ s *Store }

func (r *grantRepo) Create(g *models.EntitlementGrant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if g.ID == 0 {
		g.ID = r.s.allocID()
	}
	g.CreatedAt = time.Now()
	cp := *g
	r.s.grants[g.ID] = &cp
	return nil
}

func (r *grantRepo) GetByID(id uint) (*models.EntitlementGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *g
	return &cp, nil
}

func (r *grantRepo) GetBySourceRef(source, sourceRefID string) (*models.EntitlementGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *models.EntitlementGrant
	for _, g := range r.s.grants {
		if g.Source == source && g.SourceRefID == sourceRefID {
			if best == nil || g.ID > best.ID {
				best = g
			}
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *grantRepo) ListByTenantUser(tenantID uint, subjectUserID string) ([]models.EntitlementGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.EntitlementGrant
	for _, g := range r.s.grants {
		if g.TenantID == tenantID && g.SubjectUserID == subjectUserID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *grantRepo) ListSubjectsWithGrants(tenantID uint) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	seen := make(map[string]struct{})
	for _, g := range r.s.grants {
		if g.TenantID == tenantID {
			seen[g.SubjectUserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for subject := range seen {
		out = append(out, subject)
	}
	sort.Strings(out)
	return out, nil
}

func (r *grantRepo) ListDueForExpiry(asOf time.Time, limit int) ([]models.EntitlementGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.EntitlementGrant
	for _, g := range r.s.grants {
		switch g.Status {
		case models.GrantStatusActive, models.GrantStatusPastDue, models.GrantStatusPending:
		default:
			continue
		}
		if g.ValidThrough != nil && g.ValidThrough.Before(asOf) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidThrough.Before(*out[j].ValidThrough) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *grantRepo) ListStaleSubscriptionGrants(staleBefore time.Time, limit int) ([]models.EntitlementGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	eligible := make(map[string]struct{})
	for _, src := range models.SubscriptionGrantSources() {
		eligible[src] = struct{}{}
	}
	var out []models.EntitlementGrant
	for _, g := range r.s.grants {
		if _, ok := eligible[g.Source]; !ok || g.SourceRefID == "" {
			continue
		}
		if g.Status != models.GrantStatusActive && g.Status != models.GrantStatusPastDue {
			continue
		}
		if g.LastReconciledAt == nil || g.LastReconciledAt.Before(staleBefore) {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *grantRepo) Update(g *models.EntitlementGrant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.grants[g.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *g
	r.s.grants[g.ID] = &cp
	return nil
}

func (r *grantRepo) UpdateStatusIf(id uint, from, to string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[id]
	if !ok || g.Status != from {
		return false, nil
	}
	g.Status = to
	return true, nil
}

func (r *grantRepo) TouchReconciledAt(id uint, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.grants[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	g.LastReconciledAt = &at
	return nil
}

type providerEventRepo struct{ s *Store }

func (r *providerEventRepo) CreateIfNotExists(ev *models.ProviderEvent) (bool, *models.ProviderEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.events {
		if existing.Provider == ev.Provider && existing.ProviderEventID == ev.ProviderEventID {
			cp := *existing
			return false, &cp, nil
		}
	}
	if ev.ID == 0 {
		ev.ID = r.s.allocID()
	}
	ev.CreatedAt = time.Now()
	cp := *ev
	r.s.events[ev.ID] = &cp
	stored := cp
	return true, &stored, nil
}

func (r *providerEventRepo) GetByID(id uint) (*models.ProviderEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *ev
	return &cp, nil
}

func (r *providerEventRepo) ListUnprocessed(limit int) ([]models.ProviderEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ProviderEvent
	for _, ev := range r.s.events {
		if ev.ProcessedStatus == "" {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *providerEventRepo) SetProcessedStatusIfUnset(id uint, status, lastError string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev, ok := r.s.events[id]
	if !ok || ev.ProcessedStatus != "" {
		return false, nil
	}
	ev.ProcessedStatus = status
	ev.LastError = lastError
	return true, nil
}

type roleSyncRepo struct{ s *Store }

func (r *roleSyncRepo) Create(req *models.RoleSyncRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if req.ID == 0 {
		req.ID = r.s.allocID()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	cp := *req
	r.s.syncs[req.ID] = &cp
	return nil
}

func (r *roleSyncRepo) GetByID(id uint) (*models.RoleSyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.syncs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *req
	return &cp, nil
}

func (r *roleSyncRepo) ClaimOldestPending(tenantID uint, asOf time.Time) (*models.RoleSyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var oldest *models.RoleSyncRequest
	for _, req := range r.s.syncs {
		if req.TenantID != tenantID || req.Status != models.SyncStatusPending {
			continue
		}
		if oldest == nil || req.CreatedAt.Before(oldest.CreatedAt) ||
			(req.CreatedAt.Equal(oldest.CreatedAt) && req.ID < oldest.ID) {
			oldest = req
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = models.SyncStatusInProgress
	claimed := asOf
	oldest.ClaimedAt = &claimed
	cp := *oldest
	return &cp, nil
}

func (r *roleSyncRepo) CompleteIf(id uint, toStatus, lastError string, asOf time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	req, ok := r.s.syncs[id]
	if !ok || req.Status != models.SyncStatusInProgress {
		return false, nil
	}
	req.Status = toStatus
	req.LastError = lastError
	completed := asOf
	req.CompletedAt = &completed
	return true, nil
}

func (r *roleSyncRepo) ListRecentFailed(since time.Time, limit int) ([]models.RoleSyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RoleSyncRequest
	for _, req := range r.s.syncs {
		if req.Status == models.SyncStatusFailed && !req.CreatedAt.Before(since) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *roleSyncRepo) LatestForScope(tenantID uint, scope, subjectUserID string) (*models.RoleSyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *models.RoleSyncRequest
	for _, req := range r.s.syncs {
		if req.TenantID != tenantID || req.Scope != scope {
			continue
		}
		if scope == models.SyncScopeUser && req.SubjectUserID != subjectUserID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) ||
			(req.CreatedAt.Equal(latest.CreatedAt) && req.ID > latest.ID) {
			latest = req
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (r *roleSyncRepo) CountOpenForScope(tenantID uint, scope, subjectUserID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for _, req := range r.s.syncs {
		if req.TenantID != tenantID || req.Scope != scope {
			continue
		}
		if scope == models.SyncScopeUser && req.SubjectUserID != subjectUserID {
			continue
		}
		if req.Status == models.SyncStatusPending || req.Status == models.SyncStatusInProgress {
			count++
		}
	}
	return count, nil
}

func (r *roleSyncRepo) LatestGuildRequest(tenantID uint) (*models.RoleSyncRequest, error) {
	return r.LatestForScope(tenantID, models.SyncScopeGuild, "")
}

func (r *roleSyncRepo) ListStaleInProgress(olderThan time.Time, limit int) ([]models.RoleSyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RoleSyncRequest
	for _, req := range r.s.syncs {
		if req.Status == models.SyncStatusInProgress && req.ClaimedAt != nil && req.ClaimedAt.Before(olderThan) {
			out = append(out, *req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(*out[j].ClaimedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *roleSyncRepo) ListByTenant(tenantID uint, status string, limit int) ([]models.RoleSyncRequest, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.RoleSyncRequest
	for _, req := range r.s.syncs {
		if req.TenantID != tenantID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type webhookRepo struct{ s *Store }

func (r *webhookRepo) CreateEndpoint(e *models.WebhookEndpoint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e.ID == 0 {
		e.ID = r.s.allocID()
	}
	cp := *e
	r.s.endpoints[e.ID] = &cp
	return nil
}

func (r *webhookRepo) GetEndpoint(id uint) (*models.WebhookEndpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.endpoints[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *webhookRepo) ListActiveEndpoints(tenantID uint) ([]models.WebhookEndpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.WebhookEndpoint
	for _, e := range r.s.endpoints {
		if e.TenantID == tenantID && e.IsActive {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *webhookRepo) UpdateEndpoint(e *models.WebhookEndpoint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.endpoints[e.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *e
	r.s.endpoints[e.ID] = &cp
	return nil
}

func (r *webhookRepo) CreateDeliveryIfNotExists(d *models.OutboundWebhookDelivery) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.deliveries {
		if existing.EndpointID == d.EndpointID && existing.EventType == d.EventType && existing.EventID == d.EventID {
			return false, nil
		}
	}
	if d.ID == 0 {
		d.ID = r.s.allocID()
	}
	d.CreatedAt = time.Now()
	cp := *d
	r.s.deliveries[d.ID] = &cp
	return true, nil
}

func (r *webhookRepo) GetDelivery(id uint) (*models.OutboundWebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *webhookRepo) ListDueDeliveries(asOf time.Time, limit int) ([]models.OutboundWebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.OutboundWebhookDelivery
	for _, d := range r.s.deliveries {
		if d.Status != models.DeliveryStatusPending {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(asOf) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *webhookRepo) StartDeliveryIf(id uint, asOf time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok || d.Status != models.DeliveryStatusPending {
		return false, nil
	}
	if d.NextAttemptAt != nil && d.NextAttemptAt.After(asOf) {
		return false, nil
	}
	d.Status = models.DeliveryStatusDelivering
	d.Attempts++
	return true, nil
}

func (r *webhookRepo) MarkDelivery(id uint, status string, nextAttemptAt *time.Time, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	d.Status = status
	d.NextAttemptAt = nextAttemptAt
	d.LastError = lastError
	d.UpdatedAt = time.Now()
	return nil
}

func (r *webhookRepo) ListFailed(tenantID uint, limit int) ([]models.FailedDeliveryView, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.FailedDeliveryView
	for _, d := range r.s.deliveries {
		if d.TenantID != tenantID || d.Status != models.DeliveryStatusFailed {
			continue
		}
		out = append(out, models.FailedDeliveryView{
			ID:         d.ID,
			TenantID:   d.TenantID,
			EndpointID: d.EndpointID,
			EventType:  d.EventType,
			EventID:    d.EventID,
			URL:        d.URL,
			Attempts:   d.Attempts,
			LastError:  d.LastError,
			CreatedAt:  d.CreatedAt,
			UpdatedAt:  d.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type auditRepo struct{ s *Store }

func (r *auditRepo) Append(ev *models.AuditEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ev.ID = r.s.allocID()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.s.audits = append(r.s.audits, *ev)
	return nil
}

func (r *auditRepo) ListByTenant(tenantID uint, since time.Time, limit int) ([]models.AuditEvent, error) {
	return r.list(tenantID, "", since, limit)
}

func (r *auditRepo) ListByTenantSubject(tenantID uint, subjectUserID string, since time.Time, limit int) ([]models.AuditEvent, error) {
	return r.list(tenantID, subjectUserID, since, limit)
}

func (r *auditRepo) list(tenantID uint, subjectUserID string, since time.Time, limit int) ([]models.AuditEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range r.s.audits {
		if ev.TenantID != tenantID || ev.CreatedAt.Before(since) {
			continue
		}
		if subjectUserID != "" && !strings.EqualFold(ev.SubjectUserID, subjectUserID) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
