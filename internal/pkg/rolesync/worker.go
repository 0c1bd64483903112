package rolesync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/guildgate/guildgate/app/models"
	"github.com/guildgate/guildgate/app/repository"
	"github.com/guildgate/guildgate/internal/pkg/entitlements"
)

// Worker executes claimed sync requests: recompute the desired role set from
// fresh grants, diff against the platform, and converge. Only roles that some
// tier of the tenant maps to are ever touched; everything else on the member
// is out of scope.
type Worker struct {
	service *Service
	ents    *entitlements.Service
	tenants repository.TenantRepository
	tiers   repository.TierRepository
	grants  repository.GrantRepository
	roles   RoleAPI
}

// NewWorker creates a sync worker.
func NewWorker(service *Service, ents *entitlements.Service, repos *repository.Repositories, roles RoleAPI) *Worker {
	return &Worker{
		service: service,
		ents:    ents,
		tenants: repos.Tenant,
		tiers:   repos.Tier,
		grants:  repos.Grant,
		roles:   roles,
	}
}

// ProcessOnce claims and executes at most one request for the tenant.
// Reports whether a request was processed.
func (w *Worker) ProcessOnce(ctx context.Context, tenantID uint, asOf time.Time) (bool, error) {
	req, err := w.service.ClaimNextRequest(ctx, tenantID, asOf)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	execErr := w.execute(ctx, req, asOf)
	if execErr != nil {
		if err := w.service.CompleteRequest(ctx, req.ID, models.SyncStatusFailed, execErr.Error(), time.Now()); err != nil {
			log.Errorf("[RoleSync] complete(failed) error for request %d: %v", req.ID, err)
		}
		return true, nil
	}
	if err := w.service.CompleteRequest(ctx, req.ID, models.SyncStatusCompleted, "", time.Now()); err != nil {
		log.Errorf("[RoleSync] complete(completed) error for request %d: %v", req.ID, err)
	}
	return true, nil
}

// ProcessAllTenants drains up to perTenant requests for every tenant.
func (w *Worker) ProcessAllTenants(ctx context.Context, asOf time.Time, perTenant int) (int, error) {
	tenants, err := w.tenants.ListAll()
	if err != nil {
		return 0, err
	}
	processed := 0
	for i := range tenants {
		for n := 0; n < perTenant; n++ {
			ok, err := w.ProcessOnce(ctx, tenants[i].ID, asOf)
			if err != nil {
				log.Errorf("[RoleSync] worker error for tenant %d: %v", tenants[i].ID, err)
				break
			}
			if !ok {
				break
			}
			processed++
		}
	}
	return processed, nil
}

func (w *Worker) execute(ctx context.Context, req *models.RoleSyncRequest, asOf time.Time) error {
	tenant, err := w.tenants.GetByID(req.TenantID)
	if err != nil {
		return fmt.Errorf("tenant lookup failed: %w", err)
	}
	managed, err := w.managedRoleIDs(req.TenantID)
	if err != nil {
		return err
	}

	if req.Scope == models.SyncScopeUser {
		return w.syncUser(ctx, tenant, req.SubjectUserID, managed, asOf)
	}

	subjects, err := w.grants.ListSubjectsWithGrants(req.TenantID)
	if err != nil {
		return err
	}
	var failures []string
	for _, subject := range subjects {
		if err := w.syncUser(ctx, tenant, subject, managed, asOf); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", subject, err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("guild sync: %d of %d subjects failed: %s",
			len(failures), len(subjects), strings.Join(failures, "; "))
	}
	return nil
}

// syncUser converges one member: add missing desired roles, remove managed
// roles no longer desired. Unmanaged roles are never removed.
func (w *Worker) syncUser(ctx context.Context, tenant *models.Tenant, subjectUserID string, managed map[string]struct{}, asOf time.Time) error {
	desired, err := w.ents.EvaluateUser(tenant.ID, subjectUserID, asOf)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	current, err := w.roles.CurrentRoleIDs(ctx, tenant.ExternalGuildID, subjectUserID)
	if err != nil {
		return fmt.Errorf("current roles: %w", err)
	}

	currentSet := make(map[string]struct{}, len(current))
	for _, roleID := range current {
		currentSet[roleID] = struct{}{}
	}
	desiredSet := make(map[string]struct{}, len(desired))
	for _, roleID := range desired {
		desiredSet[roleID] = struct{}{}
	}

	var toAdd, toRemove []string
	for _, roleID := range desired {
		if _, has := currentSet[roleID]; !has {
			toAdd = append(toAdd, roleID)
		}
	}
	for _, roleID := range current {
		if _, isManaged := managed[roleID]; !isManaged {
			continue
		}
		if _, wanted := desiredSet[roleID]; !wanted {
			toRemove = append(toRemove, roleID)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	for _, roleID := range toAdd {
		if err := w.roles.AddRole(ctx, tenant.ExternalGuildID, subjectUserID, roleID); err != nil {
			return fmt.Errorf("add role %s: %w", roleID, err)
		}
	}
	for _, roleID := range toRemove {
		if err := w.roles.RemoveRole(ctx, tenant.ExternalGuildID, subjectUserID, roleID); err != nil {
			return fmt.Errorf("remove role %s: %w", roleID, err)
		}
	}
	return nil
}

// managedRoleIDs is the union of role ids over every tier of the tenant.
func (w *Worker) managedRoleIDs(tenantID uint) (map[string]struct{}, error) {
	tiers, err := w.tiers.ListByTenant(tenantID)
	if err != nil {
		return nil, err
	}
	managed := make(map[string]struct{})
	for i := range tiers {
		for _, roleID := range tiers[i].RoleIDs {
			managed[roleID] = struct{}{}
		}
	}
	return managed, nil
}
