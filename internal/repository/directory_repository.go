package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/apperrors"
	"github.com/pesio-ai/be-plt-approvals/internal/database"
)

// DirectoryRepository reads the principal directory: principals, groups,
// role grants, and the organizational-unit tree. The resolver's six
// assignment strategies expand against this.
type DirectoryRepository struct {
	db *database.DB
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db *database.DB) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

// PrincipalsWithRole returns active principals holding a role. With a
// non-empty orgUnitID the result is restricted to principals attached to
// that unit's subtree.
func (r *DirectoryRepository) PrincipalsWithRole(ctx context.Context, tenantID, role, orgUnitID string) ([]string, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if orgUnitID == "" {
		rows, err = r.db.Query(ctx, `
			SELECT p.id
			FROM principals p
			JOIN principal_roles pr ON pr.principal_id = p.id
			WHERE p.tenant_id = $1 AND pr.role = $2 AND p.is_active = TRUE
			ORDER BY p.id
		`, tenantID, role)
	} else {
		// Subtree membership via recursive walk from the filter unit down.
		rows, err = r.db.Query(ctx, `
			WITH RECURSIVE subtree AS (
				SELECT id FROM org_units WHERE tenant_id = $1 AND id = $3
				UNION ALL
				SELECT ou.id FROM org_units ou
				JOIN subtree s ON ou.parent_id = s.id
				WHERE ou.tenant_id = $1
			)
			SELECT p.id
			FROM principals p
			JOIN principal_roles pr ON pr.principal_id = p.id
			WHERE p.tenant_id = $1 AND pr.role = $2 AND p.is_active = TRUE
			  AND p.org_unit_id IN (SELECT id FROM subtree)
			ORDER BY p.id
		`, tenantID, role, orgUnitID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query principals by role")
	}
	defer rows.Close()
	return scanIDs(rows)
}

// GroupMembers returns the active members of a principal group.
func (r *DirectoryRepository) GroupMembers(ctx context.Context, tenantID, groupID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT p.id
		FROM principals p
		JOIN group_members gm ON gm.principal_id = p.id
		WHERE p.tenant_id = $1 AND gm.group_id = $2 AND p.is_active = TRUE
		ORDER BY p.id
	`, tenantID, groupID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query group members")
	}
	defer rows.Close()
	return scanIDs(rows)
}

// PrincipalsInUnit returns active principals attached directly to one unit.
func (r *DirectoryRepository) PrincipalsInUnit(ctx context.Context, tenantID, orgUnitID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id
		FROM principals
		WHERE tenant_id = $1 AND org_unit_id = $2 AND is_active = TRUE
		ORDER BY id
	`, tenantID, orgUnitID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query unit principals")
	}
	defer rows.Close()
	return scanIDs(rows)
}

// PrincipalsWithMetadata returns active principals whose metadata document
// contains the given key/value pair (JSONB structural containment).
func (r *DirectoryRepository) PrincipalsWithMetadata(ctx context.Context, tenantID, key string, value any) ([]string, error) {
	probe, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal metadata probe")
	}

	rows, err := r.db.Query(ctx, `
		SELECT id
		FROM principals
		WHERE tenant_id = $1 AND metadata @> $2 AND is_active = TRUE
		ORDER BY id
	`, tenantID, probe)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to query principals by metadata")
	}
	defer rows.Close()
	return scanIDs(rows)
}

// GetPrincipal loads one principal.
func (r *DirectoryRepository) GetPrincipal(ctx context.Context, tenantID, id string) (*Principal, error) {
	p := &Principal{}
	var metadataJSON []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, display_name, org_unit_id, metadata, is_active
		FROM principals
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&p.ID, &p.TenantID, &p.DisplayName, &p.OrgUnitID, &metadataJSON, &p.IsActive)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("principal", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load principal")
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal principal metadata")
		}
	}
	return p, nil
}

// GetOrgUnit loads one org unit. Parent walks happen caller-side with an
// explicit cycle guard; the schema does not guarantee an acyclic tree.
func (r *DirectoryRepository) GetOrgUnit(ctx context.Context, tenantID, id string) (*OrgUnit, error) {
	ou := &OrgUnit{}
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, parent_id
		FROM org_units
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id).Scan(&ou.ID, &ou.TenantID, &ou.Name, &ou.ParentID)
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("org_unit", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to load org unit")
	}
	return ou, nil
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan principal id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
