package role

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/enginerr"
)

const roleDDL = `
CREATE TABLE IF NOT EXISTS metadata_role (
	id uuid PRIMARY KEY,
	workspace_id text NOT NULL REFERENCES metadata_workspace(id) ON DELETE CASCADE,
	name text NOT NULL,
	is_admin boolean NOT NULL DEFAULT false,
	created_at timestamptz NOT NULL DEFAULT now(),
	UNIQUE (workspace_id, name)
);

CREATE TABLE IF NOT EXISTS metadata_role_permission (
	id uuid PRIMARY KEY,
	role_id uuid NOT NULL REFERENCES metadata_role(id) ON DELETE CASCADE,
	object_metadata_id uuid NOT NULL REFERENCES metadata_object(id) ON DELETE CASCADE,
	field_metadata_id uuid REFERENCES metadata_field(id) ON DELETE CASCADE,
	can_read boolean NOT NULL DEFAULT false,
	can_update boolean NOT NULL DEFAULT false,
	can_destroy boolean NOT NULL DEFAULT false,
	can_soft_delete boolean NOT NULL DEFAULT false
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_role_permission_object
	ON metadata_role_permission (role_id, object_metadata_id)
	WHERE field_metadata_id IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_role_permission_field
	ON metadata_role_permission (role_id, object_metadata_id, field_metadata_id)
	WHERE field_metadata_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_role_workspace ON metadata_role (workspace_id);
`

// Store persists roles and permission grants in the shared metadata
// catalog. Role mutations do not bump the workspace metadata version;
// callers invalidate the permission cache directly.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

func NewStore(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

// Migrate creates the role catalog tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, roleDDL); err != nil {
		return enginerr.ConvertDBError("role.Migrate", err)
	}
	return nil
}

// CreateRole adds a role to a workspace. Role names are unique within
// a workspace.
func (s *Store) CreateRole(ctx context.Context, workspaceID, name string, isAdmin bool) (*Role, error) {
	r := &Role{ID: uuid.New(), WorkspaceID: workspaceID, Name: name, IsAdmin: isAdmin}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata_role (id, workspace_id, name, is_admin) VALUES ($1, $2, $3, $4)`,
		r.ID, r.WorkspaceID, r.Name, r.IsAdmin)
	if err != nil {
		return nil, enginerr.ConvertDBError("role.CreateRole", err)
	}
	s.log.Info("role created",
		zap.String("workspace_id", workspaceID),
		zap.String("role", name),
		zap.Bool("is_admin", isAdmin))
	return r, nil
}

// DeleteRole removes a role and its grants
func (s *Store) DeleteRole(ctx context.Context, workspaceID string, roleID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metadata_role WHERE id = $1 AND workspace_id = $2`, roleID, workspaceID)
	if err != nil {
		return enginerr.ConvertDBError("role.DeleteRole", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &enginerr.NotFoundError{Kind: "role", Name: roleID.String()}
	}
	return nil
}

// SetPermission upserts a grant on a role in the given workspace. A
// nil fieldID sets the object-level default; a non-nil fieldID sets a
// field override. Roles belonging to another workspace are reported as
// not found.
func (s *Store) SetPermission(ctx context.Context, workspaceID string, roleID, objectID uuid.UUID, fieldID *uuid.UUID, g Grant) error {
	var owned bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM metadata_role WHERE id = $1 AND workspace_id = $2)`,
		roleID, workspaceID).Scan(&owned)
	if err != nil {
		return enginerr.ConvertDBError("role.SetPermission", err)
	}
	if !owned {
		return &enginerr.NotFoundError{Kind: "role", Name: roleID.String()}
	}
	if fieldID == nil {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO metadata_role_permission
				(id, role_id, object_metadata_id, field_metadata_id, can_read, can_update, can_destroy, can_soft_delete)
			VALUES ($1, $2, $3, NULL, $4, $5, $6, $7)
			ON CONFLICT (role_id, object_metadata_id) WHERE field_metadata_id IS NULL
			DO UPDATE SET can_read = $4, can_update = $5, can_destroy = $6, can_soft_delete = $7`,
			uuid.New(), roleID, objectID, g.CanRead, g.CanUpdate, g.CanDestroy, g.CanSoftDelete)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO metadata_role_permission
				(id, role_id, object_metadata_id, field_metadata_id, can_read, can_update, can_destroy, can_soft_delete)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (role_id, object_metadata_id, field_metadata_id) WHERE field_metadata_id IS NOT NULL
			DO UPDATE SET can_read = $5, can_update = $6, can_destroy = $7, can_soft_delete = $8`,
			uuid.New(), roleID, objectID, *fieldID, g.CanRead, g.CanUpdate, g.CanDestroy, g.CanSoftDelete)
	}
	if err != nil {
		return enginerr.ConvertDBError("role.SetPermission", err)
	}
	return nil
}

// RemovePermission deletes a grant, reverting fields to the
// object-level default or objects to deny-all.
func (s *Store) RemovePermission(ctx context.Context, roleID, objectID uuid.UUID, fieldID *uuid.UUID) error {
	var (
		res sql.Result
		err error
	)
	if fieldID == nil {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM metadata_role_permission
			WHERE role_id = $1 AND object_metadata_id = $2 AND field_metadata_id IS NULL`,
			roleID, objectID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM metadata_role_permission
			WHERE role_id = $1 AND object_metadata_id = $2 AND field_metadata_id = $3`,
			roleID, objectID, *fieldID)
	}
	if err != nil {
		return enginerr.ConvertDBError("role.RemovePermission", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &enginerr.NotFoundError{Kind: "permission", Name: fmt.Sprintf("%s/%s", roleID, objectID)}
	}
	return nil
}

// RolesByIDs loads roles with their grants. Unknown ids are skipped so
// stale role claims degrade to fewer permissions rather than errors.
func (s *Store) RolesByIDs(ctx context.Context, workspaceID string, ids []uuid.UUID) ([]*Role, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, is_admin
		FROM metadata_role
		WHERE workspace_id = $1 AND id = ANY($2)
		ORDER BY id`,
		workspaceID, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, enginerr.ConvertDBError("role.RolesByIDs", err)
	}
	defer rows.Close()

	var (
		roles  []*Role
		byID   = make(map[uuid.UUID]*Role)
		loaded []uuid.UUID
	)
	for rows.Next() {
		r := &Role{}
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.IsAdmin); err != nil {
			return nil, enginerr.ConvertDBError("role.RolesByIDs", err)
		}
		roles = append(roles, r)
		byID[r.ID] = r
		loaded = append(loaded, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, enginerr.ConvertDBError("role.RolesByIDs", err)
	}
	if len(roles) == 0 {
		return nil, nil
	}

	permRows, err := s.db.QueryContext(ctx, `
		SELECT role_id, object_metadata_id, field_metadata_id, can_read, can_update, can_destroy, can_soft_delete
		FROM metadata_role_permission
		WHERE role_id = ANY($1)
		ORDER BY role_id, object_metadata_id, field_metadata_id NULLS FIRST`,
		pq.Array(uuidStrings(loaded)))
	if err != nil {
		return nil, enginerr.ConvertDBError("role.RolesByIDs", err)
	}
	defer permRows.Close()

	for permRows.Next() {
		var p Permission
		var fieldID sql.Null[uuid.UUID]
		if err := permRows.Scan(&p.RoleID, &p.ObjectMetadataID, &fieldID,
			&p.CanRead, &p.CanUpdate, &p.CanDestroy, &p.CanSoftDelete); err != nil {
			return nil, enginerr.ConvertDBError("role.RolesByIDs", err)
		}
		if fieldID.Valid {
			id := fieldID.V
			p.FieldMetadataID = &id
		}
		if r, ok := byID[p.RoleID]; ok {
			r.Permissions = append(r.Permissions, p)
		}
	}
	if err := permRows.Err(); err != nil {
		return nil, enginerr.ConvertDBError("role.RolesByIDs", err)
	}
	return roles, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
