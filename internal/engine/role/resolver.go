package role

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/schemacache"
)

// RoleSource loads roles with their grants for resolution
type RoleSource interface {
	RolesByIDs(ctx context.Context, workspaceID string, ids []uuid.UUID) ([]*Role, error)
}

// Resolver computes effective permissions for principals and caches
// the result per (workspace, role set). Two principals sharing the
// same roles share one cache entry.
type Resolver struct {
	source  RoleSource
	backend schemacache.Backend
	log     *zap.Logger
}

func NewResolver(source RoleSource, backend schemacache.Backend, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{source: source, backend: backend, log: log}
}

// Resolve returns the effective permission set for a principal. The
// result is the most permissive union across the principal's roles,
// evaluated independently per operation kind. Principals with no roles
// resolve to deny-all rather than an error.
func (r *Resolver) Resolve(ctx context.Context, p Principal) (*EffectivePermissions, error) {
	key := permissionKey(p)
	if r.backend != nil {
		if raw, err := r.backend.Get(ctx, key); err == nil {
			var ep EffectivePermissions
			if err := json.Unmarshal(raw, &ep); err == nil {
				return &ep, nil
			}
			// corrupt entry, fall through to recompute
			_ = r.backend.Delete(ctx, key)
		}
	}

	roles, err := r.source.RolesByIDs(ctx, p.WorkspaceID, p.RoleIDs)
	if err != nil {
		return nil, err
	}
	ep := resolveRoles(roles)

	if r.backend != nil {
		if raw, err := json.Marshal(ep); err == nil {
			if err := r.backend.Set(ctx, key, raw, 0); err != nil {
				r.log.Warn("permission cache write failed",
					zap.String("workspace_id", p.WorkspaceID), zap.Error(err))
			}
		}
	}
	return ep, nil
}

// Invalidate drops all cached permission sets for a workspace. Called
// after any role mutation and after metadata changes that retire
// object or field ids.
func (r *Resolver) Invalidate(ctx context.Context, workspaceID string) error {
	if r.backend == nil {
		return nil
	}
	return r.backend.DeletePrefix(ctx, "perm:"+workspaceID+":")
}

func permissionKey(p Principal) string {
	sum := sha256.Sum256([]byte(p.RoleSetKey()))
	return "perm:" + p.WorkspaceID + ":" + hex.EncodeToString(sum[:8])
}

// resolveRoles merges per-role grant sets into one effective set. A
// field's effective grant in one role is its override when present,
// the role's object default otherwise; across roles the per-field
// results are unioned so adding a role never removes access.
func resolveRoles(roles []*Role) *EffectivePermissions {
	ep := &EffectivePermissions{Objects: make(map[uuid.UUID]*ObjectPermissions)}
	for _, role := range roles {
		if role.IsAdmin {
			ep.Admin = true
		}
	}

	// object-level defaults per role, needed to expand field overrides
	type roleObject struct {
		roleID   uuid.UUID
		objectID uuid.UUID
	}
	objectDefaults := make(map[roleObject]Grant)
	for _, role := range roles {
		for _, perm := range role.Permissions {
			if perm.FieldMetadataID == nil {
				objectDefaults[roleObject{role.ID, perm.ObjectMetadataID}] = perm.Grant
			}
		}
	}

	for _, role := range roles {
		for _, perm := range role.Permissions {
			op := ep.Objects[perm.ObjectMetadataID]
			if op == nil {
				op = &ObjectPermissions{}
				ep.Objects[perm.ObjectMetadataID] = op
			}
			if perm.FieldMetadataID == nil {
				op.Grant = op.Grant.Union(perm.Grant)
				continue
			}
			if op.FieldOverrides == nil {
				op.FieldOverrides = make(map[uuid.UUID]Grant)
			}
			op.FieldOverrides[*perm.FieldMetadataID] = op.FieldOverrides[*perm.FieldMetadataID].Union(perm.Grant)
		}
	}

	// union each override with the object defaults of the roles that
	// did NOT override the field, so a restrictive override in one role
	// cannot mask a broader grant from another
	for objectID, op := range ep.Objects {
		for fieldID, g := range op.FieldOverrides {
			merged := g
			for _, role := range roles {
				if roleOverrides(role, objectID, fieldID) {
					continue
				}
				if def, ok := objectDefaults[roleObject{role.ID, objectID}]; ok {
					merged = merged.Union(def)
				}
			}
			op.FieldOverrides[fieldID] = merged
		}
	}
	return ep
}

func roleOverrides(role *Role, objectID, fieldID uuid.UUID) bool {
	for _, perm := range role.Permissions {
		if perm.ObjectMetadataID == objectID && perm.FieldMetadataID != nil && *perm.FieldMetadataID == fieldID {
			return true
		}
	}
	return false
}
