// Package role resolves the effective permission set for a principal
// in a workspace. Resolution is a pure function of the principal's
// roles; the result is cached per (workspace, role set) with the same
// invalidation discipline as the schema cache.
package role

import (
	"sort"

	"github.com/google/uuid"
)

// Grant is the per-operation permission vector
type Grant struct {
	CanRead       bool `json:"canRead"`
	CanUpdate     bool `json:"canUpdate"`
	CanDestroy    bool `json:"canDestroy"`
	CanSoftDelete bool `json:"canSoftDelete"`
}

// Union returns the most permissive combination of two grants. Each
// operation kind is evaluated independently.
func (g Grant) Union(other Grant) Grant {
	return Grant{
		CanRead:       g.CanRead || other.CanRead,
		CanUpdate:     g.CanUpdate || other.CanUpdate,
		CanDestroy:    g.CanDestroy || other.CanDestroy,
		CanSoftDelete: g.CanSoftDelete || other.CanSoftDelete,
	}
}

// Permission binds a grant to an object, optionally narrowed to one
// field. A grant without a field id applies at object level and is the
// default for fields lacking an explicit override.
type Permission struct {
	RoleID           uuid.UUID
	ObjectMetadataID uuid.UUID
	FieldMetadataID  *uuid.UUID
	Grant
}

// Role is a named set of permission grants within a workspace
type Role struct {
	ID          uuid.UUID
	WorkspaceID string
	Name        string
	// IsAdmin marks the workspace-admin role: it bypasses field-level
	// restriction checks entirely.
	IsAdmin     bool
	Permissions []Permission
}

// Principal is an authenticated actor with one or more roles,
// pre-resolved by the excluded authentication layer.
type Principal struct {
	ID          string
	WorkspaceID string
	RoleIDs     []uuid.UUID
}

// RoleSetKey returns a stable key for the principal's role set,
// independent of role order.
func (p Principal) RoleSetKey() string {
	ids := make([]string, len(p.RoleIDs))
	for i, id := range p.RoleIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)
	key := ""
	for i, id := range ids {
		if i > 0 {
			key += ","
		}
		key += id
	}
	return key
}

// ObjectPermissions is the resolved grant set for one object
type ObjectPermissions struct {
	Grant
	// FieldOverrides narrows or widens the object-level default for
	// individual fields, keyed by field metadata id.
	FieldOverrides map[uuid.UUID]Grant `json:"fieldOverrides,omitempty"`
}

// FieldGrant returns the effective grant for a field: the explicit
// override when present, the object-level default otherwise.
func (op *ObjectPermissions) FieldGrant(fieldID uuid.UUID) Grant {
	if g, ok := op.FieldOverrides[fieldID]; ok {
		return g
	}
	return op.Grant
}

// EffectivePermissions is the resolved, per-object/per-field grant set
// for a principal in a workspace. Default is deny: objects without an
// entry have no grants.
type EffectivePermissions struct {
	// Admin principals bypass field-level checks
	Admin   bool                             `json:"admin"`
	Objects map[uuid.UUID]*ObjectPermissions `json:"objects"`
}

// Object returns the permissions for an object, or an all-deny grant
// when the principal has none.
func (ep *EffectivePermissions) Object(objectID uuid.UUID) *ObjectPermissions {
	if op, ok := ep.Objects[objectID]; ok {
		return op
	}
	return &ObjectPermissions{}
}

// CanReadField reports whether the principal may read a field
func (ep *EffectivePermissions) CanReadField(objectID, fieldID uuid.UUID) bool {
	if ep.Admin {
		return true
	}
	return ep.Object(objectID).FieldGrant(fieldID).CanRead
}

// CanUpdateField reports whether the principal may write a field
func (ep *EffectivePermissions) CanUpdateField(objectID, fieldID uuid.UUID) bool {
	if ep.Admin {
		return true
	}
	return ep.Object(objectID).FieldGrant(fieldID).CanUpdate
}
