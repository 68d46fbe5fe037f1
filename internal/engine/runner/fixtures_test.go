package runner

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/event"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
	"github.com/ehconitin/twenty/internal/engine/schemacache"
	"github.com/ehconitin/twenty/internal/engine/transaction"
)

const testWorkspace = "ws1"

func addField(obj *metadata.ObjectMetadata, name string, t metadata.FieldType, mutate ...func(*metadata.FieldMetadata)) *metadata.FieldMetadata {
	f := &metadata.FieldMetadata{
		ID:               uuid.New(),
		ObjectMetadataID: obj.ID,
		Name:             name,
		Type:             t,
		IsNullable:       true,
	}
	for _, m := range mutate {
		m(f)
	}
	obj.Fields[name] = f
	return f
}

// linkOneToMany wires a ONE_TO_MANY relation: many holds the foreign
// key pointing at one.
func linkOneToMany(many, one *metadata.ObjectMetadata, fkName string, onDelete metadata.CascadePolicy) *metadata.RelationMetadata {
	fk := addField(many, fkName, metadata.FieldRelation)
	rel := &metadata.RelationMetadata{
		ID:                   uuid.New(),
		WorkspaceID:          many.WorkspaceID,
		Kind:                 metadata.OneToMany,
		FromObjectMetadataID: many.ID,
		FromFieldMetadataID:  fk.ID,
		ToObjectMetadataID:   one.ID,
		ToFieldMetadataID:    one.Fields["id"].ID,
		OnDelete:             onDelete,
	}
	many.Relations[rel.ID] = rel
	one.Relations[rel.ID] = rel
	return rel
}

func linkManyToMany(a, b *metadata.ObjectMetadata) *metadata.RelationMetadata {
	rel := &metadata.RelationMetadata{
		ID:                   uuid.New(),
		WorkspaceID:          a.WorkspaceID,
		Kind:                 metadata.ManyToMany,
		FromObjectMetadataID: a.ID,
		FromFieldMetadataID:  a.Fields["id"].ID,
		ToObjectMetadataID:   b.ID,
		ToFieldMetadataID:    b.Fields["id"].ID,
	}
	a.Relations[rel.ID] = rel
	b.Relations[rel.ID] = rel
	return rel
}

func compileSchema(t *testing.T, objects ...*metadata.ObjectMetadata) *compile.CompiledSchema {
	t.Helper()
	schema, err := compile.NewCompiler(zap.NewNop()).Compile(testWorkspace, 1, objects)
	require.NoError(t, err)
	return schema
}

// crmObjects builds the standard fixture: companies referenced by
// people through a foreign key with the given cascade policy.
func crmObjects(onDelete metadata.CascadePolicy) (company, person *metadata.ObjectMetadata) {
	company = metadata.NewObjectMetadata(testWorkspace, "company", "companies", false)
	addField(company, "name", metadata.FieldText)
	addField(company, "employees", metadata.FieldNumber)

	person = metadata.NewObjectMetadata(testWorkspace, "person", "people", true)
	addField(person, "email", metadata.FieldText)
	linkOneToMany(person, company, "companyId", onDelete)
	return company, person
}

func adminPerms() *role.EffectivePermissions {
	return &role.EffectivePermissions{Admin: true}
}

func grantAll() role.Grant {
	return role.Grant{CanRead: true, CanUpdate: true, CanDestroy: true, CanSoftDelete: true}
}

// permsFor builds a non-admin permission set from object-level grants
func permsFor(grants map[uuid.UUID]role.Grant) *role.EffectivePermissions {
	ep := &role.EffectivePermissions{Objects: make(map[uuid.UUID]*role.ObjectPermissions)}
	for objID, g := range grants {
		ep.Objects[objID] = &role.ObjectPermissions{Grant: g}
	}
	return ep
}

type stubMeta struct {
	objects []*metadata.ObjectMetadata
}

func (s *stubMeta) GetObjectMetadata(_ context.Context, _ string) ([]*metadata.ObjectMetadata, int64, error) {
	return s.objects, 1, nil
}

func (s *stubMeta) WorkspaceVersion(_ context.Context, _ string) (int64, error) {
	return 1, nil
}

type stubRoles struct {
	roles map[uuid.UUID]*role.Role
}

func (s *stubRoles) RolesByIDs(_ context.Context, _ string, ids []uuid.UUID) ([]*role.Role, error) {
	var out []*role.Role
	for _, id := range ids {
		if r, ok := s.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func adminRole() *role.Role {
	return &role.Role{ID: uuid.New(), WorkspaceID: testWorkspace, Name: "admin", IsAdmin: true}
}

func makeRole(perms ...role.Permission) *role.Role {
	r := &role.Role{ID: uuid.New(), WorkspaceID: testWorkspace, Name: "member"}
	for i := range perms {
		perms[i].RoleID = r.ID
	}
	r.Permissions = perms
	return r
}

func principalWith(roles ...*role.Role) role.Principal {
	p := role.Principal{ID: "user-1", WorkspaceID: testWorkspace}
	for _, r := range roles {
		p.RoleIDs = append(p.RoleIDs, r.ID)
	}
	return p
}

// newTestRunner wires a runner over sqlmock with stubbed metadata and
// role sources. The emitter may be nil.
func newTestRunner(t *testing.T, objects []*metadata.ObjectMetadata, emitter *event.Emitter, roles ...*role.Role) (*Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	roleSet := make(map[uuid.UUID]*role.Role, len(roles))
	for _, r := range roles {
		roleSet[r.ID] = r
	}

	schemas := schemacache.New(&stubMeta{objects: objects}, compile.NewCompiler(zap.NewNop()), schemacache.NewMemoryBackend(), zap.NewNop())
	resolver := role.NewResolver(&stubRoles{roles: roleSet}, schemacache.NewMemoryBackend(), zap.NewNop())
	tx := transaction.NewManager(db, zap.NewNop())
	return New(schemas, resolver, tx, emitter, zap.NewNop()), mock
}
