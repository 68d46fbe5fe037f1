package runner

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
)

func TestResolvePathUnknownFieldAndRelation(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	personObj, _ := schema.Object("person")

	_, err := resolvePath(schema, adminPerms(), personObj, "nickname")
	var trav *enginerr.InvalidTraversalError
	require.ErrorAs(t, err, &trav)
	assert.Contains(t, trav.Reason, `unknown field "nickname"`)
	assert.ErrorIs(t, err, enginerr.ErrValidation)

	_, err = resolvePath(schema, adminPerms(), personObj, "employer.name")
	require.ErrorAs(t, err, &trav)
	assert.Contains(t, trav.Reason, `unknown relation "employer"`)
}

func TestResolvePathDepthBound(t *testing.T) {
	a := metadata.NewObjectMetadata(testWorkspace, "a", "as", true)
	b := metadata.NewObjectMetadata(testWorkspace, "b", "bs", true)
	c := metadata.NewObjectMetadata(testWorkspace, "c", "cs", true)
	d := metadata.NewObjectMetadata(testWorkspace, "d", "ds", true)
	e := metadata.NewObjectMetadata(testWorkspace, "e", "es", true)
	linkOneToMany(a, b, "bId", metadata.CascadeSetNull)
	linkOneToMany(b, c, "cId", metadata.CascadeSetNull)
	linkOneToMany(c, d, "dId", metadata.CascadeSetNull)
	linkOneToMany(d, e, "eId", metadata.CascadeSetNull)
	schema := compileSchema(t, a, b, c, d, e)
	root, _ := schema.Object("a")

	// three hops is the ceiling
	rp, err := resolvePath(schema, adminPerms(), root, "b.c.d.id")
	require.NoError(t, err)
	assert.Len(t, rp.hops, 3)
	assert.Equal(t, "d", rp.owner.NameSingular)
	assert.Equal(t, "id", rp.field.Name)

	_, err = resolvePath(schema, adminPerms(), root, "b.c.d.e.id")
	var trav *enginerr.InvalidTraversalError
	require.ErrorAs(t, err, &trav)
	assert.Equal(t, maxTraversalDepth, trav.MaxDepth)
}

func TestResolvePathDeniesUnreadableHopTarget(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	personObj, _ := schema.Object("person")

	// read on person only: the company hop is out of reach
	perms := permsFor(map[uuid.UUID]role.Grant{
		person.ID: {CanRead: true},
	})
	_, err := resolvePath(schema, perms, personObj, "company.name")
	var denied *enginerr.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "company", denied.Object)
	assert.Equal(t, "read", denied.Operation)
}

func TestValidateFilterTypeChecks(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	addField(person, "name", metadata.FieldFullName)
	addField(person, "birthday", metadata.FieldDateTime)
	schema := compileSchema(t, company, person)
	personObj, _ := schema.Object("person")
	companyObj, _ := schema.Object("company")

	tests := []struct {
		name    string
		obj     string
		filter  *Filter
		message string
	}{
		{
			name:    "string value on number field",
			obj:     "company",
			filter:  &Filter{Field: "employees", Comparator: CmpGt, Value: "ten"},
			message: "expected number",
		},
		{
			name:    "like on number field",
			obj:     "company",
			filter:  &Filter{Field: "employees", Comparator: CmpLike, Value: "1%"},
			message: "expected text",
		},
		{
			name:    "in with scalar value",
			obj:     "person",
			filter:  &Filter{Field: "email", Comparator: CmpIn, Value: "a@b.c"},
			message: "expected array",
		},
		{
			name:    "is with non boolean",
			obj:     "person",
			filter:  &Filter{Field: "email", Comparator: CmpIsNull, Value: "yes"},
			message: "expected boolean",
		},
		{
			name:    "malformed dateTime",
			obj:     "person",
			filter:  &Filter{Field: "birthday", Comparator: CmpGte, Value: "yesterday"},
			message: "expected dateTime",
		},
		{
			name:    "malformed uuid",
			obj:     "person",
			filter:  &Filter{Field: "companyId", Comparator: CmpEq, Value: "not-a-uuid"},
			message: "expected uuid",
		},
		{
			name:    "composite compared whole",
			obj:     "person",
			filter:  &Filter{Field: "name", Comparator: CmpEq, Value: "Ada"},
			message: "expected scalar field",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := personObj
			if tt.obj == "company" {
				obj = companyObj
			}
			err := validateFilter(schema, adminPerms(), obj, tt.filter)
			require.Error(t, err)
			assert.ErrorIs(t, err, enginerr.ErrValidation)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidateFilterWalksConnectives(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	companyObj, _ := schema.Object("company")

	f := &Filter{
		And: []*Filter{
			{Field: "name", Comparator: CmpEq, Value: "Acme"},
		},
		Or: []*Filter{
			{Field: "employees", Comparator: CmpGt, Value: float64(10)},
			{Not: &Filter{Field: "bogus", Comparator: CmpEq, Value: "x"}},
		},
	}
	err := validateFilter(schema, adminPerms(), companyObj, f)
	var trav *enginerr.InvalidTraversalError
	require.ErrorAs(t, err, &trav)
	assert.Contains(t, trav.Reason, `unknown field "bogus"`)
}

func TestValidateFilterUnknownComparator(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	companyObj, _ := schema.Object("company")

	err := validateFilter(schema, adminPerms(), companyObj, &Filter{
		Field: "name", Comparator: "between", Value: "x",
	})
	var vErr *enginerr.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields["name"][0], `unknown comparator "between"`)
}

func TestValidateSelectionDefaultsToReadableFields(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	companyObj, _ := schema.Object("company")

	perms := permsFor(map[uuid.UUID]role.Grant{company.ID: {CanRead: true}})
	perms.Objects[company.ID].FieldOverrides = map[uuid.UUID]role.Grant{
		company.Fields["employees"].ID: {}, // hidden
	}

	fields, err := validateSelection(perms, companyObj, nil)
	require.NoError(t, err)
	names := fieldNames(fields)
	assert.NotContains(t, names, "employees")
	assert.Contains(t, names, "id")
	assert.Contains(t, names, "name")
}

func TestValidateSelectionExplicit(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	companyObj, _ := schema.Object("company")

	// duplicates collapse and the id rides along
	fields, err := validateSelection(adminPerms(), companyObj, []string{"name", "name", "employees"})
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "employees", "id"}, fieldNames(fields))

	_, err = validateSelection(adminPerms(), companyObj, []string{"revenue"})
	var vErr *enginerr.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields["revenue"][0], "unknown field")

	perms := permsFor(map[uuid.UUID]role.Grant{company.ID: {CanRead: true}})
	perms.Objects[company.ID].FieldOverrides = map[uuid.UUID]role.Grant{
		company.Fields["name"].ID: {},
	}
	_, err = validateSelection(perms, companyObj, []string{"name"})
	var denied *enginerr.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "name", denied.Field)
}

func TestValidateSortRejectsNonSortableFields(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	addField(person, "name", metadata.FieldFullName)
	schema := compileSchema(t, company, person)
	personObj, _ := schema.Object("person")
	companyObj, _ := schema.Object("company")

	err := validateSort(adminPerms(), personObj, []Sort{{Field: "name", Direction: SortAsc}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be used as a sort key")

	// the derived count on the one side is not sortable either
	err = validateSort(adminPerms(), companyObj, []Sort{{Field: "peopleCount", Direction: SortAsc}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be used as a sort key")

	err = validateSort(adminPerms(), personObj, []Sort{{Field: "email", Direction: "SIDEWAYS"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sort direction")

	err = validateSort(adminPerms(), personObj, []Sort{{Field: "email", Direction: SortDesc}})
	assert.NoError(t, err)
}

func TestCursorRoundTrip(t *testing.T) {
	c := cursor{Keys: []any{"Acme", float64(10)}, ID: "3f6f3f93-0000-0000-0000-000000000001"}
	decoded, err := decodeCursor(encodeCursor(c))
	require.NoError(t, err)
	assert.Equal(t, c.ID, decoded.ID)
	assert.Equal(t, c.Keys, decoded.Keys)

	_, err = decodeCursor("%%%not-base64%%%")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed cursor")
}

func fieldNames(fields []*compile.CompiledField) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}
