package runner

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/metadata"
)

func TestFilterSQLConnectives(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	obj, _ := schema.Object("company")

	f := &Filter{
		And: []*Filter{
			{Field: "name", Comparator: CmpEq, Value: "Acme"},
		},
		Or: []*Filter{
			{Field: "employees", Comparator: CmpGt, Value: float64(10)},
			{Field: "employees", Comparator: CmpLt, Value: float64(2)},
		},
	}
	b := newSQLBuilder()
	sql, err := filterSQL(schema, adminPerms(), obj, f, "t", b)
	require.NoError(t, err)
	assert.Equal(t, `t."name" = $1 AND (t."employees" > $2 OR t."employees" < $3)`, sql)
	assert.Equal(t, []any{"Acme", float64(10), float64(2)}, b.args)
}

func TestFilterSQLNot(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	obj, _ := schema.Object("company")

	b := newSQLBuilder()
	sql, err := filterSQL(schema, adminPerms(), obj, &Filter{
		Not: &Filter{Field: "name", Comparator: CmpEq, Value: "Acme"},
	}, "t", b)
	require.NoError(t, err)
	assert.Equal(t, `NOT (t."name" = $1)`, sql)
}

func TestFilterSQLForwardHopBecomesExists(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	personObj, _ := schema.Object("person")

	b := newSQLBuilder()
	sql, err := filterSQL(schema, adminPerms(), personObj, &Filter{
		Field: "company.name", Comparator: CmpEq, Value: "Acme",
	}, "t", b)
	require.NoError(t, err)

	assert.Contains(t, sql, "EXISTS (SELECT 1 FROM")
	assert.Contains(t, sql, `"companies" t_h1`)
	assert.Contains(t, sql, `t_h1.id = t."company_id"`)
	assert.Contains(t, sql, "t_h1.deleted_at IS NULL")
	assert.Contains(t, sql, `t_h1."name" = $1`)
	assert.Equal(t, []any{"Acme"}, b.args)
}

func TestFilterSQLInverseHopBecomesExists(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	companyObj, _ := schema.Object("company")

	b := newSQLBuilder()
	sql, err := filterSQL(schema, adminPerms(), companyObj, &Filter{
		Field: "people.email", Comparator: CmpEq, Value: "a@b.c",
	}, "t", b)
	require.NoError(t, err)

	assert.Contains(t, sql, `"_people" t_h1`)
	assert.Contains(t, sql, `t_h1."company_id" = t.id`)
	assert.Contains(t, sql, `t_h1."email" = $1`)
}

func TestFilterSQLManyToManyHopJoins(t *testing.T) {
	person := metadata.NewObjectMetadata(testWorkspace, "person", "people", false)
	addField(person, "email", metadata.FieldText)
	tag := metadata.NewObjectMetadata(testWorkspace, "tag", "tags", false)
	addField(tag, "label", metadata.FieldText)
	linkManyToMany(person, tag)
	schema := compileSchema(t, person, tag)
	personObj, _ := schema.Object("person")

	b := newSQLBuilder()
	sql, err := filterSQL(schema, adminPerms(), personObj, &Filter{
		Field: "tags.label", Comparator: CmpEq, Value: "vip",
	}, "t", b)
	require.NoError(t, err)

	assert.Contains(t, sql, `"_join_`)
	assert.Contains(t, sql, `JOIN`)
	assert.Contains(t, sql, `t_h1.id = t_h1j."tag_id"`)
	assert.Contains(t, sql, `t_h1j."person_id" = t.id`)
	assert.Contains(t, sql, `t_h1."label" = $1`)
}

func TestFilterSQLNestedHops(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	task := metadata.NewObjectMetadata(testWorkspace, "task", "tasks", true)
	linkOneToMany(task, person, "assigneeId", metadata.CascadeSetNull)
	schema := compileSchema(t, company, person, task)
	taskObj, _ := schema.Object("task")

	b := newSQLBuilder()
	sql, err := filterSQL(schema, adminPerms(), taskObj, &Filter{
		Field: "assignee.company.name", Comparator: CmpEq, Value: "Acme",
	}, "t", b)
	require.NoError(t, err)

	// one EXISTS per hop, nested inside out
	assert.Contains(t, sql, `t_h1.id = t."assignee_id"`)
	assert.Contains(t, sql, `t_h2.id = t_h1."company_id"`)
	assert.Contains(t, sql, `t_h2."name" = $1`)
}

func TestComparisonSQLVariants(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	obj, _ := schema.Object("company")
	name, _ := obj.Field("name")

	tests := []struct {
		name string
		f    *Filter
		sql  string
		args []any
	}{
		{
			name: "eq nil is IS NULL",
			f:    &Filter{Comparator: CmpEq, Value: nil},
			sql:  `t."name" IS NULL`,
		},
		{
			name: "neq nil is IS NOT NULL",
			f:    &Filter{Comparator: CmpNeq, Value: nil},
			sql:  `t."name" IS NOT NULL`,
		},
		{
			name: "empty in matches nothing",
			f:    &Filter{Comparator: CmpIn, Value: []any{}},
			sql:  "FALSE",
		},
		{
			name: "in binds every value",
			f:    &Filter{Comparator: CmpIn, Value: []any{"a", "b"}},
			sql:  `t."name" IN ($1, $2)`,
			args: []any{"a", "b"},
		},
		{
			name: "startsWith escapes metacharacters",
			f:    &Filter{Comparator: CmpStartsWith, Value: `50%_a`},
			sql:  `t."name" LIKE $1`,
			args: []any{`50\%\_a%`},
		},
		{
			name: "is false is IS NOT NULL",
			f:    &Filter{Comparator: CmpIsNull, Value: false},
			sql:  `t."name" IS NOT NULL`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newSQLBuilder()
			sql, err := comparisonSQL(obj, name, tt.f, "t", b)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.args, b.args)
		})
	}
}

func TestDerivedFieldComparisonInlinesExpression(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	companyObj, _ := schema.Object("company")
	count, ok := companyObj.Field("peopleCount")
	require.True(t, ok)

	b := newSQLBuilder()
	sql, err := comparisonSQL(companyObj, count, &Filter{Comparator: CmpGt, Value: float64(5)}, "t", b)
	require.NoError(t, err)
	assert.Contains(t, sql, "count(*)")
	assert.Contains(t, sql, "> $1")
	assert.NotContains(t, sql, compile.QuoteIdentifier(companyObj.TableName)+".",
		"the bare table reference must be rewritten to the query alias")
}

func TestOrderBySQLAppendsIDTieBreak(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	obj, _ := schema.Object("company")

	sql := orderBySQL(obj, []Sort{{Field: "name", Direction: SortDesc}}, "t")
	assert.Equal(t, `t."name" DESC, t.id ASC`, sql)

	assert.Equal(t, "t.id ASC", orderBySQL(obj, nil, "t"))
}

func TestCursorSQLLexicographicExpansion(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	schema := compileSchema(t, company, person)
	obj, _ := schema.Object("company")

	b := newSQLBuilder()
	sorts := []Sort{
		{Field: "name", Direction: SortAsc},
		{Field: "employees", Direction: SortDesc},
	}
	c := cursor{Keys: []any{"Acme", float64(10)}, ID: "rid"}
	sql := cursorSQL(obj, sorts, c, "t", b)

	want := fmt.Sprintf("(%s OR %s OR %s)",
		`(t."name" > $1)`,
		`(t."name" = $2 AND t."employees" < $3)`,
		`(t."name" = $4 AND t."employees" = $5 AND t.id > $6)`)
	assert.Equal(t, want, sql)
	assert.Equal(t, []any{"Acme", "Acme", float64(10), "Acme", float64(10), "rid"}, b.args)
}

func TestSelectColumnsExpandsComposites(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	addField(person, "name", metadata.FieldFullName)
	schema := compileSchema(t, company, person)
	personObj, _ := schema.Object("person")

	nameField, _ := personObj.Field("name")
	emailField, _ := personObj.Field("email")
	list, cols := selectColumns(schema, personObj, []*compile.CompiledField{nameField, emailField}, "t")
	assert.Equal(t, `t."name_first_name", t."name_last_name", t."email"`, list)
	assert.Equal(t, []string{"name_first_name", "name_last_name", "email"}, cols)
}
