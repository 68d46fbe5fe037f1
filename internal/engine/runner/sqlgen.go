package runner

import (
	"fmt"
	"strings"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
)

// sqlBuilder accumulates a parameterized statement. Placeholders are
// numbered in the order arguments are appended.
type sqlBuilder struct {
	args    []any
	counter int
}

func newSQLBuilder() *sqlBuilder {
	return &sqlBuilder{counter: 1}
}

// bind appends an argument and returns its placeholder
func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	p := fmt.Sprintf("$%d", b.counter)
	b.counter++
	return p
}

// selectColumns renders the SELECT list for a page of records. Stored
// fields select their columns off the root alias; derived fields
// inline their expression with the root alias substituted for the
// bare table name the compiler emitted.
func selectColumns(schema *compile.CompiledSchema, obj *compile.CompiledObject, fields []*compile.CompiledField, alias string) (string, []string) {
	var exprs []string
	var cols []string
	for _, f := range fields {
		if f.Derived {
			expr := strings.ReplaceAll(f.Expression,
				compile.QuoteIdentifier(obj.TableName)+".", alias+".")
			exprs = append(exprs, fmt.Sprintf("%s AS %s", expr, compile.QuoteIdentifier(f.Name)))
			cols = append(cols, f.Name)
			continue
		}
		for _, col := range f.Columns {
			exprs = append(exprs, alias+"."+compile.QuoteIdentifier(col))
			cols = append(cols, col)
		}
	}
	return strings.Join(exprs, ", "), cols
}

// filterSQL renders a validated filter tree as a WHERE fragment.
// Relation hops become correlated EXISTS subqueries, one nesting
// level per hop.
func filterSQL(schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, f *Filter, alias string, b *sqlBuilder) (string, error) {
	if f == nil {
		return "", nil
	}
	if f.IsLeaf() {
		return leafSQL(schema, perms, obj, f, alias, b)
	}

	var parts []string
	for _, child := range f.And {
		sql, err := filterSQL(schema, perms, obj, child, alias, b)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, sql)
		}
	}
	if len(f.Or) > 0 {
		var orParts []string
		for _, child := range f.Or {
			sql, err := filterSQL(schema, perms, obj, child, alias, b)
			if err != nil {
				return "", err
			}
			if sql != "" {
				orParts = append(orParts, sql)
			}
		}
		if len(orParts) > 0 {
			parts = append(parts, "("+strings.Join(orParts, " OR ")+")")
		}
	}
	if f.Not != nil {
		sql, err := filterSQL(schema, perms, obj, f.Not, alias, b)
		if err != nil {
			return "", err
		}
		if sql != "" {
			parts = append(parts, "NOT ("+sql+")")
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, " AND "), nil
}

// leafSQL renders one comparison, wrapping it in EXISTS subqueries
// for each relation hop in the field path.
func leafSQL(schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, f *Filter, alias string, b *sqlBuilder) (string, error) {
	rp, err := resolvePath(schema, perms, obj, f.Field)
	if err != nil {
		return "", err
	}

	// innermost comparison against the terminal field
	inner, err := comparisonSQL(rp.owner, rp.field, f, hopAlias(alias, len(rp.hops)), b)
	if err != nil {
		return "", err
	}

	// wrap hops from the inside out
	sql := inner
	for i := len(rp.hops) - 1; i >= 0; i-- {
		rel := rp.hops[i]
		target, _ := schema.Object(rel.Target)
		sql = existsSQL(schema, rel, target, hopAlias(alias, i), hopAlias(alias, i+1), sql)
	}
	return sql, nil
}

// existsSQL renders one relation hop as a correlated EXISTS subquery.
// Soft-deleted rows never satisfy a traversal.
func existsSQL(schema *compile.CompiledSchema, rel *compile.CompiledRelation, target *compile.CompiledObject, outerAlias, innerAlias, inner string) string {
	targetTable := schema.QualifiedTable(target)
	switch {
	case rel.Kind == metadata.OneToMany && !rel.Inverse:
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s %s WHERE %s.id = %s.%s AND %s.deleted_at IS NULL AND %s)",
			targetTable, innerAlias,
			innerAlias, outerAlias, compile.QuoteIdentifier(rel.ForeignKeyColumn),
			innerAlias, inner)
	case rel.Kind == metadata.OneToMany && rel.Inverse:
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s %s WHERE %s.%s = %s.id AND %s.deleted_at IS NULL AND %s)",
			targetTable, innerAlias,
			innerAlias, compile.QuoteIdentifier(rel.ForeignKeyColumn), outerAlias,
			innerAlias, inner)
	default: // MANY_TO_MANY through the join table
		joinAlias := innerAlias + "j"
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s %s JOIN %s %s ON %s.id = %s.%s WHERE %s.%s = %s.id AND %s.deleted_at IS NULL AND %s)",
			compile.QuoteQualified(schema.PhysicalSchema, rel.JoinTable), joinAlias,
			targetTable, innerAlias,
			innerAlias, joinAlias, compile.QuoteIdentifier(rel.JoinTargetColumn),
			joinAlias, compile.QuoteIdentifier(rel.JoinSourceColumn), outerAlias,
			innerAlias, inner)
	}
}

func hopAlias(root string, depth int) string {
	if depth == 0 {
		return root
	}
	return fmt.Sprintf("%s_h%d", root, depth)
}

// comparisonSQL renders the terminal comparison of a leaf
func comparisonSQL(obj *compile.CompiledObject, field *compile.CompiledField, f *Filter, alias string, b *sqlBuilder) (string, error) {
	var lhs string
	if field.Derived {
		lhs = strings.ReplaceAll(field.Expression,
			compile.QuoteIdentifier(obj.TableName)+".", alias+".")
	} else {
		lhs = alias + "." + compile.QuoteIdentifier(field.Columns[0])
	}

	switch f.Comparator {
	case CmpEq:
		if f.Value == nil {
			return lhs + " IS NULL", nil
		}
		return fmt.Sprintf("%s = %s", lhs, b.bind(f.Value)), nil
	case CmpNeq:
		if f.Value == nil {
			return lhs + " IS NOT NULL", nil
		}
		return fmt.Sprintf("%s != %s", lhs, b.bind(f.Value)), nil
	case CmpGt:
		return fmt.Sprintf("%s > %s", lhs, b.bind(f.Value)), nil
	case CmpGte:
		return fmt.Sprintf("%s >= %s", lhs, b.bind(f.Value)), nil
	case CmpLt:
		return fmt.Sprintf("%s < %s", lhs, b.bind(f.Value)), nil
	case CmpLte:
		return fmt.Sprintf("%s <= %s", lhs, b.bind(f.Value)), nil
	case CmpIn:
		values := f.Value.([]any)
		if len(values) == 0 {
			return "FALSE", nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = b.bind(v)
		}
		return fmt.Sprintf("%s IN (%s)", lhs, strings.Join(placeholders, ", ")), nil
	case CmpLike:
		return fmt.Sprintf("%s LIKE %s", lhs, b.bind(f.Value)), nil
	case CmpILike:
		return fmt.Sprintf("%s ILIKE %s", lhs, b.bind(f.Value)), nil
	case CmpStartsWith:
		return fmt.Sprintf("%s LIKE %s", lhs, b.bind(escapeLike(f.Value.(string))+"%")), nil
	case CmpIsNull:
		if f.Value.(bool) {
			return lhs + " IS NULL", nil
		}
		return lhs + " IS NOT NULL", nil
	default:
		return "", fmt.Errorf("unsupported comparator %q", f.Comparator)
	}
}

// escapeLike escapes LIKE metacharacters in a literal prefix
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

// orderBySQL renders the ORDER BY clause: the request's sort keys
// followed by the id tie-break, which keeps pagination stable when
// the user sort is not unique.
func orderBySQL(obj *compile.CompiledObject, sorts []Sort, alias string) string {
	var parts []string
	for _, s := range sorts {
		f, _ := obj.Field(s.Field)
		parts = append(parts, fmt.Sprintf("%s.%s %s", alias, compile.QuoteIdentifier(f.Columns[0]), s.Direction))
	}
	parts = append(parts, alias+".id ASC")
	return strings.Join(parts, ", ")
}

// cursorSQL renders the keyset predicate positioning the page after
// the cursor row, using row-value comparison over the sort keys plus
// the id tie-break. Mixed sort directions fall back to an expanded
// lexicographic predicate.
func cursorSQL(obj *compile.CompiledObject, sorts []Sort, c cursor, alias string, b *sqlBuilder) string {
	type key struct {
		expr string
		dir  SortDirection
		val  any
	}
	keys := make([]key, 0, len(sorts)+1)
	for i, s := range sorts {
		f, _ := obj.Field(s.Field)
		keys = append(keys, key{
			expr: alias + "." + compile.QuoteIdentifier(f.Columns[0]),
			dir:  s.Direction,
			val:  c.Keys[i],
		})
	}
	keys = append(keys, key{expr: alias + ".id", dir: SortAsc, val: c.ID})

	// lexicographic expansion: for each prefix, all earlier keys equal
	// and the current key strictly past the cursor value
	var alternatives []string
	for i := range keys {
		var conj []string
		for j := 0; j < i; j++ {
			conj = append(conj, fmt.Sprintf("%s = %s", keys[j].expr, b.bind(keys[j].val)))
		}
		op := ">"
		if keys[i].dir == SortDesc {
			op = "<"
		}
		conj = append(conj, fmt.Sprintf("%s %s %s", keys[i].expr, op, b.bind(keys[i].val)))
		alternatives = append(alternatives, "("+strings.Join(conj, " AND ")+")")
	}
	return "(" + strings.Join(alternatives, " OR ") + ")"
}
