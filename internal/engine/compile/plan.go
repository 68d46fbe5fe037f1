package compile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// buildTablePlan emits the DDL realizing the physical schema, in
// deterministic dependency order: schema, tables, join tables, then
// indexes. Statements are idempotent so the plan can be re-applied
// after partial failures.
func (c *Compiler) buildTablePlan(schema *CompiledSchema, relations []*metadata.RelationMetadata) []string {
	var plan []string
	plan = append(plan, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", QuoteIdentifier(schema.PhysicalSchema)))

	for _, obj := range schema.Objects() {
		plan = append(plan, c.createTable(schema, obj))
		plan = append(plan, c.uniqueIndexes(schema, obj)...)
	}

	seenJoin := make(map[string]bool)
	for _, rel := range relations {
		switch rel.Kind {
		case metadata.OneToMany:
			plan = append(plan, c.foreignKeyIndex(schema, rel)...)
		case metadata.ManyToMany:
			join := joinTableName(rel)
			if seenJoin[join] {
				continue
			}
			seenJoin[join] = true
			if stmt := c.createJoinTable(schema, rel, join); stmt != "" {
				plan = append(plan, stmt)
			}
		}
	}

	return plan
}

func (c *Compiler) createTable(schema *CompiledSchema, obj *CompiledObject) string {
	var cols []string
	for _, name := range obj.FieldNames() {
		f := obj.Fields[name]
		if f.Derived {
			continue
		}
		for i, col := range f.Columns {
			def := QuoteIdentifier(col) + " " + f.ColumnTypes[i]
			switch {
			case name == "id":
				def += " PRIMARY KEY"
			case f.Metadata != nil && !f.Metadata.IsNullable && name != "deletedAt":
				// Composite parts stay nullable so partial values are
				// representable; nullability is enforced per part only
				// for scalars.
				if !f.Type.IsComposite() {
					def += " NOT NULL"
				}
			}
			cols = append(cols, def)
		}
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		schema.QualifiedTable(obj), strings.Join(cols, ",\n\t"))
}

func (c *Compiler) uniqueIndexes(schema *CompiledSchema, obj *CompiledObject) []string {
	var stmts []string
	for _, name := range obj.FieldNames() {
		f := obj.Fields[name]
		if f.Derived || f.Metadata == nil || !f.Metadata.IsUnique || name == "id" {
			continue
		}
		// Soft-deleted rows are excluded so a value can be reused after
		// its previous holder is deleted.
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) WHERE deleted_at IS NULL",
			QuoteIdentifier("uq_"+obj.TableName+"_"+f.Columns[0]),
			schema.QualifiedTable(obj),
			QuoteIdentifier(f.Columns[0])))
	}
	return stmts
}

func (c *Compiler) foreignKeyIndex(schema *CompiledSchema, rel *metadata.RelationMetadata) []string {
	var fromObj *CompiledObject
	for _, obj := range schema.Objects() {
		if obj.Metadata != nil && obj.Metadata.ID == rel.FromObjectMetadataID {
			fromObj = obj
			break
		}
	}
	if fromObj == nil {
		return nil
	}
	var fkColumn string
	for _, f := range fromObj.Fields {
		if f.Metadata != nil && f.Metadata.ID == rel.FromFieldMetadataID {
			fkColumn = f.Columns[0]
			break
		}
	}
	if fkColumn == "" {
		return nil
	}
	return []string{fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		QuoteIdentifier("idx_"+fromObj.TableName+"_"+fkColumn),
		schema.QualifiedTable(fromObj),
		QuoteIdentifier(fkColumn))}
}

func (c *Compiler) createJoinTable(schema *CompiledSchema, rel *metadata.RelationMetadata, join string) string {
	var names []string
	for _, obj := range schema.Objects() {
		if obj.Metadata == nil {
			continue
		}
		if obj.Metadata.ID == rel.FromObjectMetadataID || obj.Metadata.ID == rel.ToObjectMetadataID {
			names = append(names, toSnakeCase(obj.NameSingular)+"_id")
		}
	}
	if len(names) < 2 {
		return ""
	}
	sort.Strings(names)
	return fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (\n\t%s uuid NOT NULL,\n\t%s uuid NOT NULL,\n\tPRIMARY KEY (%s, %s)\n)",
		QuoteQualified(schema.PhysicalSchema, join),
		QuoteIdentifier(names[0]), QuoteIdentifier(names[1]),
		QuoteIdentifier(names[0]), QuoteIdentifier(names[1]))
}
