package compile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// Compiler builds CompiledSchema artifacts from object metadata. It
// holds no per-workspace state; the cache owns the artifacts it
// produces.
type Compiler struct {
	log *zap.Logger
}

// NewCompiler creates a schema compiler
func NewCompiler(log *zap.Logger) *Compiler {
	return &Compiler{log: log}
}

// Compile validates the whole object set and builds the compiled
// schema. All invariant violations are collected and returned together
// in a single SchemaCompilationError rather than failing on the first.
func (c *Compiler) Compile(workspaceID string, version int64, objects []*metadata.ObjectMetadata) (*CompiledSchema, error) {
	active := make([]*metadata.ObjectMetadata, 0, len(objects))
	activeByID := make(map[uuid.UUID]*metadata.ObjectMetadata)
	for _, obj := range objects {
		if !obj.IsActive {
			continue
		}
		active = append(active, obj)
		activeByID[obj.ID] = obj
	}
	sort.Slice(active, func(i, j int) bool { return active[i].NameSingular < active[j].NameSingular })

	var violations []enginerr.SchemaViolation
	violations = append(violations, c.validateNames(active)...)
	violations = append(violations, c.validateFields(active)...)

	relations := collectRelations(active, activeByID)
	violations = append(violations, c.validateRelations(relations, activeByID)...)
	violations = append(violations, c.detectCascadeCycles(relations, activeByID)...)

	if len(violations) > 0 {
		return nil, &enginerr.SchemaCompilationError{WorkspaceID: workspaceID, Violations: violations}
	}

	schema := &CompiledSchema{
		WorkspaceID:       workspaceID,
		Version:           version,
		PhysicalSchema:    PhysicalSchemaName(workspaceID),
		objectsBySingular: make(map[string]*CompiledObject),
		objectsByPlural:   make(map[string]*CompiledObject),
		objectsByTable:    make(map[string]*CompiledObject),
	}

	for _, obj := range active {
		compiled, errs := c.compileObject(obj)
		if len(errs) > 0 {
			violations = append(violations, errs...)
			continue
		}
		schema.objectsBySingular[compiled.NameSingular] = compiled
		schema.objectsByPlural[compiled.NamePlural] = compiled
		schema.objectsByTable[compiled.TableName] = compiled
	}
	if len(violations) > 0 {
		return nil, &enginerr.SchemaCompilationError{WorkspaceID: workspaceID, Violations: violations}
	}

	c.wireRelations(schema, relations, activeByID)
	schema.TablePlan = c.buildTablePlan(schema, relations)

	c.log.Debug("schema compiled",
		zap.String("workspace", workspaceID),
		zap.Int64("version", version),
		zap.Int("objects", len(active)))

	return schema, nil
}

// validateNames checks singular/plural uniqueness across the active set
func (c *Compiler) validateNames(objects []*metadata.ObjectMetadata) []enginerr.SchemaViolation {
	var violations []enginerr.SchemaViolation
	seen := make(map[string]string)
	for _, obj := range objects {
		for _, name := range []string{obj.NameSingular, obj.NamePlural} {
			if name == "" {
				violations = append(violations, enginerr.SchemaViolation{
					Object: obj.NameSingular, Message: "object name must not be empty"})
				continue
			}
			if other, dup := seen[name]; dup && other != obj.NameSingular {
				violations = append(violations, enginerr.SchemaViolation{
					Object:  obj.NameSingular,
					Message: fmt.Sprintf("name %q collides with object %q", name, other)})
			}
			seen[name] = obj.NameSingular
		}
	}
	return violations
}

// validateFields checks per-field invariants the store cannot see in
// isolation, plus physical column collisions after name mapping.
func (c *Compiler) validateFields(objects []*metadata.ObjectMetadata) []enginerr.SchemaViolation {
	var violations []enginerr.SchemaViolation
	for _, obj := range objects {
		columns := make(map[string]string)
		for _, name := range sortedKeys(obj.Fields) {
			field := obj.Fields[name]
			if field.Type == metadata.FieldSelect && len(field.Options) == 0 {
				violations = append(violations, enginerr.SchemaViolation{
					Object: obj.NameSingular, Field: name,
					Message: "select field has no options"})
			}
			var cols []string
			if field.Type.IsComposite() {
				base := columnName(field)
				for _, part := range compositeColumns(field.Type) {
					cols = append(cols, base+"_"+part.suffix)
				}
			} else {
				cols = []string{columnName(field)}
			}
			for _, col := range cols {
				if other, dup := columns[col]; dup {
					violations = append(violations, enginerr.SchemaViolation{
						Object: obj.NameSingular, Field: name,
						Message: fmt.Sprintf("physical column %q collides with field %q", col, other)})
				}
				columns[col] = name
			}
		}
	}
	return violations
}

// validateRelations checks that every relation's endpoints exist in
// the active set and that foreign key fields carry the relation type.
func (c *Compiler) validateRelations(relations []*metadata.RelationMetadata, byID map[uuid.UUID]*metadata.ObjectMetadata) []enginerr.SchemaViolation {
	var violations []enginerr.SchemaViolation
	for _, rel := range relations {
		from, fromOK := byID[rel.FromObjectMetadataID]
		to, toOK := byID[rel.ToObjectMetadataID]
		if !fromOK || !toOK {
			violations = append(violations, enginerr.SchemaViolation{
				Message: fmt.Sprintf("relation %s has a dangling object target", rel.ID)})
			continue
		}
		fromField, ok := from.FieldByID(rel.FromFieldMetadataID)
		if !ok {
			violations = append(violations, enginerr.SchemaViolation{
				Object:  from.NameSingular,
				Message: fmt.Sprintf("relation %s references a missing field on its forward side", rel.ID)})
			continue
		}
		if _, ok := to.FieldByID(rel.ToFieldMetadataID); !ok {
			violations = append(violations, enginerr.SchemaViolation{
				Object:  to.NameSingular,
				Message: fmt.Sprintf("relation %s references a missing field on its inverse side", rel.ID)})
			continue
		}
		if rel.Kind == metadata.OneToMany && fromField.Type != metadata.FieldRelation {
			violations = append(violations, enginerr.SchemaViolation{
				Object: from.NameSingular, Field: fromField.Name,
				Message: fmt.Sprintf("foreign key field must have relation type, has %s", fromField.Type)})
		}
		// A self-join table would need disambiguated columns the join
		// naming scheme cannot express.
		if rel.Kind == metadata.ManyToMany && rel.FromObjectMetadataID == rel.ToObjectMetadataID {
			violations = append(violations, enginerr.SchemaViolation{
				Object:  from.NameSingular,
				Message: fmt.Sprintf("relation %s: many-to-many cannot target its own object", rel.ID)})
		}
	}
	return violations
}

// detectCascadeCycles walks the CASCADE edges between objects. A cycle
// of cascade deletes would make a single delete unbounded, so any
// cycle is a compilation failure.
func (c *Compiler) detectCascadeCycles(relations []*metadata.RelationMetadata, byID map[uuid.UUID]*metadata.ObjectMetadata) []enginerr.SchemaViolation {
	// Edge parent -> child: deleting a row of "to" cascades into "from"
	edges := make(map[uuid.UUID][]uuid.UUID)
	for _, rel := range relations {
		if rel.OnDelete != metadata.CascadeDelete {
			continue
		}
		if _, ok := byID[rel.FromObjectMetadataID]; !ok {
			continue
		}
		if _, ok := byID[rel.ToObjectMetadataID]; !ok {
			continue
		}
		edges[rel.ToObjectMetadataID] = append(edges[rel.ToObjectMetadataID], rel.FromObjectMetadataID)
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[uuid.UUID]int)
	var violations []enginerr.SchemaViolation

	var visit func(id uuid.UUID, path []string) bool
	visit = func(id uuid.UUID, path []string) bool {
		switch state[id] {
		case visiting:
			name := "?"
			if obj, ok := byID[id]; ok {
				name = obj.NameSingular
			}
			violations = append(violations, enginerr.SchemaViolation{
				Object:  name,
				Message: "cascade delete cycle: " + strings.Join(append(path, name), " -> ")})
			return true
		case done:
			return false
		}
		state[id] = visiting
		name := "?"
		if obj, ok := byID[id]; ok {
			name = obj.NameSingular
		}
		for _, next := range edges[id] {
			if visit(next, append(path, name)) {
				break
			}
		}
		state[id] = done
		return false
	}

	ids := make([]uuid.UUID, 0, len(edges))
	for id := range edges {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		visit(id, nil)
	}
	return violations
}

// compileObject maps one object's fields to physical columns
func (c *Compiler) compileObject(obj *metadata.ObjectMetadata) (*CompiledObject, []enginerr.SchemaViolation) {
	compiled := &CompiledObject{
		Metadata:     obj,
		NameSingular: obj.NameSingular,
		NamePlural:   obj.NamePlural,
		TableName:    tableName(obj),
		Fields:       make(map[string]*CompiledField),
		Relations:    make(map[string]*CompiledRelation),
		columnIndex:  make(map[string]*CompiledField),
	}

	for _, name := range sortedKeys(obj.Fields) {
		field := obj.Fields[name]
		cf := &CompiledField{
			Metadata: field,
			Name:     name,
			Type:     field.Type,
		}
		if field.Type.IsComposite() {
			base := columnName(field)
			for _, part := range compositeColumns(field.Type) {
				cf.Columns = append(cf.Columns, base+"_"+part.suffix)
				cf.ColumnTypes = append(cf.ColumnTypes, part.sqlType)
			}
		} else {
			cf.Columns = []string{columnName(field)}
			cf.ColumnTypes = []string{sqlType(field.Type)}
		}
		compiled.Fields[name] = cf
		for _, col := range cf.Columns {
			compiled.columnIndex[col] = cf
		}
	}

	return compiled, nil
}

// wireRelations attaches traversal edges to both endpoints and
// materializes derived aggregate fields on the one side.
func (c *Compiler) wireRelations(schema *CompiledSchema, relations []*metadata.RelationMetadata, byID map[uuid.UUID]*metadata.ObjectMetadata) {
	for _, rel := range relations {
		from := byID[rel.FromObjectMetadataID]
		to := byID[rel.ToObjectMetadataID]
		fromObj, ok1 := schema.Object(from.NameSingular)
		toObj, ok2 := schema.Object(to.NameSingular)
		if !ok1 || !ok2 {
			continue
		}

		switch rel.Kind {
		case metadata.OneToMany:
			fromField, _ := from.FieldByID(rel.FromFieldMetadataID)
			fkColumn := columnName(fromField)
			forwardName := strings.TrimSuffix(fromField.Name, "Id")

			fromObj.Relations[forwardName] = &CompiledRelation{
				Metadata: rel, Name: forwardName, Kind: rel.Kind,
				Target: to.NameSingular, ForeignKeyColumn: fkColumn,
				OnDelete: rel.OnDelete,
			}
			inverseName := from.NamePlural
			toObj.Relations[inverseName] = &CompiledRelation{
				Metadata: rel, Name: inverseName, Kind: rel.Kind,
				Target: from.NameSingular, ForeignKeyColumn: fkColumn,
				OnDelete: rel.OnDelete, Inverse: true,
			}

			// Derived record count over the inverse side, a view-like
			// expression rather than a stored column.
			countName := inverseName + "Count"
			if _, exists := toObj.Fields[countName]; !exists {
				toObj.Fields[countName] = &CompiledField{
					Name:    countName,
					Type:    metadata.FieldNumber,
					Derived: true,
					Expression: fmt.Sprintf(
						"(SELECT count(*) FROM %s WHERE %s = %s.id AND deleted_at IS NULL)",
						QuoteQualified(schema.PhysicalSchema, fromObj.TableName),
						QuoteIdentifier(fkColumn),
						QuoteIdentifier(toObj.TableName)),
				}
			}

		case metadata.ManyToMany:
			join := joinTableName(rel)
			fromObj.Relations[to.NamePlural] = &CompiledRelation{
				Metadata: rel, Name: to.NamePlural, Kind: rel.Kind,
				Target: to.NameSingular, JoinTable: join,
				JoinSourceColumn: toSnakeCase(from.NameSingular) + "_id",
				JoinTargetColumn: toSnakeCase(to.NameSingular) + "_id",
				OnDelete:         rel.OnDelete,
			}
			toObj.Relations[from.NamePlural] = &CompiledRelation{
				Metadata: rel, Name: from.NamePlural, Kind: rel.Kind,
				Target: from.NameSingular, JoinTable: join,
				JoinSourceColumn: toSnakeCase(to.NameSingular) + "_id",
				JoinTargetColumn: toSnakeCase(from.NameSingular) + "_id",
				OnDelete:         rel.OnDelete, Inverse: true,
			}
		}
	}
}

// collectRelations deduplicates relations shared by both endpoints
func collectRelations(objects []*metadata.ObjectMetadata, byID map[uuid.UUID]*metadata.ObjectMetadata) []*metadata.RelationMetadata {
	seen := make(map[uuid.UUID]bool)
	var relations []*metadata.RelationMetadata
	for _, obj := range objects {
		relIDs := make([]uuid.UUID, 0, len(obj.Relations))
		for id := range obj.Relations {
			relIDs = append(relIDs, id)
		}
		sort.Slice(relIDs, func(i, j int) bool { return relIDs[i].String() < relIDs[j].String() })
		for _, id := range relIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			relations = append(relations, obj.Relations[id])
		}
	}
	sort.Slice(relations, func(i, j int) bool { return relations[i].ID.String() < relations[j].ID.String() })
	return relations
}

func sortedKeys(fields map[string]*metadata.FieldMetadata) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
