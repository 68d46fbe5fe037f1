// Package compile transforms a workspace's object metadata into a
// CompiledSchema: the physical table/column plan plus the API-facing
// type graph, with a bidirectional index between logical and physical
// names. Compilation is a pure function of its input; identical
// metadata always yields an identical artifact.
package compile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// CompiledField maps one logical field to its physical columns. Scalar
// fields occupy one column; composite fields expand to several.
// Derived fields have no columns and carry a SQL expression instead.
type CompiledField struct {
	Metadata *metadata.FieldMetadata
	Name     string
	Type     metadata.FieldType

	// Columns holds the physical column names, paired with ColumnTypes.
	Columns     []string
	ColumnTypes []string

	// Derived fields are view-like expressions, never stored.
	Derived    bool
	Expression string
}

// IsRelationKey returns true if the field is the foreign key side of a relation
func (f *CompiledField) IsRelationKey() bool {
	return f.Type == metadata.FieldRelation
}

// CompiledRelation is one traversable edge from an object. Relations
// appear on both endpoint objects, with Inverse marking the "one" side
// of a ONE_TO_MANY edge.
type CompiledRelation struct {
	Metadata *metadata.RelationMetadata
	Name     string
	Kind     metadata.RelationKind
	Target   string // target object nameSingular

	// ForeignKeyColumn is the column on the many side (ONE_TO_MANY).
	ForeignKeyColumn string
	// JoinTable is the physical join table (MANY_TO_MANY).
	JoinTable string
	// Join table column names for MANY_TO_MANY
	JoinSourceColumn string
	JoinTargetColumn string

	OnDelete metadata.CascadePolicy
	Inverse  bool
}

// CompiledObject is the compiled form of one object type.
type CompiledObject struct {
	Metadata     *metadata.ObjectMetadata
	NameSingular string
	NamePlural   string
	TableName    string

	Fields    map[string]*CompiledField
	Relations map[string]*CompiledRelation

	columnIndex map[string]*CompiledField
}

// FieldNames returns the object's logical field names in sorted order
func (o *CompiledObject) FieldNames() []string {
	names := make([]string, 0, len(o.Fields))
	for name := range o.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Field returns the compiled field with the given logical name
func (o *CompiledObject) Field(name string) (*CompiledField, bool) {
	f, ok := o.Fields[name]
	return f, ok
}

// FieldForColumn resolves a physical column back to its logical field.
// Composite columns resolve to their owning field.
func (o *CompiledObject) FieldForColumn(column string) (*CompiledField, bool) {
	f, ok := o.columnIndex[column]
	return f, ok
}

// StoredColumns returns every physical column of the object's table in
// deterministic order.
func (o *CompiledObject) StoredColumns() []string {
	var cols []string
	for _, name := range o.FieldNames() {
		f := o.Fields[name]
		if f.Derived {
			continue
		}
		cols = append(cols, f.Columns...)
	}
	return cols
}

// CompiledSchema is the workspace-scoped build artifact. It is
// immutable after compilation and owned by the metadata cache.
type CompiledSchema struct {
	WorkspaceID    string
	Version        int64
	PhysicalSchema string

	objectsBySingular map[string]*CompiledObject
	objectsByPlural   map[string]*CompiledObject
	objectsByTable    map[string]*CompiledObject

	// TablePlan holds the DDL statements realizing the physical schema,
	// in dependency order.
	TablePlan []string
}

// Object resolves an object by singular or plural logical name.
func (s *CompiledSchema) Object(name string) (*CompiledObject, bool) {
	if obj, ok := s.objectsBySingular[name]; ok {
		return obj, true
	}
	obj, ok := s.objectsByPlural[name]
	return obj, ok
}

// ObjectForTable resolves a physical table back to its object.
func (s *CompiledSchema) ObjectForTable(table string) (*CompiledObject, bool) {
	obj, ok := s.objectsByTable[table]
	return obj, ok
}

// Objects returns all compiled objects ordered by singular name.
func (s *CompiledSchema) Objects() []*CompiledObject {
	names := make([]string, 0, len(s.objectsBySingular))
	for name := range s.objectsBySingular {
		names = append(names, name)
	}
	sort.Strings(names)
	objs := make([]*CompiledObject, len(names))
	for i, name := range names {
		objs[i] = s.objectsBySingular[name]
	}
	return objs
}

// QualifiedTable returns the schema-qualified, quoted physical table
// name for an object.
func (s *CompiledSchema) QualifiedTable(obj *CompiledObject) string {
	return QuoteQualified(s.PhysicalSchema, obj.TableName)
}

// Fingerprint returns a stable digest of the semantic content of the
// schema. Two compilations of identical metadata produce identical
// fingerprints; build timestamps and other non-semantic state are
// excluded by construction.
func (s *CompiledSchema) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "workspace=%s\n", s.WorkspaceID)
	for _, obj := range s.Objects() {
		fmt.Fprintf(h, "object=%s|%s|table=%s\n", obj.NameSingular, obj.NamePlural, obj.TableName)
		for _, name := range obj.FieldNames() {
			f := obj.Fields[name]
			fmt.Fprintf(h, "  field=%s|%s|cols=%s|types=%s|derived=%t|expr=%s\n",
				f.Name, f.Type, strings.Join(f.Columns, ","), strings.Join(f.ColumnTypes, ","), f.Derived, f.Expression)
		}
		relNames := make([]string, 0, len(obj.Relations))
		for name := range obj.Relations {
			relNames = append(relNames, name)
		}
		sort.Strings(relNames)
		for _, name := range relNames {
			r := obj.Relations[name]
			fmt.Fprintf(h, "  relation=%s|%s|target=%s|fk=%s|join=%s|onDelete=%s|inverse=%t\n",
				r.Name, r.Kind, r.Target, r.ForeignKeyColumn, r.JoinTable, r.OnDelete, r.Inverse)
		}
	}
	for _, stmt := range s.TablePlan {
		fmt.Fprintf(h, "ddl=%s\n", stmt)
	}
	return hex.EncodeToString(h.Sum(nil))
}
