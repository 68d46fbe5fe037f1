// Package metadata defines the declarative description of a
// workspace's object model and the durable store that owns it. Object,
// field, and relation definitions are versioned per workspace and are
// the single source of truth the schema compiler builds from.
package metadata

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldType represents the declared type of a field
type FieldType int

const (
	// Scalar types
	FieldText FieldType = iota
	FieldNumber
	FieldBoolean
	FieldDateTime
	FieldUUID
	FieldJSON

	// Enum type
	FieldSelect

	// Composite types expand to multiple physical columns
	FieldCurrency
	FieldFullName

	// Relation placeholder type carried by the foreign key field
	FieldRelation
)

// String returns the string representation of the field type
func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldNumber:
		return "number"
	case FieldBoolean:
		return "boolean"
	case FieldDateTime:
		return "dateTime"
	case FieldUUID:
		return "uuid"
	case FieldJSON:
		return "json"
	case FieldSelect:
		return "select"
	case FieldCurrency:
		return "currency"
	case FieldFullName:
		return "fullName"
	case FieldRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// ParseFieldType converts a string to a FieldType
func ParseFieldType(s string) (FieldType, error) {
	switch s {
	case "text":
		return FieldText, nil
	case "number":
		return FieldNumber, nil
	case "boolean":
		return FieldBoolean, nil
	case "dateTime":
		return FieldDateTime, nil
	case "uuid":
		return FieldUUID, nil
	case "json":
		return FieldJSON, nil
	case "select":
		return FieldSelect, nil
	case "currency":
		return FieldCurrency, nil
	case "fullName":
		return FieldFullName, nil
	case "relation":
		return FieldRelation, nil
	default:
		return 0, fmt.Errorf("unknown field type: %s", s)
	}
}

// IsComposite returns true if the type expands to multiple columns
func (t FieldType) IsComposite() bool {
	return t == FieldCurrency || t == FieldFullName
}

// IsScalar returns true for single-column non-relation types
func (t FieldType) IsScalar() bool {
	switch t {
	case FieldText, FieldNumber, FieldBoolean, FieldDateTime, FieldUUID, FieldJSON, FieldSelect:
		return true
	default:
		return false
	}
}

// RelationKind represents the cardinality of a relation
type RelationKind int

const (
	OneToMany RelationKind = iota
	ManyToMany
)

// String returns the string representation of the relation kind
func (k RelationKind) String() string {
	switch k {
	case OneToMany:
		return "ONE_TO_MANY"
	case ManyToMany:
		return "MANY_TO_MANY"
	default:
		return "unknown"
	}
}

// ParseRelationKind converts a string to a RelationKind
func ParseRelationKind(s string) (RelationKind, error) {
	switch s {
	case "ONE_TO_MANY":
		return OneToMany, nil
	case "MANY_TO_MANY":
		return ManyToMany, nil
	default:
		return 0, fmt.Errorf("unknown relation kind: %s", s)
	}
}

// CascadePolicy governs what happens to dependent records when a
// relation target is deleted.
type CascadePolicy int

const (
	CascadeDelete CascadePolicy = iota
	CascadeRestrict
	CascadeSetNull
)

// String returns the string representation of the cascade policy
func (p CascadePolicy) String() string {
	switch p {
	case CascadeDelete:
		return "CASCADE"
	case CascadeRestrict:
		return "RESTRICT"
	case CascadeSetNull:
		return "SET_NULL"
	default:
		return "unknown"
	}
}

// ParseCascadePolicy converts a string to a CascadePolicy
func ParseCascadePolicy(s string) (CascadePolicy, error) {
	switch s {
	case "CASCADE":
		return CascadeDelete, nil
	case "RESTRICT":
		return CascadeRestrict, nil
	case "SET_NULL":
		return CascadeSetNull, nil
	default:
		return 0, fmt.Errorf("unknown cascade policy: %s", s)
	}
}

// FieldMetadata describes one field of an object. Name is unique
// within its object.
type FieldMetadata struct {
	ID               uuid.UUID
	ObjectMetadataID uuid.UUID
	Name             string
	Type             FieldType
	IsNullable       bool
	IsUnique         bool
	IsSystem         bool
	DefaultValue     interface{}
	// Options holds the allowed values for select fields
	Options []string
	// Settings carries type-specific configuration (precision, display hints)
	Settings map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RelationMetadata is a directed edge between two objects. One record
// describes both sides of the edge, so the inverse side can never
// drift out of sync with the forward side.
type RelationMetadata struct {
	ID          uuid.UUID
	WorkspaceID string
	Kind        RelationKind

	// Forward side: the "many" side for ONE_TO_MANY
	FromObjectMetadataID uuid.UUID
	FromFieldMetadataID  uuid.UUID

	// Inverse side: the "one" side for ONE_TO_MANY
	ToObjectMetadataID uuid.UUID
	ToFieldMetadataID  uuid.UUID

	OnDelete CascadePolicy

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ObjectMetadata describes one logical entity type in a workspace.
// NameSingular and NamePlural are unique within the workspace.
type ObjectMetadata struct {
	ID           uuid.UUID
	WorkspaceID  string
	NameSingular string
	NamePlural   string
	IsCustom     bool
	IsSystem     bool
	IsActive     bool
	Version      int64

	Fields    map[string]*FieldMetadata
	Relations map[uuid.UUID]*RelationMetadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewObjectMetadata creates an object definition with the four
// server-managed fields every record carries.
func NewObjectMetadata(workspaceID, nameSingular, namePlural string, isCustom bool) *ObjectMetadata {
	obj := &ObjectMetadata{
		ID:           uuid.New(),
		WorkspaceID:  workspaceID,
		NameSingular: nameSingular,
		NamePlural:   namePlural,
		IsCustom:     isCustom,
		IsActive:     true,
		Fields:       make(map[string]*FieldMetadata),
		Relations:    make(map[uuid.UUID]*RelationMetadata),
	}

	for _, f := range systemFields(obj.ID) {
		obj.Fields[f.Name] = f
	}

	return obj
}

// systemFields returns the server-managed fields present on every object
func systemFields(objectID uuid.UUID) []*FieldMetadata {
	return []*FieldMetadata{
		{ID: uuid.New(), ObjectMetadataID: objectID, Name: "id", Type: FieldUUID, IsSystem: true, IsUnique: true},
		{ID: uuid.New(), ObjectMetadataID: objectID, Name: "createdAt", Type: FieldDateTime, IsSystem: true},
		{ID: uuid.New(), ObjectMetadataID: objectID, Name: "updatedAt", Type: FieldDateTime, IsSystem: true},
		{ID: uuid.New(), ObjectMetadataID: objectID, Name: "deletedAt", Type: FieldDateTime, IsSystem: true, IsNullable: true},
	}
}

// HasField returns true if the object has a field with the given name
func (o *ObjectMetadata) HasField(name string) bool {
	_, exists := o.Fields[name]
	return exists
}

// FieldByID returns the field with the given id
func (o *ObjectMetadata) FieldByID(id uuid.UUID) (*FieldMetadata, bool) {
	for _, f := range o.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

// Clone returns a deep copy. The store hands out clones so callers can
// never mutate its canonical state.
func (o *ObjectMetadata) Clone() *ObjectMetadata {
	cp := *o
	cp.Fields = make(map[string]*FieldMetadata, len(o.Fields))
	for name, f := range o.Fields {
		fc := *f
		fc.Options = append([]string(nil), f.Options...)
		if f.Settings != nil {
			fc.Settings = make(map[string]interface{}, len(f.Settings))
			for k, v := range f.Settings {
				fc.Settings[k] = v
			}
		}
		cp.Fields[name] = &fc
	}
	cp.Relations = make(map[uuid.UUID]*RelationMetadata, len(o.Relations))
	for id, r := range o.Relations {
		rc := *r
		cp.Relations[id] = &rc
	}
	return &cp
}
