package runner

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
)

// maxTraversalDepth bounds dotted relation paths in filters
const maxTraversalDepth = 3

// opName maps an operation kind to the permission it requires
func opName(k OperationKind) string {
	switch k {
	case OpFindOne, OpFindMany, OpAggregate:
		return "read"
	case OpCreateOne, OpCreateMany, OpUpdateOne, OpUpdateMany:
		return "update"
	case OpDeleteOne, OpDeleteMany, OpRestoreOne, OpRestoreMany:
		return "softDelete"
	case OpDestroyOne, OpDestroyMany:
		return "destroy"
	default:
		return "unknown"
	}
}

// checkObjectGrant verifies the object-level grant for the operation.
// Create shares the update grant; restore shares the soft-delete
// grant. Admin principals hold every object-level grant.
func checkObjectGrant(perms *role.EffectivePermissions, obj *compile.CompiledObject, kind OperationKind) error {
	if perms.Admin {
		return nil
	}
	g := perms.Object(obj.Metadata.ID).Grant
	allowed := false
	switch kind {
	case OpFindOne, OpFindMany, OpAggregate:
		allowed = g.CanRead
	case OpCreateOne, OpCreateMany, OpUpdateOne, OpUpdateMany:
		allowed = g.CanUpdate
	case OpDeleteOne, OpDeleteMany, OpRestoreOne, OpRestoreMany:
		allowed = g.CanSoftDelete
	case OpDestroyOne, OpDestroyMany:
		allowed = g.CanDestroy
	}
	if !allowed {
		return &enginerr.PermissionDeniedError{Object: obj.NameSingular, Operation: opName(kind)}
	}
	return nil
}

// checkFieldRead verifies read access to one field
func checkFieldRead(perms *role.EffectivePermissions, obj *compile.CompiledObject, f *compile.CompiledField) error {
	if f.Metadata == nil {
		// derived field, object grant already checked
		return nil
	}
	if !perms.CanReadField(obj.Metadata.ID, f.Metadata.ID) {
		return &enginerr.PermissionDeniedError{Object: obj.NameSingular, Field: f.Name, Operation: "read"}
	}
	return nil
}

// checkFieldWrite verifies write access to one field
func checkFieldWrite(perms *role.EffectivePermissions, obj *compile.CompiledObject, f *compile.CompiledField) error {
	if f.Metadata == nil {
		return &enginerr.ValidationError{Fields: map[string][]string{
			f.Name: {"derived field is read only"},
		}}
	}
	if !perms.CanUpdateField(obj.Metadata.ID, f.Metadata.ID) {
		return &enginerr.PermissionDeniedError{Object: obj.NameSingular, Field: f.Name, Operation: "update"}
	}
	return nil
}

// resolvedPath is a validated dotted filter path: zero or more relation
// hops ending at a field.
type resolvedPath struct {
	hops  []*compile.CompiledRelation
	owner *compile.CompiledObject
	field *compile.CompiledField
}

// resolvePath walks a dotted field path through relations, validating
// existence, permissions, and the depth bound. Checks run in that
// order so a denial is reported before a depth violation on the same
// path.
func resolvePath(schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, path string) (*resolvedPath, error) {
	parts := strings.Split(path, ".")
	rp := &resolvedPath{owner: obj}
	current := obj

	for i, part := range parts {
		last := i == len(parts)-1
		if last {
			f, ok := current.Field(part)
			if !ok {
				return nil, &enginerr.InvalidTraversalError{
					Object: obj.NameSingular, Path: path,
					Reason: fmt.Sprintf("unknown field %q on %s", part, current.NameSingular),
				}
			}
			if err := checkFieldRead(perms, current, f); err != nil {
				return nil, err
			}
			rp.owner = current
			rp.field = f
			return rp, nil
		}

		rel, ok := current.Relations[part]
		if !ok {
			return nil, &enginerr.InvalidTraversalError{
				Object: obj.NameSingular, Path: path,
				Reason: fmt.Sprintf("unknown relation %q on %s", part, current.NameSingular),
			}
		}
		target, ok := schema.Object(rel.Target)
		if !ok {
			return nil, &enginerr.InvalidTraversalError{
				Object: obj.NameSingular, Path: path,
				Reason: fmt.Sprintf("relation %q targets missing object %q", part, rel.Target),
			}
		}
		if err := checkObjectGrant(perms, target, OpFindMany); err != nil {
			return nil, err
		}
		if len(rp.hops)+1 > maxTraversalDepth {
			return nil, &enginerr.InvalidTraversalError{
				Object: obj.NameSingular, Path: path, MaxDepth: maxTraversalDepth,
			}
		}
		rp.hops = append(rp.hops, rel)
		current = target
	}
	return nil, &enginerr.InvalidTraversalError{Object: obj.NameSingular, Path: path, Reason: "empty path"}
}

// validateFilter walks the filter tree, resolving every leaf path and
// type-checking every comparison value.
func validateFilter(schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, f *Filter) error {
	if f == nil {
		return nil
	}
	if !f.IsLeaf() {
		for _, child := range f.And {
			if err := validateFilter(schema, perms, obj, child); err != nil {
				return err
			}
		}
		for _, child := range f.Or {
			if err := validateFilter(schema, perms, obj, child); err != nil {
				return err
			}
		}
		if f.Not != nil {
			return validateFilter(schema, perms, obj, f.Not)
		}
		return nil
	}

	rp, err := resolvePath(schema, perms, obj, f.Field)
	if err != nil {
		return err
	}
	return checkComparison(rp.owner, rp.field, f)
}

// checkComparison type-checks a leaf comparison against the field type
func checkComparison(obj *compile.CompiledObject, field *compile.CompiledField, f *Filter) error {
	switch f.Comparator {
	case CmpIsNull:
		// value is true for IS NULL, false for IS NOT NULL
		if _, ok := f.Value.(bool); !ok {
			return &enginerr.TypeMismatchError{
				Object: obj.NameSingular, Field: field.Name,
				Expected: "boolean", Got: valueTypeName(f.Value),
			}
		}
		return nil
	case CmpIn:
		values, ok := f.Value.([]any)
		if !ok {
			return &enginerr.TypeMismatchError{
				Object: obj.NameSingular, Field: field.Name,
				Expected: "array", Got: valueTypeName(f.Value),
			}
		}
		for _, v := range values {
			if err := checkScalarValue(obj, field, v); err != nil {
				return err
			}
		}
		return nil
	case CmpLike, CmpILike, CmpStartsWith:
		if field.Type != metadata.FieldText && field.Type != metadata.FieldSelect {
			return &enginerr.TypeMismatchError{
				Object: obj.NameSingular, Field: field.Name,
				Expected: "text", Got: field.Type.String(),
			}
		}
		if _, ok := f.Value.(string); !ok {
			return &enginerr.TypeMismatchError{
				Object: obj.NameSingular, Field: field.Name,
				Expected: "text", Got: valueTypeName(f.Value),
			}
		}
		return nil
	case CmpEq, CmpNeq, CmpGt, CmpGte, CmpLt, CmpLte:
		return checkScalarValue(obj, field, f.Value)
	default:
		return &enginerr.ValidationError{Fields: map[string][]string{
			field.Name: {fmt.Sprintf("unknown comparator %q", f.Comparator)},
		}}
	}
}

// checkScalarValue verifies a comparison value matches the field type.
// Composite fields cannot be compared whole; filters address their
// parts through the payload shape instead.
func checkScalarValue(obj *compile.CompiledObject, field *compile.CompiledField, v any) error {
	if field.Type.IsComposite() {
		return &enginerr.TypeMismatchError{
			Object: obj.NameSingular, Field: field.Name,
			Expected: "scalar field", Got: field.Type.String(),
		}
	}
	if v == nil {
		return nil
	}
	mismatch := func(expected string) error {
		return &enginerr.TypeMismatchError{
			Object: obj.NameSingular, Field: field.Name,
			Expected: expected, Got: valueTypeName(v),
		}
	}
	switch field.Type {
	case metadata.FieldText, metadata.FieldSelect:
		if _, ok := v.(string); !ok {
			return mismatch("text")
		}
	case metadata.FieldNumber:
		switch v.(type) {
		case float64, int, int64:
		default:
			return mismatch("number")
		}
	case metadata.FieldBoolean:
		if _, ok := v.(bool); !ok {
			return mismatch("boolean")
		}
	case metadata.FieldDateTime:
		s, ok := v.(string)
		if !ok {
			return mismatch("dateTime")
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return mismatch("dateTime")
		}
	case metadata.FieldUUID, metadata.FieldRelation:
		s, ok := v.(string)
		if !ok {
			return mismatch("uuid")
		}
		if _, err := uuid.Parse(s); err != nil {
			return mismatch("uuid")
		}
	case metadata.FieldJSON:
		// any JSON value is acceptable
	}
	return nil
}

func valueTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "text"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// validateSelection resolves the requested fields, defaulting to every
// readable field when the selection is empty. The record id is always
// included so cursors and events stay well formed.
func validateSelection(perms *role.EffectivePermissions, obj *compile.CompiledObject, selection []string) ([]*compile.CompiledField, error) {
	if len(selection) == 0 {
		var fields []*compile.CompiledField
		for _, name := range obj.FieldNames() {
			f := obj.Fields[name]
			if f.Metadata != nil && !perms.Admin && !perms.CanReadField(obj.Metadata.ID, f.Metadata.ID) {
				continue
			}
			fields = append(fields, f)
		}
		return fields, nil
	}

	seen := make(map[string]bool)
	var fields []*compile.CompiledField
	for _, name := range selection {
		f, ok := obj.Field(name)
		if !ok {
			return nil, &enginerr.ValidationError{Fields: map[string][]string{
				name: {"unknown field"},
			}}
		}
		if err := checkFieldRead(perms, obj, f); err != nil {
			return nil, err
		}
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		fields = append(fields, f)
	}
	if !seen["id"] {
		idField, _ := obj.Field("id")
		fields = append(fields, idField)
	}
	return fields, nil
}

// validateSort checks sort keys against own, stored, readable fields
func validateSort(perms *role.EffectivePermissions, obj *compile.CompiledObject, sorts []Sort) error {
	for _, s := range sorts {
		f, ok := obj.Field(s.Field)
		if !ok {
			return &enginerr.ValidationError{Fields: map[string][]string{
				s.Field: {"unknown sort field"},
			}}
		}
		if f.Type.IsComposite() || f.Derived {
			return &enginerr.ValidationError{Fields: map[string][]string{
				s.Field: {"field cannot be used as a sort key"},
			}}
		}
		if err := checkFieldRead(perms, obj, f); err != nil {
			return err
		}
		if s.Direction != SortAsc && s.Direction != SortDesc {
			return &enginerr.ValidationError{Fields: map[string][]string{
				s.Field: {fmt.Sprintf("unknown sort direction %q", s.Direction)},
			}}
		}
	}
	return nil
}
