package compile

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/lib/pq"

	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// PhysicalSchemaName derives the per-workspace Postgres schema name.
// Workspace ids are opaque and may contain characters Postgres
// dislikes, so the name is built from a digest of the id. The digest
// alone scopes every physical identifier to its workspace.
func PhysicalSchemaName(workspaceID string) string {
	sum := sha256.Sum256([]byte(workspaceID))
	return "workspace_" + hex.EncodeToString(sum[:])[:12]
}

// tableName derives the physical table for an object. Custom objects
// live in a separate underscore namespace so a custom object can never
// collide with a system object of the same name, including after
// renames on either side.
func tableName(obj *metadata.ObjectMetadata) string {
	name := toSnakeCase(obj.NamePlural)
	if obj.IsCustom {
		return "_" + name
	}
	return name
}

// TableName exposes the physical table derivation for callers that
// inspect live data without a full compiled schema.
func TableName(obj *metadata.ObjectMetadata) string {
	return tableName(obj)
}

// joinTableName derives the physical join table for a MANY_TO_MANY
// relation. Relation ids are stable across endpoint renames, which
// keeps the name deterministic for the life of the relation.
func joinTableName(rel *metadata.RelationMetadata) string {
	return "_join_" + hex.EncodeToString(rel.ID[:])[:12]
}

// columnName derives the physical column for a scalar field
func columnName(field *metadata.FieldMetadata) string {
	return toSnakeCase(field.Name)
}

// compositeColumns returns the physical column suffix/type pairs a
// composite field expands to.
func compositeColumns(t metadata.FieldType) []compositePart {
	switch t {
	case metadata.FieldCurrency:
		return []compositePart{
			{suffix: "amount_micros", sqlType: "bigint"},
			{suffix: "currency_code", sqlType: "text"},
		}
	case metadata.FieldFullName:
		return []compositePart{
			{suffix: "first_name", sqlType: "text"},
			{suffix: "last_name", sqlType: "text"},
		}
	default:
		return nil
	}
}

type compositePart struct {
	suffix  string
	sqlType string
}

// sqlType maps a scalar field type to its Postgres column type
func sqlType(t metadata.FieldType) string {
	switch t {
	case metadata.FieldText, metadata.FieldSelect:
		return "text"
	case metadata.FieldNumber:
		return "numeric"
	case metadata.FieldBoolean:
		return "boolean"
	case metadata.FieldDateTime:
		return "timestamptz"
	case metadata.FieldUUID, metadata.FieldRelation:
		return "uuid"
	case metadata.FieldJSON:
		return "jsonb"
	default:
		return "text"
	}
}

// QuoteQualified quotes a schema-qualified identifier for use in SQL
func QuoteQualified(schema, name string) string {
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(name)
}

// QuoteIdentifier quotes a bare identifier for use in SQL
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// toSnakeCase converts camelCase names to snake_case column names
func toSnakeCase(s string) string {
	var result []rune
	runes := []rune(s)

	for i, r := range runes {
		if i > 0 && r >= 'A' && r <= 'Z' {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' {
				result = append(result, '_')
			} else if i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' {
				result = append(result, '_')
			}
		}
		if r >= 'A' && r <= 'Z' {
			result = append(result, r+('a'-'A'))
		} else {
			result = append(result, r)
		}
	}
	return string(result)
}
