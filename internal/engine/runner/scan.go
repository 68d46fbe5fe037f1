package runner

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// compositeKeys returns the logical sub-keys of a composite type, in
// the same order the compiler lays out its columns.
func compositeKeys(t metadata.FieldType) []string {
	switch t {
	case metadata.FieldCurrency:
		return []string{"amountMicros", "currencyCode"}
	case metadata.FieldFullName:
		return []string{"firstName", "lastName"}
	default:
		return nil
	}
}

// scanRecords reads every row into logical records. The field list
// must match the SELECT list built by selectColumns: stored fields
// contribute one value per column, derived fields exactly one.
func scanRecords(rows *sql.Rows, fields []*compile.CompiledField) ([]map[string]any, error) {
	width := 0
	for _, f := range fields {
		if f.Derived {
			width++
		} else {
			width += len(f.Columns)
		}
	}

	var records []map[string]any
	for rows.Next() {
		values := make([]any, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, enginerr.ConvertDBError("runner.scan", err)
		}
		records = append(records, foldRecord(fields, values))
	}
	if err := rows.Err(); err != nil {
		return nil, enginerr.ConvertDBError("runner.scan", err)
	}
	return records, nil
}

// foldRecord assembles one logical record from a scanned row,
// collapsing composite columns into nested values.
func foldRecord(fields []*compile.CompiledField, values []any) map[string]any {
	record := make(map[string]any, len(fields))
	i := 0
	for _, f := range fields {
		if f.Derived {
			record[f.Name] = normalizeValue(values[i], f.Type)
			i++
			continue
		}
		if f.Type.IsComposite() {
			keys := compositeKeys(f.Type)
			nested := make(map[string]any, len(keys))
			allNull := true
			for j, key := range keys {
				v := normalizeValue(values[i+j], f.Type)
				nested[key] = v
				if v != nil {
					allNull = false
				}
			}
			i += len(f.Columns)
			if allNull {
				record[f.Name] = nil
			} else {
				record[f.Name] = nested
			}
			continue
		}
		record[f.Name] = normalizeValue(values[i], f.Type)
		i++
	}
	return record
}

// normalizeValue converts driver values into the logical record
// representation: uuids and timestamps as strings, jsonb decoded,
// byte slices as text.
func normalizeValue(v any, t metadata.FieldType) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case [16]byte:
		return uuid.UUID(val).String()
	case []byte:
		if t == metadata.FieldJSON {
			var decoded any
			if err := json.Unmarshal(val, &decoded); err == nil {
				return decoded
			}
		}
		return string(val)
	case string:
		if t == metadata.FieldJSON {
			var decoded any
			if err := json.Unmarshal([]byte(val), &decoded); err == nil {
				return decoded
			}
		}
		return val
	default:
		return val
	}
}
