package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/event"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
)

// storedFields returns the object's non-derived fields in name order.
// Their concatenated columns match StoredColumns exactly.
func storedFields(obj *compile.CompiledObject) []*compile.CompiledField {
	var fields []*compile.CompiledField
	for _, name := range obj.FieldNames() {
		f := obj.Fields[name]
		if f.Derived {
			continue
		}
		fields = append(fields, f)
	}
	return fields
}

// filterReadable strips fields the principal cannot read from a
// logical record.
func filterReadable(perms *role.EffectivePermissions, obj *compile.CompiledObject, record map[string]any) map[string]any {
	if perms.Admin {
		return record
	}
	out := make(map[string]any, len(record))
	for name, v := range record {
		f, ok := obj.Field(name)
		if !ok {
			continue
		}
		if f.Metadata != nil && !perms.CanReadField(obj.Metadata.ID, f.Metadata.ID) {
			continue
		}
		out[name] = v
	}
	return out
}

// create inserts one or more records in a single transaction. Any row
// failing validation or a constraint aborts the whole batch; the error
// names the failing row index.
func (r *Runner) create(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	if len(req.Records) == 0 {
		return nil, &enginerr.ValidationError{Fields: map[string][]string{
			"records": {"at least one record is required"},
		}}
	}
	if req.Operation == OpCreateOne && len(req.Records) != 1 {
		return nil, &enginerr.ValidationError{Fields: map[string][]string{
			"records": {"createOne accepts exactly one record"},
		}}
	}

	now := time.Now().UTC()
	fields := storedFields(obj)

	type preparedRow struct {
		columns []string
		values  []any
	}
	prepared := make([]preparedRow, 0, len(req.Records))
	for i, payload := range req.Records {
		cols, vals, err := r.prepareInsert(perms, obj, payload, now)
		if err != nil {
			return nil, &enginerr.BatchItemError{Index: i, Err: err}
		}
		prepared = append(prepared, preparedRow{columns: cols, values: vals})
	}

	returning := make([]string, len(obj.StoredColumns()))
	for i, col := range obj.StoredColumns() {
		returning[i] = compile.QuoteIdentifier(col)
	}

	var changes []rowChange
	err := r.tx.WithTransaction(ctx, func(tx *sql.Tx) error {
		for i, row := range prepared {
			placeholders := make([]string, len(row.values))
			for j := range row.values {
				placeholders[j] = fmt.Sprintf("$%d", j+1)
			}
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
				schema.QualifiedTable(obj),
				strings.Join(row.columns, ", "),
				strings.Join(placeholders, ", "),
				strings.Join(returning, ", "))

			rows, err := tx.QueryContext(ctx, query, row.values...)
			if err != nil {
				return &enginerr.BatchItemError{Index: i, Err: enginerr.ConvertDBError("runner.create", err)}
			}
			inserted, err := scanRecords(rows, fields)
			rows.Close()
			if err != nil {
				return &enginerr.BatchItemError{Index: i, Err: err}
			}
			record := inserted[0]
			changes = append(changes, rowChange{id: fmt.Sprint(record["id"]), after: record})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.emit(schema.WorkspaceID, obj, event.Created, changes)

	records := make([]map[string]any, len(changes))
	for i, ch := range changes {
		records[i] = filterReadable(perms, obj, ch.after)
	}
	return &Result{Records: records}, nil
}

// prepareInsert validates one create payload and renders its column
// list and values. Server-managed fields are populated here; the
// payload may supply its own id but never timestamps.
func (r *Runner) prepareInsert(perms *role.EffectivePermissions, obj *compile.CompiledObject, payload map[string]any, now time.Time) ([]string, []any, error) {
	colValues := make(map[string]any)

	for name, v := range payload {
		f, ok := obj.Field(name)
		if !ok {
			return nil, nil, &enginerr.ValidationError{Fields: map[string][]string{
				name: {"unknown field"},
			}}
		}
		switch f.Name {
		case "createdAt", "updatedAt", "deletedAt":
			return nil, nil, &enginerr.ValidationError{Fields: map[string][]string{
				f.Name: {"server managed field cannot be set"},
			}}
		case "id":
			// explicit ids are allowed for imports
		default:
			if err := checkFieldWrite(perms, obj, f); err != nil {
				return nil, nil, err
			}
		}
		vals, err := convertValue(obj, f, v)
		if err != nil {
			return nil, nil, err
		}
		for j, col := range f.Columns {
			colValues[col] = vals[j]
		}
	}

	// server-managed fields and defaults
	if _, ok := colValues["id"]; !ok {
		colValues["id"] = uuid.New().String()
	}
	colValues["created_at"] = now
	colValues["updated_at"] = now
	colValues["deleted_at"] = nil

	for _, name := range obj.FieldNames() {
		f := obj.Fields[name]
		if f.Derived || f.Metadata == nil || f.Metadata.IsSystem {
			continue
		}
		if _, present := colValues[f.Columns[0]]; present {
			continue
		}
		if f.Metadata.DefaultValue != nil {
			vals, err := convertValue(obj, f, f.Metadata.DefaultValue)
			if err != nil {
				return nil, nil, err
			}
			for j, col := range f.Columns {
				colValues[col] = vals[j]
			}
			continue
		}
		if !f.Metadata.IsNullable && !f.Type.IsComposite() {
			return nil, nil, &enginerr.ValidationError{Fields: map[string][]string{
				f.Name: {"value is required"},
			}}
		}
	}

	cols := make([]string, 0, len(colValues))
	for col := range colValues {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = compile.QuoteIdentifier(col)
		values[i] = colValues[col]
	}
	return quoted, values, nil
}

// convertValue coerces a logical payload value into column values, one
// per physical column of the field.
func convertValue(obj *compile.CompiledObject, f *compile.CompiledField, v any) ([]any, error) {
	mismatch := func(expected string) error {
		return &enginerr.TypeMismatchError{
			Object: obj.NameSingular, Field: f.Name,
			Expected: expected, Got: valueTypeName(v),
		}
	}

	if v == nil {
		if f.Metadata != nil && !f.Metadata.IsNullable && f.Name != "deletedAt" {
			return nil, &enginerr.ValidationError{Fields: map[string][]string{
				f.Name: {"field is not nullable"},
			}}
		}
		nulls := make([]any, len(f.Columns))
		return nulls, nil
	}

	switch f.Type {
	case metadata.FieldText:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch("text")
		}
		return []any{s}, nil

	case metadata.FieldSelect:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch("text")
		}
		if f.Metadata != nil && len(f.Metadata.Options) > 0 {
			valid := false
			for _, opt := range f.Metadata.Options {
				if opt == s {
					valid = true
					break
				}
			}
			if !valid {
				return nil, &enginerr.ValidationError{Fields: map[string][]string{
					f.Name: {fmt.Sprintf("%q is not an allowed option", s)},
				}}
			}
		}
		return []any{s}, nil

	case metadata.FieldNumber:
		switch n := v.(type) {
		case float64:
			return []any{n}, nil
		case int:
			return []any{n}, nil
		case int64:
			return []any{n}, nil
		case json.Number:
			return []any{n.String()}, nil
		default:
			return nil, mismatch("number")
		}

	case metadata.FieldBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch("boolean")
		}
		return []any{b}, nil

	case metadata.FieldDateTime:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch("dateTime")
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, mismatch("dateTime")
		}
		return []any{ts.UTC()}, nil

	case metadata.FieldUUID, metadata.FieldRelation:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch("uuid")
		}
		if _, err := uuid.Parse(s); err != nil {
			return nil, mismatch("uuid")
		}
		return []any{s}, nil

	case metadata.FieldJSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, mismatch("json")
		}
		return []any{raw}, nil

	case metadata.FieldCurrency:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch("currency object")
		}
		var amount any
		switch n := m["amountMicros"].(type) {
		case float64:
			amount = int64(n)
		case int64:
			amount = n
		case int:
			amount = int64(n)
		case nil:
			amount = nil
		default:
			return nil, mismatch("currency object")
		}
		code, ok := m["currencyCode"].(string)
		if !ok && m["currencyCode"] != nil {
			return nil, mismatch("currency object")
		}
		var codeVal any
		if ok {
			codeVal = code
		}
		return []any{amount, codeVal}, nil

	case metadata.FieldFullName:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, mismatch("fullName object")
		}
		part := func(key string) (any, error) {
			switch s := m[key].(type) {
			case string:
				return s, nil
			case nil:
				return nil, nil
			default:
				return nil, mismatch("fullName object")
			}
		}
		first, err := part("firstName")
		if err != nil {
			return nil, err
		}
		last, err := part("lastName")
		if err != nil {
			return nil, err
		}
		return []any{first, last}, nil

	default:
		return nil, mismatch(f.Type.String())
	}
}

// update applies one change set to the records matching the filter.
// updateOne requires the filter to select exactly one record.
func (r *Runner) update(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	if req.Filter == nil {
		return nil, &enginerr.ValidationError{Fields: map[string][]string{
			"filter": {"update requires a filter"},
		}}
	}
	if len(req.Records) != 1 {
		return nil, &enginerr.ValidationError{Fields: map[string][]string{
			"records": {"update accepts exactly one change set"},
		}}
	}
	if err := validateFilter(schema, perms, obj, req.Filter); err != nil {
		return nil, err
	}

	payload := req.Records[0]
	now := time.Now().UTC()

	setCols, setVals, err := r.prepareUpdate(perms, obj, payload, now)
	if err != nil {
		return nil, err
	}

	fields := storedFields(obj)
	var changes []rowChange
	err = r.tx.WithTransaction(ctx, func(tx *sql.Tx) error {
		before, err := r.lockRows(ctx, tx, schema, perms, obj, req.Filter, fields, scopeLive)
		if err != nil {
			return err
		}
		if err := checkSingleMatch(req, obj, len(before)); err != nil {
			return err
		}
		ids := recordIDs(before)

		b := newSQLBuilder()
		assignments := make([]string, len(setCols))
		for i, col := range setCols {
			assignments[i] = fmt.Sprintf("%s = %s", col, b.bind(setVals[i]))
		}
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ANY(%s) RETURNING %s",
			schema.QualifiedTable(obj),
			strings.Join(assignments, ", "),
			b.bind(idArray(ids)),
			strings.Join(quotedStoredColumns(obj), ", "))

		rows, err := tx.QueryContext(ctx, query, b.args...)
		if err != nil {
			return enginerr.ConvertDBError("runner.update", err)
		}
		after, err := scanRecords(rows, fields)
		rows.Close()
		if err != nil {
			return err
		}

		changes = pairChanges(before, after)
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.emit(schema.WorkspaceID, obj, event.Updated, changes)

	records := make([]map[string]any, len(changes))
	for i, ch := range changes {
		records[i] = filterReadable(perms, obj, ch.after)
	}
	return &Result{Records: records}, nil
}

// prepareUpdate validates an update change set into SET columns and values
func (r *Runner) prepareUpdate(perms *role.EffectivePermissions, obj *compile.CompiledObject, payload map[string]any, now time.Time) ([]string, []any, error) {
	if len(payload) == 0 {
		return nil, nil, &enginerr.ValidationError{Fields: map[string][]string{
			"records": {"change set is empty"},
		}}
	}

	colValues := make(map[string]any)
	for name, v := range payload {
		f, ok := obj.Field(name)
		if !ok {
			return nil, nil, &enginerr.ValidationError{Fields: map[string][]string{
				name: {"unknown field"},
			}}
		}
		switch f.Name {
		case "id", "createdAt", "updatedAt", "deletedAt":
			return nil, nil, &enginerr.ValidationError{Fields: map[string][]string{
				f.Name: {"server managed field cannot be set"},
			}}
		}
		if err := checkFieldWrite(perms, obj, f); err != nil {
			return nil, nil, err
		}
		vals, err := convertValue(obj, f, v)
		if err != nil {
			return nil, nil, err
		}
		for j, col := range f.Columns {
			colValues[col] = vals[j]
		}
	}
	colValues["updated_at"] = now

	cols := make([]string, 0, len(colValues))
	for col := range colValues {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = compile.QuoteIdentifier(col)
		values[i] = colValues[col]
	}
	return quoted, values, nil
}

// rowScope selects which rows a locking read considers
type rowScope int

const (
	scopeLive rowScope = iota
	scopeDeleted
	scopeAll
)

// lockRows selects the rows matching a filter FOR UPDATE, returning
// full stored snapshots.
func (r *Runner) lockRows(ctx context.Context, tx *sql.Tx, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, filter *Filter, fields []*compile.CompiledField, scope rowScope) ([]map[string]any, error) {
	b := newSQLBuilder()
	where, err := filterSQL(schema, perms, obj, filter, "t", b)
	if err != nil {
		return nil, err
	}
	var conds []string
	switch scope {
	case scopeLive:
		conds = append(conds, "t.deleted_at IS NULL")
	case scopeDeleted:
		conds = append(conds, "t.deleted_at IS NOT NULL")
	}
	if where != "" {
		conds = append(conds, where)
	}
	if len(conds) == 0 {
		conds = append(conds, "TRUE")
	}
	selectList, _ := selectColumns(schema, obj, fields, "t")
	query := fmt.Sprintf("SELECT %s FROM %s t WHERE %s ORDER BY t.id FOR UPDATE",
		selectList, schema.QualifiedTable(obj), strings.Join(conds, " AND "))

	rows, err := tx.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, enginerr.ConvertDBError("runner.lockRows", err)
	}
	defer rows.Close()
	return scanRecords(rows, fields)
}

// idArray wraps record ids for ANY() binding
func idArray(ids []string) any {
	return pq.Array(ids)
}

func quotedStoredColumns(obj *compile.CompiledObject) []string {
	cols := obj.StoredColumns()
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = compile.QuoteIdentifier(col)
	}
	return quoted
}
