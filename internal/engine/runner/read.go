package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
)

// findOne returns the single record matching the filter
func (r *Runner) findOne(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	if req.Filter == nil {
		return nil, &enginerr.ValidationError{Fields: map[string][]string{
			"filter": {"findOne requires a filter"},
		}}
	}
	fields, err := validateSelection(perms, obj, req.Selection)
	if err != nil {
		return nil, err
	}
	if err := validateFilter(schema, perms, obj, req.Filter); err != nil {
		return nil, err
	}

	b := newSQLBuilder()
	selectList, _ := selectColumns(schema, obj, fields, "t")
	where, err := filterSQL(schema, perms, obj, req.Filter, "t", b)
	if err != nil {
		return nil, err
	}
	conds := []string{where}
	if !req.IncludeSoftDeleted {
		conds = append(conds, "t.deleted_at IS NULL")
	}

	query := fmt.Sprintf("SELECT %s FROM %s t WHERE %s LIMIT 1",
		selectList, schema.QualifiedTable(obj), strings.Join(conds, " AND "))

	rows, err := r.tx.DB().QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, enginerr.ConvertDBError("runner.findOne", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows, fields)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, &enginerr.NotFoundError{Kind: "record", Name: obj.NameSingular}
	}
	return &Result{Records: records}, nil
}

// findMany returns a stable page of records. Results follow the
// request's sort keys with the record id as final tie-break, so a
// cursor from one page always resumes exactly after its last row.
func (r *Runner) findMany(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	fields, err := validateSelection(perms, obj, req.Selection)
	if err != nil {
		return nil, err
	}
	if err := validateSort(perms, obj, req.Sort); err != nil {
		return nil, err
	}
	if err := validateFilter(schema, perms, obj, req.Filter); err != nil {
		return nil, err
	}

	// sort keys must be fetched to build the next cursor
	fields = ensureSortFields(obj, fields, req.Sort)

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	b := newSQLBuilder()
	selectList, _ := selectColumns(schema, obj, fields, "t")

	var conds []string
	if !req.IncludeSoftDeleted {
		conds = append(conds, "t.deleted_at IS NULL")
	}
	if req.Filter != nil {
		where, err := filterSQL(schema, perms, obj, req.Filter, "t", b)
		if err != nil {
			return nil, err
		}
		if where != "" {
			conds = append(conds, where)
		}
	}
	if req.Cursor != "" {
		c, err := decodeCursor(req.Cursor)
		if err != nil {
			return nil, &enginerr.ValidationError{Fields: map[string][]string{
				"cursor": {err.Error()},
			}}
		}
		if len(c.Keys) != len(req.Sort) {
			return nil, &enginerr.ValidationError{Fields: map[string][]string{
				"cursor": {"cursor does not match the sort keys"},
			}}
		}
		conds = append(conds, cursorSQL(obj, req.Sort, c, "t", b))
	}

	query := fmt.Sprintf("SELECT %s FROM %s t", selectList, schema.QualifiedTable(obj))
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT %d", orderBySQL(obj, req.Sort, "t"), limit+1)

	rows, err := r.tx.DB().QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, enginerr.ConvertDBError("runner.findMany", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows, fields)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	if len(records) > limit {
		records = records[:limit]
		result.HasMore = true
		last := records[len(records)-1]
		c := cursor{ID: fmt.Sprint(last["id"])}
		for _, s := range req.Sort {
			c.Keys = append(c.Keys, last[s.Field])
		}
		result.EndCursor = encodeCursor(c)
	}
	result.Records = records
	return result, nil
}

// ensureSortFields appends any sort key missing from the selection
func ensureSortFields(obj *compile.CompiledObject, fields []*compile.CompiledField, sorts []Sort) []*compile.CompiledField {
	present := make(map[string]bool, len(fields))
	for _, f := range fields {
		present[f.Name] = true
	}
	for _, s := range sorts {
		if present[s.Field] {
			continue
		}
		f, _ := obj.Field(s.Field)
		fields = append(fields, f)
		present[s.Field] = true
	}
	return fields
}

// aggregate computes aggregate values over the filtered record set
func (r *Runner) aggregate(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	if len(req.Aggregations) == 0 {
		return nil, &enginerr.ValidationError{Fields: map[string][]string{
			"aggregations": {"at least one aggregation is required"},
		}}
	}
	if err := validateFilter(schema, perms, obj, req.Filter); err != nil {
		return nil, err
	}

	var exprs []string
	var keys []string
	for _, agg := range req.Aggregations {
		expr, key, err := aggregateExpr(perms, obj, agg)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
		keys = append(keys, key)
	}

	b := newSQLBuilder()
	var conds []string
	if !req.IncludeSoftDeleted {
		conds = append(conds, "t.deleted_at IS NULL")
	}
	if req.Filter != nil {
		where, err := filterSQL(schema, perms, obj, req.Filter, "t", b)
		if err != nil {
			return nil, err
		}
		if where != "" {
			conds = append(conds, where)
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s t", strings.Join(exprs, ", "), schema.QualifiedTable(obj))
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	values := make([]any, len(keys))
	ptrs := make([]any, len(keys))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.tx.DB().QueryRowContext(ctx, query, b.args...).Scan(ptrs...); err != nil {
		return nil, enginerr.ConvertDBError("runner.aggregate", err)
	}

	aggregates := make(map[string]any, len(keys))
	for i, key := range keys {
		aggregates[key] = normalizeValue(values[i], metadata.FieldNumber)
	}
	return &Result{Aggregates: aggregates}, nil
}

// aggregateExpr renders one aggregation and its result key
func aggregateExpr(perms *role.EffectivePermissions, obj *compile.CompiledObject, agg Aggregation) (string, string, error) {
	if agg.Func == AggCount {
		return "count(*)", "count", nil
	}
	f, ok := obj.Field(agg.Field)
	if !ok {
		return "", "", &enginerr.ValidationError{Fields: map[string][]string{
			agg.Field: {"unknown aggregation field"},
		}}
	}
	if err := checkFieldRead(perms, obj, f); err != nil {
		return "", "", err
	}
	if f.Derived || f.Type.IsComposite() {
		return "", "", &enginerr.ValidationError{Fields: map[string][]string{
			agg.Field: {"field cannot be aggregated"},
		}}
	}

	switch agg.Func {
	case AggSum, AggAvg:
		if f.Type != metadata.FieldNumber {
			return "", "", &enginerr.TypeMismatchError{
				Object: obj.NameSingular, Field: f.Name,
				Expected: "number", Got: f.Type.String(),
			}
		}
	case AggMin, AggMax:
		switch f.Type {
		case metadata.FieldNumber, metadata.FieldDateTime, metadata.FieldText:
		default:
			return "", "", &enginerr.TypeMismatchError{
				Object: obj.NameSingular, Field: f.Name,
				Expected: "number, dateTime, or text", Got: f.Type.String(),
			}
		}
	default:
		return "", "", &enginerr.ValidationError{Fields: map[string][]string{
			agg.Field: {fmt.Sprintf("unknown aggregation %q", agg.Func)},
		}}
	}

	col := "t." + compile.QuoteIdentifier(f.Columns[0])
	return fmt.Sprintf("%s(%s)", agg.Func, col), fmt.Sprintf("%s_%s", agg.Func, f.Name), nil
}
