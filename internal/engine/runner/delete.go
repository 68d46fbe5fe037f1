package runner

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/event"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
)

// objectChanges collects the rows one cascade step touched on one
// object, for event emission after commit.
type objectChanges struct {
	obj  *compile.CompiledObject
	kind event.Kind
	rows []rowChange
}

// softDelete marks the matching records deleted. Dependents follow
// the relation's cascade policy: CASCADE soft-deletes them with the
// same timestamp, RESTRICT aborts while live dependents exist, and
// SET_NULL detaches them.
func (r *Runner) softDelete(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	if err := requireFilter(req); err != nil {
		return nil, err
	}
	if err := validateFilter(schema, perms, obj, req.Filter); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	var all []objectChanges
	var affected int
	err := r.tx.WithTransaction(ctx, func(tx *sql.Tx) error {
		before, err := r.lockRows(ctx, tx, schema, perms, obj, req.Filter, storedFields(obj), scopeLive)
		if err != nil {
			return err
		}
		if err := checkSingleMatch(req, obj, len(before)); err != nil {
			return err
		}
		ids := recordIDs(before)
		affected = len(ids)
		return r.cascadeSoftDelete(ctx, tx, schema, obj, ids, ts, &all)
	})
	if err != nil {
		return nil, err
	}

	for _, ch := range all {
		r.emit(schema.WorkspaceID, ch.obj, ch.kind, ch.rows)
	}
	return &Result{Affected: affected}, nil
}

// cascadeSoftDelete soft-deletes the given rows and walks CASCADE
// edges depth first. Compilation rejects cascade cycles, so the
// recursion terminates.
func (r *Runner) cascadeSoftDelete(ctx context.Context, tx *sql.Tx, schema *compile.CompiledSchema, obj *compile.CompiledObject, ids []string, ts time.Time, out *[]objectChanges) error {
	if len(ids) == 0 {
		return nil
	}
	fields := storedFields(obj)
	before, err := r.selectByIDs(ctx, tx, schema, obj, fields, ids, scopeLive, true)
	if err != nil {
		return err
	}
	if len(before) == 0 {
		return nil
	}
	liveIDs := recordIDs(before)

	for _, rel := range inverseRelations(obj) {
		dep, ok := schema.Object(rel.Target)
		if !ok {
			continue
		}
		switch rel.OnDelete {
		case metadata.CascadeRestrict:
			n, err := r.countDependents(ctx, tx, schema, dep, rel.ForeignKeyColumn, liveIDs, scopeLive)
			if err != nil {
				return err
			}
			if n > 0 {
				return &enginerr.ConflictError{
					Entity: obj.NameSingular,
					Detail: fmt.Sprintf("%d %s record(s) still reference it", n, dep.NameSingular),
				}
			}
		case metadata.CascadeDelete:
			depIDs, err := r.dependentIDs(ctx, tx, schema, dep, rel.ForeignKeyColumn, liveIDs, scopeLive)
			if err != nil {
				return err
			}
			if err := r.cascadeSoftDelete(ctx, tx, schema, dep, depIDs, ts, out); err != nil {
				return err
			}
		case metadata.CascadeSetNull:
			if err := r.detachDependents(ctx, tx, schema, dep, rel.ForeignKeyColumn, liveIDs, ts, out); err != nil {
				return err
			}
		}
	}

	b := newSQLBuilder()
	query := fmt.Sprintf(
		"UPDATE %s SET deleted_at = %s, updated_at = %s WHERE id = ANY(%s) AND deleted_at IS NULL RETURNING %s",
		schema.QualifiedTable(obj), b.bind(ts), b.bind(ts), b.bind(idArray(liveIDs)),
		strings.Join(quotedStoredColumns(obj), ", "))
	rows, err := tx.QueryContext(ctx, query, b.args...)
	if err != nil {
		return enginerr.ConvertDBError("runner.softDelete", err)
	}
	after, err := scanRecords(rows, fields)
	rows.Close()
	if err != nil {
		return err
	}

	*out = append(*out, objectChanges{obj: obj, kind: event.Deleted, rows: pairChanges(before, after)})
	return nil
}

// destroy permanently removes the matching records, their join table
// rows, and their CASCADE dependents. Soft-deleted records can be
// destroyed.
func (r *Runner) destroy(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	if err := requireFilter(req); err != nil {
		return nil, err
	}
	if err := validateFilter(schema, perms, obj, req.Filter); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	var all []objectChanges
	var affected int
	err := r.tx.WithTransaction(ctx, func(tx *sql.Tx) error {
		before, err := r.lockRows(ctx, tx, schema, perms, obj, req.Filter, storedFields(obj), scopeAll)
		if err != nil {
			return err
		}
		if err := checkSingleMatch(req, obj, len(before)); err != nil {
			return err
		}
		ids := recordIDs(before)
		affected = len(ids)
		return r.cascadeDestroy(ctx, tx, schema, obj, ids, ts, &all)
	})
	if err != nil {
		return nil, err
	}

	for _, ch := range all {
		r.emit(schema.WorkspaceID, ch.obj, ch.kind, ch.rows)
	}
	return &Result{Affected: affected}, nil
}

// cascadeDestroy removes rows depth first so dependents are gone
// before the rows they reference.
func (r *Runner) cascadeDestroy(ctx context.Context, tx *sql.Tx, schema *compile.CompiledSchema, obj *compile.CompiledObject, ids []string, ts time.Time, out *[]objectChanges) error {
	if len(ids) == 0 {
		return nil
	}
	fields := storedFields(obj)
	before, err := r.selectByIDs(ctx, tx, schema, obj, fields, ids, scopeAll, true)
	if err != nil {
		return err
	}
	if len(before) == 0 {
		return nil
	}
	foundIDs := recordIDs(before)

	for _, rel := range inverseRelations(obj) {
		dep, ok := schema.Object(rel.Target)
		if !ok {
			continue
		}
		switch rel.OnDelete {
		case metadata.CascadeRestrict:
			n, err := r.countDependents(ctx, tx, schema, dep, rel.ForeignKeyColumn, foundIDs, scopeAll)
			if err != nil {
				return err
			}
			if n > 0 {
				return &enginerr.ConflictError{
					Entity: obj.NameSingular,
					Detail: fmt.Sprintf("%d %s record(s) still reference it", n, dep.NameSingular),
				}
			}
		case metadata.CascadeDelete:
			depIDs, err := r.dependentIDs(ctx, tx, schema, dep, rel.ForeignKeyColumn, foundIDs, scopeAll)
			if err != nil {
				return err
			}
			if err := r.cascadeDestroy(ctx, tx, schema, dep, depIDs, ts, out); err != nil {
				return err
			}
		case metadata.CascadeSetNull:
			if err := r.detachDependents(ctx, tx, schema, dep, rel.ForeignKeyColumn, foundIDs, ts, out); err != nil {
				return err
			}
		}
	}

	// join table rows go with the record
	for _, rel := range sortedRelations(obj) {
		if rel.Kind != metadata.ManyToMany {
			continue
		}
		b := newSQLBuilder()
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY(%s)",
			compile.QuoteQualified(schema.PhysicalSchema, rel.JoinTable),
			compile.QuoteIdentifier(rel.JoinSourceColumn),
			b.bind(idArray(foundIDs)))
		if _, err := tx.ExecContext(ctx, query, b.args...); err != nil {
			return enginerr.ConvertDBError("runner.destroy", err)
		}
	}

	b := newSQLBuilder()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ANY(%s)",
		schema.QualifiedTable(obj), b.bind(idArray(foundIDs)))
	if _, err := tx.ExecContext(ctx, query, b.args...); err != nil {
		return enginerr.ConvertDBError("runner.destroy", err)
	}

	changes := make([]rowChange, len(before))
	for i, rec := range before {
		changes[i] = rowChange{id: fmt.Sprint(rec["id"]), before: rec}
	}
	*out = append(*out, objectChanges{obj: obj, kind: event.Destroyed, rows: changes})
	return nil
}

// restore clears the deletion mark on matching soft-deleted records.
// Dependents removed by an earlier cascade stay deleted; they are
// restored explicitly if wanted.
func (r *Runner) restore(ctx context.Context, schema *compile.CompiledSchema, perms *role.EffectivePermissions, obj *compile.CompiledObject, req *Request) (*Result, error) {
	if err := requireFilter(req); err != nil {
		return nil, err
	}
	if err := validateFilter(schema, perms, obj, req.Filter); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	fields := storedFields(obj)
	var changes []rowChange
	err := r.tx.WithTransaction(ctx, func(tx *sql.Tx) error {
		before, err := r.lockRows(ctx, tx, schema, perms, obj, req.Filter, fields, scopeDeleted)
		if err != nil {
			return err
		}
		if err := checkSingleMatch(req, obj, len(before)); err != nil {
			return err
		}
		ids := recordIDs(before)

		b := newSQLBuilder()
		query := fmt.Sprintf(
			"UPDATE %s SET deleted_at = NULL, updated_at = %s WHERE id = ANY(%s) RETURNING %s",
			schema.QualifiedTable(obj), b.bind(ts), b.bind(idArray(ids)),
			strings.Join(quotedStoredColumns(obj), ", "))
		rows, err := tx.QueryContext(ctx, query, b.args...)
		if err != nil {
			return enginerr.ConvertDBError("runner.restore", err)
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

	r.emit(schema.WorkspaceID, obj, event.Restored, changes)

	records := make([]map[string]any, len(changes))
	for i, ch := range changes {
		records[i] = filterReadable(perms, obj, ch.after)
	}
	return &Result{Records: records, Affected: len(changes)}, nil
}

// detachDependents nulls the foreign key on dependent rows for
// SET_NULL relations and records them as updates.
func (r *Runner) detachDependents(ctx context.Context, tx *sql.Tx, schema *compile.CompiledSchema, dep *compile.CompiledObject, fkColumn string, ids []string, ts time.Time, out *[]objectChanges) error {
	fields := storedFields(dep)
	b := newSQLBuilder()
	selectList, _ := selectColumns(schema, dep, fields, "t")
	query := fmt.Sprintf("SELECT %s FROM %s t WHERE t.%s = ANY(%s) ORDER BY t.id FOR UPDATE",
		selectList, schema.QualifiedTable(dep),
		compile.QuoteIdentifier(fkColumn), b.bind(idArray(ids)))
	rows, err := tx.QueryContext(ctx, query, b.args...)
	if err != nil {
		return enginerr.ConvertDBError("runner.detach", err)
	}
	before, err := scanRecords(rows, fields)
	rows.Close()
	if err != nil {
		return err
	}
	if len(before) == 0 {
		return nil
	}

	b = newSQLBuilder()
	query = fmt.Sprintf("UPDATE %s SET %s = NULL, updated_at = %s WHERE id = ANY(%s) RETURNING %s",
		schema.QualifiedTable(dep),
		compile.QuoteIdentifier(fkColumn), b.bind(ts), b.bind(idArray(recordIDs(before))),
		strings.Join(quotedStoredColumns(dep), ", "))
	updatedRows, err := tx.QueryContext(ctx, query, b.args...)
	if err != nil {
		return enginerr.ConvertDBError("runner.detach", err)
	}
	after, err := scanRecords(updatedRows, fields)
	updatedRows.Close()
	if err != nil {
		return err
	}

	*out = append(*out, objectChanges{obj: dep, kind: event.Updated, rows: pairChanges(before, after)})
	return nil
}

// selectByIDs loads full snapshots for the given ids, optionally
// locking the rows.
func (r *Runner) selectByIDs(ctx context.Context, tx *sql.Tx, schema *compile.CompiledSchema, obj *compile.CompiledObject, fields []*compile.CompiledField, ids []string, scope rowScope, lock bool) ([]map[string]any, error) {
	b := newSQLBuilder()
	selectList, _ := selectColumns(schema, obj, fields, "t")
	conds := []string{fmt.Sprintf("t.id = ANY(%s)", b.bind(idArray(ids)))}
	switch scope {
	case scopeLive:
		conds = append(conds, "t.deleted_at IS NULL")
	case scopeDeleted:
		conds = append(conds, "t.deleted_at IS NOT NULL")
	}
	query := fmt.Sprintf("SELECT %s FROM %s t WHERE %s ORDER BY t.id",
		selectList, schema.QualifiedTable(obj), strings.Join(conds, " AND "))
	if lock {
		query += " FOR UPDATE"
	}
	rows, err := tx.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, enginerr.ConvertDBError("runner.selectByIDs", err)
	}
	defer rows.Close()
	return scanRecords(rows, fields)
}

// countDependents counts rows referencing any of the given ids
func (r *Runner) countDependents(ctx context.Context, tx *sql.Tx, schema *compile.CompiledSchema, dep *compile.CompiledObject, fkColumn string, ids []string, scope rowScope) (int, error) {
	b := newSQLBuilder()
	query := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = ANY(%s)",
		schema.QualifiedTable(dep), compile.QuoteIdentifier(fkColumn), b.bind(idArray(ids)))
	if scope == scopeLive {
		query += " AND deleted_at IS NULL"
	}
	var n int
	if err := tx.QueryRowContext(ctx, query, b.args...).Scan(&n); err != nil {
		return 0, enginerr.ConvertDBError("runner.countDependents", err)
	}
	return n, nil
}

// dependentIDs lists rows referencing any of the given ids
func (r *Runner) dependentIDs(ctx context.Context, tx *sql.Tx, schema *compile.CompiledSchema, dep *compile.CompiledObject, fkColumn string, ids []string, scope rowScope) ([]string, error) {
	b := newSQLBuilder()
	query := fmt.Sprintf("SELECT id FROM %s WHERE %s = ANY(%s)",
		schema.QualifiedTable(dep), compile.QuoteIdentifier(fkColumn), b.bind(idArray(ids)))
	if scope == scopeLive {
		query += " AND deleted_at IS NULL"
	}
	query += " ORDER BY id"
	rows, err := tx.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, enginerr.ConvertDBError("runner.dependentIDs", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, enginerr.ConvertDBError("runner.dependentIDs", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// inverseRelations returns the ONE_TO_MANY edges on which obj is the
// referenced side, in stable order.
func inverseRelations(obj *compile.CompiledObject) []*compile.CompiledRelation {
	var rels []*compile.CompiledRelation
	for _, rel := range sortedRelations(obj) {
		if rel.Kind == metadata.OneToMany && rel.Inverse {
			rels = append(rels, rel)
		}
	}
	return rels
}

// sortedRelations returns the object's relations ordered by name
func sortedRelations(obj *compile.CompiledObject) []*compile.CompiledRelation {
	names := make([]string, 0, len(obj.Relations))
	for name := range obj.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	rels := make([]*compile.CompiledRelation, len(names))
	for i, name := range names {
		rels[i] = obj.Relations[name]
	}
	return rels
}

// requireFilter rejects unscoped deletes and restores
func requireFilter(req *Request) error {
	if req.Filter == nil {
		return &enginerr.ValidationError{Fields: map[string][]string{
			"filter": {req.Operation.String() + " requires a filter"},
		}}
	}
	return nil
}

// checkSingleMatch enforces the "one" operations matching exactly one record
func checkSingleMatch(req *Request, obj *compile.CompiledObject, matched int) error {
	if matched == 0 {
		return &enginerr.NotFoundError{Kind: "record", Name: obj.NameSingular}
	}
	switch req.Operation {
	case OpUpdateOne, OpDeleteOne, OpDestroyOne, OpRestoreOne:
		if matched > 1 {
			return &enginerr.ValidationError{Fields: map[string][]string{
				"filter": {fmt.Sprintf("filter matches %d records, expected one", matched)},
			}}
		}
	}
	return nil
}

// pairChanges zips before and after snapshots by record id
func pairChanges(before, after []map[string]any) []rowChange {
	byID := make(map[string]map[string]any, len(after))
	for _, rec := range after {
		byID[fmt.Sprint(rec["id"])] = rec
	}
	changes := make([]rowChange, 0, len(before))
	for _, rec := range before {
		id := fmt.Sprint(rec["id"])
		changes = append(changes, rowChange{id: id, before: rec, after: byID[id]})
	}
	return changes
}

// recordIDs extracts ids from snapshots
func recordIDs(records []map[string]any) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = fmt.Sprint(rec["id"])
	}
	return ids
}
