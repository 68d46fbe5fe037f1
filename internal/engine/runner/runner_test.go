package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/event"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
	"github.com/ehconitin/twenty/internal/engine/transaction"
)

// companyRow builds a mock row in the company table's column order
func companyRow(id, name string, employees float64, deletedAt any) *sqlmock.Rows {
	now := time.Now().UTC()
	return companyRows().AddRow(now, deletedAt, employees, id, name, now)
}

func companyRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"created_at", "deleted_at", "employees", "id", "name", "updated_at"})
}

func personRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"company_id", "created_at", "deleted_at", "email", "id", "updated_at"})
}

func addPersonRow(rows *sqlmock.Rows, id, companyID, email string, deletedAt any) *sqlmock.Rows {
	now := time.Now().UTC()
	return rows.AddRow(companyID, now, deletedAt, email, id, now)
}

func TestExecuteUnknownObject(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	// object resolution precedes the permission check, even for a
	// principal holding no roles at all
	_, err := r.Execute(context.Background(), principalWith(), &Request{
		ObjectName: "opportunity", Operation: OpFindMany,
	})
	var notFound *enginerr.ObjectNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "opportunity", notFound.Object)
	assert.ErrorIs(t, err, enginerr.ErrNotFound)
}

func TestExecuteDeniesWithoutGrant(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	reader := makeRole(role.Permission{
		ObjectMetadataID: company.ID,
		Grant:            role.Grant{CanRead: true},
	})
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, reader)

	_, err := r.Execute(context.Background(), principalWith(reader), &Request{
		ObjectName: "company", Operation: OpCreateOne,
		Records: []map[string]any{{"name": "Acme"}},
	})
	var denied *enginerr.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "update", denied.Operation)

	// soft delete is a separate grant
	_, err = r.Execute(context.Background(), principalWith(reader), &Request{
		ObjectName: "company", Operation: OpDeleteOne,
		Filter: &Filter{Field: "name", Comparator: CmpEq, Value: "Acme"},
	})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "softDelete", denied.Operation)

	// principals with no roles resolve to deny-all
	_, err = r.Execute(context.Background(), principalWith(), &Request{
		ObjectName: "company", Operation: OpFindMany,
	})
	assert.ErrorIs(t, err, enginerr.ErrPermissionDenied)
}

func TestFindOneReturnsRecord(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	cid := uuid.NewString()
	mock.ExpectQuery(`SELECT t\."name", t\."id" FROM "workspace_[0-9a-f]+"\."companies" t WHERE t\."id" = \$1 AND t\.deleted_at IS NULL LIMIT 1`).
		WithArgs(cid).
		WillReturnRows(sqlmock.NewRows([]string{"name", "id"}).AddRow("Acme", cid))

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpFindOne,
		Filter:    &Filter{Field: "id", Comparator: CmpEq, Value: cid},
		Selection: []string{"name"},
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Acme", result.Records[0]["name"])
	assert.Equal(t, cid, result.Records[0]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOneNotFound(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	mock.ExpectQuery(`SELECT .+ LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "id"}))

	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpFindOne,
		Filter:    &Filter{Field: "name", Comparator: CmpEq, Value: "Ghost"},
		Selection: []string{"name"},
	})
	assert.ErrorIs(t, err, enginerr.ErrNotFound)
}

func TestFindManyPagination(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	// one extra row signals another page
	mock.ExpectQuery(`SELECT t\."name", t\."id" FROM .+ WHERE t\.deleted_at IS NULL ORDER BY t\."name" ASC, t\.id ASC LIMIT 3`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "id"}).
			AddRow("Alpha", ids[0]).
			AddRow("Beta", ids[1]).
			AddRow("Gamma", ids[2]))

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "companies", Operation: OpFindMany,
		Selection: []string{"name"},
		Sort:      []Sort{{Field: "name", Direction: SortAsc}},
		Limit:     2,
	})
	require.NoError(t, err)
	assert.True(t, result.HasMore)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "Beta", result.Records[1]["name"])

	c, err := decodeCursor(result.EndCursor)
	require.NoError(t, err)
	assert.Equal(t, ids[1], c.ID)
	assert.Equal(t, []any{"Beta"}, c.Keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyResumesFromCursor(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	prev := encodeCursor(cursor{Keys: []any{"Beta"}, ID: "b-id"})
	mock.ExpectQuery(`WHERE t\.deleted_at IS NULL AND \(\(t\."name" > \$1\) OR \(t\."name" = \$2 AND t\.id > \$3\)\) ORDER BY`).
		WithArgs("Beta", "Beta", "b-id").
		WillReturnRows(sqlmock.NewRows([]string{"name", "id"}).AddRow("Gamma", "c-id"))

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpFindMany,
		Selection: []string{"name"},
		Sort:      []Sort{{Field: "name", Direction: SortAsc}},
		Cursor:    prev,
	})
	require.NoError(t, err)
	assert.False(t, result.HasMore)
	assert.Empty(t, result.EndCursor)
	require.Len(t, result.Records, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindManyRejectsMismatchedCursor(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	// cursor carries one sort key, request has none
	stale := encodeCursor(cursor{Keys: []any{"Beta"}, ID: "b-id"})
	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpFindMany,
		Selection: []string{"name"},
		Cursor:    stale,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cursor does not match the sort keys")
}

func TestAggregate(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	mock.ExpectQuery(`SELECT count\(\*\), sum\(t\."employees"\) FROM .+ WHERE t\.deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(int64(3), float64(42)))

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpAggregate,
		Aggregations: []Aggregation{
			{Func: AggCount},
			{Func: AggSum, Field: "employees"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Aggregates["count"])
	assert.Equal(t, float64(42), result.Aggregates["sum_employees"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAggregateRejectsNonNumericSum(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpAggregate,
		Aggregations: []Aggregation{{Func: AggSum, Field: "name"}},
	})
	var mismatch *enginerr.TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "number", mismatch.Expected)
}

func TestCreateOneEmitsEvent(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()

	emitter := event.NewEmitter(4, zap.NewNop())
	emitter.Start()
	var mu sync.Mutex
	var got []*event.Event
	emitter.Subscribe(func(_ context.Context, ev *event.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, emitter, admin)

	cid := uuid.NewString()
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "workspace_[0-9a-f]+"\."companies" \("created_at", "deleted_at", "id", "name", "updated_at"\) VALUES \(\$1, \$2, \$3, \$4, \$5\) RETURNING "created_at", "deleted_at", "employees", "id", "name", "updated_at"`).
		WillReturnRows(companyRow(cid, "Acme", 0, nil))
	mock.ExpectCommit()

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpCreateOne,
		Records: []map[string]any{{"name": "Acme"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Acme", result.Records[0]["name"])
	assert.Equal(t, cid, result.Records[0]["id"])
	assert.NoError(t, mock.ExpectationsWereMet())

	emitter.Shutdown()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, event.Created, got[0].Kind)
	assert.Equal(t, "company", got[0].ObjectName)
	assert.Equal(t, cid, got[0].RecordID)
}

func TestCreateManyAbortsBatchOnConflict(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO .+ RETURNING`).
		WillReturnRows(companyRow(uuid.NewString(), "Acme", 0, nil))
	mock.ExpectQuery(`INSERT INTO .+ RETURNING`).
		WillReturnError(&pgconn.PgError{Code: "23505", TableName: "companies"})
	mock.ExpectRollback()

	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpCreateMany,
		Records: []map[string]any{{"name": "Acme"}, {"name": "Acme"}},
	})
	var item *enginerr.BatchItemError
	require.ErrorAs(t, err, &item)
	assert.Equal(t, 1, item.Index)
	assert.ErrorIs(t, err, enginerr.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRejectsServerManagedFields(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpCreateOne,
		Records: []map[string]any{{"name": "Acme", "createdAt": "2026-01-01T00:00:00Z"}},
	})
	var item *enginerr.BatchItemError
	require.ErrorAs(t, err, &item)
	assert.Equal(t, 0, item.Index)
	assert.Contains(t, err.Error(), "server managed field")
}

func TestCreateDeniesUnwritableField(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	restricted := makeRole(
		role.Permission{ObjectMetadataID: company.ID, Grant: grantAll()},
		role.Permission{
			ObjectMetadataID: company.ID,
			FieldMetadataID:  &company.Fields["name"].ID,
			Grant:            role.Grant{CanRead: true},
		},
	)
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, restricted)

	_, err := r.Execute(context.Background(), principalWith(restricted), &Request{
		ObjectName: "company", Operation: OpCreateOne,
		Records: []map[string]any{{"name": "Acme"}},
	})
	assert.ErrorIs(t, err, enginerr.ErrPermissionDenied)
}

func TestUpdateOne(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	cid := uuid.NewString()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM .+"companies" t WHERE t\.deleted_at IS NULL AND t\."id" = \$1 ORDER BY t\.id FOR UPDATE`).
		WithArgs(cid).
		WillReturnRows(companyRow(cid, "Acme", 10, nil))
	mock.ExpectQuery(`UPDATE .+"companies" SET "name" = \$1, "updated_at" = \$2 WHERE id = ANY\(\$3\) RETURNING`).
		WillReturnRows(companyRow(cid, "Acme Corp", 10, nil))
	mock.ExpectCommit()

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpUpdateOne,
		Filter:  &Filter{Field: "id", Comparator: CmpEq, Value: cid},
		Records: []map[string]any{{"name": "Acme Corp"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)
	assert.Equal(t, "Acme Corp", result.Records[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOneRequiresSingleMatch(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(companyRow(uuid.NewString(), "A", 1, nil).
			AddRow(time.Now().UTC(), nil, 2.0, uuid.NewString(), "B", time.Now().UTC()))
	mock.ExpectRollback()

	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpUpdateOne,
		Filter:  &Filter{Field: "name", Comparator: CmpStartsWith, Value: "A"},
		Records: []map[string]any{{"employees": float64(5)}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches 2 records, expected one")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateValidatesSelectOptions(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	addField(company, "stage", metadata.FieldSelect, func(f *metadata.FieldMetadata) {
		f.Options = []string{"NEW", "WON"}
	})
	admin := adminRole()
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpUpdateMany,
		Filter:  &Filter{Field: "name", Comparator: CmpEq, Value: "Acme"},
		Records: []map[string]any{{"stage": "LOST"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an allowed option")
}

func TestSoftDeleteRestrictedByDependents(t *testing.T) {
	company, person := crmObjects(metadata.CascadeRestrict)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	cid := uuid.NewString()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(companyRow(cid, "Acme", 1, nil))
	mock.ExpectQuery(`WHERE t\.id = ANY\(\$1\) AND t\.deleted_at IS NULL ORDER BY t\.id FOR UPDATE`).
		WillReturnRows(companyRow(cid, "Acme", 1, nil))
	mock.ExpectQuery(`SELECT count\(\*\) FROM .+"_people" WHERE "company_id" = ANY\(\$1\) AND deleted_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	_, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpDeleteOne,
		Filter: &Filter{Field: "id", Comparator: CmpEq, Value: cid},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, enginerr.ErrConflict)
	assert.Contains(t, err.Error(), "still reference it")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeleteCascades(t *testing.T) {
	company, person := crmObjects(metadata.CascadeDelete)
	admin := adminRole()

	emitter := event.NewEmitter(4, zap.NewNop())
	emitter.Start()
	var mu sync.Mutex
	var got []*event.Event
	emitter.Subscribe(func(_ context.Context, ev *event.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, emitter, admin)

	cid := uuid.NewString()
	p1, p2 := uuid.NewString(), uuid.NewString()
	ts := time.Now().UTC()

	mock.ExpectBegin()
	// lock the companies matched by the filter
	mock.ExpectQuery(`FROM .+"companies" t WHERE t\.deleted_at IS NULL AND .+ FOR UPDATE`).
		WillReturnRows(companyRow(cid, "Acme", 1, nil))
	// snapshot them by id
	mock.ExpectQuery(`FROM .+"companies" t WHERE t\.id = ANY\(\$1\) AND t\.deleted_at IS NULL ORDER BY t\.id FOR UPDATE`).
		WillReturnRows(companyRow(cid, "Acme", 1, nil))
	// collect live dependents
	mock.ExpectQuery(`SELECT id FROM .+"_people" WHERE "company_id" = ANY\(\$1\) AND deleted_at IS NULL ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(p1).AddRow(p2))
	// dependents are snapshotted and soft-deleted first
	mock.ExpectQuery(`FROM .+"_people" t WHERE t\.id = ANY\(\$1\) AND t\.deleted_at IS NULL ORDER BY t\.id FOR UPDATE`).
		WillReturnRows(addPersonRow(addPersonRow(personRows(), p1, cid, "a@acme.io", nil), p2, cid, "b@acme.io", nil))
	mock.ExpectQuery(`UPDATE .+"_people" SET deleted_at = \$1, updated_at = \$2 WHERE id = ANY\(\$3\) AND deleted_at IS NULL RETURNING`).
		WillReturnRows(addPersonRow(addPersonRow(personRows(), p1, cid, "a@acme.io", ts), p2, cid, "b@acme.io", ts))
	mock.ExpectQuery(`UPDATE .+"companies" SET deleted_at = \$1, updated_at = \$2 WHERE id = ANY\(\$3\) AND deleted_at IS NULL RETURNING`).
		WillReturnRows(companyRow(cid, "Acme", 1, ts))
	mock.ExpectCommit()

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpDeleteOne,
		Filter: &Filter{Field: "id", Comparator: CmpEq, Value: cid},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Affected)
	assert.NoError(t, mock.ExpectationsWereMet())

	// every cascaded row gets its own event
	emitter.Shutdown()
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	byObject := make(map[string]int)
	for _, ev := range got {
		assert.Equal(t, event.Deleted, ev.Kind)
		byObject[ev.ObjectName]++
	}
	assert.Equal(t, 2, byObject["person"])
	assert.Equal(t, 1, byObject["company"])
}

func TestDestroyRemovesRow(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	pid := uuid.NewString()
	cid := uuid.NewString()
	ts := time.Now().UTC()

	mock.ExpectBegin()
	// soft-deleted rows are in scope for destroy
	mock.ExpectQuery(`FROM .+"_people" t WHERE t\."id" = \$1 ORDER BY t\.id FOR UPDATE`).
		WithArgs(pid).
		WillReturnRows(addPersonRow(personRows(), pid, cid, "a@acme.io", ts))
	mock.ExpectQuery(`FROM .+"_people" t WHERE t\.id = ANY\(\$1\) ORDER BY t\.id FOR UPDATE`).
		WillReturnRows(addPersonRow(personRows(), pid, cid, "a@acme.io", ts))
	mock.ExpectExec(`DELETE FROM .+"_people" WHERE id = ANY\(\$1\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "person", Operation: OpDestroyOne,
		Filter: &Filter{Field: "id", Comparator: CmpEq, Value: pid},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Affected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreClearsDeletionMark(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	cid := uuid.NewString()
	ts := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM .+"companies" t WHERE t\.deleted_at IS NOT NULL AND t\."id" = \$1 ORDER BY t\.id FOR UPDATE`).
		WithArgs(cid).
		WillReturnRows(companyRow(cid, "Acme", 1, ts))
	mock.ExpectQuery(`UPDATE .+"companies" SET deleted_at = NULL, updated_at = \$1 WHERE id = ANY\(\$2\) RETURNING`).
		WillReturnRows(companyRow(cid, "Acme", 1, nil))
	mock.ExpectCommit()

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpRestoreOne,
		Filter: &Filter{Field: "id", Comparator: CmpEq, Value: cid},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Affected)
	require.Len(t, result.Records, 1)
	assert.Nil(t, result.Records[0]["deletedAt"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRequiresFilter(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, _ := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)

	for _, op := range []OperationKind{OpDeleteMany, OpDestroyMany, OpRestoreMany} {
		_, err := r.Execute(context.Background(), principalWith(admin), &Request{
			ObjectName: "company", Operation: op,
		})
		require.Error(t, err, op.String())
		assert.Contains(t, err.Error(), "requires a filter")
	}
}

func TestReadRetriesTransientFailures(t *testing.T) {
	company, person := crmObjects(metadata.CascadeSetNull)
	admin := adminRole()
	r, mock := newTestRunner(t, []*metadata.ObjectMetadata{company, person}, nil, admin)
	r.readRetry = transaction.RetryConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond}

	cid := uuid.NewString()
	mock.ExpectQuery(`LIMIT 1`).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectQuery(`LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"name", "id"}).AddRow("Acme", cid))

	result, err := r.Execute(context.Background(), principalWith(admin), &Request{
		ObjectName: "company", Operation: OpFindOne,
		Filter:    &Filter{Field: "id", Comparator: CmpEq, Value: cid},
		Selection: []string{"name"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme", result.Records[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
