package runner

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehconitin/twenty/internal/engine/metadata"
)

func TestRowCheckerHasRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	obj := metadata.NewObjectMetadata(testWorkspace, "person", "people", true)
	checker := NewRowChecker(db)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM "workspace_[0-9a-f]+"\."_people" WHERE deleted_at IS NULL\)`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	hasRows, err := checker.HasRows(context.Background(), testWorkspace, obj)
	require.NoError(t, err)
	assert.True(t, hasRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowCheckerTreatsMissingTableAsEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	obj := metadata.NewObjectMetadata(testWorkspace, "person", "people", true)
	checker := NewRowChecker(db)

	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnError(&pgconn.PgError{Code: "42P01"})

	hasRows, err := checker.HasRows(context.Background(), testWorkspace, obj)
	require.NoError(t, err)
	assert.False(t, hasRows)
}
