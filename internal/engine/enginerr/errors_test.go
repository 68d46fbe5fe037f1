package enginerr

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCategories(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not found", &NotFoundError{Kind: "object", Name: "person"}, ErrNotFound},
		{"object not found", &ObjectNotFoundError{WorkspaceID: "ws1", Object: "person"}, ErrNotFound},
		{"validation", NewValidationError(), ErrValidation},
		{"conflict", &ConflictError{Entity: "workspace", ExpectedVersion: 3, ActualVersion: 5}, ErrConflict},
		{"permission denied", &PermissionDeniedError{Object: "person", Operation: "update"}, ErrPermissionDenied},
		{"type mismatch", &TypeMismatchError{Object: "person", Field: "age", Expected: "number", Got: "string"}, ErrValidation},
		{"invalid traversal", &InvalidTraversalError{Object: "person", Path: "a.b.c.d", MaxDepth: 3}, ErrValidation},
		{"schema compilation", &SchemaCompilationError{WorkspaceID: "ws1"}, ErrValidation},
		{"backend", &BackendError{Op: "query", Err: errors.New("boom")}, ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
		})
	}
}

func TestValidationErrorAggregation(t *testing.T) {
	ve := NewValidationError()
	assert.False(t, ve.HasErrors())

	ve.Add("name", "must not be empty")
	ve.Add("name", "must be camelCase")
	ve.Add("type", "unknown field type")
	require.True(t, ve.HasErrors())

	assert.Len(t, ve.Fields["name"], 2)
	assert.Contains(t, ve.Error(), "3 errors")
}

func TestBatchItemErrorUnwrapsToCause(t *testing.T) {
	inner := &PermissionDeniedError{Object: "person", Field: "salary", Operation: "update"}
	err := &BatchItemError{Index: 2, Err: inner}

	assert.ErrorIs(t, err, ErrPermissionDenied)

	var batch *BatchItemError
	require.ErrorAs(t, err, &batch)
	assert.Equal(t, 2, batch.Index)
}

func TestObjectNotFoundInactiveMessage(t *testing.T) {
	err := &ObjectNotFoundError{WorkspaceID: "ws1", Object: "person", Inactive: true}
	assert.Contains(t, err.Error(), "inactive")
}

func TestConvertDBError(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.NoError(t, ConvertDBError("op", nil))
	})

	t.Run("no rows becomes not found", func(t *testing.T) {
		err := ConvertDBError("op", sql.ErrNoRows)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unique violation becomes conflict", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: "23505", TableName: "metadata_object", Detail: "Key (name) exists"}
		err := ConvertDBError("op", fmt.Errorf("insert: %w", pgErr))
		assert.ErrorIs(t, err, ErrConflict)

		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "metadata_object", conflict.Entity)
	})

	t.Run("foreign key violation becomes conflict", func(t *testing.T) {
		err := ConvertDBError("op", &pgconn.PgError{Code: "23503"})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("serialization failure is retryable", func(t *testing.T) {
		err := ConvertDBError("op", &pgconn.PgError{Code: "40001"})
		assert.True(t, Retryable(err))
	})

	t.Run("connection class is retryable", func(t *testing.T) {
		err := ConvertDBError("op", &pgconn.PgError{Code: "08006"})
		assert.True(t, Retryable(err))
	})

	t.Run("closed connection is retryable", func(t *testing.T) {
		err := ConvertDBError("op", sql.ErrConnDone)
		assert.True(t, Retryable(err))
	})

	t.Run("constraint errors are not retryable", func(t *testing.T) {
		err := ConvertDBError("op", &pgconn.PgError{Code: "23505"})
		assert.False(t, Retryable(err))
	})

	t.Run("unknown errors pass through", func(t *testing.T) {
		boom := errors.New("boom")
		assert.Equal(t, boom, ConvertDBError("op", boom))
	})
}
