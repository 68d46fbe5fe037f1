package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/metadata"
)

// RowChecker answers live-data questions for the metadata store. A
// field type change is only allowed while the object's table is empty
// of live rows.
type RowChecker struct {
	db *sql.DB
}

func NewRowChecker(db *sql.DB) *RowChecker {
	return &RowChecker{db: db}
}

// HasRows reports whether the object's table holds any non-deleted rows
func (c *RowChecker) HasRows(ctx context.Context, workspaceID string, object *metadata.ObjectMetadata) (bool, error) {
	table := compile.QuoteQualified(compile.PhysicalSchemaName(workspaceID), compile.TableName(object))
	var exists bool
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE deleted_at IS NULL)", table),
	).Scan(&exists)
	if err != nil {
		// a table that was never materialized holds no rows
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return false, nil
		}
		return false, enginerr.ConvertDBError("runner.HasRows", err)
	}
	return exists, nil
}
