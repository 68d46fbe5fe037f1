// Package enginerr defines the error taxonomy shared by the metadata
// store, schema compiler, role resolver, and query runner. Every error
// surfaced to a caller is one of the types defined here, so transports
// can map them to status codes without string matching.
package enginerr

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors for the broad categories. Typed errors below wrap
// these so callers can match with errors.Is on the category and
// errors.As on the detail.
var (
	// ErrNotFound is returned when an object, field, record, or workspace does not exist
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed or conflicting metadata or request shapes
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned on optimistic version mismatch or unique constraint violation
	ErrConflict = errors.New("conflict")

	// ErrPermissionDenied is returned when the principal's roles lack a grant
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBackendUnavailable is returned on transient infrastructure failure
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// NotFoundError reports a missing entity by kind and name or id.
type NotFoundError struct {
	Kind string // "workspace", "object", "field", "record", "relation", "role"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ObjectNotFoundError reports a request against an object that is
// absent from the compiled schema or inactive.
type ObjectNotFoundError struct {
	WorkspaceID string
	Object      string
	Inactive    bool
}

func (e *ObjectNotFoundError) Error() string {
	if e.Inactive {
		return fmt.Sprintf("object %q is inactive in workspace %s", e.Object, e.WorkspaceID)
	}
	return fmt.Sprintf("object %q not found in workspace %s", e.Object, e.WorkspaceID)
}

func (e *ObjectNotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError aggregates per-field validation failures for a single
// request or metadata write.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError creates an empty ValidationError
func NewValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string][]string)}
}

// Add records a validation failure for a field
func (e *ValidationError) Add(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], message)
}

// HasErrors returns true if any failure has been recorded
func (e *ValidationError) HasErrors() bool { return len(e.Fields) > 0 }

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	var parts []string
	for field, msgs := range e.Fields {
		for _, msg := range msgs {
			parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
		}
	}
	if len(parts) == 1 {
		return "validation failed: " + parts[0]
	}
	return fmt.Sprintf("validation failed: %d errors: %s", len(parts), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports an optimistic concurrency failure on a
// metadata write. Callers are expected to re-read and retry with the
// current version; the engine never retries on their behalf.
type ConflictError struct {
	Entity          string
	ExpectedVersion int64
	ActualVersion   int64
	Detail          string
}

func (e *ConflictError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("conflict on %s: %s", e.Entity, e.Detail)
	}
	return fmt.Sprintf("conflict on %s: version %d submitted but current version is %d",
		e.Entity, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PermissionDeniedError reports a missing grant. Field is empty for
// object-level denials.
type PermissionDeniedError struct {
	Object    string
	Field     string
	Operation string
}

func (e *PermissionDeniedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("permission denied: %s on %s.%s", e.Operation, e.Object, e.Field)
	}
	return fmt.Sprintf("permission denied: %s on %s", e.Operation, e.Object)
}

func (e *PermissionDeniedError) Unwrap() error { return ErrPermissionDenied }

// TypeMismatchError reports a filter or payload value whose type does
// not match the field's declared type.
type TypeMismatchError struct {
	Object   string
	Field    string
	Expected string
	Got      string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on %s.%s: expected %s, got %s",
		e.Object, e.Field, e.Expected, e.Got)
}

func (e *TypeMismatchError) Unwrap() error { return ErrValidation }

// InvalidTraversalError reports a relation traversal that references a
// non-existent relation or exceeds the depth bound.
type InvalidTraversalError struct {
	Object   string
	Path     string
	MaxDepth int
	Reason   string
}

func (e *InvalidTraversalError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid traversal %q on %s: %s", e.Path, e.Object, e.Reason)
	}
	return fmt.Sprintf("invalid traversal %q on %s: exceeds depth %d", e.Path, e.Object, e.MaxDepth)
}

func (e *InvalidTraversalError) Unwrap() error { return ErrValidation }

// SchemaViolation is a single invariant violation found during compilation.
type SchemaViolation struct {
	Object  string
	Field   string
	Message string
}

func (v SchemaViolation) String() string {
	switch {
	case v.Object != "" && v.Field != "":
		return fmt.Sprintf("%s.%s: %s", v.Object, v.Field, v.Message)
	case v.Object != "":
		return fmt.Sprintf("%s: %s", v.Object, v.Message)
	default:
		return v.Message
	}
}

// SchemaCompilationError carries every invariant violated by a
// metadata set, not just the first, so all of them can be surfaced to
// the user in one pass.
type SchemaCompilationError struct {
	WorkspaceID string
	Violations  []SchemaViolation
}

func (e *SchemaCompilationError) Error() string {
	if len(e.Violations) == 1 {
		return fmt.Sprintf("schema compilation failed for workspace %s: %s",
			e.WorkspaceID, e.Violations[0])
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("schema compilation failed for workspace %s with %d violations:\n  %s",
		e.WorkspaceID, len(e.Violations), strings.Join(parts, "\n  "))
}

func (e *SchemaCompilationError) Unwrap() error { return ErrValidation }

// BackendError wraps a transient infrastructure failure. Read paths
// may retry these with backoff; mutations never do once a commit
// attempt has been issued.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return ErrBackendUnavailable }

// BatchItemError reports the failure of one row within a batch
// mutation. The whole batch is rolled back when any item fails.
type BatchItemError struct {
	Index int
	Err   error
}

func (e *BatchItemError) Error() string {
	return fmt.Sprintf("batch item %d: %v", e.Index, e.Err)
}

func (e *BatchItemError) Unwrap() error { return e.Err }

// ConvertDBError translates driver errors into the engine taxonomy.
func ConvertDBError(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return &ConflictError{Entity: pgErr.TableName, Detail: "unique constraint violation: " + pgErr.Detail}
		case "23503": // foreign_key_violation
			return &ConflictError{Entity: pgErr.TableName, Detail: "foreign key violation: " + pgErr.Detail}
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &BackendError{Op: op, Err: err}
		}
		// Connection class errors are transient
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57") {
			return &BackendError{Op: op, Err: err}
		}
		return err
	}

	// Plain connection failures from the driver surface as transient
	if errors.Is(err, sql.ErrConnDone) {
		return &BackendError{Op: op, Err: err}
	}

	return err
}

// IsNotFound returns true if the error is in the not-found category
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict returns true if the error is in the conflict category
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsPermissionDenied returns true if the error is a denial
func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

// IsValidation returns true if the error is in the validation category
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsBackendUnavailable returns true if the error is transient
func IsBackendUnavailable(err error) bool { return errors.Is(err, ErrBackendUnavailable) }

// Retryable reports whether a read operation may retry the error.
func Retryable(err error) bool { return IsBackendUnavailable(err) }
