package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/enginerr"
)

// RowChecker reports whether an object's physical table holds any live
// rows. The store uses it to decide whether a field type change is
// safe; without one, type changes are always rejected.
type RowChecker interface {
	HasRows(ctx context.Context, workspaceID string, object *ObjectMetadata) (bool, error)
}

// Store is the durable record of each workspace's object, field, and
// relation definitions. Every write checks the workspace version it was
// read at and bumps it atomically with the write, so concurrent
// metadata writers are linearized per workspace.
type Store struct {
	db   *sql.DB
	log  *zap.Logger
	rows RowChecker
}

// Option configures a Store
type Option func(*Store)

// WithRowChecker lets the store consult live row counts before
// allowing a field type change.
func WithRowChecker(rc RowChecker) Option {
	return func(s *Store) { s.rows = rc }
}

// NewStore creates a metadata store on the given database
func NewStore(db *sql.DB, log *zap.Logger, opts ...Option) *Store {
	s := &Store{db: db, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the metadata tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, metadataDDL); err != nil {
		return enginerr.ConvertDBError("metadata migrate", err)
	}
	return nil
}

// CreateWorkspace registers a new workspace at version zero
func (s *Store) CreateWorkspace(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		ve := enginerr.NewValidationError()
		ve.Add("workspaceId", "must not be empty")
		return ve
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata_workspace (id) VALUES ($1)`, workspaceID)
	if err != nil {
		return enginerr.ConvertDBError("create workspace", err)
	}
	s.log.Info("workspace created", zap.String("workspace", workspaceID))
	return nil
}

// DeleteWorkspace removes a workspace and all of its definitions
func (s *Store) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metadata_workspace WHERE id = $1`, workspaceID)
	if err != nil {
		return enginerr.ConvertDBError("delete workspace", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &enginerr.NotFoundError{Kind: "workspace", Name: workspaceID}
	}
	s.log.Info("workspace deleted", zap.String("workspace", workspaceID))
	return nil
}

// WorkspaceVersion returns the current metadata version of a workspace
func (s *Store) WorkspaceVersion(ctx context.Context, workspaceID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM metadata_workspace WHERE id = $1`, workspaceID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, &enginerr.NotFoundError{Kind: "workspace", Name: workspaceID}
	}
	if err != nil {
		return 0, enginerr.ConvertDBError("workspace version", err)
	}
	return version, nil
}

// GetObjectMetadata returns all object definitions for a workspace
// with nested fields and relations, ordered by singular name. Objects
// are returned whether active or not; the compiler filters inactive
// ones out of the compiled schema.
func (s *Store) GetObjectMetadata(ctx context.Context, workspaceID string) ([]*ObjectMetadata, int64, error) {
	version, err := s.WorkspaceVersion(ctx, workspaceID)
	if err != nil {
		return nil, 0, err
	}

	objects, err := s.loadObjects(ctx, s.db, workspaceID)
	if err != nil {
		return nil, 0, err
	}
	return objects, version, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) loadObjects(ctx context.Context, q querier, workspaceID string) ([]*ObjectMetadata, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, workspace_id, name_singular, name_plural, is_custom, is_system, is_active, created_at, updated_at
		FROM metadata_object WHERE workspace_id = $1 ORDER BY name_singular`, workspaceID)
	if err != nil {
		return nil, enginerr.ConvertDBError("load objects", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*ObjectMetadata)
	var objects []*ObjectMetadata
	for rows.Next() {
		obj := &ObjectMetadata{
			Fields:    make(map[string]*FieldMetadata),
			Relations: make(map[uuid.UUID]*RelationMetadata),
		}
		if err := rows.Scan(&obj.ID, &obj.WorkspaceID, &obj.NameSingular, &obj.NamePlural,
			&obj.IsCustom, &obj.IsSystem, &obj.IsActive, &obj.CreatedAt, &obj.UpdatedAt); err != nil {
			return nil, err
		}
		byID[obj.ID] = obj
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, enginerr.ConvertDBError("load objects", err)
	}

	if err := s.loadFields(ctx, q, workspaceID, byID); err != nil {
		return nil, err
	}
	if err := s.loadRelations(ctx, q, workspaceID, byID); err != nil {
		return nil, err
	}

	return objects, nil
}

func (s *Store) loadFields(ctx context.Context, q querier, workspaceID string, byID map[uuid.UUID]*ObjectMetadata) error {
	rows, err := q.QueryContext(ctx, `
		SELECT f.id, f.object_metadata_id, f.name, f.type, f.is_nullable, f.is_unique, f.is_system,
		       f.default_value, f.options, f.settings, f.created_at, f.updated_at
		FROM metadata_field f
		JOIN metadata_object o ON o.id = f.object_metadata_id
		WHERE o.workspace_id = $1 ORDER BY f.name`, workspaceID)
	if err != nil {
		return enginerr.ConvertDBError("load fields", err)
	}
	defer rows.Close()

	for rows.Next() {
		f := &FieldMetadata{}
		var typeName string
		var defaultValue, options, settings []byte
		if err := rows.Scan(&f.ID, &f.ObjectMetadataID, &f.Name, &typeName, &f.IsNullable,
			&f.IsUnique, &f.IsSystem, &defaultValue, &options, &settings, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return err
		}
		if f.Type, err = ParseFieldType(typeName); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		if len(defaultValue) > 0 {
			if err := json.Unmarshal(defaultValue, &f.DefaultValue); err != nil {
				return fmt.Errorf("field %s default: %w", f.Name, err)
			}
		}
		if len(options) > 0 {
			if err := json.Unmarshal(options, &f.Options); err != nil {
				return fmt.Errorf("field %s options: %w", f.Name, err)
			}
		}
		if len(settings) > 0 {
			if err := json.Unmarshal(settings, &f.Settings); err != nil {
				return fmt.Errorf("field %s settings: %w", f.Name, err)
			}
		}
		if obj, ok := byID[f.ObjectMetadataID]; ok {
			obj.Fields[f.Name] = f
		}
	}
	return rows.Err()
}

func (s *Store) loadRelations(ctx context.Context, q querier, workspaceID string, byID map[uuid.UUID]*ObjectMetadata) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, workspace_id, kind, from_object_metadata_id, from_field_metadata_id,
		       to_object_metadata_id, to_field_metadata_id, on_delete, created_at, updated_at
		FROM metadata_relation WHERE workspace_id = $1`, workspaceID)
	if err != nil {
		return enginerr.ConvertDBError("load relations", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &RelationMetadata{}
		var kind, onDelete string
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &kind, &r.FromObjectMetadataID, &r.FromFieldMetadataID,
			&r.ToObjectMetadataID, &r.ToFieldMetadataID, &onDelete, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return err
		}
		if r.Kind, err = ParseRelationKind(kind); err != nil {
			return err
		}
		if r.OnDelete, err = ParseCascadePolicy(onDelete); err != nil {
			return err
		}
		// Attach to both sides so traversal works in either direction
		if obj, ok := byID[r.FromObjectMetadataID]; ok {
			obj.Relations[r.ID] = r
		}
		if obj, ok := byID[r.ToObjectMetadataID]; ok {
			obj.Relations[r.ID] = r
		}
	}
	return rows.Err()
}

// CreateObject adds an object definition. The caller supplies the
// workspace version it read; a stale version fails with ConflictError.
func (s *Store) CreateObject(ctx context.Context, obj *ObjectMetadata, expectedVersion int64) error {
	return s.inVersionedTx(ctx, obj.WorkspaceID, expectedVersion, func(tx *sql.Tx) error {
		if err := s.checkNameCollision(ctx, tx, obj.WorkspaceID, obj.NameSingular, obj.NamePlural, uuid.Nil); err != nil {
			return err
		}

		now := time.Now().UTC()
		if obj.ID == uuid.Nil {
			obj.ID = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata_object (id, workspace_id, name_singular, name_plural, is_custom, is_system, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			obj.ID, obj.WorkspaceID, obj.NameSingular, obj.NamePlural, obj.IsCustom, obj.IsSystem, obj.IsActive, now)
		if err != nil {
			return enginerr.ConvertDBError("create object", err)
		}

		for _, name := range sortedFieldNames(obj.Fields) {
			if err := s.insertField(ctx, tx, obj.Fields[name], now); err != nil {
				return err
			}
		}

		s.log.Info("object created",
			zap.String("workspace", obj.WorkspaceID),
			zap.String("object", obj.NameSingular))
		return nil
	})
}

// ObjectChanges holds the mutable attributes of an object definition.
// Nil pointers leave the attribute unchanged.
type ObjectChanges struct {
	NameSingular *string
	NamePlural   *string
	IsActive     *bool
}

// UpdateObject applies changes to an object definition. Renaming a
// system object is rejected.
func (s *Store) UpdateObject(ctx context.Context, workspaceID string, objectID uuid.UUID, changes ObjectChanges, expectedVersion int64) error {
	return s.inVersionedTx(ctx, workspaceID, expectedVersion, func(tx *sql.Tx) error {
		obj, err := s.getObjectRow(ctx, tx, workspaceID, objectID)
		if err != nil {
			return err
		}

		if obj.IsSystem && (changes.NameSingular != nil || changes.NamePlural != nil) {
			ve := enginerr.NewValidationError()
			ve.Add("nameSingular", "system objects cannot be renamed")
			return ve
		}

		singular := obj.NameSingular
		plural := obj.NamePlural
		active := obj.IsActive
		if changes.NameSingular != nil {
			singular = *changes.NameSingular
		}
		if changes.NamePlural != nil {
			plural = *changes.NamePlural
		}
		if changes.IsActive != nil {
			active = *changes.IsActive
		}

		if singular != obj.NameSingular || plural != obj.NamePlural {
			if err := s.checkNameCollision(ctx, tx, workspaceID, singular, plural, objectID); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE metadata_object SET name_singular = $1, name_plural = $2, is_active = $3, updated_at = $4
			WHERE id = $5`,
			singular, plural, active, time.Now().UTC(), objectID)
		if err != nil {
			return enginerr.ConvertDBError("update object", err)
		}
		return nil
	})
}

// DeleteObject removes an object definition and cascades deletion of
// its fields and any relation metadata touching it. Row data is not
// removed here; cascade policy applies to record deletion, not
// definition deletion. System objects cannot be deleted.
func (s *Store) DeleteObject(ctx context.Context, workspaceID string, objectID uuid.UUID, expectedVersion int64) error {
	return s.inVersionedTx(ctx, workspaceID, expectedVersion, func(tx *sql.Tx) error {
		obj, err := s.getObjectRow(ctx, tx, workspaceID, objectID)
		if err != nil {
			return err
		}
		if obj.IsSystem {
			ve := enginerr.NewValidationError()
			ve.Add("object", "system objects cannot be deleted")
			return ve
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM metadata_relation
			WHERE from_object_metadata_id = $1 OR to_object_metadata_id = $1`, objectID); err != nil {
			return enginerr.ConvertDBError("delete object relations", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM metadata_object WHERE id = $1`, objectID); err != nil {
			return enginerr.ConvertDBError("delete object", err)
		}

		s.log.Info("object deleted",
			zap.String("workspace", workspaceID),
			zap.String("object", obj.NameSingular))
		return nil
	})
}

// CreateField adds a field definition to an object
func (s *Store) CreateField(ctx context.Context, workspaceID string, field *FieldMetadata, expectedVersion int64) error {
	return s.inVersionedTx(ctx, workspaceID, expectedVersion, func(tx *sql.Tx) error {
		if _, err := s.getObjectRow(ctx, tx, workspaceID, field.ObjectMetadataID); err != nil {
			return err
		}
		if field.Type == FieldSelect && len(field.Options) == 0 {
			ve := enginerr.NewValidationError()
			ve.Add(field.Name, "select fields require at least one option")
			return ve
		}
		if err := s.checkFieldNameCollision(ctx, tx, field.ObjectMetadataID, field.Name, uuid.Nil); err != nil {
			return err
		}
		if field.ID == uuid.Nil {
			field.ID = uuid.New()
		}
		return s.insertField(ctx, tx, field, time.Now().UTC())
	})
}

// FieldChanges holds the mutable attributes of a field definition.
type FieldChanges struct {
	Name         *string
	Type         *FieldType
	IsNullable   *bool
	IsUnique     *bool
	DefaultValue *interface{}
	Options      *[]string
}

// UpdateField applies changes to a field definition. Type changes are
// rejected while the object's table holds live rows: those require a
// data migration, which is not the store's job.
func (s *Store) UpdateField(ctx context.Context, workspaceID string, fieldID uuid.UUID, changes FieldChanges, expectedVersion int64) error {
	return s.inVersionedTx(ctx, workspaceID, expectedVersion, func(tx *sql.Tx) error {
		field, objectID, err := s.getFieldRow(ctx, tx, workspaceID, fieldID)
		if err != nil {
			return err
		}

		if field.IsSystem && changes.Name != nil {
			ve := enginerr.NewValidationError()
			ve.Add(field.Name, "system fields cannot be renamed")
			return ve
		}

		if changes.Type != nil && *changes.Type != field.Type {
			if err := s.checkTypeChangeAllowed(ctx, tx, workspaceID, objectID, field); err != nil {
				return err
			}
			field.Type = *changes.Type
		}
		if changes.Name != nil && *changes.Name != field.Name {
			if err := s.checkFieldNameCollision(ctx, tx, objectID, *changes.Name, fieldID); err != nil {
				return err
			}
			field.Name = *changes.Name
		}
		if changes.IsNullable != nil {
			field.IsNullable = *changes.IsNullable
		}
		if changes.IsUnique != nil {
			field.IsUnique = *changes.IsUnique
		}
		if changes.DefaultValue != nil {
			field.DefaultValue = *changes.DefaultValue
		}
		if changes.Options != nil {
			field.Options = *changes.Options
		}

		defaultValue, options, settings, err := marshalFieldJSON(field)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE metadata_field
			SET name = $1, type = $2, is_nullable = $3, is_unique = $4,
			    default_value = $5, options = $6, settings = $7, updated_at = $8
			WHERE id = $9`,
			field.Name, field.Type.String(), field.IsNullable, field.IsUnique,
			defaultValue, options, settings, time.Now().UTC(), fieldID)
		if err != nil {
			return enginerr.ConvertDBError("update field", err)
		}
		return nil
	})
}

// DeleteField removes a field definition. System fields and fields
// participating in a relation are rejected.
func (s *Store) DeleteField(ctx context.Context, workspaceID string, fieldID uuid.UUID, expectedVersion int64) error {
	return s.inVersionedTx(ctx, workspaceID, expectedVersion, func(tx *sql.Tx) error {
		field, _, err := s.getFieldRow(ctx, tx, workspaceID, fieldID)
		if err != nil {
			return err
		}
		if field.IsSystem {
			ve := enginerr.NewValidationError()
			ve.Add(field.Name, "system fields cannot be deleted")
			return ve
		}

		var inRelation bool
		err = tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM metadata_relation
				WHERE from_field_metadata_id = $1 OR to_field_metadata_id = $1
			)`, fieldID).Scan(&inRelation)
		if err != nil {
			return enginerr.ConvertDBError("delete field", err)
		}
		if inRelation {
			ve := enginerr.NewValidationError()
			ve.Add(field.Name, "field participates in a relation; delete the relation first")
			return ve
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM metadata_field WHERE id = $1`, fieldID); err != nil {
			return enginerr.ConvertDBError("delete field", err)
		}
		return nil
	})
}

// CreateRelation adds a relation edge. Both endpoint objects and
// fields must exist; one record holds both sides.
func (s *Store) CreateRelation(ctx context.Context, rel *RelationMetadata, expectedVersion int64) error {
	return s.inVersionedTx(ctx, rel.WorkspaceID, expectedVersion, func(tx *sql.Tx) error {
		if rel.Kind == ManyToMany && rel.FromObjectMetadataID == rel.ToObjectMetadataID {
			ve := enginerr.NewValidationError()
			ve.Add("toObjectMetadataId", "many-to-many relations cannot target their own object")
			return ve
		}
		for _, objectID := range []uuid.UUID{rel.FromObjectMetadataID, rel.ToObjectMetadataID} {
			if _, err := s.getObjectRow(ctx, tx, rel.WorkspaceID, objectID); err != nil {
				return err
			}
		}
		for _, fieldID := range []uuid.UUID{rel.FromFieldMetadataID, rel.ToFieldMetadataID} {
			if _, _, err := s.getFieldRow(ctx, tx, rel.WorkspaceID, fieldID); err != nil {
				return err
			}
		}

		if rel.ID == uuid.Nil {
			rel.ID = uuid.New()
		}
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO metadata_relation (id, workspace_id, kind, from_object_metadata_id, from_field_metadata_id,
			                               to_object_metadata_id, to_field_metadata_id, on_delete, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
			rel.ID, rel.WorkspaceID, rel.Kind.String(), rel.FromObjectMetadataID, rel.FromFieldMetadataID,
			rel.ToObjectMetadataID, rel.ToFieldMetadataID, rel.OnDelete.String(), now)
		if err != nil {
			return enginerr.ConvertDBError("create relation", err)
		}
		return nil
	})
}

// DeleteRelation removes a relation edge
func (s *Store) DeleteRelation(ctx context.Context, workspaceID string, relationID uuid.UUID, expectedVersion int64) error {
	return s.inVersionedTx(ctx, workspaceID, expectedVersion, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM metadata_relation WHERE id = $1 AND workspace_id = $2`, relationID, workspaceID)
		if err != nil {
			return enginerr.ConvertDBError("delete relation", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &enginerr.NotFoundError{Kind: "relation", Name: relationID.String()}
		}
		return nil
	})
}

// inVersionedTx runs fn inside a transaction that first locks the
// workspace row and checks the version the caller read, then bumps the
// version on the way out. This is the linearization point for all
// metadata writes in a workspace.
func (s *Store) inVersionedTx(ctx context.Context, workspaceID string, expectedVersion int64, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return enginerr.ConvertDBError("begin metadata tx", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM metadata_workspace WHERE id = $1 FOR UPDATE`, workspaceID).Scan(&currentVersion)
	if err == sql.ErrNoRows {
		return &enginerr.NotFoundError{Kind: "workspace", Name: workspaceID}
	}
	if err != nil {
		return enginerr.ConvertDBError("lock workspace", err)
	}
	if currentVersion != expectedVersion {
		return &enginerr.ConflictError{
			Entity:          "workspace " + workspaceID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   currentVersion,
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE metadata_workspace SET version = version + 1 WHERE id = $1`, workspaceID); err != nil {
		return enginerr.ConvertDBError("bump workspace version", err)
	}

	if err := tx.Commit(); err != nil {
		return enginerr.ConvertDBError("commit metadata tx", err)
	}
	return nil
}

func (s *Store) getObjectRow(ctx context.Context, q querier, workspaceID string, objectID uuid.UUID) (*ObjectMetadata, error) {
	obj := &ObjectMetadata{}
	err := q.QueryRowContext(ctx, `
		SELECT id, workspace_id, name_singular, name_plural, is_custom, is_system, is_active
		FROM metadata_object WHERE id = $1 AND workspace_id = $2`, objectID, workspaceID).
		Scan(&obj.ID, &obj.WorkspaceID, &obj.NameSingular, &obj.NamePlural, &obj.IsCustom, &obj.IsSystem, &obj.IsActive)
	if err == sql.ErrNoRows {
		return nil, &enginerr.NotFoundError{Kind: "object", Name: objectID.String()}
	}
	if err != nil {
		return nil, enginerr.ConvertDBError("get object", err)
	}
	return obj, nil
}

func (s *Store) getFieldRow(ctx context.Context, q querier, workspaceID string, fieldID uuid.UUID) (*FieldMetadata, uuid.UUID, error) {
	f := &FieldMetadata{}
	var typeName string
	var options []byte
	err := q.QueryRowContext(ctx, `
		SELECT f.id, f.object_metadata_id, f.name, f.type, f.is_nullable, f.is_unique, f.is_system, f.options
		FROM metadata_field f
		JOIN metadata_object o ON o.id = f.object_metadata_id
		WHERE f.id = $1 AND o.workspace_id = $2`, fieldID, workspaceID).
		Scan(&f.ID, &f.ObjectMetadataID, &f.Name, &typeName, &f.IsNullable, &f.IsUnique, &f.IsSystem, &options)
	if err == sql.ErrNoRows {
		return nil, uuid.Nil, &enginerr.NotFoundError{Kind: "field", Name: fieldID.String()}
	}
	if err != nil {
		return nil, uuid.Nil, enginerr.ConvertDBError("get field", err)
	}
	if f.Type, err = ParseFieldType(typeName); err != nil {
		return nil, uuid.Nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &f.Options); err != nil {
			return nil, uuid.Nil, err
		}
	}
	return f, f.ObjectMetadataID, nil
}

func (s *Store) checkNameCollision(ctx context.Context, q querier, workspaceID, singular, plural string, excludeID uuid.UUID) error {
	var collision bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM metadata_object
			WHERE workspace_id = $1 AND id != $2
			  AND (name_singular = $3 OR name_plural = $4 OR name_singular = $4 OR name_plural = $3)
		)`, workspaceID, excludeID, singular, plural).Scan(&collision)
	if err != nil {
		return enginerr.ConvertDBError("check name collision", err)
	}
	if collision {
		ve := enginerr.NewValidationError()
		ve.Add("nameSingular", fmt.Sprintf("object name %q/%q collides with an existing object", singular, plural))
		return ve
	}
	return nil
}

func (s *Store) checkFieldNameCollision(ctx context.Context, q querier, objectID uuid.UUID, name string, excludeID uuid.UUID) error {
	var collision bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM metadata_field
			WHERE object_metadata_id = $1 AND id != $2 AND name = $3
		)`, objectID, excludeID, name).Scan(&collision)
	if err != nil {
		return enginerr.ConvertDBError("check field name collision", err)
	}
	if collision {
		ve := enginerr.NewValidationError()
		ve.Add(name, fmt.Sprintf("field name %q already exists on the object", name))
		return ve
	}
	return nil
}

func (s *Store) checkTypeChangeAllowed(ctx context.Context, tx *sql.Tx, workspaceID string, objectID uuid.UUID, field *FieldMetadata) error {
	if s.rows == nil {
		ve := enginerr.NewValidationError()
		ve.Add(field.Name, "field type changes require a data migration")
		return ve
	}

	obj, err := s.getObjectRow(ctx, tx, workspaceID, objectID)
	if err != nil {
		return err
	}
	hasRows, err := s.rows.HasRows(ctx, workspaceID, obj)
	if err != nil {
		return err
	}
	if hasRows {
		ve := enginerr.NewValidationError()
		ve.Add(field.Name, "field type changes with live data require a data migration")
		return ve
	}
	return nil
}

func (s *Store) insertField(ctx context.Context, tx *sql.Tx, field *FieldMetadata, now time.Time) error {
	defaultValue, options, settings, err := marshalFieldJSON(field)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO metadata_field (id, object_metadata_id, name, type, is_nullable, is_unique, is_system,
		                            default_value, options, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		field.ID, field.ObjectMetadataID, field.Name, field.Type.String(), field.IsNullable,
		field.IsUnique, field.IsSystem, defaultValue, options, settings, now)
	if err != nil {
		return enginerr.ConvertDBError("create field", err)
	}
	return nil
}

func marshalFieldJSON(field *FieldMetadata) (defaultValue, options, settings []byte, err error) {
	if field.DefaultValue != nil {
		if defaultValue, err = json.Marshal(field.DefaultValue); err != nil {
			return nil, nil, nil, fmt.Errorf("field %s default: %w", field.Name, err)
		}
	}
	if len(field.Options) > 0 {
		if options, err = json.Marshal(field.Options); err != nil {
			return nil, nil, nil, fmt.Errorf("field %s options: %w", field.Name, err)
		}
	}
	if len(field.Settings) > 0 {
		if settings, err = json.Marshal(field.Settings); err != nil {
			return nil, nil, nil, fmt.Errorf("field %s settings: %w", field.Name, err)
		}
	}
	return defaultValue, options, settings, nil
}

func sortedFieldNames(fields map[string]*FieldMetadata) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
