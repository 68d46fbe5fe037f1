package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ehconitin/twenty/internal/engine/compile"
	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/metadata"
	"github.com/ehconitin/twenty/internal/engine/role"
)

// Metadata administration. Every mutation takes the caller's expected
// workspace version; a stale version is rejected with a conflict so
// concurrent admins cannot silently overwrite each other. After a
// successful mutation the schema cache is invalidated and the physical
// schema is materialized from the fresh compilation.

// applySchema recompiles the workspace and executes its idempotent
// table plan, then drops stale permission entries.
func (s *Server) applySchema(ctx context.Context, workspaceID string) error {
	if err := s.schemas.Invalidate(ctx, workspaceID); err != nil {
		s.log.Warn("cache invalidation failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	schema, err := s.schemas.GetCompiledSchema(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, stmt := range schema.TablePlan {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return enginerr.ConvertDBError("server.applySchema", err)
		}
	}
	if err := s.resolver.Invalidate(ctx, workspaceID); err != nil {
		s.log.Warn("permission cache invalidation failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	return nil
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspaceId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WorkspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId is required")
		return
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	if err := s.store.CreateWorkspace(r.Context(), body.WorkspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), body.WorkspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"workspaceId": body.WorkspaceID})
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := chi.URLParam(r, "workspaceID")
	if !s.authorizeWorkspace(w, r, workspaceID) {
		return
	}
	if err := s.store.DeleteWorkspace(r.Context(), workspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	physical := compile.PhysicalSchemaName(workspaceID)
	if _, err := s.db.ExecContext(r.Context(),
		fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pq.QuoteIdentifier(physical))); err != nil {
		writeEngineError(w, enginerr.ConvertDBError("server.deleteWorkspace", err))
		return
	}
	if err := s.schemas.Teardown(r.Context(), workspaceID); err != nil {
		s.log.Warn("cache teardown failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	if err := s.resolver.Invalidate(r.Context(), workspaceID); err != nil {
		s.log.Warn("permission cache invalidation failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// objectRequest is the wire shape of object create requests
type objectRequest struct {
	WorkspaceID     string `json:"workspaceId"`
	NameSingular    string `json:"nameSingular"`
	NamePlural      string `json:"namePlural"`
	IsCustom        bool   `json:"isCustom"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

func (s *Server) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	var body objectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	obj := metadata.NewObjectMetadata(body.WorkspaceID, body.NameSingular, body.NamePlural, body.IsCustom)
	if err := s.store.CreateObject(r.Context(), obj, body.ExpectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), body.WorkspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"objectId": obj.ID.String()})
}

func (s *Server) handleUpdateObject(w http.ResponseWriter, r *http.Request) {
	objectID, err := uuid.Parse(chi.URLParam(r, "objectID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed object id")
		return
	}
	var body struct {
		WorkspaceID     string  `json:"workspaceId"`
		NameSingular    *string `json:"nameSingular"`
		NamePlural      *string `json:"namePlural"`
		IsActive        *bool   `json:"isActive"`
		ExpectedVersion int64   `json:"expectedVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	changes := metadata.ObjectChanges{
		NameSingular: body.NameSingular,
		NamePlural:   body.NamePlural,
		IsActive:     body.IsActive,
	}
	if err := s.store.UpdateObject(r.Context(), body.WorkspaceID, objectID, changes, body.ExpectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), body.WorkspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request) {
	objectID, err := uuid.Parse(chi.URLParam(r, "objectID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed object id")
		return
	}
	workspaceID, expectedVersion, ok := versionParams(w, r)
	if !ok {
		return
	}
	if !s.authorizeWorkspace(w, r, workspaceID) {
		return
	}
	if err := s.store.DeleteObject(r.Context(), workspaceID, objectID, expectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), workspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fieldRequest is the wire shape of field create requests
type fieldRequest struct {
	WorkspaceID      string         `json:"workspaceId"`
	ObjectMetadataID string         `json:"objectMetadataId"`
	Name             string         `json:"name"`
	Type             string         `json:"type"`
	IsNullable       bool           `json:"isNullable"`
	IsUnique         bool           `json:"isUnique"`
	DefaultValue     any            `json:"defaultValue"`
	Options          []string       `json:"options"`
	Settings         map[string]any `json:"settings"`
	ExpectedVersion  int64          `json:"expectedVersion"`
}

func (s *Server) handleCreateField(w http.ResponseWriter, r *http.Request) {
	var body fieldRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	objectID, err := uuid.Parse(body.ObjectMetadataID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed objectMetadataId")
		return
	}
	fieldType, err := metadata.ParseFieldType(body.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	field := &metadata.FieldMetadata{
		ID:               uuid.New(),
		ObjectMetadataID: objectID,
		Name:             body.Name,
		Type:             fieldType,
		IsNullable:       body.IsNullable,
		IsUnique:         body.IsUnique,
		DefaultValue:     body.DefaultValue,
		Options:          body.Options,
		Settings:         body.Settings,
	}
	if err := s.store.CreateField(r.Context(), body.WorkspaceID, field, body.ExpectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), body.WorkspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"fieldId": field.ID.String()})
}

func (s *Server) handleUpdateField(w http.ResponseWriter, r *http.Request) {
	fieldID, err := uuid.Parse(chi.URLParam(r, "fieldID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed field id")
		return
	}
	var body struct {
		WorkspaceID     string    `json:"workspaceId"`
		Name            *string   `json:"name"`
		Type            *string   `json:"type"`
		IsNullable      *bool     `json:"isNullable"`
		IsUnique        *bool     `json:"isUnique"`
		DefaultValue    *any      `json:"defaultValue"`
		Options         *[]string `json:"options"`
		ExpectedVersion int64     `json:"expectedVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	changes := metadata.FieldChanges{
		Name:         body.Name,
		IsNullable:   body.IsNullable,
		IsUnique:     body.IsUnique,
		DefaultValue: body.DefaultValue,
		Options:      body.Options,
	}
	if body.Type != nil {
		fieldType, err := metadata.ParseFieldType(*body.Type)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		changes.Type = &fieldType
	}
	if err := s.store.UpdateField(r.Context(), body.WorkspaceID, fieldID, changes, body.ExpectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), body.WorkspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteField(w http.ResponseWriter, r *http.Request) {
	fieldID, err := uuid.Parse(chi.URLParam(r, "fieldID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed field id")
		return
	}
	workspaceID, expectedVersion, ok := versionParams(w, r)
	if !ok {
		return
	}
	if !s.authorizeWorkspace(w, r, workspaceID) {
		return
	}
	if err := s.store.DeleteField(r.Context(), workspaceID, fieldID, expectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), workspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// relationRequest is the wire shape of relation create requests
type relationRequest struct {
	WorkspaceID          string `json:"workspaceId"`
	Kind                 string `json:"kind"`
	FromObjectMetadataID string `json:"fromObjectMetadataId"`
	FromFieldMetadataID  string `json:"fromFieldMetadataId"`
	ToObjectMetadataID   string `json:"toObjectMetadataId"`
	ToFieldMetadataID    string `json:"toFieldMetadataId"`
	OnDelete             string `json:"onDelete"`
	ExpectedVersion      int64  `json:"expectedVersion"`
}

func (s *Server) handleCreateRelation(w http.ResponseWriter, r *http.Request) {
	var body relationRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	kind, err := metadata.ParseRelationKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	onDelete, err := metadata.ParseCascadePolicy(body.OnDelete)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids := make([]uuid.UUID, 4)
	for i, raw := range []string{
		body.FromObjectMetadataID, body.FromFieldMetadataID,
		body.ToObjectMetadataID, body.ToFieldMetadataID,
	} {
		ids[i], err = uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed metadata id")
			return
		}
	}
	rel := &metadata.RelationMetadata{
		ID:                   uuid.New(),
		WorkspaceID:          body.WorkspaceID,
		Kind:                 kind,
		FromObjectMetadataID: ids[0],
		FromFieldMetadataID:  ids[1],
		ToObjectMetadataID:   ids[2],
		ToFieldMetadataID:    ids[3],
		OnDelete:             onDelete,
	}
	if err := s.store.CreateRelation(r.Context(), rel, body.ExpectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), body.WorkspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"relationId": rel.ID.String()})
}

func (s *Server) handleDeleteRelation(w http.ResponseWriter, r *http.Request) {
	relationID, err := uuid.Parse(chi.URLParam(r, "relationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed relation id")
		return
	}
	workspaceID, expectedVersion, ok := versionParams(w, r)
	if !ok {
		return
	}
	if !s.authorizeWorkspace(w, r, workspaceID) {
		return
	}
	if err := s.store.DeleteRelation(r.Context(), workspaceID, relationID, expectedVersion); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.applySchema(r.Context(), workspaceID); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspaceId"`
		Name        string `json:"name"`
		IsAdmin     bool   `json:"isAdmin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	created, err := s.roles.CreateRole(r.Context(), body.WorkspaceID, body.Name, body.IsAdmin)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.resolver.Invalidate(r.Context(), body.WorkspaceID); err != nil {
		s.log.Warn("permission cache invalidation failed",
			zap.String("workspace_id", body.WorkspaceID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, map[string]string{"roleId": created.ID.String()})
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed role id")
		return
	}
	workspaceID := r.URL.Query().Get("workspaceId")
	if !s.authorizeWorkspace(w, r, workspaceID) {
		return
	}
	if err := s.roles.DeleteRole(r.Context(), workspaceID, roleID); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.resolver.Invalidate(r.Context(), workspaceID); err != nil {
		s.log.Warn("permission cache invalidation failed",
			zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed role id")
		return
	}
	var body struct {
		WorkspaceID      string     `json:"workspaceId"`
		ObjectMetadataID string     `json:"objectMetadataId"`
		FieldMetadataID  *string    `json:"fieldMetadataId"`
		Grant            role.Grant `json:"grant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	objectID, err := uuid.Parse(body.ObjectMetadataID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed objectMetadataId")
		return
	}
	var fieldID *uuid.UUID
	if body.FieldMetadataID != nil {
		id, err := uuid.Parse(*body.FieldMetadataID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed fieldMetadataId")
			return
		}
		fieldID = &id
	}
	if !s.authorizeWorkspace(w, r, body.WorkspaceID) {
		return
	}
	if err := s.roles.SetPermission(r.Context(), body.WorkspaceID, roleID, objectID, fieldID, body.Grant); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.resolver.Invalidate(r.Context(), body.WorkspaceID); err != nil {
		s.log.Warn("permission cache invalidation failed",
			zap.String("workspace_id", body.WorkspaceID), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// versionParams extracts the workspace id and expected version from
// delete request query parameters.
func versionParams(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	workspaceID := r.URL.Query().Get("workspaceId")
	if workspaceID == "" {
		writeError(w, http.StatusBadRequest, "workspaceId query parameter is required")
		return "", 0, false
	}
	var expectedVersion int64
	if raw := r.URL.Query().Get("expectedVersion"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &expectedVersion); err != nil {
			writeError(w, http.StatusBadRequest, "malformed expectedVersion")
			return "", 0, false
		}
	}
	return workspaceID, expectedVersion, true
}
