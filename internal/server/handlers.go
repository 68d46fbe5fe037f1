package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ehconitin/twenty/internal/engine/enginerr"
	"github.com/ehconitin/twenty/internal/engine/runner"
)

// operationEnvelope is the wire shape of a data request
type operationEnvelope struct {
	Operation string `json:"operation"`
	runner.Request
}

// handleOperation executes one data operation for the authenticated
// principal's workspace.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing principal")
		return
	}

	var env operationEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	kind, err := runner.ParseOperationKind(env.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := env.Request
	req.Operation = kind

	result, err := s.runner.Execute(r.Context(), principal, &req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// errorResponse is the wire shape of every error
type errorResponse struct {
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields,omitempty"`
	Index  *int                `json:"index,omitempty"`
}

// writeEngineError maps the engine error taxonomy to HTTP status codes
func writeEngineError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}

	var batchErr *enginerr.BatchItemError
	if errors.As(err, &batchErr) {
		idx := batchErr.Index
		resp.Index = &idx
	}
	var validationErr *enginerr.ValidationError
	if errors.As(err, &validationErr) {
		resp.Fields = validationErr.Fields
	}

	status := http.StatusInternalServerError
	switch {
	case enginerr.IsNotFound(err):
		status = http.StatusNotFound
	case enginerr.IsPermissionDenied(err):
		status = http.StatusForbidden
	case enginerr.IsConflict(err):
		status = http.StatusConflict
	case enginerr.IsValidation(err):
		status = http.StatusBadRequest
	case enginerr.IsBackendUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the connection is gone if encoding fails
	_ = json.NewEncoder(w).Encode(payload)
}
