// Package event delivers row-level change notifications after engine
// writes commit. Delivery is asynchronous but ordered per record.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies what happened to a record
type Kind int

const (
	Created Kind = iota
	Updated
	Deleted
	Destroyed
	Restored
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Destroyed:
		return "destroyed"
	case Restored:
		return "restored"
	default:
		return "unknown"
	}
}

// Event describes one committed change to one record. Batch
// operations emit one event per affected row. Before and After hold
// logical record snapshots; Deleted carries the record in Before,
// Created in After, Updated both.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	ObjectName  string         `json:"objectName"`
	RecordID    string         `json:"recordId"`
	Kind        Kind           `json:"-"`
	KindName    string         `json:"kind"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// New builds an event with id and timestamp populated
func New(workspaceID, objectName, recordID string, kind Kind, before, after map[string]any) *Event {
	return &Event{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ObjectName:  objectName,
		RecordID:    recordID,
		Kind:        kind,
		KindName:    kind.String(),
		Before:      before,
		After:       after,
		OccurredAt:  time.Now().UTC(),
	}
}
