package model

import (
	"collabsync/internal/causality"
)

type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
	OpMove   OperationType = "move"
)

type (
	// Operation is one replicated mutation of the document tree. Create
	// carries NodeType/ParentID/Properties, update carries Path with
	// OldValue/NewValue, move carries the new ParentID. Timestamp is unix
	// milliseconds and, with SenderID, forms the last-writer-wins tie-break
	// key for concurrent updates.
	Operation struct {
		ID         string                `json:"id"`
		Type       OperationType         `json:"type"`
		NodeID     string                `json:"nodeId"`
		NodeType   string                `json:"nodeType,omitempty"`
		ParentID   string                `json:"parentId,omitempty"`
		Properties map[string]any        `json:"properties,omitempty"`
		Path       string                `json:"path,omitempty"`
		OldValue   any                   `json:"oldValue,omitempty"`
		NewValue   any                   `json:"newValue,omitempty"`
		Clock      causality.VectorClock `json:"clock"`
		Timestamp  int64                 `json:"timestamp"`
		SenderID   string                `json:"senderId"`
	}
)
