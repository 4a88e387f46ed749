package models

import (
	"fmt"

	"github.com/goccy/go-json"
)

// EventType identifies the kind of change carried by a SyncEvent.
type EventType string

const (
	HighlightCreated  EventType = "HIGHLIGHT_CREATED"
	HighlightUpdated  EventType = "HIGHLIGHT_UPDATED"
	HighlightDeleted  EventType = "HIGHLIGHT_DELETED"
	CollectionCreated EventType = "COLLECTION_CREATED"
	CollectionUpdated EventType = "COLLECTION_UPDATED"
	CollectionDeleted EventType = "COLLECTION_DELETED"
)

// Priorities, lower is delivered first.
const (
	PriorityHighlightDelete  = 1
	PriorityHighlightUpdate  = 2
	PriorityHighlightCreate  = 3
	PriorityCollectionDelete = 4
	PriorityCollectionUpdate = 5
	PriorityCollectionCreate = 6
	PriorityUnknown          = 99
)

// PriorityFor maps an event type onto the fixed delivery order.
// Deletions go first so a stale create can never resurrect removed data.
func PriorityFor(t EventType) int {
	switch t {
	case HighlightDeleted:
		return PriorityHighlightDelete
	case HighlightUpdated:
		return PriorityHighlightUpdate
	case HighlightCreated:
		return PriorityHighlightCreate
	case CollectionDeleted:
		return PriorityCollectionDelete
	case CollectionUpdated:
		return PriorityCollectionUpdate
	case CollectionCreated:
		return PriorityCollectionCreate
	default:
		return PriorityUnknown
	}
}

// IsHighlight reports whether the type carries a HighlightPayload.
func (t EventType) IsHighlight() bool {
	return t == HighlightCreated || t == HighlightUpdated || t == HighlightDeleted
}

// IsCollection reports whether the type carries a CollectionPayload.
func (t EventType) IsCollection() bool {
	return t == CollectionCreated || t == CollectionUpdated || t == CollectionDeleted
}

// SyncEvent is the atomic unit of synchronization.
// ID, Type and Timestamp are fixed at creation; Timestamp is unix millis of
// the original change, not of enqueueing.
type SyncEvent struct {
	ID        string          `json:"id" validate:"required"`
	Type      EventType       `json:"type" validate:"required"`
	Timestamp int64           `json:"timestamp" validate:"gt=0"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HighlightPayload is the body of HIGHLIGHT_* events.
type HighlightPayload struct {
	HighlightID  string `json:"highlight_id"`
	URL          string `json:"url,omitempty"`
	Text         string `json:"text,omitempty"`
	Color        string `json:"color,omitempty"`
	Note         string `json:"note,omitempty"`
	CollectionID string `json:"collection_id,omitempty"`
}

// CollectionPayload is the body of COLLECTION_* events.
type CollectionPayload struct {
	CollectionID string `json:"collection_id"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
}

// NewSyncEvent builds an event with the payload encoded as JSON.
func NewSyncEvent(id string, t EventType, timestamp int64, payload interface{}) (SyncEvent, error) {
	ev := SyncEvent{ID: id, Type: t, Timestamp: timestamp}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return SyncEvent{}, fmt.Errorf("encode payload: %w", err)
	}
	ev.Payload = raw
	return ev, nil
}

// DecodeHighlight decodes the payload of a highlight event.
func DecodeHighlight(ev SyncEvent) (*HighlightPayload, error) {
	if !ev.Type.IsHighlight() {
		return nil, fmt.Errorf("event %s has type %s, not a highlight event", ev.ID, ev.Type)
	}
	var p HighlightPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode highlight payload: %w", err)
		}
	}
	return &p, nil
}

// DecodeCollection decodes the payload of a collection event.
func DecodeCollection(ev SyncEvent) (*CollectionPayload, error) {
	if !ev.Type.IsCollection() {
		return nil, fmt.Errorf("event %s has type %s, not a collection event", ev.ID, ev.Type)
	}
	var p CollectionPayload
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode collection payload: %w", err)
		}
	}
	return &p, nil
}
