package sync

import "time"

// SyncEventType identifies a reconciler notification.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "sync.started"
	SyncEventCompleted        SyncEventType = "sync.completed"
	SyncEventFailed           SyncEventType = "sync.failed"
	SyncEventEntryDropped     SyncEventType = "sync.entry_dropped"
	SyncEventConflictResolved SyncEventType = "sync.conflict_resolved"
	SyncEventRecordPruned     SyncEventType = "sync.record_pruned"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type       SyncEventType `json:"type"`
	Collection string        `json:"collection,omitempty"`
	DocumentID string        `json:"document_id,omitempty"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SyncEventHandler receives sync events.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// SyncError is one entry of the reconciler's error history.
type SyncError struct {
	Collection string    `json:"collection"`
	DocumentID string    `json:"document_id,omitempty"`
	Operation  string    `json:"operation,omitempty"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}
