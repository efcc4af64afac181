// Package sync reconciles the local store with the remote document store.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface is the reconciler surface used by the scheduler and
// the repository facade.
type SyncEngineInterface interface {
	// Sync runs one pull-then-push cycle for every registered collection.
	Sync(ctx context.Context) (*SyncResult, error)

	// SyncCollection runs one cycle for a single collection. Concurrent
	// calls for the same collection share one cycle.
	SyncCollection(ctx context.Context, collection string) (*CollectionResult, error)

	// Push drains the outbox of one collection without pulling.
	Push(ctx context.Context, collection string) (*CollectionResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the time of the last successful cycle.
	LastSync() *time.Time

	// PendingChanges returns the outbox size observed after the last cycle.
	PendingChanges() int

	// LastError returns the error of the last failed cycle.
	LastError() error
}

var _ SyncEngineInterface = (*Reconciler)(nil)
