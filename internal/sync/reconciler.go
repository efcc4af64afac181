package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/db"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/sync/conflict"
	"github.com/kimhsiao/stockledger/internal/sync/outbox"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

const defaultErrorHistory = 50

// Connectivity answers whether the remote is reachable.
// *connectivity.Monitor implements it.
type Connectivity interface {
	IsOnline() bool
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool { return true }

// Options tunes the reconciler.
type Options struct {
	// IncrementalPull lists only documents modified after the stored cursor.
	// The default is a full-collection pull.
	IncrementalPull bool
	// PruneMissing removes local rows that a full pull no longer returns,
	// unless they have queued changes.
	PruneMissing bool
	// MaxConcurrency bounds how many collections Sync reconciles at once.
	// Zero means no limit.
	MaxConcurrency int
	// ErrorHistory is the number of errors kept for GetErrorHistory.
	ErrorHistory int
}

// DefaultOptions returns full pulls with pruning.
func DefaultOptions() Options {
	return Options{PruneMissing: true, ErrorHistory: defaultErrorHistory}
}

// CollectionResult summarizes one cycle of one collection.
type CollectionResult struct {
	Collection string        `json:"collection"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	Duration   time.Duration `json:"duration"`
	Offline    bool          `json:"offline,omitempty"`
	Downloaded int           `json:"downloaded"`
	Pruned     int           `json:"pruned"`
	Uploaded   int           `json:"uploaded"`
	Dropped    int           `json:"dropped"`
	Conflicts  int           `json:"conflicts"`
	// Remaining is the number of entries still queued after the push.
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

// SyncResult aggregates a Sync over all collections.
type SyncResult struct {
	StartTime   time.Time                    `json:"start_time"`
	EndTime     time.Time                    `json:"end_time"`
	Duration    time.Duration                `json:"duration"`
	Uploaded    int                          `json:"uploaded"`
	Downloaded  int                          `json:"downloaded"`
	Conflicts   int                          `json:"conflicts"`
	Dropped     int                          `json:"dropped"`
	Offline     bool                         `json:"offline,omitempty"`
	Collections map[string]*CollectionResult `json:"collections"`
	Error       string                       `json:"error,omitempty"`
}

// Reconciler runs pull-then-push cycles between the local store and the
// remote store. At most one cycle per collection is in flight; concurrent
// requests for the same collection wait on the running cycle.
type Reconciler struct {
	store    *db.Store
	remote   remote.Store
	outbox   *outbox.Outbox
	resolver *conflict.Resolver
	conn     Connectivity
	clock    clock.Clock
	logger   *logging.Logger
	opts     Options

	flights singleflight.Group
	drains  stdsync.Map // collection -> *stdsync.Mutex

	mu          stdsync.RWMutex
	collections []string
	handler     SyncEventHandler
	active      int
	status      SyncStatus
	lastSync    *time.Time
	lastErr     error
	pending     int
	history     []SyncError
}

// NewReconciler creates a Reconciler. A nil conn is treated as always online.
func NewReconciler(store *db.Store, rs remote.Store, conn Connectivity, c clock.Clock, logger *logging.Logger, opts Options) *Reconciler {
	if conn == nil {
		conn = alwaysOnline{}
	}
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = logging.Get()
	}
	if opts.ErrorHistory <= 0 {
		opts.ErrorHistory = defaultErrorHistory
	}
	return &Reconciler{
		store:    store,
		remote:   rs,
		outbox:   outbox.New(store, logger),
		resolver: conflict.NewResolver(c, logger),
		conn:     conn,
		clock:    c,
		logger:   logger.Named("reconciler"),
		opts:     opts,
		status:   SyncStatusIdle,
	}
}

// Outbox returns the outbox the reconciler drains.
func (r *Reconciler) Outbox() *outbox.Outbox {
	return r.outbox
}

// Online reports the connectivity state the reconciler gates on.
func (r *Reconciler) Online() bool {
	return r.conn.IsOnline()
}

// Register makes a collection part of every Sync, creating its table.
func (r *Reconciler) Register(ctx context.Context, collection string) error {
	if err := r.store.EnsureCollection(ctx, collection); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.collections {
		if c == collection {
			return nil
		}
	}
	r.collections = append(r.collections, collection)
	return nil
}

// Collections returns the registered collections in registration order.
func (r *Reconciler) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.collections...)
}

// SetEventHandler sets the event handler. A nil handler disables events.
func (r *Reconciler) SetEventHandler(handler SyncEventHandler) {
	r.mu.Lock()
	r.handler = handler
	r.mu.Unlock()
}

// Status returns the current sync status.
func (r *Reconciler) Status() SyncStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// LastSync returns the end time of the last successful cycle.
func (r *Reconciler) LastSync() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync
}

// PendingChanges returns the outbox size observed after the last cycle.
func (r *Reconciler) PendingChanges() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending
}

// LastError returns the error of the last failed cycle, or nil after a
// successful one.
func (r *Reconciler) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// GetErrorHistory returns a copy of the recent errors, oldest first.
func (r *Reconciler) GetErrorHistory() []SyncError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SyncError(nil), r.history...)
}

// ClearErrorHistory empties the error history.
func (r *Reconciler) ClearErrorHistory() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

func (r *Reconciler) recordError(collection, documentID, operation string, err error) {
	entry := SyncError{
		Collection: collection,
		DocumentID: documentID,
		Operation:  operation,
		Code:       string(apperrors.CodeOf(err)),
		Message:    err.Error(),
		Timestamp:  r.clock.Now(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, entry)
	if over := len(r.history) - r.opts.ErrorHistory; over > 0 {
		r.history = append([]SyncError(nil), r.history[over:]...)
	}
}

func (r *Reconciler) emitEvent(event SyncEvent) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.clock.Now()
	}
	handler.OnSyncEvent(event)
}

// drainLock serializes pushes and cycles of one collection.
func (r *Reconciler) drainLock(collection string) *stdsync.Mutex {
	mu, _ := r.drains.LoadOrStore(collection, &stdsync.Mutex{})
	return mu.(*stdsync.Mutex)
}

// Sync runs a cycle for every registered collection concurrently and
// aggregates the results. Errors of individual collections are joined.
func (r *Reconciler) Sync(ctx context.Context) (*SyncResult, error) {
	collections := r.Collections()
	result := &SyncResult{
		StartTime:   r.clock.Now(),
		Collections: make(map[string]*CollectionResult, len(collections)),
		Offline:     !r.conn.IsOnline(),
	}

	var (
		g    errgroup.Group
		mu   stdsync.Mutex
		errs []error
	)
	if r.opts.MaxConcurrency > 0 {
		g.SetLimit(r.opts.MaxConcurrency)
	}
	for _, collection := range collections {
		g.Go(func() error {
			res, err := r.SyncCollection(ctx, collection)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				result.Collections[collection] = res
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range result.Collections {
		result.Uploaded += res.Uploaded
		result.Downloaded += res.Downloaded
		result.Conflicts += res.Conflicts
		result.Dropped += res.Dropped
	}
	result.EndTime = r.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	err := errors.Join(errs...)
	if err != nil {
		result.Error = err.Error()
	}
	return result, err
}

// SyncCollection runs one pull-then-push cycle for collection. A call made
// while a cycle is running waits for that cycle and returns its result.
// Cancelling ctx stops the wait, not the cycle.
func (r *Reconciler) SyncCollection(ctx context.Context, collection string) (*CollectionResult, error) {
	cycleCtx := context.WithoutCancel(ctx)
	ch := r.flights.DoChan(collection, func() (interface{}, error) {
		return r.runCycle(cycleCtx, collection)
	})

	select {
	case res := <-ch:
		out, _ := res.Val.(*CollectionResult)
		return out, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Reconciler) beginCycle() {
	r.mu.Lock()
	r.active++
	r.status = SyncStatusSyncing
	r.mu.Unlock()
}

func (r *Reconciler) endCycle(err error, at time.Time) {
	pending, sizeErr := r.outbox.Size(context.Background())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	if sizeErr == nil {
		r.pending = pending
	}
	if err != nil {
		r.lastErr = err
		r.status = SyncStatusFailed
		return
	}
	r.lastErr = nil
	t := at
	r.lastSync = &t
	if r.active == 0 {
		r.status = SyncStatusIdle
	}
}

func (r *Reconciler) runCycle(ctx context.Context, collection string) (*CollectionResult, error) {
	result := &CollectionResult{Collection: collection, StartTime: r.clock.Now()}
	finish := func(err error) (*CollectionResult, error) {
		result.EndTime = r.clock.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		if err != nil {
			result.Error = err.Error()
		}
		return result, err
	}

	if !r.conn.IsOnline() {
		result.Offline = true
		r.logger.Debug("Skipping sync while offline", map[string]interface{}{"collection": collection})
		return finish(nil)
	}

	lock := r.drainLock(collection)
	lock.Lock()
	defer lock.Unlock()

	r.beginCycle()
	r.emitEvent(SyncEvent{Type: SyncEventStarted, Collection: collection})

	pullErr := r.pull(ctx, collection, result)
	if pullErr != nil {
		r.logger.Error("Pull failed", pullErr, map[string]interface{}{"collection": collection})
		r.recordError(collection, "", "pull", pullErr)
	}
	pushErr := r.push(ctx, collection, result)

	err := errors.Join(pullErr, pushErr)
	if err != nil {
		err = apperrors.Wrap(apperrors.ErrSyncFailed, "sync "+collection, err)
	}
	res, err := finish(err)
	r.endCycle(err, res.EndTime)

	ctxFields := map[string]interface{}{
		"collection":  collection,
		"downloaded":  res.Downloaded,
		"uploaded":    res.Uploaded,
		"dropped":     res.Dropped,
		"pruned":      res.Pruned,
		"conflicts":   res.Conflicts,
		"remaining":   res.Remaining,
		"duration_ms": res.Duration.Milliseconds(),
	}
	if err != nil {
		r.logger.ErrorWithCode("Sync cycle failed", string(apperrors.ErrSyncFailed), err, ctxFields)
		r.emitEvent(SyncEvent{Type: SyncEventFailed, Collection: collection, Error: err.Error()})
	} else {
		r.logger.Info("Sync cycle completed", ctxFields)
		r.emitEvent(SyncEvent{
			Type:       SyncEventCompleted,
			Collection: collection,
			Message:    fmt.Sprintf("downloaded %d, uploaded %d", res.Downloaded, res.Uploaded),
		})
	}
	return res, err
}

// Push drains the outbox of collection without pulling. It is the
// write-through path of the repository facade.
func (r *Reconciler) Push(ctx context.Context, collection string) (*CollectionResult, error) {
	result := &CollectionResult{Collection: collection, StartTime: r.clock.Now()}
	if !r.conn.IsOnline() {
		result.Offline = true
		result.EndTime = result.StartTime
		return result, apperrors.New(apperrors.ErrOffline, "push "+collection+": offline")
	}

	lock := r.drainLock(collection)
	lock.Lock()
	defer lock.Unlock()

	err := r.push(ctx, collection, result)
	result.EndTime = r.clock.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
	}
	return result, err
}

// push replays the queued entries of collection in FIFO order. The caller
// holds the collection's drain lock.
func (r *Reconciler) push(ctx context.Context, collection string, result *CollectionResult) error {
	entries, err := r.outbox.Pending(ctx, collection)
	if err != nil {
		return err
	}

	for i, entry := range entries {
		if !r.conn.IsOnline() {
			result.Remaining = len(entries) - i
			return apperrors.New(apperrors.ErrOffline, "push "+collection+": went offline")
		}

		err := outbox.Replay(ctx, r.remote, entry)
		switch {
		case err == nil:
			if err := r.outbox.Ack(ctx, entry); err != nil {
				result.Remaining = len(entries) - i
				return err
			}
			result.Uploaded++

		case apperrors.IsPermanent(err):
			if dropErr := r.outbox.Drop(ctx, entry, err); dropErr != nil {
				result.Remaining = len(entries) - i
				return dropErr
			}
			result.Dropped++
			r.recordError(collection, entry.DocumentID, string(entry.Operation), err)
			r.emitEvent(SyncEvent{
				Type:       SyncEventEntryDropped,
				Collection: collection,
				DocumentID: entry.DocumentID,
				Message:    fmt.Sprintf("%s dropped after permanent failure", entry.Operation),
				Error:      err.Error(),
			})

		default:
			// Later entries may depend on this one, so stop here.
			if failErr := r.outbox.Fail(ctx, entry, err); failErr != nil {
				r.logger.Error("Failed to record push attempt", failErr, map[string]interface{}{"seq": entry.Seq})
			}
			r.recordError(collection, entry.DocumentID, string(entry.Operation), err)
			result.Remaining = len(entries) - i
			return apperrors.Transient(fmt.Sprintf("push %s/%s", collection, entry.DocumentID), err)
		}
	}
	return nil
}

// pull fetches the remote collection and applies it to the local store.
func (r *Reconciler) pull(ctx context.Context, collection string, result *CollectionResult) error {
	cursor, err := r.store.GetCursor(ctx, collection)
	if err != nil {
		return err
	}

	opts := remote.ListOptions{OrderBy: remote.OrderByLastModified}
	if r.opts.IncrementalPull {
		opts.Since = cursor.LastPulledAt
	}
	docs, err := r.remote.List(ctx, collection, opts)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(docs))
	newest := cursor.LastPulledAt
	for _, doc := range docs {
		seen[doc.ID] = struct{}{}
		if doc.LastModified > newest {
			newest = doc.LastModified
		}
		if err := r.applyRemote(ctx, collection, doc, result); err != nil {
			return err
		}
	}

	if r.opts.PruneMissing && opts.Since == 0 {
		if err := r.prune(ctx, collection, seen, result); err != nil {
			return err
		}
	}

	return r.store.SetCursor(ctx, &models.SyncCursor{Collection: collection, LastPulledAt: newest})
}

// applyRemote merges one remote document into the local store with
// last-writer-wins. The decision and the write share one transaction, so
// a concurrent local write either precedes it or sees its result.
func (r *Reconciler) applyRemote(ctx context.Context, collection string, doc *models.Document, result *CollectionResult) error {
	tx, err := r.store.Begin(ctx, collection)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	local, err := tx.Get(doc.ID)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return err
	}
	pending, err := tx.LatestPending(doc.ID)
	if err != nil {
		return err
	}

	if local == nil && pending == nil {
		if err := tx.Upsert(doc); err != nil {
			return err
		}
		if err := tx.ClearDropped(doc.ID); err != nil {
			return err
		}
		result.Downloaded++
		return tx.Commit()
	}

	if local == nil {
		// Deleted locally and not pushed yet.
		local = &models.Document{ID: doc.ID, LastModified: pending.Timestamp}
	}

	var (
		winner      conflict.Side
		conflictLog *models.ConflictLog
	)
	if pending != nil && local.LastModified != doc.LastModified {
		res, err := r.resolver.Resolve(&conflict.Conflict{Collection: collection, Local: local, Remote: doc})
		if err != nil {
			return err
		}
		winner, conflictLog = res.Winner, res.ConflictLog
	} else {
		winner = conflict.Decide(local.LastModified, doc.LastModified)
	}

	if winner == conflict.SideLocal {
		if conflictLog != nil {
			if err := tx.CreateConflictLog(conflictLog); err != nil {
				return err
			}
			result.Conflicts++
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if conflictLog != nil {
			r.emitConflict(conflictLog)
		}
		return nil
	}

	if err := tx.Upsert(doc); err != nil {
		return err
	}
	if _, err := tx.Supersede(doc.ID, doc.LastModified); err != nil {
		return err
	}
	if err := tx.ClearDropped(doc.ID); err != nil {
		return err
	}
	if conflictLog != nil {
		if err := tx.CreateConflictLog(conflictLog); err != nil {
			return err
		}
		result.Conflicts++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	result.Downloaded++
	if conflictLog != nil {
		r.emitConflict(conflictLog)
	}
	return nil
}

func (r *Reconciler) emitConflict(log *models.ConflictLog) {
	r.emitEvent(SyncEvent{
		Type:       SyncEventConflictResolved,
		Collection: log.Collection,
		DocumentID: log.DocumentID,
		Message:    string(log.Resolution),
	})
}

// prune removes local rows absent from a full remote listing. Rows with
// queued changes have not reached the remote yet, and rows whose last
// change was dropped never will; both are kept.
func (r *Reconciler) prune(ctx context.Context, collection string, seen map[string]struct{}, result *CollectionResult) error {
	ids, err := r.store.IDs(ctx, collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		removed, err := r.pruneOne(ctx, collection, id)
		if err != nil {
			return err
		}
		if removed {
			result.Pruned++
			r.emitEvent(SyncEvent{
				Type:       SyncEventRecordPruned,
				Collection: collection,
				DocumentID: id,
				Message:    "removed locally, missing from remote",
			})
		}
	}
	return nil
}

func (r *Reconciler) pruneOne(ctx context.Context, collection, id string) (bool, error) {
	tx, err := r.store.Begin(ctx, collection)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	pending, err := tx.LatestPending(id)
	if err != nil || pending != nil {
		return false, err
	}
	dropped, err := tx.IsDropped(id)
	if err != nil || dropped {
		return false, err
	}
	if err := tx.Delete(id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
