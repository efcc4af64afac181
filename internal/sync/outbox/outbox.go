// Package outbox drains the change log: it reads pending local mutations in
// append order and replays them against the remote store.
package outbox

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
)

// Store is the change-log persistence the outbox works on. *db.Store
// implements it.
type Store interface {
	ListUnsyncedChangeLog(ctx context.Context, collection string) ([]*models.ChangeLogEntry, error)
	MarkSynced(ctx context.Context, entry *models.ChangeLogEntry) error
	RecordAttempt(ctx context.Context, entry *models.ChangeLogEntry, cause error) error
	DropChangeLog(ctx context.Context, entry *models.ChangeLogEntry, cause error) error
	SupersedeChangeLog(ctx context.Context, collection, id string, before int64) (int64, error)
	PendingCounts(ctx context.Context) (map[string]int, error)
}

// Outbox manages the queued change-log entries.
type Outbox struct {
	store  Store
	logger *logging.Logger
}

// New creates an Outbox over store.
func New(store Store, logger *logging.Logger) *Outbox {
	if logger == nil {
		logger = logging.Get()
	}
	return &Outbox{store: store, logger: logger.Named("outbox")}
}

// Pending returns the entries of a collection in FIFO order.
func (o *Outbox) Pending(ctx context.Context, collection string) ([]*models.ChangeLogEntry, error) {
	return o.store.ListUnsyncedChangeLog(ctx, collection)
}

// Ack removes an entry after the remote accepted it.
func (o *Outbox) Ack(ctx context.Context, entry *models.ChangeLogEntry) error {
	return o.store.MarkSynced(ctx, entry)
}

// Fail records a transient failure. The entry stays at the head of its queue.
func (o *Outbox) Fail(ctx context.Context, entry *models.ChangeLogEntry, cause error) error {
	if err := o.store.RecordAttempt(ctx, entry, cause); err != nil {
		return err
	}
	o.logger.Warn("change push failed, will retry", map[string]interface{}{
		"collection":  entry.Collection,
		"document_id": entry.DocumentID,
		"seq":         entry.Seq,
		"attempts":    entry.Attempts,
		"retry_in":    Backoff(entry.Attempts).String(),
	})
	return nil
}

// Drop removes an entry the remote rejected permanently.
func (o *Outbox) Drop(ctx context.Context, entry *models.ChangeLogEntry, cause error) error {
	if err := o.store.DropChangeLog(ctx, entry, cause); err != nil {
		return err
	}
	o.logger.ErrorWithCode("change dropped after permanent failure", string(apperrors.ErrEntryDropped), cause,
		map[string]interface{}{
			"collection":  entry.Collection,
			"document_id": entry.DocumentID,
			"seq":         entry.Seq,
			"operation":   entry.Operation,
		})
	return nil
}

// Supersede removes entries for id older than a remote version that won.
func (o *Outbox) Supersede(ctx context.Context, collection, id string, before int64) (int64, error) {
	return o.store.SupersedeChangeLog(ctx, collection, id, before)
}

// Replay pushes one entry. INSERT and UPDATE become a merging Set and
// DELETE an idempotent Delete, so replaying an entry twice is harmless.
func Replay(ctx context.Context, rs remote.Store, entry *models.ChangeLogEntry) error {
	doc, err := entry.Document()
	if err != nil {
		return apperrors.Permanent(fmt.Sprintf("decode change %d", entry.Seq), err)
	}

	switch entry.Operation {
	case models.OperationInsert, models.OperationUpdate:
		return rs.Set(ctx, entry.Collection, entry.DocumentID, doc, true)
	case models.OperationDelete:
		return rs.Delete(ctx, entry.Collection, entry.DocumentID)
	default:
		return apperrors.Permanent(fmt.Sprintf("change %d", entry.Seq),
			fmt.Errorf("unknown operation %q", entry.Operation))
	}
}

// Stats summarizes the queue.
type Stats struct {
	Total         int            `json:"total"`
	Retrying      int            `json:"retrying"`
	PerCollection map[string]int `json:"per_collection"`
	OldestAt      int64          `json:"oldest_at,omitempty"`
}

// Stats returns queue statistics.
func (o *Outbox) Stats(ctx context.Context) (*Stats, error) {
	entries, err := o.store.ListUnsyncedChangeLog(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := &Stats{PerCollection: make(map[string]int)}
	for _, e := range entries {
		stats.Total++
		stats.PerCollection[e.Collection]++
		if e.Attempts > 0 {
			stats.Retrying++
		}
		if stats.OldestAt == 0 || e.Timestamp < stats.OldestAt {
			stats.OldestAt = e.Timestamp
		}
	}
	return stats, nil
}

// Size returns the number of queued entries.
func (o *Outbox) Size(ctx context.Context) (int, error) {
	counts, err := o.store.PendingCounts(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Backoff returns the retry delay after attempts consecutive failures:
// 2^attempts seconds, capped at five minutes.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	if attempts > 16 {
		attempts = 16
	}
	backoff := time.Duration(int64(1)<<uint(attempts)) * time.Second
	if max := 5 * time.Minute; backoff > max {
		backoff = max
	}
	return backoff
}
