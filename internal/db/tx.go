package db

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

// Tx is a transaction over a single collection. It holds the collection's
// write lock from Begin until Commit or Rollback. Rollback after Commit is
// a no-op, so callers always defer Rollback.
type Tx struct {
	store      *Store
	tx         *sql.Tx
	collection string
	table      string
	unlock     func()
	done       bool
}

// Collection returns the collection this transaction is scoped to.
func (t *Tx) Collection() string {
	return t.collection
}

func (t *Tx) finish() {
	if !t.done {
		t.done = true
		t.unlock()
	}
}

// Commit commits the transaction and releases the collection lock.
func (t *Tx) Commit() error {
	if t.done {
		return apperrors.New(apperrors.ErrLocalTx, "transaction already finished")
	}
	defer t.finish()
	if err := t.tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "commit "+t.collection, err)
	}
	return nil
}

// Rollback aborts the transaction. It is safe to call after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	defer t.finish()
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return apperrors.Wrap(apperrors.ErrLocalTx, "rollback "+t.collection, err)
	}
	return nil
}

// Get returns a document by id, or a NOT_FOUND error.
func (t *Tx) Get(id string) (*models.Document, error) {
	return getDocument(context.Background(), t.tx, t.table, t.collection, id)
}

// Upsert inserts or replaces a document by id.
func (t *Tx) Upsert(doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "document id is required")
	}
	data := string(doc.Data)
	if len(doc.Data) == 0 {
		data = "{}"
	}
	_, err := t.tx.Exec(
		"INSERT INTO "+t.table+" (id, data, last_modified) VALUES (?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET data = excluded.data, last_modified = excluded.last_modified",
		doc.ID, data, doc.LastModified)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "upsert "+t.collection+"/"+doc.ID, err)
	}
	return nil
}

// Delete removes a document by id. Deleting a missing document succeeds.
func (t *Tx) Delete(id string) error {
	if _, err := t.tx.Exec("DELETE FROM "+t.table+" WHERE id = ?", id); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "delete "+t.collection+"/"+id, err)
	}
	return nil
}

// maxPendingTimestamp returns the newest timestamp queued for the collection.
func (t *Tx) maxPendingTimestamp() (int64, error) {
	var ts int64
	err := t.tx.QueryRow(
		"SELECT COALESCE(MAX(timestamp), 0) FROM change_log WHERE collection = ?",
		t.collection).Scan(&ts)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalTx, "read change log", err)
	}
	return ts, nil
}

// NextTimestamp returns a write timestamp for this collection that is
// strictly greater than floor and than every queued change-log timestamp.
func (t *Tx) NextTimestamp(floor int64) (int64, error) {
	pending, err := t.maxPendingTimestamp()
	if err != nil {
		return 0, err
	}
	if pending > floor {
		floor = pending
	}
	return t.store.millis.After(floor), nil
}

// AppendChangeLog adds entry to the outbox and assigns its Seq. A zero
// Timestamp is filled in; a given Timestamp must exceed every queued one.
func (t *Tx) AppendChangeLog(entry *models.ChangeLogEntry) error {
	if entry == nil || entry.DocumentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "change log entry needs a document id")
	}
	if !entry.Operation.Valid() {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid operation %q", entry.Operation))
	}
	entry.Collection = t.collection

	pending, err := t.maxPendingTimestamp()
	if err != nil {
		return err
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = t.store.millis.After(pending)
	} else if entry.Timestamp <= pending {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("change log timestamp %d is not after %d", entry.Timestamp, pending))
	}

	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	res, err := t.tx.Exec(`
	INSERT INTO change_log (collection, document_id, operation, payload, timestamp, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, 0, '')`,
		entry.Collection, entry.DocumentID, string(entry.Operation), payload, entry.Timestamp)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "append change log", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "read change log seq", err)
	}
	entry.Seq = seq
	entry.Synced = false
	return nil
}

// LatestPending returns the newest queued entry for id, or nil.
func (t *Tx) LatestPending(id string) (*models.ChangeLogEntry, error) {
	rows, err := t.tx.Query(selectChangeLog+
		" WHERE collection = ? AND document_id = ? ORDER BY seq DESC LIMIT 1",
		t.collection, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalTx, "read pending", err)
	}
	entries, err := scanChangeLog(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// Supersede removes queued entries for id older than before.
func (t *Tx) Supersede(id string, before int64) (int64, error) {
	res, err := t.tx.Exec(
		"DELETE FROM change_log WHERE collection = ? AND document_id = ? AND timestamp < ?",
		t.collection, id, before)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalTx, "supersede change log", err)
	}
	return res.RowsAffected()
}

// Drop removes a queued entry and records its record as dropped.
func (t *Tx) Drop(entry *models.ChangeLogEntry, cause error) error {
	if _, err := t.tx.Exec("DELETE FROM change_log WHERE seq = ?", entry.Seq); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "drop change log entry", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := t.tx.Exec(`
	INSERT OR REPLACE INTO dropped_changes (collection, document_id, seq, operation, timestamp, reason, dropped_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.collection, entry.DocumentID, entry.Seq, string(entry.Operation), entry.Timestamp, reason, t.store.Now())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "record dropped change", err)
	}
	return nil
}

// IsDropped reports whether the last local change of id was dropped.
func (t *Tx) IsDropped(id string) (bool, error) {
	var n int
	err := t.tx.QueryRow(
		"SELECT COUNT(*) FROM dropped_changes WHERE collection = ? AND document_id = ?",
		t.collection, id).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrLocalTx, "read dropped changes", err)
	}
	return n > 0, nil
}

// ClearDropped forgets the dropped marker of id.
func (t *Tx) ClearDropped(id string) error {
	if _, err := t.tx.Exec(
		"DELETE FROM dropped_changes WHERE collection = ? AND document_id = ?",
		t.collection, id); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalTx, "clear dropped change", err)
	}
	return nil
}

// CreateConflictLog records a resolved conflict as part of the transaction.
func (t *Tx) CreateConflictLog(log *models.ConflictLog) error {
	return insertConflictLog(t.tx, log, t.store)
}
