package db

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

const selectChangeLog = `SELECT seq, collection, document_id, operation, payload, timestamp, attempts, last_error FROM change_log`

func scanChangeLog(rows *sql.Rows) ([]*models.ChangeLogEntry, error) {
	defer rows.Close()

	var entries []*models.ChangeLogEntry
	for rows.Next() {
		var (
			e       models.ChangeLogEntry
			op      string
			payload string
		)
		if err := rows.Scan(&e.Seq, &e.Collection, &e.DocumentID, &op, &payload,
			&e.Timestamp, &e.Attempts, &e.LastError); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan change log", err)
		}
		e.Operation = models.Operation(op)
		e.Payload = []byte(payload)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate change log", err)
	}
	return entries, nil
}

// ListUnsyncedChangeLog returns the queued entries of a collection in
// append order. An empty collection lists every queued entry.
func (s *Store) ListUnsyncedChangeLog(ctx context.Context, collection string) ([]*models.ChangeLogEntry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if collection == "" {
		rows, err = s.db.QueryContext(ctx, selectChangeLog+" ORDER BY seq")
	} else {
		rows, err = s.db.QueryContext(ctx, selectChangeLog+" WHERE collection = ? ORDER BY seq", collection)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list change log", err)
	}
	return scanChangeLog(rows)
}

// MarkSynced removes an acknowledged entry from the outbox. Older dropped
// changes of the same record are forgotten; the remote now holds a newer
// local version.
func (s *Store) MarkSynced(ctx context.Context, entry *models.ChangeLogEntry) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM change_log WHERE seq = ?", entry.Seq); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "mark synced", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM dropped_changes WHERE collection = ? AND document_id = ? AND timestamp < ?",
		entry.Collection, entry.DocumentID, entry.Timestamp); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "clear dropped change", err)
	}
	entry.Synced = true
	return nil
}

// RecordAttempt bumps an entry's attempt counter and stores the failure.
func (s *Store) RecordAttempt(ctx context.Context, entry *models.ChangeLogEntry, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE change_log SET attempts = attempts + 1, last_error = ? WHERE seq = ?",
		msg, entry.Seq); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "record attempt", err)
	}
	entry.Attempts++
	entry.LastError = msg
	return nil
}

// DropChangeLog removes an entry that can never be delivered and marks its
// record as dropped, so pruning keeps the local row.
func (s *Store) DropChangeLog(ctx context.Context, entry *models.ChangeLogEntry, cause error) error {
	tx, err := s.Begin(ctx, entry.Collection)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Drop(entry, cause); err != nil {
		return err
	}
	return tx.Commit()
}

// SupersedeChangeLog removes queued entries for id older than before.
func (s *Store) SupersedeChangeLog(ctx context.Context, collection, id string, before int64) (int64, error) {
	tx, err := s.Begin(ctx, collection)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := tx.Supersede(id, before)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// HasPending reports whether id has queued entries.
func (s *Store) HasPending(ctx context.Context, collection, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM change_log WHERE collection = ? AND document_id = ?",
		collection, id).Scan(&n)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "check pending", err)
	}
	return n > 0, nil
}

// PendingCounts returns the number of queued entries per collection.
func (s *Store) PendingCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT collection, COUNT(*) FROM change_log GROUP BY collection")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "count pending", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan pending count", err)
		}
		counts[name] = n
	}
	return counts, rows.Err()
}
