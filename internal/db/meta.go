package db

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/uuid"
)

// GetCursor returns the pull cursor of a collection; a collection that was
// never pulled has a zero cursor.
func (s *Store) GetCursor(ctx context.Context, collection string) (*models.SyncCursor, error) {
	c := &models.SyncCursor{Collection: collection}
	err := s.db.QueryRowContext(ctx,
		"SELECT last_pulled_at, token, updated_at FROM sync_cursors WHERE collection = ?",
		collection).Scan(&c.LastPulledAt, &c.Token, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get cursor", err)
	}
	return c, nil
}

// SetCursor stores the pull cursor of a collection.
func (s *Store) SetCursor(ctx context.Context, cursor *models.SyncCursor) error {
	cursor.UpdatedAt = s.Now()
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO sync_cursors (collection, last_pulled_at, token, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(collection) DO UPDATE SET
		last_pulled_at = excluded.last_pulled_at,
		token = excluded.token,
		updated_at = excluded.updated_at`,
		cursor.Collection, cursor.LastPulledAt, cursor.Token, cursor.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set cursor", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertConflictLog(e execer, log *models.ConflictLog, s *Store) error {
	if log.ID == "" {
		log.ID = uuid.New()
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = s.Now()
	}
	_, err := e.Exec(`
	INSERT INTO conflict_log (id, collection, document_id, local_timestamp, remote_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.Collection, log.DocumentID, log.LocalTimestamp, log.RemoteTimestamp,
		log.Resolution, log.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "create conflict log", err)
	}
	return nil
}

// CreateConflictLog records a resolved conflict.
func (s *Store) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	return insertConflictLog(s.db, log, s)
}

// ListConflictLogs returns the most recent conflicts first.
func (s *Store) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, collection, document_id, local_timestamp, remote_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflict logs", err)
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.Collection, &l.DocumentID, &l.LocalTimestamp,
			&l.RemoteTimestamp, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict log", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
