package models

import "time"

// SyncCursor remembers how far a collection has been pulled.
type SyncCursor struct {
	Collection   string `db:"collection" json:"collection"`
	LastPulledAt int64  `db:"last_pulled_at" json:"last_pulled_at"`
	Token        string `db:"token" json:"token,omitempty"`
	UpdatedAt    int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncCursor.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (c *SyncCursor) UpdatedAtTime() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}
