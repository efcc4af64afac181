package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of local mutation a change-log entry records.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// ChangeLogEntry is one pending local mutation in the outbox.
// Entries of a collection are pushed in Seq order.
type ChangeLogEntry struct {
	Seq        int64           `db:"seq" json:"seq"`
	Collection string          `db:"collection" json:"collection"`
	DocumentID string          `db:"document_id" json:"document_id"`
	Operation  Operation       `db:"operation" json:"operation"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"`
	Synced     bool            `db:"-" json:"synced"`
	Attempts   int             `db:"attempts" json:"attempts"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for ChangeLogEntry.
func (ChangeLogEntry) TableName() string {
	return "change_log"
}

// Time returns the Timestamp as time.Time.
func (c *ChangeLogEntry) Time() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// NewChangeLogEntry builds the entry describing a mutation of doc.
// DELETE payloads carry only the id and the deletion time.
func NewChangeLogEntry(collection string, op Operation, doc *Document) (*ChangeLogEntry, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}
	payloadDoc := doc
	if op == OperationDelete {
		payloadDoc = &Document{ID: doc.ID, LastModified: doc.LastModified}
	}
	payload, err := json.Marshal(payloadDoc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change payload: %w", err)
	}
	return &ChangeLogEntry{
		Collection: collection,
		DocumentID: doc.ID,
		Operation:  op,
		Payload:    payload,
	}, nil
}

// Document decodes the entry's payload.
func (c *ChangeLogEntry) Document() (*Document, error) {
	var doc Document
	if err := json.Unmarshal(c.Payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode payload of change %d: %w", c.Seq, err)
	}
	if doc.ID == "" {
		doc.ID = c.DocumentID
	}
	return &doc, nil
}
