// Package models provides data model definitions for the stockledger data layer.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Document is the untyped form of a record as it is stored locally and
// exchanged with the remote store. Data holds the domain fields as a JSON
// object.
type Document struct {
	ID           string          `db:"id" json:"id"`
	Data         json.RawMessage `db:"data" json:"data"`
	LastModified int64           `db:"last_modified" json:"last_modified"`
}

// LastModifiedTime returns LastModified as time.Time.
func (d *Document) LastModifiedTime() time.Time {
	return time.UnixMilli(d.LastModified)
}

// Clone returns a deep copy of d.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	if d.Data != nil {
		c.Data = append(json.RawMessage(nil), d.Data...)
	}
	return &c
}

// Record is a synchronizable entity with typed domain fields.
type Record[F any] struct {
	ID           string `json:"id"`
	Fields       F      `json:"fields"`
	LastModified int64  `json:"last_modified"`
}

// LastModifiedTime returns LastModified as time.Time.
func (r *Record[F]) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModified)
}

// ToDocument encodes the record's fields into a Document.
func (r *Record[F]) ToDocument() (*Document, error) {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields of %s: %w", r.ID, err)
	}
	return &Document{ID: r.ID, Data: data, LastModified: r.LastModified}, nil
}

// RecordFromDocument decodes a Document into a typed Record.
func RecordFromDocument[F any](doc *Document) (*Record[F], error) {
	rec := &Record[F]{ID: doc.ID, LastModified: doc.LastModified}
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode fields of %s: %w", doc.ID, err)
		}
	}
	return rec, nil
}
