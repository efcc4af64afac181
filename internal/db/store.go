package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/kimhsiao/stockledger/internal/clock"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

var (
	collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)
	fieldNamePattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)
)

// ValidCollectionName reports whether name can be used as a collection.
func ValidCollectionName(name string) bool {
	return collectionNamePattern.MatchString(name)
}

// Store is the durable local store. Every collection lives in its own
// rec_<name> table; mutations made by the user go through a Tx together
// with their change-log entry.
type Store struct {
	db     *DB
	clock  clock.Clock
	millis *clock.Millis

	locks sync.Map // collection -> *sync.Mutex
	known sync.Map // collection -> table name
}

// NewStore creates a Store over an open, migrated database.
// A nil clock uses the system clock.
func NewStore(db *DB, c clock.Clock) *Store {
	if c == nil {
		c = clock.System{}
	}
	return &Store{
		db:     db,
		clock:  c,
		millis: clock.NewMillis(c),
	}
}

// OpenStore opens the database in dataDir, applies the embedded
// migrations and returns a Store over it.
func OpenStore(dataDir string, c clock.Clock) (*Store, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "open local store", err)
	}
	if err := NewMigrator(db.DB, Migrations()).Up(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "migrate local store", err)
	}
	return NewStore(db, c), nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// Now returns the store clock's time in milliseconds since epoch.
func (s *Store) Now() int64 {
	return s.clock.Now().UnixMilli()
}

func tableName(collection string) string {
	return "rec_" + collection
}

// EnsureCollection creates the collection's table if it does not exist.
func (s *Store) EnsureCollection(ctx context.Context, collection string) error {
	if !ValidCollectionName(collection) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid collection name %q", collection))
	}
	if _, ok := s.known.Load(collection); ok {
		return nil
	}

	table := tableName(collection)
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY CHECK(length(id) > 0),
		data TEXT NOT NULL,
		last_modified INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%s_last_modified ON %s(last_modified);`, table, table, table)

	lock := s.lockFor(collection)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "begin ensure collection", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "create collection table", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO collections (name, created_at) VALUES (?, ?)",
		collection, s.Now()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "register collection", err)
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "commit ensure collection", err)
	}

	s.known.Store(collection, table)
	return nil
}

// Collections returns the registered collection names in order.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections ORDER BY name")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list collections", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan collection", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// table resolves a collection to its table, failing for collections that
// were never ensured.
func (s *Store) table(ctx context.Context, collection string) (string, error) {
	if t, ok := s.known.Load(collection); ok {
		return t.(string), nil
	}
	if !ValidCollectionName(collection) {
		return "", apperrors.New(apperrors.ErrUnknownCollection, collection)
	}

	var name string
	err := s.db.QueryRowContext(ctx, "SELECT name FROM collections WHERE name = ?", collection).Scan(&name)
	if err == sql.ErrNoRows {
		return "", apperrors.New(apperrors.ErrUnknownCollection, collection)
	}
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "lookup collection", err)
	}

	table := tableName(collection)
	s.known.Store(collection, table)
	return table, nil
}

func (s *Store) lockFor(collection string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(collection, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Begin starts a transaction scoped to one collection. The collection's
// write lock is held until Commit or Rollback.
func (s *Store) Begin(ctx context.Context, collection string) (*Tx, error) {
	table, err := s.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	lock := s.lockFor(collection)
	lock.Lock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		lock.Unlock()
		return nil, apperrors.Wrap(apperrors.ErrLocalTx, "begin transaction", err)
	}

	return &Tx{
		store:      s,
		tx:         sqlTx,
		collection: collection,
		table:      table,
		unlock:     lock.Unlock,
	}, nil
}

// Get returns a document by id, or a NOT_FOUND error.
func (s *Store) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	table, err := s.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	return getDocument(ctx, s.db, table, collection, id)
}

// Upsert writes a remote-originated document without a change-log entry.
func (s *Store) Upsert(ctx context.Context, collection string, doc *models.Document) error {
	tx, err := s.Begin(ctx, collection)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Upsert(doc); err != nil {
		return err
	}
	return tx.Commit()
}

// Remove deletes a document without a change-log entry. Removing a missing
// document is not an error.
func (s *Store) Remove(ctx context.Context, collection, id string) error {
	tx, err := s.Begin(ctx, collection)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.Delete(id); err != nil {
		return err
	}
	return tx.Commit()
}

// Filter compares a top-level field against a value.
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// Query selects documents of a collection.
type Query struct {
	Where   []Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
}

var filterOps = map[string]bool{"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

// fieldExpr maps a field name onto a column or a JSON extraction.
func fieldExpr(field string) (string, error) {
	switch field {
	case "", "id":
		return "id", nil
	case "last_modified":
		return "last_modified", nil
	}
	if !fieldNamePattern.MatchString(field) {
		return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid field name %q", field))
	}
	return fmt.Sprintf("json_extract(data, '$.%s')", field), nil
}

// buildQuery renders q into SQL. Exposed to tests through Query.
func buildQuery(table string, q Query) (string, []interface{}, error) {
	var (
		sb   strings.Builder
		args []interface{}
	)
	sb.WriteString("SELECT id, data, last_modified FROM ")
	sb.WriteString(table)

	for i, f := range q.Where {
		expr, err := fieldExpr(f.Field)
		if err != nil {
			return "", nil, err
		}
		op := f.Op
		if op == "" {
			op = "="
		}
		if !filterOps[op] {
			return "", nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid operator %q", f.Op))
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}
		sb.WriteString(expr + " " + op + " ?")
		args = append(args, f.Value)
	}

	orderExpr, err := fieldExpr(q.OrderBy)
	if err != nil {
		return "", nil, err
	}
	sb.WriteString(" ORDER BY " + orderExpr)
	if q.Desc {
		sb.WriteString(" DESC")
	}
	if orderExpr != "id" {
		sb.WriteString(", id")
	}

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, q.Offset)
		}
	}
	return sb.String(), args, nil
}

// Query returns the documents of a collection matching q.
func (s *Store) Query(ctx context.Context, collection string, q Query) ([]*models.Document, error) {
	table, err := s.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	query, args, err := buildQuery(table, q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query "+collection, err)
	}
	defer rows.Close()

	docs := []*models.Document{}
	for rows.Next() {
		var (
			doc  models.Document
			data string
		)
		if err := rows.Scan(&doc.ID, &data, &doc.LastModified); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan document", err)
		}
		doc.Data = []byte(data)
		docs = append(docs, &doc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate "+collection, err)
	}
	return docs, nil
}

// IDs returns every document id in a collection.
func (s *Store) IDs(ctx context.Context, collection string) ([]string, error) {
	table, err := s.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM "+table+" ORDER BY id")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getDocument(ctx context.Context, q queryRower, table, collection, id string) (*models.Document, error) {
	var (
		doc  models.Document
		data string
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, data, last_modified FROM "+table+" WHERE id = ?", id,
	).Scan(&doc.ID, &data, &doc.LastModified)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", collection, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "get document", err)
	}
	doc.Data = []byte(data)
	return &doc, nil
}
