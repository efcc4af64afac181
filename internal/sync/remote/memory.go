package remote

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

// Operation names used for fault injection and call counting.
const (
	OpGet    = "get"
	OpList   = "list"
	OpSet    = "set"
	OpDelete = "delete"
	OpPing   = "ping"
)

// Memory is an in-process Store. It backs the document server and lets
// tests inject failures and count calls.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]*models.Document
	calls       map[string]int
	next        map[string][]error
	always      error
	onCall      func(op, collection, id string)
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]*models.Document),
		calls:       make(map[string]int),
		next:        make(map[string][]error),
	}
}

// FailNext queues err as the result of the next call of op.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next[op] = append(m.next[op], err)
}

// FailAll makes every call fail with err until cleared with nil.
func (m *Memory) FailAll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.always = err
}

// OnCall registers a hook run (without the store lock) before every call.
func (m *Memory) OnCall(fn func(op, collection, id string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCall = fn
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// ResetCalls zeroes the call counters.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = make(map[string]int)
}

// Put stores doc directly, bypassing faults and counters.
func (m *Memory) Put(collection string, doc *models.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coll(collection)[doc.ID] = doc.Clone()
}

// Doc returns a copy of a stored document, or nil.
func (m *Memory) Doc(collection, id string) *models.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coll(collection)[id].Clone()
}

// Len returns the number of documents in a collection.
func (m *Memory) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.coll(collection))
}

func (m *Memory) coll(name string) map[string]*models.Document {
	c, ok := m.collections[name]
	if !ok {
		c = make(map[string]*models.Document)
		m.collections[name] = c
	}
	return c
}

// enter counts the call and returns the injected failure, if any.
func (m *Memory) enter(op, collection, id string) error {
	m.mu.Lock()
	hook := m.onCall
	m.mu.Unlock()
	if hook != nil {
		hook(op, collection, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if q := m.next[op]; len(q) > 0 {
		m.next[op] = q[1:]
		return q[0]
	}
	return m.always
}

// Get returns a document or ErrNotFound.
func (m *Memory) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	if err := m.enter(OpGet, collection, id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.coll(collection)[id]
	if !ok {
		return nil, notFound(collection, id)
	}
	return doc.Clone(), nil
}

// List returns the documents of a collection.
func (m *Memory) List(ctx context.Context, collection string, opts ListOptions) ([]*models.Document, error) {
	if err := m.enter(OpList, collection, ""); err != nil {
		return nil, err
	}
	m.mu.Lock()
	docs := make([]*models.Document, 0, len(m.coll(collection)))
	for _, d := range m.coll(collection) {
		docs = append(docs, d.Clone())
	}
	m.mu.Unlock()
	return filterAndSort(docs, opts), nil
}

// Set writes or merges a document.
func (m *Memory) Set(ctx context.Context, collection, id string, doc *models.Document, merge bool) error {
	if err := m.enter(OpSet, collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := doc.Clone()
	next.ID = id
	if merge {
		var base json.RawMessage
		if existing, ok := m.coll(collection)[id]; ok {
			base = existing.Data
		}
		data, err := MergeData(base, doc.Data)
		if err != nil {
			return apperrors.Permanent("merge "+collection+"/"+id, err)
		}
		next.Data = data
	}
	m.coll(collection)[id] = next
	return nil
}

// Delete removes a document; missing documents are ignored.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := m.enter(OpDelete, collection, id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.coll(collection), id)
	return nil
}

// Ping reports the injected failure state.
func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(OpPing, "", "")
}
