// Package repository is the read/write facade the application uses for one
// collection. Writes land in the local store and the outbox atomically and
// are pushed in the background; reads are served from the query cache or
// the local store and never wait on the network.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kimhsiao/stockledger/internal/cache"
	"github.com/kimhsiao/stockledger/internal/db"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	syncpkg "github.com/kimhsiao/stockledger/internal/sync"
	"github.com/kimhsiao/stockledger/internal/uuid"
)

// Syncer is the part of the reconciler the facade drives.
// *sync.Reconciler implements it.
type Syncer interface {
	Register(ctx context.Context, collection string) error
	SyncCollection(ctx context.Context, collection string) (*syncpkg.CollectionResult, error)
	Push(ctx context.Context, collection string) (*syncpkg.CollectionResult, error)
	Online() bool
}

// Deps are the shared collaborators of every repository.
type Deps struct {
	Store  *db.Store
	Syncer Syncer
	Cache  *cache.Cache[any]
	Logger *logging.Logger
}

// Query selects records. Where, OrderBy, Desc, Limit and Offset run in the
// local store; Match, when set, filters the result in memory.
type Query[F any] struct {
	Where   []db.Filter
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
	Match   func(*models.Record[F]) bool
	// Fresh bypasses the cache and, when online, pulls before reading.
	Fresh bool
}

func (q Query[F]) storeQuery() db.Query {
	return db.Query{Where: q.Where, OrderBy: q.OrderBy, Desc: q.Desc, Limit: q.Limit, Offset: q.Offset}
}

func (q Query[F]) cacheKey() (string, error) {
	key, err := json.Marshal(q.storeQuery())
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "encode query", err)
	}
	return string(key), nil
}

// Option configures Create.
type Option func(*createOptions)

type createOptions struct {
	id string
}

// WithID creates the record under id instead of a generated UUID.
func WithID(id string) Option {
	return func(o *createOptions) { o.id = id }
}

// ReadOption configures GetByID.
type ReadOption func(*readOptions)

type readOptions struct {
	fresh bool
}

// Fresh bypasses the cache and, when online, pulls before reading.
func Fresh() ReadOption {
	return func(o *readOptions) { o.fresh = true }
}

// validator is implemented by field types that check themselves before
// every insert and update.
type validator interface {
	Validate() error
}

// Repository is the facade over one collection with fields of type F.
type Repository[F any] struct {
	collection string
	store      *db.Store
	syncer     Syncer
	cache      *cache.Cache[any]
	logger     *logging.Logger

	wg sync.WaitGroup
}

// New creates the repository for collection and registers the collection
// with the reconciler.
func New[F any](ctx context.Context, collection string, deps Deps) (*Repository[F], error) {
	if deps.Store == nil || deps.Syncer == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "repository needs a store and a syncer")
	}
	if deps.Cache == nil {
		deps.Cache = cache.New[any](0, nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Get()
	}
	if err := deps.Syncer.Register(ctx, collection); err != nil {
		return nil, err
	}
	return &Repository[F]{
		collection: collection,
		store:      deps.Store,
		syncer:     deps.Syncer,
		cache:      deps.Cache,
		logger:     deps.Logger.Named("repository/" + collection),
	}, nil
}

// Collection returns the collection name.
func (r *Repository[F]) Collection() string {
	return r.collection
}

// CachePrefix is the prefix of every cache key owned by this repository.
func (r *Repository[F]) CachePrefix() string {
	return r.collection + ":"
}

func (r *Repository[F]) idKey(id string) string {
	return r.collection + ":id:" + id
}

func (r *Repository[F]) listKey(q string) string {
	return r.collection + ":list:" + q
}

// Create stores a new record with a generated id.
func (r *Repository[F]) Create(ctx context.Context, fields F, opts ...Option) (*models.Record[F], error) {
	o := createOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New()
	}
	return r.write(ctx, models.OperationInsert, o.id, fields)
}

// Update replaces the fields of an existing record.
func (r *Repository[F]) Update(ctx context.Context, id string, fields F) (*models.Record[F], error) {
	return r.write(ctx, models.OperationUpdate, id, fields)
}

// Delete removes a record. The deletion stays queued until the remote
// confirms it.
func (r *Repository[F]) Delete(ctx context.Context, id string) error {
	var zero F
	_, err := r.write(ctx, models.OperationDelete, id, zero)
	return err
}

// write applies one local mutation and its change-log entry in a single
// transaction, then hands the entry to the reconciler.
func (r *Repository[F]) write(ctx context.Context, op models.Operation, id string, fields F) (*models.Record[F], error) {
	if id == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "record id is required")
	}
	if v, ok := any(fields).(validator); ok && op != models.OperationDelete {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	tx, err := r.store.Begin(ctx, r.collection)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := tx.Get(id)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}
	switch {
	case op == models.OperationInsert && existing != nil:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%s/%s already exists", r.collection, id))
	case op != models.OperationInsert && existing == nil:
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s/%s not found", r.collection, id))
	}

	var floor int64
	if existing != nil {
		floor = existing.LastModified
	}
	ts, err := tx.NextTimestamp(floor)
	if err != nil {
		return nil, err
	}

	rec := &models.Record[F]{ID: id, Fields: fields, LastModified: ts}
	doc, err := rec.ToDocument()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode record", err)
	}
	if op == models.OperationDelete {
		err = tx.Delete(id)
	} else {
		err = tx.Upsert(doc)
	}
	if err != nil {
		return nil, err
	}

	change := doc
	if op == models.OperationUpdate {
		change = &models.Document{ID: id, Data: withClearedFields(existing.Data, doc.Data), LastModified: ts}
	}
	entry, err := models.NewChangeLogEntry(r.collection, op, change)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode change", err)
	}
	entry.Timestamp = ts
	if err := tx.AppendChangeLog(entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	r.cache.InvalidatePrefix(r.CachePrefix())
	r.propagate(ctx, entry)

	if op == models.OperationDelete {
		return nil, nil
	}
	return rec, nil
}

// propagate pushes a committed change. Online, the outbox is drained in
// the background; offline, the entry waits for the next sync cycle. A
// failed push leaves the entry queued either way.
func (r *Repository[F]) propagate(ctx context.Context, entry *models.ChangeLogEntry) {
	fields := map[string]interface{}{
		"document_id": entry.DocumentID,
		"operation":   entry.Operation,
		"seq":         entry.Seq,
	}

	if !r.syncer.Online() {
		r.logger.Debug("Offline, change queued", fields)
		return
	}

	pushCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if _, err := r.syncer.Push(pushCtx, r.collection); err != nil {
			fields["error"] = err.Error()
			r.logger.Warn("Write-through failed, change stays queued", fields)
		}
	}()
}

// GetByID returns a record from the cache or the local store. A missing
// record is a NOT_FOUND error; connectivity never causes an error.
func (r *Repository[F]) GetByID(ctx context.Context, id string, opts ...ReadOption) (*models.Record[F], error) {
	o := readOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	key := r.idKey(id)

	if !o.fresh {
		if v, ok := r.cache.Get(key); ok {
			return r.decode(v.(*models.Document))
		}
	} else {
		r.pullNow(ctx)
	}

	load := func(ctx context.Context) (any, error) {
		return r.store.Get(ctx, r.collection, id)
	}

	v, err := r.readThrough(ctx, key, load)
	if !o.fresh {
		r.refresh(ctx, key, load)
	}
	if err != nil {
		return nil, err
	}
	return r.decode(v.(*models.Document))
}

// List returns the records matching q from the cache or the local store.
func (r *Repository[F]) List(ctx context.Context, q Query[F]) ([]*models.Record[F], error) {
	qk, err := q.cacheKey()
	if err != nil {
		return nil, err
	}
	key := r.listKey(qk)

	if !q.Fresh {
		if v, ok := r.cache.Get(key); ok {
			return r.decodeAll(v.([]*models.Document), q.Match)
		}
	} else {
		r.pullNow(ctx)
	}

	sq := q.storeQuery()
	load := func(ctx context.Context) (any, error) {
		return r.store.Query(ctx, r.collection, sq)
	}

	v, err := r.readThrough(ctx, key, load)
	if !q.Fresh {
		r.refresh(ctx, key, load)
	}
	if err != nil {
		return nil, err
	}
	return r.decodeAll(v.([]*models.Document), q.Match)
}

// readThrough loads key from the local store and caches it unless an
// invalidation raced the load.
func (r *Repository[F]) readThrough(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	gen := r.cache.Generation()
	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.SetIfGeneration(key, v, gen)
	return v, nil
}

// pullNow runs a sync cycle before a fresh read. Failures are logged; the
// read still answers from the local store.
func (r *Repository[F]) pullNow(ctx context.Context) {
	if !r.syncer.Online() {
		return
	}
	res, err := r.syncer.SyncCollection(ctx, r.collection)
	if err != nil {
		r.logger.Warn("Fresh read could not sync, serving local data", map[string]interface{}{"error": err.Error()})
	}
	if res != nil && res.Downloaded+res.Pruned > 0 {
		r.cache.InvalidatePrefix(r.CachePrefix())
	}
}

// refresh pulls in the background after a cache miss and, when the pull
// changed the collection, reloads key into the cache.
func (r *Repository[F]) refresh(ctx context.Context, key string, load func(context.Context) (any, error)) {
	if !r.syncer.Online() {
		return
	}
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		res, err := r.syncer.SyncCollection(bg, r.collection)
		if err != nil {
			r.logger.Debug("Background refresh failed", map[string]interface{}{"error": err.Error()})
			return
		}
		if res == nil || res.Downloaded+res.Pruned == 0 {
			return
		}
		r.cache.InvalidatePrefix(r.CachePrefix())
		if _, err := r.readThrough(bg, key, load); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			r.logger.Warn("Reload after refresh failed", map[string]interface{}{"key": key, "error": err.Error()})
		}
	}()
}

// Sync runs a reconcile cycle for this collection and waits for it.
func (r *Repository[F]) Sync(ctx context.Context) (*syncpkg.CollectionResult, error) {
	res, err := r.syncer.SyncCollection(ctx, r.collection)
	if res != nil && res.Downloaded+res.Pruned > 0 {
		r.cache.InvalidatePrefix(r.CachePrefix())
	}
	return res, err
}

// Invalidate expires cached reads. With no ids the whole collection is
// expired; otherwise the given records and every cached list.
func (r *Repository[F]) Invalidate(ids ...string) {
	if len(ids) == 0 {
		r.cache.InvalidatePrefix(r.CachePrefix())
		return
	}
	for _, id := range ids {
		r.cache.Invalidate(r.idKey(id))
	}
	r.cache.InvalidatePrefix(r.collection + ":list:")
}

// IsPending reports whether id has local changes the remote has not
// acknowledged.
func (r *Repository[F]) IsPending(ctx context.Context, id string) (bool, error) {
	return r.store.HasPending(ctx, r.collection, id)
}

// Wait blocks until background pushes and refreshes have finished.
func (r *Repository[F]) Wait() {
	r.wg.Wait()
}

// decode builds a caller-owned record from a cached document. The cache
// only ever holds documents, so callers cannot reach cached memory.
func (r *Repository[F]) decode(doc *models.Document) (*models.Record[F], error) {
	rec, err := models.RecordFromDocument[F](doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode "+r.collection+"/"+doc.ID, err)
	}
	return rec, nil
}

func (r *Repository[F]) decodeAll(docs []*models.Document, match func(*models.Record[F]) bool) ([]*models.Record[F], error) {
	out := make([]*models.Record[F], 0, len(docs))
	for _, doc := range docs {
		rec, err := r.decode(doc)
		if err != nil {
			return nil, err
		}
		if match != nil && !match(rec) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// withClearedFields returns next with an explicit null for every top-level
// field of prev that next no longer carries, so a merging push removes it
// remotely. Non-object data is returned unchanged.
func withClearedFields(prev, next json.RawMessage) json.RawMessage {
	var prevFields, nextFields map[string]json.RawMessage
	if json.Unmarshal(prev, &prevFields) != nil || json.Unmarshal(next, &nextFields) != nil || nextFields == nil {
		return next
	}
	cleared := false
	for k := range prevFields {
		if _, ok := nextFields[k]; !ok {
			nextFields[k] = json.RawMessage("null")
			cleared = true
		}
	}
	if !cleared {
		return next
	}
	out, err := json.Marshal(nextFields)
	if err != nil {
		return next
	}
	return out
}
