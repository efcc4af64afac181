package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/connectivity"
	"github.com/kimhsiao/stockledger/internal/db"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
)

const customers = "customers"

type harness struct {
	store   *db.Store
	remote  *remote.Memory
	monitor *connectivity.Monitor
	clock   *clock.Manual
	rec     *Reconciler
	events  *eventRecorder
}

type eventRecorder struct {
	mu     stdsync.Mutex
	events []SyncEvent
}

func (r *eventRecorder) OnSyncEvent(event SyncEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) types() []SyncEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SyncEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newHarness(t *testing.T, online bool, opts Options) *harness {
	t.Helper()
	clk := clock.NewManualMillis(1000)
	store, err := db.OpenStore(t.TempDir(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:   store,
		remote:  remote.NewMemory(),
		monitor: connectivity.NewMonitor(online, clk),
		clock:   clk,
		events:  &eventRecorder{},
	}
	h.rec = NewReconciler(store, h.remote, h.monitor, clk, logging.New(io.Discard, logging.LevelError), opts)
	h.rec.SetEventHandler(h.events)
	require.NoError(t, h.rec.Register(context.Background(), customers))
	return h
}

func doc(id string, lastModified int64, fields map[string]interface{}) *models.Document {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	data, _ := json.Marshal(fields)
	return &models.Document{ID: id, Data: data, LastModified: lastModified}
}

// write mimics a facade write: record and change-log entry in one transaction.
func (h *harness) write(t *testing.T, op models.Operation, d *models.Document) {
	t.Helper()
	tx, err := h.store.Begin(context.Background(), customers)
	require.NoError(t, err)
	defer tx.Rollback()

	ts, err := tx.NextTimestamp(0)
	require.NoError(t, err)
	d.LastModified = ts
	if op == models.OperationDelete {
		require.NoError(t, tx.Delete(d.ID))
	} else {
		require.NoError(t, tx.Upsert(d))
	}
	entry, err := models.NewChangeLogEntry(customers, op, d)
	require.NoError(t, err)
	entry.Timestamp = ts
	require.NoError(t, tx.AppendChangeLog(entry))
	require.NoError(t, tx.Commit())
}

func (h *harness) pending(t *testing.T) []*models.ChangeLogEntry {
	t.Helper()
	entries, err := h.store.ListUnsyncedChangeLog(context.Background(), customers)
	require.NoError(t, err)
	return entries
}

func (h *harness) local(t *testing.T, id string) *models.Document {
	t.Helper()
	d, err := h.store.Get(context.Background(), customers, id)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return d
}

func TestNewReconciler(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())

	assert.Equal(t, SyncStatusIdle, h.rec.Status())
	assert.Nil(t, h.rec.LastSync())
	assert.Zero(t, h.rec.PendingChanges())
	assert.NoError(t, h.rec.LastError())
	assert.Equal(t, []string{customers}, h.rec.Collections())

	require.NoError(t, h.rec.Register(context.Background(), customers))
	assert.Len(t, h.rec.Collections(), 1, "Register is idempotent")
	assert.Error(t, h.rec.Register(context.Background(), "Bad Name"))
}

func TestSync_offlineCreateThenReconnect(t *testing.T) {
	h := newHarness(t, false, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, map[string]interface{}{"name": "Acme"}))

	a := h.local(t, "c1")
	require.NotNil(t, a)
	assert.Equal(t, int64(1000), a.LastModified)
	require.Len(t, h.pending(t), 1)
	assert.Equal(t, models.OperationInsert, h.pending(t)[0].Operation)

	res, err := h.rec.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Zero(t, h.remote.Calls(remote.OpList), "offline cycle must not touch the remote")
	require.Len(t, h.pending(t), 1)

	h.monitor.Set(true)
	res, err = h.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	remoteDoc := h.remote.Doc(customers, "c1")
	require.NotNil(t, remoteDoc)
	assert.Equal(t, int64(1000), remoteDoc.LastModified)
	assert.JSONEq(t, `{"name":"Acme"}`, string(remoteDoc.Data))
	assert.Empty(t, h.pending(t))
	assert.Equal(t, SyncStatusIdle, h.rec.Status())
	assert.NotNil(t, h.rec.LastSync())
	assert.Zero(t, h.rec.PendingChanges())
}

func TestPull_localNewerIsKept(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, map[string]interface{}{"name": "local"}))
	h.remote.Put(customers, doc("c1", 900, map[string]interface{}{"name": "remote"}))

	result := &CollectionResult{}
	require.NoError(t, h.rec.pull(ctx, customers, result))

	a := h.local(t, "c1")
	assert.Equal(t, int64(1000), a.LastModified)
	assert.JSONEq(t, `{"name":"local"}`, string(a.Data))
	assert.Len(t, h.pending(t), 1, "local change stays queued")
	assert.Equal(t, 1, result.Conflicts)

	logs, err := h.store.ListConflictLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionLocalWins, logs[0].Resolution)
	assert.Contains(t, h.events.types(), SyncEventConflictResolved)
}

func TestPull_remoteNewerWins(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, map[string]interface{}{"name": "local"}))
	h.remote.Put(customers, doc("c1", 5000, map[string]interface{}{"name": "remote"}))

	result := &CollectionResult{}
	require.NoError(t, h.rec.pull(ctx, customers, result))

	a := h.local(t, "c1")
	assert.Equal(t, int64(5000), a.LastModified)
	assert.JSONEq(t, `{"name":"remote"}`, string(a.Data))
	assert.Empty(t, h.pending(t), "superseded local change is discarded")
	assert.Equal(t, 1, result.Downloaded)

	logs, err := h.store.ListConflictLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ResolutionRemoteWins, logs[0].Resolution)
}

func TestPull_lastWriterWins(t *testing.T) {
	tests := []struct {
		name   string
		local  int64
		remote int64
		want   string
	}{
		{"remote newer", 1000, 2000, "remote"},
		{"local newer", 2000, 1000, "local"},
		{"tie keeps local", 1500, 1500, "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, DefaultOptions())
			ctx := context.Background()

			require.NoError(t, h.store.Upsert(ctx, customers, doc("c1", tt.local, map[string]interface{}{"v": "local"})))
			h.remote.Put(customers, doc("c1", tt.remote, map[string]interface{}{"v": "remote"}))

			require.NoError(t, h.rec.pull(ctx, customers, &CollectionResult{}))

			got := h.local(t, "c1")
			var fields map[string]string
			require.NoError(t, json.Unmarshal(got.Data, &fields))
			assert.Equal(t, tt.want, fields["v"])
			assert.Equal(t, max(tt.local, tt.remote), got.LastModified)
		})
	}
}

func TestPull_insertsAndPrunes(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, h.store.Upsert(ctx, customers, doc("gone", 10, nil)))
	h.write(t, models.OperationInsert, doc("mine", 0, map[string]interface{}{"n": 1}))
	h.remote.Put(customers, doc("new", 50, map[string]interface{}{"n": 2}))

	result := &CollectionResult{}
	require.NoError(t, h.rec.pull(ctx, customers, result))

	assert.NotNil(t, h.local(t, "new"))
	assert.Nil(t, h.local(t, "gone"), "remote-deleted row is pruned")
	assert.NotNil(t, h.local(t, "mine"), "unpushed row survives pruning")
	assert.Equal(t, 1, result.Downloaded)
	assert.Equal(t, 1, result.Pruned)
	assert.Nil(t, h.remote.Doc(customers, "mine"))
	assert.Contains(t, h.events.types(), SyncEventRecordPruned)

	cursor, err := h.store.GetCursor(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cursor.LastPulledAt)
}

func TestPull_incremental(t *testing.T) {
	opts := DefaultOptions()
	opts.IncrementalPull = true
	h := newHarness(t, true, opts)
	ctx := context.Background()

	h.remote.Put(customers, doc("a", 100, nil))
	require.NoError(t, h.rec.pull(ctx, customers, &CollectionResult{}))

	require.NoError(t, h.store.Upsert(ctx, customers, doc("local-only", 10, nil)))
	h.remote.Put(customers, doc("b", 200, nil))
	result := &CollectionResult{}
	require.NoError(t, h.rec.pull(ctx, customers, result))

	assert.Equal(t, 1, result.Downloaded, "only documents after the cursor")
	assert.NotNil(t, h.local(t, "local-only"), "incremental pulls never prune")
	cursor, err := h.store.GetCursor(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, int64(200), cursor.LastPulledAt)
}

func TestPull_pendingDeleteBeatsOlderRemote(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, nil))
	h.write(t, models.OperationDelete, &models.Document{ID: "c1"})
	h.remote.Put(customers, doc("c1", 500, nil))

	require.NoError(t, h.rec.pull(ctx, customers, &CollectionResult{}))
	assert.Nil(t, h.local(t, "c1"), "tombstone is not resurrected")
	assert.Len(t, h.pending(t), 2)

	_, err := h.rec.SyncCollection(ctx, customers)
	require.NoError(t, err)
	assert.Nil(t, h.remote.Doc(customers, "c1"))
	assert.Empty(t, h.pending(t))
}

func TestPush_orderingAndTransientStop(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, map[string]interface{}{"name": "v1"}))
	h.write(t, models.OperationUpdate, doc("c1", 0, map[string]interface{}{"name": "v2"}))
	h.write(t, models.OperationInsert, doc("c2", 0, nil))

	var (
		mu    stdsync.Mutex
		order []string
	)
	h.remote.OnCall(func(op, collection, id string) {
		if op == remote.OpSet {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}
	})
	h.remote.FailNext(remote.OpSet, nil)
	h.remote.FailNext(remote.OpSet, apperrors.Transient("set", errors.New("503")))

	res, err := h.rec.Push(ctx, customers)
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 2, res.Remaining)

	entries := h.pending(t)
	require.Len(t, entries, 2, "nothing after the failed entry is pushed")
	assert.Equal(t, models.OperationUpdate, entries[0].Operation)
	assert.Equal(t, 1, entries[0].Attempts)
	assert.Nil(t, h.remote.Doc(customers, "c2"))
	assert.Len(t, h.rec.GetErrorHistory(), 1)

	res, err = h.rec.Push(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, []string{"c1", "c1", "c1", "c2"}, order)
	assert.JSONEq(t, `{"name":"v2"}`, string(h.remote.Doc(customers, "c1").Data))
}

func TestPush_permanentFailureDrops(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, nil))
	h.write(t, models.OperationInsert, doc("c2", 0, nil))
	h.remote.FailNext(remote.OpSet, apperrors.Permanent("set", errors.New("403")))

	res, err := h.rec.Push(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, res.Uploaded)
	assert.Empty(t, h.pending(t))
	assert.Nil(t, h.remote.Doc(customers, "c1"))
	assert.NotNil(t, h.remote.Doc(customers, "c2"), "later entries are not blocked")
	assert.Contains(t, h.events.types(), SyncEventEntryDropped)

	history := h.rec.GetErrorHistory()
	require.Len(t, history, 1)
	assert.Equal(t, string(apperrors.ErrRemotePermanent), history[0].Code)
	h.rec.ClearErrorHistory()
	assert.Empty(t, h.rec.GetErrorHistory())
}

func TestSyncCollection_droppedInsertSurvivesPrune(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, map[string]interface{}{"name": "Acme"}))
	h.remote.FailNext(remote.OpSet, apperrors.Permanent("set", errors.New("422")))

	res, err := h.rec.SyncCollection(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	require.NotNil(t, h.local(t, "c1"))

	res, err = h.rec.SyncCollection(ctx, customers)
	require.NoError(t, err)
	assert.Zero(t, res.Pruned)
	assert.NotNil(t, h.local(t, "c1"), "a dropped change keeps its local row")
	assert.NotContains(t, h.events.types(), SyncEventRecordPruned)

	// A later accepted change clears the marker; remote deletions prune again.
	h.write(t, models.OperationUpdate, doc("c1", 0, map[string]interface{}{"name": "Acme Ltd"}))
	res, err = h.rec.SyncCollection(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	require.NoError(t, h.remote.Delete(ctx, customers, "c1"))
	res, err = h.rec.SyncCollection(ctx, customers)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)
	assert.Nil(t, h.local(t, "c1"))
	assert.Contains(t, h.events.types(), SyncEventRecordPruned)
}

func TestPush_offline(t *testing.T) {
	h := newHarness(t, false, DefaultOptions())
	h.write(t, models.OperationInsert, doc("c1", 0, nil))

	res, err := h.rec.Push(context.Background(), customers)
	assert.True(t, apperrors.Is(err, apperrors.ErrOffline))
	assert.True(t, res.Offline)
	assert.Zero(t, h.remote.Calls(remote.OpSet))
}

func TestPush_idempotentReplay(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	ctx := context.Background()

	h.write(t, models.OperationInsert, doc("c1", 0, map[string]interface{}{"name": "Acme"}))
	entry := h.pending(t)[0]

	_, err := h.rec.Push(ctx, customers)
	require.NoError(t, err)
	once := h.remote.Doc(customers, "c1")

	// Simulate a crash before the ack: the same entry is replayed.
	tx, err := h.store.Begin(ctx, customers)
	require.NoError(t, err)
	entry.Timestamp = 0
	require.NoError(t, tx.AppendChangeLog(entry))
	require.NoError(t, tx.Commit())
	_, err = h.rec.Push(ctx, customers)
	require.NoError(t, err)

	assert.JSONEq(t, string(once.Data), string(h.remote.Doc(customers, "c1").Data))
	assert.Equal(t, 1, h.remote.Len(customers))
}

func TestSyncCollection_singleFlight(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())

	entered := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	h.remote.OnCall(func(op, collection, id string) {
		if op == remote.OpList {
			once.Do(func() { close(entered) })
			<-release
		}
	})

	type outcome struct {
		res *CollectionResult
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := h.rec.SyncCollection(context.Background(), customers)
		first <- outcome{res, err}
	}()
	<-entered
	assert.Equal(t, SyncStatusSyncing, h.rec.Status())

	second := make(chan outcome, 1)
	go func() {
		res, err := h.rec.SyncCollection(context.Background(), customers)
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	a, b := <-first, <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Same(t, a.res, b.res, "second caller shares the in-flight result")
	assert.Equal(t, 1, h.remote.Calls(remote.OpList))
}

func TestSyncCollection_callerCancelDoesNotStopCycle(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	h.write(t, models.OperationInsert, doc("c1", 0, nil))

	release := make(chan struct{})
	h.remote.OnCall(func(op, collection, id string) {
		if op == remote.OpList {
			<-release
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.rec.SyncCollection(ctx, customers)
		done <- err
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	assert.Eventually(t, func() bool {
		return h.remote.Doc(customers, "c1") != nil
	}, time.Second, 5*time.Millisecond)
}

func TestSync_failureStatusAndEvents(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	h.remote.FailAll(apperrors.Transient("list", errors.New("timeout")))

	res, err := h.rec.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed))
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, SyncStatusFailed, h.rec.Status())
	assert.Error(t, h.rec.LastError())
	assert.Equal(t, []SyncEventType{SyncEventStarted, SyncEventFailed}, h.events.types())

	h.remote.FailAll(nil)
	_, err = h.rec.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncStatusIdle, h.rec.Status())
	assert.NoError(t, h.rec.LastError())
}

func TestSync_multipleCollections(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConcurrency = 2
	h := newHarness(t, true, opts)
	ctx := context.Background()
	require.NoError(t, h.rec.Register(ctx, "invoices"))

	h.write(t, models.OperationInsert, doc("c1", 0, nil))
	h.remote.Put("invoices", doc("i1", 10, nil))

	res, err := h.rec.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Collections, 2)
	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Downloaded)

	got, err := h.store.Get(ctx, "invoices", "i1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.LastModified)
}

func TestErrorHistoryBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.ErrorHistory = 3
	h := newHarness(t, true, opts)

	for i := 0; i < 5; i++ {
		h.rec.recordError(customers, "", "pull", errors.New("boom"))
	}
	assert.Len(t, h.rec.GetErrorHistory(), 3)
}

func TestSetEventHandler_nil(t *testing.T) {
	h := newHarness(t, true, DefaultOptions())
	h.rec.SetEventHandler(nil)
	assert.NotPanics(t, func() { h.rec.emitEvent(SyncEvent{Type: SyncEventStarted}) })

	var got SyncEvent
	h.rec.SetEventHandler(SyncEventHandlerFunc(func(e SyncEvent) { got = e }))
	h.rec.emitEvent(SyncEvent{Type: SyncEventStarted})
	assert.Equal(t, SyncEventStarted, got.Type)
	assert.False(t, got.Timestamp.IsZero())
}
