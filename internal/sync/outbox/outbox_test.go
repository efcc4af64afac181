package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/db"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
)

func newTestOutbox(t *testing.T) (*Outbox, *db.Store) {
	t.Helper()
	store, err := db.OpenStore(t.TempDir(), clock.NewManualMillis(1_000))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureCollection(context.Background(), "parts"))
	return New(store, logging.New(&bytes.Buffer{}, logging.LevelDebug)), store
}

func enqueue(t *testing.T, store *db.Store, op models.Operation, id, data string) *models.ChangeLogEntry {
	t.Helper()
	tx, err := store.Begin(context.Background(), "parts")
	require.NoError(t, err)
	defer tx.Rollback()

	ts, err := tx.NextTimestamp(0)
	require.NoError(t, err)
	d := &models.Document{ID: id, Data: json.RawMessage(data), LastModified: ts}
	if op == models.OperationDelete {
		require.NoError(t, tx.Delete(id))
	} else {
		require.NoError(t, tx.Upsert(d))
	}
	entry, err := models.NewChangeLogEntry("parts", op, d)
	require.NoError(t, err)
	entry.Timestamp = ts
	require.NoError(t, tx.AppendChangeLog(entry))
	require.NoError(t, tx.Commit())
	return entry
}

func TestOutbox_fifoAndAck(t *testing.T) {
	ctx := context.Background()
	ob, store := newTestOutbox(t)

	first := enqueue(t, store, models.OperationInsert, "p1", `{"a":1}`)
	second := enqueue(t, store, models.OperationUpdate, "p1", `{"a":2}`)

	pending, err := ob.Pending(ctx, "parts")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.Seq, pending[0].Seq)
	assert.Equal(t, second.Seq, pending[1].Seq)

	require.NoError(t, ob.Ack(ctx, pending[0]))
	size, err := ob.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestOutbox_failKeepsEntry(t *testing.T) {
	ctx := context.Background()
	ob, store := newTestOutbox(t)
	enqueue(t, store, models.OperationInsert, "p1", `{}`)

	pending, _ := ob.Pending(ctx, "parts")
	require.NoError(t, ob.Fail(ctx, pending[0], apperrors.Transient("set", nil)))

	stats, err := ob.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Retrying)
	assert.Equal(t, 1, stats.PerCollection["parts"])
	assert.NotZero(t, stats.OldestAt)
}

func TestOutbox_dropAndSupersede(t *testing.T) {
	ctx := context.Background()
	ob, store := newTestOutbox(t)
	a := enqueue(t, store, models.OperationInsert, "p1", `{}`)
	enqueue(t, store, models.OperationUpdate, "p1", `{}`)
	enqueue(t, store, models.OperationInsert, "p2", `{}`)

	require.NoError(t, ob.Drop(ctx, a, apperrors.Permanent("set", nil)))

	n, err := ob.Supersede(ctx, "parts", "p1", time.Now().UnixMilli()+1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, _ := ob.Pending(ctx, "parts")
	require.Len(t, pending, 1)
	assert.Equal(t, "p2", pending[0].DocumentID)
}

func TestReplay_idempotent(t *testing.T) {
	ctx := context.Background()
	_, store := newTestOutbox(t)
	rs := remote.NewMemory()

	ins := enqueue(t, store, models.OperationInsert, "p1", `{"name":"bolt","qty":1}`)
	upd := enqueue(t, store, models.OperationUpdate, "p1", `{"qty":2}`)

	for i := 0; i < 2; i++ {
		require.NoError(t, Replay(ctx, rs, ins))
		require.NoError(t, Replay(ctx, rs, upd))
	}
	doc := rs.Doc("parts", "p1")
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"name":"bolt","qty":2}`, string(doc.Data))
	assert.Equal(t, upd.Timestamp, doc.LastModified)

	del := enqueue(t, store, models.OperationDelete, "p1", `{}`)
	require.NoError(t, Replay(ctx, rs, del))
	require.NoError(t, Replay(ctx, rs, del))
	assert.Nil(t, rs.Doc("parts", "p1"))
}

func TestReplay_badEntries(t *testing.T) {
	rs := remote.NewMemory()

	err := Replay(context.Background(), rs, &models.ChangeLogEntry{Collection: "parts", DocumentID: "x", Payload: []byte("{")})
	assert.True(t, apperrors.IsPermanent(err))

	err = Replay(context.Background(), rs, &models.ChangeLogEntry{Collection: "parts", DocumentID: "x", Operation: "UPSERT", Payload: []byte("{}")})
	assert.True(t, apperrors.IsPermanent(err))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{100, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts), "attempts=%d", tt.attempts)
	}
}
