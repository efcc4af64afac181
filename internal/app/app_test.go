package app

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/stockledger/internal/clock"
	"github.com/kimhsiao/stockledger/internal/config"
	"github.com/kimhsiao/stockledger/internal/entities"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
)

func newTestApp(t *testing.T) (*App, *remote.Memory) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	mem := remote.NewMemory()
	a, err := New(context.Background(), cfg, Options{
		Clock:  clock.NewManualMillis(10_000),
		Remote: mem,
		Logger: logging.New(io.Discard, logging.LevelError),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a, mem
}

func TestNew_registersCollections(t *testing.T) {
	a, _ := newTestApp(t)

	assert.ElementsMatch(t, entities.Collections(), a.Reconciler.Collections())
	for _, name := range entities.Collections() {
		c, err := a.Collection(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}

	_, err := a.Collection("widgets")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnknownCollection))
}

func TestNew_invalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Remote.Type = "ftp"

	_, err := New(context.Background(), cfg, Options{Logger: logging.New(io.Discard, logging.LevelError)})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestCollection_putOfflineThenSync(t *testing.T) {
	a, mem := newTestApp(t)
	ctx := context.Background()
	a.Monitor.Set(false)

	parts, err := a.Collection(entities.CollectionParts)
	require.NoError(t, err)

	// Put on a missing id creates it.
	v, err := parts.Put(ctx, "p1", json.RawMessage(`{"name":"gasket","quantity":4,"unit_price":250}`))
	require.NoError(t, err)
	rec := v.(*models.Record[entities.Part])
	assert.Equal(t, "p1", rec.ID)
	assert.Equal(t, 4, rec.Fields.Quantity)

	// A second Put updates.
	_, err = parts.Put(ctx, "p1", json.RawMessage(`{"name":"gasket","quantity":3,"unit_price":250}`))
	require.NoError(t, err)

	pending, err := parts.IsPending(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, 0, mem.Len(entities.CollectionParts))

	a.Monitor.Set(true)
	result, err := a.Scheduler.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Uploaded)

	doc := mem.Doc(entities.CollectionParts, "p1")
	require.NotNil(t, doc)
	assert.JSONEq(t, `{"name":"gasket","quantity":3,"unit_price":250}`, string(doc.Data))

	pending, err = parts.IsPending(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCollection_clearedFieldConverges(t *testing.T) {
	a, mem := newTestApp(t)
	ctx := context.Background()
	a.Monitor.Set(false)
	parts, _ := a.Collection(entities.CollectionParts)

	_, err := parts.Put(ctx, "p1", json.RawMessage(`{"name":"bolt","quantity":1,"unit_price":5,"supplier_id":"s1"}`))
	require.NoError(t, err)
	a.Monitor.Set(true)
	_, err = a.Scheduler.SyncNow(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"bolt","quantity":1,"unit_price":5,"supplier_id":"s1"}`, string(mem.Doc(entities.CollectionParts, "p1").Data))

	a.Monitor.Set(false)
	_, err = parts.Put(ctx, "p1", json.RawMessage(`{"name":"bolt","quantity":1,"unit_price":5}`))
	require.NoError(t, err)
	a.Monitor.Set(true)
	_, err = a.Scheduler.SyncNow(ctx)
	require.NoError(t, err)

	local, err := a.Store.Get(ctx, entities.CollectionParts, "p1")
	require.NoError(t, err)
	remoteDoc := mem.Doc(entities.CollectionParts, "p1")
	assert.JSONEq(t, string(local.Data), string(remoteDoc.Data))
	assert.Equal(t, local.LastModified, remoteDoc.LastModified)
	assert.NotContains(t, string(remoteDoc.Data), "supplier_id")
}

func TestCollection_putValidation(t *testing.T) {
	a, _ := newTestApp(t)
	a.Monitor.Set(false)
	parts, _ := a.Collection(entities.CollectionParts)

	_, err := parts.Put(context.Background(), "", json.RawMessage(`{"quantity":1}`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = parts.Put(context.Background(), "", json.RawMessage(`[1,2]`))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestCollection_listAndDelete(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()
	a.Monitor.Set(false)
	suppliers, _ := a.Collection(entities.CollectionSuppliers)

	_, err := suppliers.Put(ctx, "s1", json.RawMessage(`{"name":"Acme"}`))
	require.NoError(t, err)
	_, err = suppliers.Put(ctx, "s2", json.RawMessage(`{"name":"Globex"}`))
	require.NoError(t, err)

	v, err := suppliers.List(ctx, ListParams{OrderBy: "name", Desc: true})
	require.NoError(t, err)
	recs := v.([]*models.Record[entities.Supplier])
	require.Len(t, recs, 2)
	assert.Equal(t, "Globex", recs[0].Fields.Name)

	require.NoError(t, suppliers.Delete(ctx, "s1"))
	_, err = suppliers.Get(ctx, "s1", false)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestApplyConfig(t *testing.T) {
	a, _ := newTestApp(t)

	cfg := a.Config
	cfg.Cache.TTL = config.Duration(30 * time.Second)
	cfg.Logger.Level = "debug"
	a.ApplyConfig(cfg)

	assert.Equal(t, 30*time.Second, a.Cache.TTL())
	assert.Equal(t, logging.LevelDebug, a.logger.Level())
}

func TestNewRemote(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.RemoteConfig
		want    interface{}
		wantErr bool
	}{
		{"memory", config.RemoteConfig{Type: config.RemoteMemory}, &remote.Memory{}, false},
		{"http", config.RemoteConfig{Type: config.RemoteHTTP, URL: "http://localhost:8090"}, &remote.HTTPClient{}, false},
		{"s3", config.RemoteConfig{Type: config.RemoteS3, Endpoint: "http://localhost:9000", Bucket: "b"}, &remote.S3Store{}, false},
		{"aws", config.RemoteConfig{Type: config.RemoteAWS, Bucket: "b", Region: "eu-west-1"}, &remote.S3Store{}, false},
		{"minio", config.RemoteConfig{Type: config.RemoteMinIO, Endpoint: "localhost:9000", Bucket: "b"}, &remote.S3Store{}, false},
		{"r2 bad account", config.RemoteConfig{Type: config.RemoteR2, AccountID: "nope", Bucket: "b"}, nil, true},
		{"unknown", config.RemoteConfig{Type: "ftp"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewRemote(tt.cfg)
			if tt.wantErr {
				assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.want, got)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, closer, err := NewLogger(config.LoggerConfig{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, logger.Level())
	assert.NoError(t, closer.Close())

	_, _, err = NewLogger(config.LoggerConfig{Level: "chatty"})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}
