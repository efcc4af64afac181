package docserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/logging"
	"github.com/kimhsiao/stockledger/internal/models"
	"github.com/kimhsiao/stockledger/internal/sync/remote"
)

func newTestServer(t *testing.T, token string) (*remote.Memory, *remote.HTTPClient, *httptest.Server) {
	t.Helper()
	mem := remote.NewMemory()
	srv := NewServer(mem, Config{Token: token}, logging.New(&bytes.Buffer{}, logging.LevelDebug))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: ts.URL, Token: token})
	return mem, client, ts
}

func TestServer_clientRoundTrip(t *testing.T) {
	ctx := context.Background()
	mem, client, _ := newTestServer(t, "")

	require.NoError(t, client.Ping(ctx))

	require.NoError(t, client.Set(ctx, "parts", "p1", &models.Document{Data: json.RawMessage(`{"name":"bolt","qty":1}`), LastModified: 10}, true))
	require.NoError(t, client.Set(ctx, "parts", "p1", &models.Document{Data: json.RawMessage(`{"qty":2}`), LastModified: 20}, true))
	assert.JSONEq(t, `{"name":"bolt","qty":2}`, string(mem.Doc("parts", "p1").Data))

	got, err := client.Get(ctx, "parts", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.LastModified)

	_, err = client.Get(ctx, "parts", "nope")
	assert.True(t, remote.IsNotFound(err))

	mem.Put("parts", &models.Document{ID: "p0", Data: json.RawMessage(`{}`), LastModified: 5})
	docs, err := client.List(ctx, "parts", remote.ListOptions{OrderBy: remote.OrderByLastModified})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "p0", docs[0].ID)

	docs, err = client.List(ctx, "parts", remote.ListOptions{Since: 10})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	empty, err := client.List(ctx, "suppliers", remote.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, client.Delete(ctx, "parts", "p1"))
	require.NoError(t, client.Delete(ctx, "parts", "p1"))
	assert.Nil(t, mem.Doc("parts", "p1"))
}

func TestServer_errorMapping(t *testing.T) {
	ctx := context.Background()
	mem, client, _ := newTestServer(t, "")

	mem.FailNext(remote.OpSet, apperrors.Transient("backend", nil))
	err := client.Set(ctx, "parts", "p1", &models.Document{LastModified: 1}, false)
	assert.True(t, apperrors.IsTransient(err), "503 is transient: %v", err)

	mem.FailNext(remote.OpSet, apperrors.Permanent("rejected", nil))
	err = client.Set(ctx, "parts", "p1", &models.Document{LastModified: 1}, false)
	assert.True(t, apperrors.IsPermanent(err), "422 is permanent: %v", err)

	err = client.Set(ctx, "parts", "p1", &models.Document{}, false)
	assert.True(t, apperrors.IsPermanent(err), "missing last_modified is permanent")

	mem.FailAll(apperrors.Transient("down", nil))
	assert.True(t, apperrors.IsTransient(client.Ping(ctx)))
}

func TestServer_token(t *testing.T) {
	ctx := context.Background()
	_, client, ts := newTestServer(t, "s3cret")

	require.NoError(t, client.Set(ctx, "parts", "p1", &models.Document{LastModified: 1}, false))

	anon := remote.NewHTTPClient(remote.HTTPConfig{BaseURL: ts.URL})
	_, err := anon.List(ctx, "parts", remote.ListOptions{})
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_badRequests(t *testing.T) {
	_, _, ts := newTestServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad order", http.MethodGet, "/v1/parts?order_by=name", "", http.StatusBadRequest},
		{"bad since", http.MethodGet, "/v1/parts?since=x", "", http.StatusBadRequest},
		{"bad body", http.MethodPut, "/v1/parts/p1", "{", http.StatusBadRequest},
		{"id mismatch", http.MethodPut, "/v1/parts/p1", `{"id":"p2","last_modified":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
