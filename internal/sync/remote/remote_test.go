package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

func TestMergeData(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		patch string
		want  map[string]interface{}
	}{
		{"adds and replaces", `{"a":1,"b":2}`, `{"b":3,"c":4}`, map[string]interface{}{"a": 1.0, "b": 3.0, "c": 4.0}},
		{"empty base", ``, `{"a":1}`, map[string]interface{}{"a": 1.0}},
		{"non-object base", `[1]`, `{"a":1}`, map[string]interface{}{"a": 1.0}},
		{"empty patch", `{"a":1}`, ``, map[string]interface{}{"a": 1.0}},
		{"null removes", `{"a":1,"b":2}`, `{"b":null}`, map[string]interface{}{"a": 1.0}},
		{"null on empty base", ``, `{"a":1,"b":null}`, map[string]interface{}{"a": 1.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MergeData(json.RawMessage(tt.base), json.RawMessage(tt.patch))
			require.NoError(t, err)
			var m map[string]interface{}
			require.NoError(t, json.Unmarshal(got, &m))
			assert.Equal(t, tt.want, m)
		})
	}

	_, err := MergeData(json.RawMessage(`{"a":1}`), json.RawMessage(`"x"`))
	assert.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusForbidden, false},
		{http.StatusConflict, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		err := classifyStatus("op", tt.status, "")
		assert.Equal(t, tt.transient, apperrors.IsTransient(err), "status %d", tt.status)
		assert.Equal(t, !tt.transient, apperrors.IsPermanent(err), "status %d", tt.status)
	}
	assert.True(t, apperrors.Is(classifyStatus("op", http.StatusForbidden, ""), apperrors.ErrPermission))
}

func TestFilterAndSort(t *testing.T) {
	docs := []*models.Document{
		{ID: "c", LastModified: 1},
		{ID: "a", LastModified: 3},
		{ID: "b", LastModified: 2},
	}
	ids := func(ds []*models.Document) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids(filterAndSort(append([]*models.Document(nil), docs...), ListOptions{})))
	assert.Equal(t, []string{"c", "b", "a"}, ids(filterAndSort(append([]*models.Document(nil), docs...), ListOptions{OrderBy: OrderByLastModified})))
	assert.Equal(t, []string{"b", "a"}, ids(filterAndSort(append([]*models.Document(nil), docs...), ListOptions{Since: 1})))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(notFound("parts", "p1")))
	assert.True(t, apperrors.Is(notFound("parts", "p1"), apperrors.ErrNotFound))
	assert.False(t, IsNotFound(errors.New("other")))
}
