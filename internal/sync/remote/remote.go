// Package remote defines the authoritative document store the reconciler
// pushes to and pulls from, with in-memory, HTTP and S3 implementations.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

// ErrNotFound is returned by Get for a missing document.
var ErrNotFound = errors.New("remote document not found")

// Order fields accepted by List.
const (
	OrderByID           = "id"
	OrderByLastModified = "last_modified"
)

// ListOptions narrows a List call.
type ListOptions struct {
	// OrderBy is OrderByID (default) or OrderByLastModified.
	OrderBy string
	// Since, when positive, returns only documents modified after it.
	Since int64
}

// Store is the remote document store. Implementations classify failures
// with errors.Transient / errors.Permanent.
type Store interface {
	Get(ctx context.Context, collection, id string) (*models.Document, error)
	List(ctx context.Context, collection string, opts ListOptions) ([]*models.Document, error)
	// Set writes doc under id. With merge, top-level fields are merged
	// into an existing document; LastModified is always replaced.
	Set(ctx context.Context, collection, id string, doc *models.Document, merge bool) error
	// Delete removes a document. Deleting a missing document succeeds.
	Delete(ctx context.Context, collection, id string) error
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// notFound wraps ErrNotFound for a document.
func notFound(collection, id string) error {
	return apperrors.Wrap(apperrors.ErrNotFound, fmt.Sprintf("%s/%s", collection, id), ErrNotFound)
}

// IsNotFound reports whether err is a missing-document error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// classifyStatus maps a non-success HTTP status onto a classified error.
func classifyStatus(op string, status int, body string) error {
	cause := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Transient(op, cause)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return apperrors.Wrap(apperrors.ErrPermission, op, cause)
	default:
		return apperrors.Permanent(op, cause)
	}
}

// MergeData shallow-merges the top-level fields of patch into base. A
// null in patch removes the field. A base that is not a JSON object is
// replaced by patch.
func MergeData(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(patch) == 0 {
		return base, nil
	}
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return nil, fmt.Errorf("merge patch is not a JSON object: %w", err)
	}

	var baseFields map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseFields); err != nil {
			baseFields = nil
		}
	}
	if baseFields == nil {
		baseFields = make(map[string]json.RawMessage, len(patchFields))
	}
	for k, v := range patchFields {
		if string(v) == "null" {
			delete(baseFields, k)
			continue
		}
		baseFields[k] = v
	}
	return json.Marshal(baseFields)
}

// filterAndSort applies ListOptions to docs in place.
func filterAndSort(docs []*models.Document, opts ListOptions) []*models.Document {
	out := docs[:0]
	for _, d := range docs {
		if opts.Since > 0 && d.LastModified <= opts.Since {
			continue
		}
		out = append(out, d)
	}
	if opts.OrderBy == OrderByLastModified {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].LastModified != out[j].LastModified {
				return out[i].LastModified < out[j].LastModified
			}
			return out[i].ID < out[j].ID
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	return out
}
