package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// HTTPClient talks to the document server's /v1 JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ListResponse is the body of a collection listing.
type ListResponse struct {
	Documents []*models.Document `json:"documents"`
}

// NewHTTPClient creates a client for the document server at cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) docURL(collection, id string) string {
	return fmt.Sprintf("%s/v1/%s/%s", c.baseURL, url.PathEscape(collection), url.PathEscape(id))
}

// do sends a request and classifies transport failures and error statuses.
// Statuses listed in ok are returned to the caller untouched.
func (c *HTTPClient) do(ctx context.Context, op, method, u string, body interface{}, ok ...int) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, op+": encode body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, op+": build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(op, err)
	}
	for _, code := range ok {
		if resp.StatusCode == code {
			return resp, nil
		}
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return nil, classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(msg)))
}

// Get fetches a document.
func (c *HTTPClient) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	op := "get " + collection + "/" + id
	resp, err := c.do(ctx, op, http.MethodGet, c.docURL(collection, id), nil, http.StatusOK, http.StatusNotFound)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound(collection, id)
	}
	var doc models.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, apperrors.Transient(op+": decode", err)
	}
	return &doc, nil
}

// List fetches the documents of a collection.
func (c *HTTPClient) List(ctx context.Context, collection string, opts ListOptions) ([]*models.Document, error) {
	q := url.Values{}
	if opts.OrderBy != "" {
		q.Set("order_by", opts.OrderBy)
	}
	if opts.Since > 0 {
		q.Set("since", strconv.FormatInt(opts.Since, 10))
	}
	u := fmt.Sprintf("%s/v1/%s", c.baseURL, url.PathEscape(collection))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	op := "list " + collection
	resp, err := c.do(ctx, op, http.MethodGet, u, nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.Transient(op+": decode", err)
	}
	if body.Documents == nil {
		body.Documents = []*models.Document{}
	}
	return body.Documents, nil
}

// Set writes or merges a document.
func (c *HTTPClient) Set(ctx context.Context, collection, id string, doc *models.Document, merge bool) error {
	u := c.docURL(collection, id)
	if merge {
		u += "?merge=true"
	}
	resp, err := c.do(ctx, "set "+collection+"/"+id, http.MethodPut, u, doc, http.StatusOK, http.StatusCreated, http.StatusNoContent)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Delete removes a document; a missing document is not an error.
func (c *HTTPClient) Delete(ctx context.Context, collection, id string) error {
	resp, err := c.do(ctx, "delete "+collection+"/"+id, http.MethodDelete, c.docURL(collection, id), nil,
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Ping checks the server's health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, "ping", http.MethodGet, c.baseURL+"/health", nil, http.StatusOK)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
