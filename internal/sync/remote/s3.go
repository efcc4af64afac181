package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/kimhsiao/stockledger/internal/clock"
	apperrors "github.com/kimhsiao/stockledger/internal/errors"
	"github.com/kimhsiao/stockledger/internal/models"
)

// S3Config holds S3 connection configuration.
type S3Config struct {
	Endpoint       string // scheme://host[:port]
	BucketName     string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool   // Use path-style URLs (minio, localstack)
	Prefix         string // key prefix; documents live at <prefix>/<collection>/<id>.json
	Timeout        time.Duration
}

// S3Store keeps one JSON object per document in an S3-compatible bucket.
type S3Store struct {
	config     S3Config
	httpClient *http.Client
	clock      clock.Clock
}

// listBucketResult represents the S3 ListObjectsV2 response.
type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Name                  string   `xml:"Name"`
	Prefix                string   `xml:"Prefix"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// NewS3Store creates an S3Store.
func NewS3Store(config S3Config) *S3Store {
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	config.Endpoint = strings.TrimSuffix(config.Endpoint, "/")
	config.Prefix = strings.Trim(config.Prefix, "/")
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &S3Store{
		config: config,
		clock:  clock.System{},
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// objectKey returns the key of a document.
func (s *S3Store) objectKey(collection, id string) string {
	return path.Join(s.collectionPrefix(collection), id+".json")
}

func (s *S3Store) collectionPrefix(collection string) string {
	if s.config.Prefix == "" {
		return collection + "/"
	}
	return s.config.Prefix + "/" + collection + "/"
}

// Get downloads a document.
func (s *S3Store) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	op := "get " + collection + "/" + id
	data, status, err := s.send(ctx, op, http.MethodGet, s.objectKey(collection, id), nil, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, notFound(collection, id)
	}
	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Permanent(op+": decode object", err)
	}
	return &doc, nil
}

// List downloads every document of a collection.
func (s *S3Store) List(ctx context.Context, collection string, opts ListOptions) ([]*models.Document, error) {
	keys, err := s.listKeys(ctx, s.collectionPrefix(collection))
	if err != nil {
		return nil, err
	}

	docs := make([]*models.Document, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		id := strings.TrimSuffix(path.Base(key), ".json")
		doc, err := s.Get(ctx, collection, id)
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return filterAndSort(docs, opts), nil
}

// Set uploads a document. Merge reads the current object first.
func (s *S3Store) Set(ctx context.Context, collection, id string, doc *models.Document, merge bool) error {
	next := doc.Clone()
	next.ID = id
	if merge {
		var base json.RawMessage
		existing, err := s.Get(ctx, collection, id)
		switch {
		case IsNotFound(err):
		case err != nil:
			return err
		default:
			base = existing.Data
		}
		data, err := MergeData(base, doc.Data)
		if err != nil {
			return apperrors.Permanent("merge "+collection+"/"+id, err)
		}
		next.Data = data
	}

	body, err := json.Marshal(next)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "encode document", err)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	_, _, err = s.send(ctx, "set "+collection+"/"+id, http.MethodPut, s.objectKey(collection, id), body, headers)
	return err
}

// Delete removes a document. S3 deletes are idempotent.
func (s *S3Store) Delete(ctx context.Context, collection, id string) error {
	_, _, err := s.send(ctx, "delete "+collection+"/"+id, http.MethodDelete, s.objectKey(collection, id), nil, nil)
	return err
}

// Ping lists at most one key of the bucket.
func (s *S3Store) Ping(ctx context.Context) error {
	q := url.Values{"list-type": {"2"}, "max-keys": {"1"}}
	_, _, err := s.sendQuery(ctx, "ping", http.MethodGet, "", q, nil, nil)
	return err
}

func (s *S3Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	token := ""
	for {
		q := url.Values{"list-type": {"2"}, "prefix": {prefix}}
		if token != "" {
			q.Set("continuation-token", token)
		}
		data, _, err := s.sendQuery(ctx, "list "+prefix, http.MethodGet, "", q, nil, nil)
		if err != nil {
			return nil, err
		}

		var result listBucketResult
		if err := xml.Unmarshal(data, &result); err != nil {
			return nil, apperrors.Transient("list "+prefix+": parse response", err)
		}
		for _, c := range result.Contents {
			keys = append(keys, c.Key)
		}
		if !result.IsTruncated || result.NextContinuationToken == "" {
			return keys, nil
		}
		token = result.NextContinuationToken
	}
}

func (s *S3Store) send(ctx context.Context, op, method, key string, body []byte, headers map[string]string) ([]byte, int, error) {
	return s.sendQuery(ctx, op, method, key, nil, body, headers)
}

// sendQuery performs a signed request. A 404 on GET or DELETE is returned
// as a status rather than an error.
func (s *S3Store) sendQuery(ctx context.Context, op, method, key string, query url.Values, body []byte, headers map[string]string) ([]byte, int, error) {
	req, err := s.createRequest(ctx, method, key, query, body)
	if err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ErrInvalid, op+": build request", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, apperrors.Transient(op+": read body", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, resp.StatusCode, nil
	case resp.StatusCode == http.StatusNotFound && (method == http.MethodGet || method == http.MethodDelete) && key != "":
		return nil, resp.StatusCode, nil
	default:
		return nil, resp.StatusCode, classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(data)))
	}
}

// createRequest builds a request signed with AWS Signature V4.
func (s *S3Store) createRequest(ctx context.Context, method, key string, query url.Values, body []byte) (*http.Request, error) {
	base, err := url.Parse(s.config.Endpoint)
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" {
		base, err = url.Parse("https://" + s.config.Endpoint)
		if err != nil {
			return nil, err
		}
	}

	u := &url.URL{Scheme: base.Scheme, Host: base.Host}
	if s.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		u.Path = "/" + s.config.BucketName + "/" + key
	} else {
		// Virtual-host-style: http://bucket.endpoint/key
		u.Host = s.config.BucketName + "." + base.Host
		u.Path = "/" + key
	}
	u.RawPath = escapePath(u.Path)
	u.RawQuery = canonicalQuery(query)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body == nil {
		req.Body = http.NoBody
		req.ContentLength = 0
	}

	now := s.clock.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	payloadHash := hex.EncodeToString(hashSHA256(body))

	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("Authorization", s.authorization(method, u.Host, u.RawPath, u.RawQuery, amzDate, payloadHash))
	return req, nil
}

// authorization calculates the AWS V4 authorization header.
func (s *S3Store) authorization(method, host, canonicalURI, canonicalQueryString, amzDate, payloadHash string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.config.Region)

	signedHeaders := "host;x-amz-content-sha256;x-amz-date"
	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n",
		host, payloadHash, amzDate)

	canonicalRequest := strings.Join([]string{
		method, canonicalURI, canonicalQueryString, canonicalHeaders, signedHeaders, payloadHash,
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", amzDate, scope, hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+s.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.config.AccessKey, scope, signedHeaders, signature)
}

// escapePath URI-encodes each path segment, keeping the slashes.
func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		segments[i] = awsEscape(seg)
	}
	return strings.Join(segments, "/")
}

// canonicalQuery renders query parameters sorted by key, AWS-escaped.
func canonicalQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vals := append([]string(nil), q[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, awsEscape(k)+"="+awsEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// awsEscape percent-encodes everything except RFC 3986 unreserved characters.
func awsEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
