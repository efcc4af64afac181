package remote

import (
	"fmt"
	"sort"
	"strings"
)

// Standard AWS S3 regional endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
}

// AWSConfig holds AWS S3-specific configuration.
type AWSConfig struct {
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string // Default: us-east-1
	Prefix     string
}

// NewAWSStore creates an S3Store for AWS S3 using virtual-host style URLs.
// Unknown regions fall back to the global endpoint.
func NewAWSStore(cfg AWSConfig) *S3Store {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	endpoint, ok := awsEndpoints[region]
	if !ok {
		endpoint = "s3.amazonaws.com"
	}
	return NewS3Store(S3Config{
		Endpoint:   "https://" + endpoint,
		BucketName: cfg.BucketName,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Region:     region,
		Prefix:     cfg.Prefix,
	})
}

// SupportedAWSRegions returns the regions with a known endpoint, sorted.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for region := range awsEndpoints {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// MinIOConfig holds MinIO-specific configuration.
type MinIOConfig struct {
	Endpoint   string // "localhost:9000" or "https://minio.example.com"
	BucketName string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Prefix     string
}

// NewMinIOStore creates an S3Store for MinIO, which needs path-style URLs.
func NewMinIOStore(cfg MinIOConfig) (*S3Store, error) {
	endpoint, err := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	return NewS3Store(S3Config{
		Endpoint:       endpoint,
		BucketName:     cfg.BucketName,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		Region:         "us-east-1", // MinIO ignores regions but signing needs one
		ForcePathStyle: true,
		Prefix:         cfg.Prefix,
	}), nil
}

// R2Config holds Cloudflare R2-specific configuration.
type R2Config struct {
	AccountID  string
	BucketName string
	AccessKey  string
	SecretKey  string
	Prefix     string
}

// NewR2Store creates an S3Store for Cloudflare R2.
func NewR2Store(cfg R2Config) (*S3Store, error) {
	if !IsValidR2AccountID(cfg.AccountID) {
		return nil, fmt.Errorf("invalid R2 account id %q", cfg.AccountID)
	}
	return NewS3Store(S3Config{
		Endpoint:   fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID),
		BucketName: cfg.BucketName,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Region:     "auto",
		Prefix:     cfg.Prefix,
	}), nil
}

// IsValidR2AccountID reports whether id looks like a Cloudflare account id
// (32 hex characters).
func IsValidR2AccountID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// normalizeEndpoint adds a scheme when missing and drops a trailing slash.
func normalizeEndpoint(endpoint string, useSSL bool) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if useSSL {
			endpoint = "https://" + endpoint
		} else {
			endpoint = "http://" + endpoint
		}
	}
	return strings.TrimSuffix(endpoint, "/"), nil
}
