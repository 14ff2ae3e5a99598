package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/activity-migrator/internal/config"
	apperrors "github.com/activity-migrator/internal/errors"
	"github.com/activity-migrator/internal/retry"
)

// ErrObjectNotFound is returned by Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore holds stream archives and copied photos.
type ObjectStore interface {
	// Put writes body under key and returns the URL the object is reachable at.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// StreamObjectKey is where the gzip archive of one activity's streams lives.
func StreamObjectKey(userID string, activityID int64) string {
	return fmt.Sprintf("streams/%s/%d.json.gz", userID, activityID)
}

// PhotoObjectKey is where one copied photo lives.
func PhotoObjectKey(userID string, activityID int64, photoID string) string {
	return fmt.Sprintf("photos/%s/%d/%s", userID, activityID, photoID)
}

// S3ObjectStore writes to any S3-compatible bucket.
type S3ObjectStore struct {
	client    *s3.Client
	bucket    string
	endpoint  string
	publicURL string
	retry     *retry.RetryConfig
}

// NewS3ObjectStore builds a client from cfg. A custom endpoint switches the
// client to path-style addressing so MinIO and R2 work unchanged.
func NewS3ObjectStore(ctx context.Context, cfg *config.ObjectStoreConfig) (*S3ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// Writes are retried by Put, not by the SDK.
		awsconfig.WithRetryMaxAttempts(1),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: true}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &S3ObjectStore{
		client:    client,
		bucket:    cfg.Bucket,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		publicURL: cfg.PublicURL,
		retry:     retry.DefaultRetryConfig(),
	}, nil
}

// WithRetryConfig overrides the write retry policy.
func (s *S3ObjectStore) WithRetryConfig(cfg *retry.RetryConfig) *S3ObjectStore {
	s.retry = cfg
	return s
}

// Put uploads body, retrying transient failures.
func (s *S3ObjectStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	err := retry.Do(ctx, s.retry, func(ctx context.Context, attempt int) error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(body),
			ContentType:   aws.String(contentType),
			ContentLength: aws.Int64(int64(len(body))),
		})
		return err
	})
	if err != nil {
		return "", apperrors.NewStorageError(key, err)
	}
	return s.URL(key), nil
}

// Get downloads the object at key.
func (s *S3ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrObjectNotFound
		}
		return nil, apperrors.NewStorageError(key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperrors.NewStorageError(key, err)
	}
	return data, nil
}

// URL returns the address recorded for key.
func (s *S3ObjectStore) URL(key string) string {
	switch {
	case s.publicURL != "":
		return fmt.Sprintf("%s/%s", s.publicURL, key)
	case s.endpoint != "":
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	default:
		return fmt.Sprintf("s3://%s/%s", s.bucket, key)
	}
}

// MemoryObjectStore keeps objects in a map. It backs the memory driver and tests.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string

	// FailPuts makes the next n Put calls fail.
	FailPuts int
}

// NewMemoryObjectStore returns an empty store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *MemoryObjectStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts > 0 {
		m.FailPuts--
		return "", apperrors.NewStorageError(key, fmt.Errorf("injected put failure"))
	}
	m.objects[key] = append([]byte(nil), body...)
	m.types[key] = contentType
	return "mem://" + key, nil
}

func (m *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), b...), nil
}

// Keys lists stored keys with the given prefix.
func (m *MemoryObjectStore) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ContentType returns the content type recorded for key.
func (m *MemoryObjectStore) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key]
}

var (
	_ ObjectStore = (*S3ObjectStore)(nil)
	_ ObjectStore = (*MemoryObjectStore)(nil)
)
