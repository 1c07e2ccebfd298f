package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStorage is a BlobStore on a Google Cloud Storage bucket with V4
// signed read URLs.
type GCSStorage struct {
	client   *gcs.Client
	bucket   string
	accessID string
	key      []byte
}

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// NewGCSStorage connects to bucket. With credentialsJSON empty the client
// uses application default credentials and signing falls back to the
// bucket handle's credential detection.
func NewGCSStorage(ctx context.Context, bucket, credentialsJSON string) (*GCSStorage, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}

	var opts []option.ClientOption
	s := &GCSStorage{bucket: bucket}
	if creds := strings.TrimSpace(credentialsJSON); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))

		var key serviceAccountJSON
		if err := json.Unmarshal([]byte(creds), &key); err != nil {
			return nil, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail != "" && key.PrivateKey != "" {
			s.accessID = key.ClientEmail
			s.key = []byte(strings.ReplaceAll(key.PrivateKey, "\\n", "\n"))
		}
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}
	s.client = client
	return s, nil
}

// Close releases the client.
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(key string) *gcs.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(key)
}

// GetReader opens the object at key.
func (s *GCSStorage) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", s.bucket, key, err)
	}
	return r, nil
}

// Exists checks the object's attributes.
func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat gs://%s/%s: %w", s.bucket, key, err)
	}
	return true, nil
}

// GetMetadata returns the object's size, content type and etag.
func (s *GCSStorage) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	return &Metadata{Size: attrs.Size, ContentType: attrs.ContentType, ETag: attrs.Etag}, nil
}

// Put streams r to the object at key.
func (s *GCSStorage) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	wc := s.object(key).NewWriter(ctx)
	wc.ContentType = contentType
	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return fmt.Errorf("failed to upload gs://%s/%s: %w", s.bucket, key, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to finalize gs://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

// SignedURL mints a V4 GET URL valid for ttl.
func (s *GCSStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	expires := time.Now().Add(ttl).UTC()
	opts := &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: expires,
	}

	var (
		u   string
		err error
	)
	if s.accessID != "" {
		opts.GoogleAccessID = s.accessID
		opts.PrivateKey = s.key
		u, err = gcs.SignedURL(s.bucket, key, opts)
	} else {
		u, err = s.client.Bucket(s.bucket).SignedURL(key, opts)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign gs://%s/%s: %w", s.bucket, key, err)
	}
	return u, expires, nil
}
