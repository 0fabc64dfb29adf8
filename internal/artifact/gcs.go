package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSStore delivers artifacts to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore builds a store over bucket. Credentials come from
// GCS_CREDENTIALS_JSON when set, otherwise application default
// credentials.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket name is required")
	}

	var client *storage.Client
	var err error
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}

	return &GCSStore{client: client, bucket: bucket}, nil
}

// Put uploads the artifact and returns its gs:// URI. Authorization
// and bucket-existence failures come back as PermanentError so the
// caller stops retrying against a tier that cannot recover.
func (s *GCSStore) Put(ctx context.Context, a Artifact) (string, error) {
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return "", classifyGCSError(fmt.Errorf("gcs bucket %q not accessible: %w", s.bucket, err))
	}

	wc := s.client.Bucket(s.bucket).Object(a.Name).NewWriter(ctx)
	wc.ContentType = a.ContentType
	if _, err := wc.Write(a.Data); err != nil {
		wc.Close()
		return "", classifyGCSError(fmt.Errorf("gcs write: %w", err))
	}
	if err := wc.Close(); err != nil {
		return "", classifyGCSError(fmt.Errorf("gcs close: %w", err))
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, a.Name), nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// classifyGCSError separates failures retrying cannot fix from
// transient ones. Missing buckets and denied credentials stay broken
// across attempts; everything else (network, 5xx, rate limits) is left
// transient.
func classifyGCSError(err error) error {
	if errors.Is(err, storage.ErrBucketNotExist) {
		return &PermanentError{Err: err}
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized:
			return &PermanentError{Err: err}
		}
	}
	return err
}
