//go:build gcp

package modsource

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSource reads gs://bucket/object references using application
// default credentials.
type GCSSource struct {
	client *storage.Client
}

func NewGCSSource(ctx context.Context) (*GCSSource, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

func newGCSSource(ctx context.Context) (Source, error) {
	return NewGCSSource(ctx)
}

func (s *GCSSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	bucket, object, err := splitBucketRef(ref, "gs://")
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(io.LimitReader(r, maxModuleSize))
}
