// Package modsource fetches actor and provider modules by reference.
//
// References:
//   - /path/to/module.wasm or file:///path/to/module.wasm
//   - s3://bucket/key
//   - gs://bucket/object (requires the gcp build tag)
//   - https://host/path, with basic auth from registry credentials
package modsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ErrUnsupportedRef is returned for references no source understands.
var ErrUnsupportedRef = errors.New("unsupported module reference")

// Source fetches module bytes.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Credentials authenticate against a module registry.
type Credentials struct {
	Username string
	Password string
}

// Anonymous reports whether no credentials are set.
func (c Credentials) Anonymous() bool {
	return c.Username == "" && c.Password == ""
}

// CredentialsFromEnv reads OCI_REGISTRY_USER and OCI_REGISTRY_PASSWORD.
func CredentialsFromEnv() Credentials {
	return Credentials{
		Username: os.Getenv("OCI_REGISTRY_USER"),
		Password: os.Getenv("OCI_REGISTRY_PASSWORD"),
	}
}

// ModuleID returns the CIDv1 (raw, sha2-256) of a module.
func ModuleID(data []byte) (string, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// VerifyModuleID checks that data hashes to id.
func VerifyModuleID(data []byte, id string) error {
	want, err := cid.Decode(id)
	if err != nil {
		return fmt.Errorf("decode module id: %w", err)
	}
	got, err := want.Prefix().Sum(data)
	if err != nil {
		return err
	}
	if !got.Equals(want) {
		return fmt.Errorf("module id mismatch: got %s, want %s", got, want)
	}
	return nil
}

// Router picks a source by reference scheme. Cloud clients are created on
// first use.
type Router struct {
	File Source
	HTTP Source
	S3   func(ctx context.Context) (Source, error)
	GCS  func(ctx context.Context) (Source, error)

	mu  sync.Mutex
	s3  Source
	gcs Source
}

// NewRouter wires the default sources.
func NewRouter(creds Credentials) *Router {
	return &Router{
		File: FileSource{},
		HTTP: NewHTTPSource(creds),
		S3:   func(ctx context.Context) (Source, error) { return NewS3Source(ctx, S3Config{}) },
		GCS:  newGCSSource,
	}
}

func (r *Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	src, err := r.sourceFor(ctx, ref)
	if err != nil {
		return nil, err
	}
	return src.Fetch(ctx, ref)
}

func (r *Router) sourceFor(ctx context.Context, ref string) (Source, error) {
	switch {
	case strings.HasPrefix(ref, "s3://"):
		return r.lazy(ctx, &r.s3, r.S3)
	case strings.HasPrefix(ref, "gs://"):
		return r.lazy(ctx, &r.gcs, r.GCS)
	case strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "http://"):
		return r.HTTP, nil
	case strings.HasPrefix(ref, "file://"), !strings.Contains(ref, "://"):
		return r.File, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
}

func (r *Router) lazy(ctx context.Context, slot *Source, create func(context.Context) (Source, error)) (Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if *slot != nil {
		return *slot, nil
	}
	if create == nil {
		return nil, ErrUnsupportedRef
	}
	src, err := create(ctx)
	if err != nil {
		return nil, err
	}
	*slot = src
	return src, nil
}

// splitBucketRef splits scheme://bucket/key.
func splitBucketRef(ref, scheme string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(ref, scheme)
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid reference %q: want %sbucket/key", ref, scheme)
	}
	return bucket, key, nil
}
