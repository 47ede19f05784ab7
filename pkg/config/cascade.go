package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/elephant-data/oversight/pkg/blob"
)

// Source is one layer of the per-county tuning cascade.
type Source interface {
	Name() string
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// Cascade resolves keys across ordered sources, first hit wins.
type Cascade struct {
	sources []Source
}

// NewCascade wires sources in lookup order.
func NewCascade(sources ...Source) *Cascade {
	return &Cascade{sources: sources}
}

// Resolve returns the first value any source has for key, with the
// winning source's name. The false return means no source knows the
// key; that is not an error.
func (c *Cascade) Resolve(ctx context.Context, key string) (value, source string, found bool, err error) {
	for _, s := range c.sources {
		v, ok, err := s.Lookup(ctx, key)
		if err != nil {
			return "", "", false, fmt.Errorf("config source %s failed for %q: %w", s.Name(), key, err)
		}
		if ok {
			return v, s.Name(), true, nil
		}
	}
	return "", "", false, nil
}

// ResolveOr resolves key, falling back to a default.
func (c *Cascade) ResolveOr(ctx context.Context, key, fallback string) (string, error) {
	v, _, ok, err := c.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return fallback, nil
	}
	return v, nil
}

// NewCountyCascade builds the standard four-layer cascade for one
// county: county object, shared object, county env, shared env.
func NewCountyCascade(blobs BlobReader, bucket, prefix, county string) *Cascade {
	return NewCascade(
		NewBlobSource(blobs, blob.URI{Bucket: bucket, Key: objectKey(prefix, county)}),
		NewBlobSource(blobs, blob.URI{Bucket: bucket, Key: objectKey(prefix, "general")}),
		NewEnvSource("CFG_" + envSegment(county) + "_"),
		NewEnvSource("CFG_"),
	)
}

func objectKey(prefix, name string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + strings.ToLower(name) + ".yaml"
}

// EnvSource reads keys from prefixed environment variables. The key
// "retry.budget" maps to <prefix>RETRY_BUDGET.
type EnvSource struct {
	prefix string
}

// NewEnvSource creates an environment-backed source.
func NewEnvSource(prefix string) *EnvSource {
	return &EnvSource{prefix: prefix}
}

func (s *EnvSource) Name() string { return "env:" + s.prefix }

func (s *EnvSource) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := os.LookupEnv(s.prefix + envSegment(key))
	if !ok || v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func envSegment(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// BlobReader is the fetch surface a blob source needs.
type BlobReader interface {
	Download(ctx context.Context, uri blob.URI) ([]byte, error)
}

// BlobSource reads a flat YAML document of string values from the
// object store. The object is fetched once and cached for the life of
// the source; a missing object resolves nothing rather than failing
// the cascade.
type BlobSource struct {
	blobs BlobReader
	uri   blob.URI

	once   sync.Once
	values map[string]string
	err    error
}

// NewBlobSource creates an object-store-backed source.
func NewBlobSource(blobs BlobReader, uri blob.URI) *BlobSource {
	if blobs == nil {
		panic("NewBlobSource: blob reader must not be nil")
	}
	return &BlobSource{blobs: blobs, uri: uri}
}

func (s *BlobSource) Name() string { return s.uri.String() }

func (s *BlobSource) Lookup(ctx context.Context, key string) (string, bool, error) {
	s.once.Do(func() { s.load(ctx) })
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[key]
	return v, ok && v != "", nil
}

func (s *BlobSource) load(ctx context.Context) {
	raw, err := s.blobs.Download(ctx, s.uri)
	if err != nil {
		// Absent county overrides are the normal case.
		s.values = map[string]string{}
		return
	}
	var values map[string]string
	if err := yaml.Unmarshal(ExpandEnv(raw), &values); err != nil {
		s.err = fmt.Errorf("config object %s is not a flat string map: %w", s.uri, err)
		return
	}
	s.values = values
}
