// Package blob wraps object-store access: s3:// URI handling, archive
// download/upload, and the persisted key layout.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Object-store calls get a generous budget; archives can be large.
const defaultTimeout = 5 * time.Minute

// URI is a parsed s3://bucket/key location.
type URI struct {
	Bucket string
	Key    string
}

// String renders the URI back to s3://bucket/key form.
func (u URI) String() string {
	return "s3://" + u.Bucket + "/" + u.Key
}

// ParseURI parses an s3://bucket/key string.
func ParseURI(raw string) (URI, error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return URI{}, fmt.Errorf("not an s3 URI: %q", raw)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return URI{}, fmt.Errorf("s3 URI missing bucket or key: %q", raw)
	}
	return URI{Bucket: bucket, Key: key}, nil
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store reads and writes whole objects.
type Store struct {
	client  s3API
	timeout time.Duration
}

// NewStore creates a blob store over an S3 client.
func NewStore(client *s3.Client) *Store {
	if client == nil {
		panic("NewStore: s3 client must not be nil")
	}
	return &Store{client: client, timeout: defaultTimeout}
}

// Download fetches the object at uri into memory.
func (s *Store) Download(ctx context.Context, uri URI) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", uri, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", uri, err)
	}
	return body, nil
}

// Upload writes body to the object at uri.
func (s *Store) Upload(ctx context.Context, uri URI, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(uri.Bucket),
		Key:    aws.String(uri.Key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", uri, err)
	}
	return nil
}

// Layout describes where the pipeline's artifacts live relative to a
// transform prefix.
type Layout struct {
	Bucket          string
	TransformPrefix string
}

// ScriptsURI returns the per-county transform script archive location:
// <transformPrefix>/<countyLowercase>.zip.
func (l Layout) ScriptsURI(county string) URI {
	return URI{
		Bucket: l.Bucket,
		Key:    strings.TrimSuffix(l.TransformPrefix, "/") + "/" + strings.ToLower(county) + ".zip",
	}
}

// SeedOutputURI returns <prefix>/seed_output.zip under the bucket.
func SeedOutputURI(bucket, prefix string) URI {
	return URI{Bucket: bucket, Key: strings.TrimSuffix(prefix, "/") + "/seed_output.zip"}
}

// PreparedOutputURI returns <prefix>/output.zip under the bucket.
func PreparedOutputURI(bucket, prefix string) URI {
	return URI{Bucket: bucket, Key: strings.TrimSuffix(prefix, "/") + "/output.zip"}
}
