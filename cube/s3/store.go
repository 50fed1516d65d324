// Package s3 stores cubeingest objects in an S3-compatible bucket (AWS S3,
// MinIO, LocalStack, R2).
//
// Chunks, chunk index rows and catalog documents all go through the same
// cube.Store contract:
//
//   - Put is a conditional PutObject (If-None-Match: *), so a key is written
//     at most once even with concurrent ingest workers.
//   - ReadRange issues an HTTP Range GET.
//   - CompareAndSwap reads the object and its ETag, then writes with If-Match,
//     or with If-None-Match when creating.
//
// Keys are relative to Config.Prefix; List strips it again.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/pithecene-io/cubeingest/cube"
)

// maxPutSize is the single PutObject limit.
const maxPutSize = 5 << 30

// API is the part of *s3.Client the store calls.
type API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config selects where in the bucket the store lives.
type Config struct {
	Bucket string
	Prefix string
}

// Store is a cube.Store, cube.RangeReader and cube.ConditionalWriter backed
// by one bucket.
type Store struct {
	client API
	bucket string
	prefix string
}

var (
	_ cube.Store             = (*Store)(nil)
	_ cube.RangeReader       = (*Store)(nil)
	_ cube.ConditionalWriter = (*Store)(nil)
)

// New wraps a configured client; see NewClient.
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	prefix, err := cube.CleanKey(cfg.Prefix, true)
	if err != nil {
		return nil, fmt.Errorf("s3: prefix %q: %w", cfg.Prefix, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Bucket is reported in band layouts so readers can find the chunks.
func (s *Store) Bucket() string { return s.bucket }

func (s *Store) object(key string) (*string, error) {
	k, err := cube.CleanKey(key, false)
	if err != nil {
		return nil, err
	}
	return aws.String(s.prefix + k), nil
}

func (s *Store) Put(ctx context.Context, key string, r io.Reader) error {
	k, err := s.object(key)
	if err != nil {
		return err
	}
	// The body is buffered so the SDK can sign and retry it.
	data, err := io.ReadAll(io.LimitReader(r, maxPutSize+1))
	if err != nil {
		return fmt.Errorf("s3: read body of %s: %w", key, err)
	}
	if len(data) > maxPutSize {
		return fmt.Errorf("s3: %s is larger than a single put allows", key)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           k,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		IfNoneMatch:   aws.String("*"),
	})
	switch {
	case err == nil:
		return nil
	case preconditionFailed(err):
		return cube.ErrPathExists
	}
	return fmt.Errorf("s3: put %s: %w", key, err)
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	k, err := s.object(key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: k})
	if err != nil {
		return nil, s.readErr("get", key, err)
	}
	return out.Body, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	k, err := s.object(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: k})
	switch {
	case err == nil:
		return true, nil
	case notFound(err):
		return false, nil
	}
	return false, fmt.Errorf("s3: head %s: %w", key, err)
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	p, err := cube.CleanKey(prefix, true)
	if err != nil {
		return nil, err
	}
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix + p),
	})
	var keys []string
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s.prefix))
		}
	}
	return keys, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	k, err := s.object(key)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: k}); err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length < offset {
		return nil, cube.ErrInvalidPath
	}
	k, err := s.object(key)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		// An empty Range header is invalid; still report missing objects.
		ok, err := s.Exists(ctx, key)
		switch {
		case err != nil:
			return nil, err
		case !ok:
			return nil, cube.ErrNotFound
		}
		return []byte{}, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    k,
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if apiCode(err) == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, s.readErr("range read", key, err)
	}
	defer cube.Close(out.Body)
	return io.ReadAll(out.Body)
}

func (s *Store) CompareAndSwap(ctx context.Context, key, expected, replacement string) error {
	k, err := s.object(key)
	if err != nil {
		return err
	}
	put := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           k,
		Body:          strings.NewReader(replacement),
		ContentLength: aws.Int64(int64(len(replacement))),
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: k})
	switch {
	case notFound(err):
		if expected != "" {
			return cube.ErrConflict
		}
		put.IfNoneMatch = aws.String("*")
	case err != nil:
		return fmt.Errorf("s3: get %s: %w", key, err)
	default:
		current, err := io.ReadAll(out.Body)
		cube.Close(out.Body)
		if err != nil {
			return fmt.Errorf("s3: read %s: %w", key, err)
		}
		if string(current) != expected {
			return cube.ErrConflict
		}
		put.IfMatch = out.ETag
	}

	if _, err := s.client.PutObject(ctx, put); err != nil {
		if preconditionFailed(err) {
			return cube.ErrConflict
		}
		return fmt.Errorf("s3: conditional put %s: %w", key, err)
	}
	return nil
}

func (s *Store) readErr(op, key string, err error) error {
	if notFound(err) {
		return cube.ErrNotFound
	}
	return fmt.Errorf("s3: %s %s: %w", op, key, err)
}

// statusCode returns the HTTP status of a failed call, or 0.
func statusCode(err error) int {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func notFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) || statusCode(err) == http.StatusNotFound {
		return true
	}
	switch apiCode(err) {
	case "NotFound", "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}

// preconditionFailed covers both a lost If-None-Match/If-Match race (412)
// and a concurrent conditional write in progress (409).
func preconditionFailed(err error) bool {
	switch statusCode(err) {
	case http.StatusPreconditionFailed, http.StatusConflict:
		return true
	}
	switch apiCode(err) {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
