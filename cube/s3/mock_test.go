package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type mockObject struct {
	data []byte
	etag string
}

// MockClient is an in-memory API for tests. It honours If-None-Match,
// If-Match and Range, and pages List results.
type MockClient struct {
	mu      sync.Mutex
	objects map[string]mockObject
	writes  int

	// PageSize bounds ListObjectsV2 pages; 0 returns one page.
	PageSize int

	// FailPutOnCall fails the Nth PutObject call with an internal error.
	FailPutOnCall int
}

func NewMockClient() *MockClient {
	return &MockClient{objects: make(map[string]mockObject)}
}

// Keys returns the full stored keys, sorted.
func (m *MockClient) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func apiError(code, msg string) error {
	return &smithy.GenericAPIError{Code: code, Message: msg, Fault: smithy.FaultClient}
}

func (m *MockClient) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.writes == m.FailPutOnCall {
		return nil, &smithy.GenericAPIError{Code: "InternalError", Message: "injected failure", Fault: smithy.FaultServer}
	}
	cur, exists := m.objects[key]
	if exists && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, apiError("PreconditionFailed", "object exists")
	}
	if in.IfMatch != nil && (!exists || cur.etag != *in.IfMatch) {
		return nil, apiError("PreconditionFailed", "etag changed")
	}
	obj := mockObject{data: data, etag: fmt.Sprintf("%q", fmt.Sprint(m.writes))}
	m.objects[key] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

func (m *MockClient) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	obj, ok := m.objects[aws.ToString(in.Key)]
	m.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	data := obj.data
	if in.Range != nil {
		var first, last int64
		if _, err := fmt.Sscanf(*in.Range, "bytes=%d-%d", &first, &last); err != nil {
			return nil, apiError("InvalidArgument", err.Error())
		}
		if first >= int64(len(data)) {
			return nil, apiError("InvalidRange", "range not satisfiable")
		}
		data = data[first:min(last+1, int64(len(data)))]
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (m *MockClient) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	obj, ok := m.objects[aws.ToString(in.Key)]
	m.mu.Unlock()
	if !ok {
		return nil, apiError("NotFound", "no such key")
	}
	return &s3.HeadObjectOutput{ETag: aws.String(obj.etag), ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (m *MockClient) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	delete(m.objects, aws.ToString(in.Key))
	m.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 uses the last key of a page as its continuation token.
func (m *MockClient) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix, after := aws.ToString(in.Prefix), aws.ToString(in.ContinuationToken)
	keys := slices.DeleteFunc(m.Keys(), func(k string) bool {
		return !strings.HasPrefix(k, prefix) || k <= after
	})

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if m.PageSize > 0 && len(keys) > m.PageSize {
		keys = keys[:m.PageSize]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	out.KeyCount = aws.Int32(int32(len(keys)))
	return out, nil
}
