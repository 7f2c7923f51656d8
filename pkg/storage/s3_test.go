package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type apiError struct {
	code string
	msg  string
}

func (e *apiError) Error() string                 { return e.msg }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.msg }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

var (
	errNoSuchKey = &apiError{code: "NoSuchKey", msg: "no such key"}
	errNotFound  = &apiError{code: "NotFound", msg: "not found"}
)

// mockS3 is an in-memory bucket.
type mockS3 struct {
	mu      sync.Mutex
	objects map[string][]byte

	getErr  error
	putErr  error
	headErr error

	// pageSize splits ListObjectsV2 results to exercise pagination.
	pageSize int
}

func newMockS3() *mockS3 {
	return &mockS3{objects: make(map[string][]byte), pageSize: 2}
}

func (m *mockS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*in.Key]
	if !ok {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, errNotFound
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, *in.ContinuationToken)
	}
	end := min(start+m.pageSize, len(keys))
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func TestS3WriteAndRead(t *testing.T) {
	store := NewS3(newMockS3(), "bucket", "")
	writeString(t, store, "faces-1.ids", "ids")
	if got := readString(t, store, "faces-1.ids"); got != "ids" {
		t.Fatalf("got %q", got)
	}
}

func TestS3ReadErrors(t *testing.T) {
	ctx := context.Background()
	store := NewS3(newMockS3(), "bucket", "")
	if _, err := store.Read(ctx, "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}

	mock := newMockS3()
	mock.getErr = errors.New("network timeout")
	store = NewS3(mock, "bucket", "pfx")
	_, err := store.Read(ctx, "x")
	if err == nil || errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected generic error, got %v", err)
	}
}

func TestS3Exists(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3()
	store := NewS3(mock, "bucket", "")

	if ok, err := store.Exists(ctx, "missing"); err != nil || ok {
		t.Fatalf("Exists(missing) = %v, %v", ok, err)
	}
	mock.objects["present"] = []byte("x")
	if ok, err := store.Exists(ctx, "present"); err != nil || !ok {
		t.Fatalf("Exists(present) = %v, %v", ok, err)
	}

	mock.headErr = errors.New("network failure")
	if _, err := store.Exists(ctx, "x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestS3DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3()
	store := NewS3(mock, "bucket", "")
	if err := store.Delete(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}
	mock.objects["tmp"] = []byte("x")
	if err := store.Delete(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Exists(ctx, "tmp"); ok {
		t.Fatal("key should be gone after delete")
	}
}

func TestS3WriteUploadError(t *testing.T) {
	mock := newMockS3()
	mock.putErr = errors.New("upload failed")
	store := NewS3(mock, "bucket", "")

	w, err := store.Write(context.Background(), "obj")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "data")
	if err := w.Close(); err == nil || err.Error() != "upload failed" {
		t.Fatalf("Close = %v, want upload failed", err)
	}
}

func TestS3Abort(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3()
	store := NewS3(mock, "bucket", "")
	writeString(t, store, "f", "old")

	w, err := store.Write(ctx, "f")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "partial")
	if err := Abort(w); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if got := readString(t, store, "f"); got != "old" {
		t.Fatalf("got %q, want old", got)
	}
}

func TestS3PrefixAndList(t *testing.T) {
	ctx := context.Background()
	mock := newMockS3()
	store := NewS3(mock, "bucket", "/mpd/index/")
	for _, name := range []string{"faces-1.vec", "faces-1.ids", "faces.CURRENT", "other-1.vec"} {
		writeString(t, store, name, "x")
	}
	mock.objects["elsewhere/faces-9.vec"] = []byte("x")

	if _, ok := mock.objects["mpd/index/faces-1.vec"]; !ok {
		t.Fatal("expected key under prefix mpd/index/")
	}
	got, err := store.List(ctx, "faces")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"faces-1.ids", "faces-1.vec", "faces.CURRENT"}
	if !slices.Equal(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
}

func TestS3RejectsEscapingNames(t *testing.T) {
	store := NewS3(newMockS3(), "bucket", "p")
	if _, err := store.Write(context.Background(), "../x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"NoSuchKey", errNoSuchKey, true},
		{"NotFound", errNotFound, true},
		{"other api error", &apiError{code: "AccessDenied", msg: "denied"}, false},
		{"plain error", errors.New("timeout"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isS3NotFound(tt.err); got != tt.want {
				t.Fatalf("isS3NotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestOpenS3RequiresBucket(t *testing.T) {
	if _, err := OpenS3(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
