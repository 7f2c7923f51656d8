// Package storage is the blob layer beneath the file-backed similarity
// index. Index artifacts are written through a [FileStore] so the same
// commit protocol runs against local disk or an S3-compatible bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// FileStore is a flat, slash-separated namespace of files.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens name for reading. A missing file yields an error wrapping
	// os.ErrNotExist.
	Read(ctx context.Context, name string) (io.ReadCloser, error)

	// Write returns a writer whose content becomes visible under name only
	// once Close returns nil. A failed or abandoned write leaves any
	// previous content intact.
	Write(ctx context.Context, name string) (io.WriteCloser, error)

	// Delete is idempotent.
	Delete(ctx context.Context, name string) error

	Exists(ctx context.Context, name string) (bool, error)

	// List returns the names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// cleanName rejects names that would escape the store root.
func cleanName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("storage: empty name")
	}
	c := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if c == "." || c == ".." || strings.HasPrefix(c, "../") || strings.HasPrefix(c, "/") {
		return "", fmt.Errorf("storage: invalid name %q", name)
	}
	return c, nil
}

// Aborter is implemented by writers that can discard their content instead
// of publishing it.
type Aborter interface {
	Abort() error
}

// Abort discards w if it supports it. Writers without Abort are closed,
// which may publish partial content.
func Abort(w io.WriteCloser) error {
	if a, ok := w.(Aborter); ok {
		return a.Abort()
	}
	return w.Close()
}
