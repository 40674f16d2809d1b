package storage

import (
	"context"
	"io"
	"strings"
)

// Backend is the blob-store contract the import pipeline runs against.
// Uploads, meta files and batch files all live behind this interface so the
// pipeline is identical on local disk, S3/MinIO and Azure Blob Storage.
type Backend interface {
	// Write writes data to the specified path
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader writes data from a reader to the specified path (for large files)
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Read reads data from the specified path
	Read(ctx context.Context, path string) ([]byte, error)

	// ReadTo streams data from the specified path into the writer
	ReadTo(ctx context.Context, path string, writer io.Writer) error

	// List lists all objects with the given prefix. Used by the batch
	// splitter and dispatcher to discover already-written and
	// still-unimported batch files.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete deletes the object at the specified path
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend
	Close() error
}

// contentTypeFor picks the upload content type from the path suffix.
func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".csv"):
		return "text/csv"
	case strings.HasSuffix(path, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(path, ".zip"):
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
