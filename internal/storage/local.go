package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// LocalBackend implements the Backend interface for local filesystem storage.
// Used for development and single-node deployments.
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger
}

// NewLocalBackend creates a new local filesystem storage backend
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-storage").Logger(),
	}, nil
}

// Write writes data atomically (write to temp, then rename)
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader writes data from a reader to the specified path
func (b *LocalBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".factfeed-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	written, err := io.Copy(tmpFile, reader)
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().
		Str("path", path).
		Int64("size", written).
		Msg("Wrote file")

	return nil
}

// Read reads data from the specified path
func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// ReadTo streams data from the specified path into the writer
func (b *LocalBackend) ReadTo(ctx context.Context, path string, writer io.Writer) error {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", path)
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(writer, file); err != nil {
		return fmt.Errorf("failed to copy file data: %w", err)
	}

	return nil
}

// List lists all objects with the given prefix. A prefix may name a
// directory or a path fragment inside one ("batches/data_0000").
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	dirPrefix, namePrefix := splitPrefix(prefix)

	searchPath, err := b.validatePath(dirPrefix)
	if err != nil {
		return nil, fmt.Errorf("invalid prefix: %w", err)
	}

	var results []string
	err = filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		// Skip hidden and in-flight temp files
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}

		relPath, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if namePrefix != "" && !strings.HasPrefix(filepath.Base(relPath), namePrefix) {
			return nil
		}

		results = append(results, relPath)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return results, nil
}

// Delete deletes the object at the specified path
func (b *LocalBackend) Delete(ctx context.Context, path string) error {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil // Already deleted, not an error
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}

	b.logger.Debug().Str("path", path).Msg("Deleted file")
	return nil
}

// Exists checks if an object exists at the specified path
func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return false, fmt.Errorf("invalid path: %w", err)
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// Close closes any resources held by the backend (no-op for local storage)
func (b *LocalBackend) Close() error {
	return nil
}

// splitPrefix separates an object prefix into its directory part and the
// leading fragment of the object name, so List can emulate object-store
// prefix semantics on a filesystem.
func splitPrefix(prefix string) (dir, name string) {
	if prefix == "" || strings.HasSuffix(prefix, "/") {
		return prefix, ""
	}
	i := strings.LastIndex(prefix, "/")
	if i < 0 {
		return "", prefix
	}
	return prefix[:i+1], prefix[i+1:]
}

// sanitizePath removes any potentially dangerous path components
func sanitizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "..", "_")
	path = strings.ReplaceAll(path, "\x00", "")
	return path
}

// validatePath ensures the resolved path stays within the base path
func (b *LocalBackend) validatePath(path string) (string, error) {
	sanitized := sanitizePath(path)

	fullPath := filepath.Join(b.basePath, filepath.FromSlash(sanitized))
	absPath, err := filepath.Abs(fullPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	relPath, err := filepath.Rel(b.basePath, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal detected: path escapes base directory")
	}

	return absPath, nil
}
