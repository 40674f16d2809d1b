package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func setupLocalBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create local backend: %v", err)
	}
	return b
}

func TestLocalWriteRead(t *testing.T) {
	b := setupLocalBackend(t)
	ctx := context.Background()

	data := []byte("time_identifier,time_period\nAY,2024\n")
	if err := b.Write(ctx, "imports/abc/data.csv", data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := b.Read(ctx, "imports/abc/data.csv")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read returned %q, want %q", got, data)
	}

	var buf bytes.Buffer
	if err := b.ReadTo(ctx, "imports/abc/data.csv", &buf); err != nil {
		t.Fatalf("ReadTo failed: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Errorf("ReadTo wrote %q, want %q", buf.Bytes(), data)
	}
}

func TestLocalReadMissing(t *testing.T) {
	b := setupLocalBackend(t)

	if _, err := b.Read(context.Background(), "nope.csv"); err == nil {
		t.Error("expected error reading missing file")
	}
}

func TestLocalWriteReader(t *testing.T) {
	b := setupLocalBackend(t)
	ctx := context.Background()

	data := strings.Repeat("row,1,2,3\n", 1000)
	if err := b.WriteReader(ctx, "big.csv", strings.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("WriteReader failed: %v", err)
	}

	got, err := b.Read(ctx, "big.csv")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != data {
		t.Errorf("read back %d bytes, want %d", len(got), len(data))
	}
}

func TestLocalListPrefixSemantics(t *testing.T) {
	b := setupLocalBackend(t)
	ctx := context.Background()

	files := []string{
		"imports/a/batches/file_000001",
		"imports/a/batches/file_000002",
		"imports/a/data.csv",
		"imports/b/data.csv",
	}
	for _, f := range files {
		if err := b.Write(ctx, f, []byte("x")); err != nil {
			t.Fatalf("Write %s failed: %v", f, err)
		}
	}

	t.Run("directory prefix", func(t *testing.T) {
		got, err := b.List(ctx, "imports/a/batches/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(got)
		want := []string{"imports/a/batches/file_000001", "imports/a/batches/file_000002"}
		if len(got) != len(want) {
			t.Fatalf("List returned %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("List[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("name fragment prefix", func(t *testing.T) {
		got, err := b.List(ctx, "imports/a/batches/file_000001")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 1 || got[0] != "imports/a/batches/file_000001" {
			t.Errorf("List returned %v, want exactly the named file", got)
		}
	})

	t.Run("missing prefix", func(t *testing.T) {
		got, err := b.List(ctx, "imports/missing/")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("List returned %v for a missing prefix", got)
		}
	})
}

func TestLocalListSkipsTempFiles(t *testing.T) {
	b := setupLocalBackend(t)
	ctx := context.Background()

	if err := b.Write(ctx, "dir/real.csv", []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// Simulate an in-flight atomic write.
	tmp := filepath.Join(b.basePath, "dir", ".factfeed-123.tmp")
	if err := os.WriteFile(tmp, []byte("partial"), 0600); err != nil {
		t.Fatalf("failed to plant temp file: %v", err)
	}

	got, err := b.List(ctx, "dir/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 1 || got[0] != "dir/real.csv" {
		t.Errorf("List returned %v, want only dir/real.csv", got)
	}
}

func TestLocalDeleteAndExists(t *testing.T) {
	b := setupLocalBackend(t)
	ctx := context.Background()

	if err := b.Write(ctx, "x.csv", []byte("x")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	exists, err := b.Exists(ctx, "x.csv")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true", exists, err)
	}

	if err := b.Delete(ctx, "x.csv"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = b.Exists(ctx, "x.csv")
	if err != nil || exists {
		t.Fatalf("Exists after delete = %v, %v; want false", exists, err)
	}

	// Deleting a missing file is not an error.
	if err := b.Delete(ctx, "x.csv"); err != nil {
		t.Errorf("Delete of missing file failed: %v", err)
	}
}

func TestLocalContainsTraversal(t *testing.T) {
	b := setupLocalBackend(t)
	ctx := context.Background()

	// Traversal components are neutralized, so writes always land inside
	// the base directory.
	for _, path := range []string{"../escape.csv", "a/../../escape.csv"} {
		if err := b.Write(ctx, path, []byte("x")); err != nil {
			t.Fatalf("Write(%q) failed: %v", path, err)
		}
	}

	escaped := filepath.Join(filepath.Dir(b.basePath), "escape.csv")
	if _, err := os.Stat(escaped); !os.IsNotExist(err) {
		t.Errorf("file escaped the base directory to %s", escaped)
	}
}
