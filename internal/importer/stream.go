package importer

import (
	"context"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/factfeed/factfeed/internal/storage"
)

// openBlobReader streams a blob without buffering it whole in memory.
// Paths ending in .gz are decompressed transparently.
func openBlobReader(ctx context.Context, blob storage.Backend, path string) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(blob.ReadTo(ctx, path, pw))
	}()

	if !strings.HasSuffix(path, ".gz") {
		return pr, nil
	}

	gz, err := gzip.NewReader(pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	return &gzipReadCloser{gz: gz, pipe: pr}, nil
}

type gzipReadCloser struct {
	gz   *gzip.Reader
	pipe *io.PipeReader
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gerr := g.gz.Close()
	if perr := g.pipe.Close(); perr != nil {
		return perr
	}
	return gerr
}
