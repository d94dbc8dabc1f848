package results

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spidergen/spidergen/internal/storage"
)

// StoreFactory returns an object store bound to bucket.
type StoreFactory func(ctx context.Context, bucket string) (storage.ObjectStore, error)

type Writer struct {
	Stores StoreFactory
}

// WriteLines writes one line per element, each terminated by '\n'. Lines must
// already be normalized; an embedded newline is rejected rather than written.
func (w *Writer) WriteLines(ctx context.Context, dest Destination, lines []string) error {
	var buf bytes.Buffer
	for i, line := range lines {
		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("line %d contains a line break", i)
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return w.write(ctx, dest, buf.Bytes(), "text/plain; charset=utf-8")
}

func (w *Writer) write(ctx context.Context, dest Destination, data []byte, contentType string) error {
	if dest.Remote() {
		if w == nil || w.Stores == nil {
			return fmt.Errorf("object storage is not configured for %s", dest)
		}
		store, err := w.Stores(ctx, dest.Bucket)
		if err != nil {
			return fmt.Errorf("open bucket %q: %w", dest.Bucket, err)
		}
		if _, err := store.Put(ctx, dest.Key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType}); err != nil {
			return fmt.Errorf("upload %s: %w", dest, err)
		}
		return nil
	}
	return writeLocalFile(dest.Path, data)
}

// writeLocalFile creates missing parent directories and replaces path via a
// rename so readers never observe a half-written file.
func writeLocalFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %q: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %q: %w", tmpName, err)
	}
	// CreateTemp opens with 0600; the renamed file should read like any other output.
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %q: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %q to %q: %w", tmpName, path, err)
	}
	return nil
}
