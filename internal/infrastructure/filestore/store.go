// Package filestore persists documents so that readers only ever observe a
// complete previous or complete new version of a file.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the number of writes allowed in flight at once.
const DefaultConcurrency = 4

var (
	storeTracer     = otel.Tracer("banksync/filestore")
	storeMeter      = otel.Meter("banksync/filestore")
	filesWritten, _ = storeMeter.Int64Counter("filestore.files_written", metric.WithDescription("Files atomically replaced"))
	bytesWritten, _ = storeMeter.Int64Counter("filestore.bytes_written", metric.WithDescription("Bytes written to replaced files"), metric.WithUnit("By"))
)

// Store writes files atomically: content goes to a temporary file in the
// destination directory, is synced, then renamed over the destination.
type Store struct {
	sem *semaphore.Weighted
}

// New creates a Store allowing at most concurrency writes at a time.
func New(concurrency int) *Store {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Store{sem: semaphore.NewWeighted(int64(concurrency))}
}

// WriteFile replaces path with whatever write produces. If write or any step
// before the rename fails, path is left untouched and the temporary file is
// removed.
func (s *Store) WriteFile(ctx context.Context, path string, write func(w io.Writer) error) (err error) {
	ctx, span := storeTracer.Start(ctx, "filestore.write", traceAttrs(path))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
		}
		span.End()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer s.sem.Release(1)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o666))
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	defer pf.Cleanup()

	counter := &countingWriter{w: pf}
	buf := bufio.NewWriter(counter)
	if err := write(buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := buf.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync directory of %s: %w", path, err)
	}

	filesWritten.Add(ctx, 1)
	bytesWritten.Add(ctx, counter.n)
	span.SetAttributes(attribute.Int64("filestore.bytes", counter.n))
	return nil
}

// WriteJSON replaces path with the indented JSON encoding of v followed by a
// newline.
func (s *Store) WriteJSON(ctx context.Context, path string, v any) error {
	return s.WriteFile(ctx, path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// WriteJSONLines replaces path with one compact JSON value per line.
func WriteJSONLines[T any](ctx context.Context, s *Store, path string, values []T) error {
	return s.WriteFile(ctx, path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		for i := range values {
			if err := enc.Encode(values[i]); err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
		}
		return nil
	})
}

// ReadJSON decodes the JSON document at path into v. A missing file yields an
// error matching fs.ErrNotExist.
func (s *Store) ReadJSON(ctx context.Context, path string, v any) error {
	_, span := storeTracer.Start(ctx, "filestore.read", traceAttrs(path))
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(bufio.NewReader(f)).Decode(v); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// syncDir makes a completed rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func traceAttrs(path string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("file.path", path))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
