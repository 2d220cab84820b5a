package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// ErrAlreadyExists is returned by PutIfNotExists when the blob exists.
var ErrAlreadyExists = errors.New("blobstore: blob already exists")

// BlobStore stores immutable named blobs. Implementations must be safe for
// concurrent use. Names use forward slashes.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes. The blob becomes visible
	// on Close.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a whole blob atomically.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ConditionalPutter is implemented by stores that can create a blob only if
// it does not exist yet.
type ConditionalPutter interface {
	PutIfNotExists(ctx context.Context, name string, data []byte) error
}

// Blob is a read-only handle to a blob.
type Blob interface {
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader for length bytes starting at off.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	Close() error
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.Writer
	// Close finishes the blob and makes it visible.
	Close() error
	Sync() error
	// Abort discards everything written. The blob never becomes visible.
	Abort() error
}

// Mappable is implemented by blobs backed by memory-mapped files.
type Mappable interface {
	// Bytes returns the mapped content, valid until the blob is closed.
	Bytes() ([]byte, error)
}

// ReadAll reads the whole blob called name.
func ReadAll(ctx context.Context, store BlobStore, name string) ([]byte, error) {
	blob, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = blob.Close() }()

	if m, ok := blob.(Mappable); ok {
		data, err := m.Bytes()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	}

	buf := make([]byte, blob.Size())
	n, err := blob.ReadAt(ctx, buf, 0)
	if err != nil && !(errors.Is(err, io.EOF) && int64(n) == blob.Size()) {
		return nil, fmt.Errorf("read blob %s: %w", name, err)
	}
	return buf[:n], nil
}

// sectionReader adapts a context-aware ReadAt to io.Reader.
type sectionReader struct {
	ctx   context.Context
	blob  Blob
	off   int64
	limit int64
}

func newSectionReader(ctx context.Context, blob Blob, off, length int64) io.ReadCloser {
	limit := min(off+length, blob.Size())
	return io.NopCloser(&sectionReader{ctx: ctx, blob: blob, off: off, limit: limit})
}

func (r *sectionReader) Read(p []byte) (int, error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if remaining := r.limit - r.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// PutIfNotExists writes data unless name exists. It uses a conditional put
// when store implements ConditionalPutter and otherwise checks then writes,
// which is only safe for a single writer.
func PutIfNotExists(ctx context.Context, store BlobStore, name string, data []byte) error {
	if cp, ok := store.(ConditionalPutter); ok {
		return cp.PutIfNotExists(ctx, name, data)
	}
	b, err := store.Open(ctx, name)
	if err == nil {
		_ = b.Close()
		return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	return store.Put(ctx, name, data)
}
