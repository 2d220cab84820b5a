package blobstore

import (
	"context"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/tablestore/internal/cache"
)

// countingStore counts backend reads.
type countingStore struct {
	*MemoryStore
	reads     atomic.Int64
	readBytes atomic.Int64
}

func (s *countingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.MemoryStore.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingBlob{Blob: b, store: s}, nil
}

type countingBlob struct {
	Blob
	store *countingStore
}

func (b *countingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	b.store.reads.Add(1)
	n, err := b.Blob.ReadAt(ctx, p, off)
	b.store.readBytes.Add(int64(n))
	return n, err
}

func newCountingStore(t *testing.T, blobs map[string][]byte) *countingStore {
	t.Helper()
	s := &countingStore{MemoryStore: NewMemoryStore()}
	for name, data := range blobs {
		require.NoError(t, s.Put(context.Background(), name, data))
	}
	return s
}

func TestCachingStore_ReadAt(t *testing.T) {
	ctx := context.Background()
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i % 255)
	}
	inner := newCountingStore(t, map[string][]byte{"test": data})
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1<<20, nil), 256)

	blob, err := store.Open(ctx, "test")
	require.NoError(t, err)
	defer blob.Close()

	buf := make([]byte, 100)
	n, err := blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[:100], buf)
	assert.Equal(t, int64(1), inner.reads.Load())
	assert.Equal(t, int64(256), inner.readBytes.Load())

	_, err = blob.ReadAt(ctx, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.reads.Load())

	// Spans block 0 (cached) and block 1.
	n, err = blob.ReadAt(ctx, buf, 200)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[200:300], buf)
	assert.Equal(t, int64(2), inner.reads.Load())
	assert.Equal(t, int64(512), inner.readBytes.Load())

	// Blocks 2 and 3 are fetched with one read.
	big := make([]byte, 600)
	n, err = blob.ReadAt(ctx, big, 300)
	require.NoError(t, err)
	assert.Equal(t, 600, n)
	assert.Equal(t, data[300:900], big)
	assert.Equal(t, int64(3), inner.reads.Load())
}

func TestCachingStore_ShortRead(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore(t, map[string][]byte{"small": []byte("hello")})
	store := NewCachingStore(inner, cache.NewLRUBlockCache(1024, nil), 256)

	blob, err := store.Open(ctx, "small")
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = blob.ReadAt(ctx, buf, 5)
	assert.ErrorIs(t, err, io.EOF)

	rc, err := blob.ReadRange(ctx, 1, 3)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ell", string(got))

	all, err := ReadAll(ctx, store, "small")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(all))
}

func TestCachingStore_Invalidate(t *testing.T) {
	ctx := context.Background()
	inner := newCountingStore(t, map[string][]byte{"LATEST": []byte("1")})
	store := NewCachingStore(inner, cache.NewShardedLRUBlockCache(1<<20, nil), 0)

	got, err := ReadAll(ctx, store, "LATEST")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	require.NoError(t, store.Put(ctx, "LATEST", []byte("2")))
	got, err = ReadAll(ctx, store, "LATEST")
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))

	require.NoError(t, store.Delete(ctx, "LATEST"))
	_, err = store.Open(ctx, "LATEST")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutIfNotExists(ctx, "snap", []byte("a")))
	assert.ErrorIs(t, store.PutIfNotExists(ctx, "snap", []byte("b")), ErrAlreadyExists)
}

func TestPutIfNotExists_Fallback(t *testing.T) {
	ctx := context.Background()
	// Embedding hides the conditional put of MemoryStore.
	store := struct{ BlobStore }{NewMemoryStore()}

	require.NoError(t, PutIfNotExists(ctx, store, "a", []byte("1")))
	assert.ErrorIs(t, PutIfNotExists(ctx, store, "a", []byte("2")), ErrAlreadyExists)

	got, err := ReadAll(ctx, store, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}
