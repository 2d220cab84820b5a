package datafile

import (
	"context"
	"fmt"

	"github.com/hupe1980/tablestore/blobstore"
	"github.com/hupe1980/tablestore/format"
	"github.com/hupe1980/tablestore/kv"
)

// ReaderFactory opens KeyValue readers over data files of one bucket.
type ReaderFactory struct {
	store  blobstore.BlobStore
	paths  *PathFactory
	schema kv.Schema
	format format.Format
}

// NewReaderFactory creates a reader factory. A nil format selects the
// block format.
func NewReaderFactory(store blobstore.BlobStore, paths *PathFactory, schema kv.Schema, f format.Format) *ReaderFactory {
	if f == nil {
		f = format.NewBlock()
	}
	return &ReaderFactory{store: store, paths: paths, schema: schema, format: f}
}

// NewReader opens the file of meta. Records carry the level of meta.
func (f *ReaderFactory) NewReader(ctx context.Context, meta *DataFileMeta) (kv.Iterator, error) {
	blob, err := f.store.Open(ctx, f.paths.ToPath(meta.FileName))
	if err != nil {
		return nil, fmt.Errorf("datafile: open %s: %w", meta.FileName, err)
	}
	r, err := f.format.NewReader(ctx, blob, f.schema.RecordType())
	if err != nil {
		_ = blob.Close()
		return nil, fmt.Errorf("datafile: read %s: %w", meta.FileName, err)
	}
	return &KeyValueFileReader{
		name:  meta.FileName,
		blob:  blob,
		r:     r,
		ser:   kv.NewSerializer(f.schema),
		level: meta.Level,
	}, nil
}

// KeyValueFileReader decodes the records of one data file.
type KeyValueFileReader struct {
	name  string
	blob  blobstore.Blob
	r     format.Reader
	ser   *kv.Serializer
	level int32
}

func (r *KeyValueFileReader) Next() (kv.KeyValue, bool, error) {
	rec, ok, err := r.r.Next()
	if err != nil {
		return kv.KeyValue{}, false, fmt.Errorf("datafile: read %s: %w", r.name, err)
	}
	if !ok {
		return kv.KeyValue{}, false, nil
	}
	out, err := r.ser.FromRow(rec, r.level)
	if err != nil {
		return kv.KeyValue{}, false, fmt.Errorf("datafile: decode %s: %w", r.name, err)
	}
	return out, true, nil
}

func (r *KeyValueFileReader) Close() error {
	err := r.r.Close()
	if cerr := r.blob.Close(); err == nil {
		err = cerr
	}
	return err
}
