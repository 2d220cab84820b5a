// Package tablestore provides the write and compaction core of an LSM
// merge-tree table store for Go.
//
// A table is partitioned and split into buckets. Every bucket owns one
// merge-tree writer: records are sorted in a paged write buffer, flushed to
// immutable level 0 files, and compacted into higher levels in the
// background. Commits publish immutable snapshots through a blob store.
//
// # Quick Start
//
//	ctx := context.Background()
//	schema := tablestore.Schema{
//	    RowType: row.NewRowType(
//	        row.Field{Name: "pt", Type: row.TypeInt32},
//	        row.Field{Name: "id", Type: row.TypeInt64},
//	        row.Field{Name: "name", Type: row.TypeString},
//	    ),
//	    PartitionKeys: []string{"pt"},
//	    PrimaryKeys:   []string{"pt", "id"},
//	}
//	t, _ := tablestore.Open(ctx, blobstore.NewLocalStore("./data"), schema,
//	    tablestore.WithBuckets(4),
//	    tablestore.WithWriteBufferSize(64<<20),
//	)
//	defer t.Close(ctx)
//
//	_ = t.Write(ctx, row.Of(schema.RowType, int32(0), int64(1), "alice"))
//	msgs, _ := t.PrepareCommit(ctx, false)
//	_ = t.Commit(ctx, msgs)
//
//	rows, _ := t.Read(ctx, int32(0))
//
// # Configuration
//
// Options mirror the familiar string keys and can be parsed from a map:
//
//	opts, _ := tablestore.ParseOptions(map[string]string{
//	    "bucket":             "4",
//	    "write-buffer-size":  "64 mib",
//	    "merge-engine":       "partial-update",
//	    "changelog-producer": "full-compaction",
//	})
//
// # Storage
//
// Data files, snapshots and schemas are blobs of a blobstore.BlobStore:
// blobstore.LocalStore, blobstore.MemoryStore, the S3 store in
// blobstore/s3 or the MinIO store in blobstore/minio.
package tablestore
