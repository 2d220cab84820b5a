// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket", s3.WithPrefix("warehouse/orders"))
//	tbl, err := tablestore.Open(ctx, store, schema)
//
// # Features
//
//   - Range reads for partial fetches of data file blocks
//   - Streaming multipart uploads for data and changelog files
//   - Conditional writes (If-None-Match) for snapshot commits
//   - Automatic pagination for listing
package s3
