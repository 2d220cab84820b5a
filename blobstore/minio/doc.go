// Package minio stores table files in MinIO or any other S3-compatible
// service (Ceph, Garage, SeaweedFS) through the MinIO Go client.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4("minioadmin", "minioadmin", ""),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := minioblob.NewStore(client, "warehouse", "orders/")
//	tbl, err := tablestore.Open(ctx, store, schema)
//
// Data and changelog files are streamed with multipart uploads and become
// visible on Close. Snapshots use If-None-Match so that two committers
// cannot both create the same snapshot id.
package minio
