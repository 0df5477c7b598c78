// Package storage holds document content. Metadata lives in the database;
// this package only moves bytes under opaque keys.
//
// Two backends implement Blobs:
//
//   - FileSystem writes files under a root directory, renaming each upload
//     into place once it is complete.
//   - S3 writes objects to a single bucket through aws-sdk-go-v2. Endpoint and
//     path-style addressing make it work against MinIO for local development.
//
// Open picks one from config.StorageConfig. Missing blobs are reported as
// ErrNotFound by both.
package storage
