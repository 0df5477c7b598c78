// Package documents attaches uploaded files to fleet entities. Metadata is
// a tenant-scoped row in the documents table; content is written to a
// storage.Blobs backend under a random key before the row is created, and
// removed again if the row cannot be saved.
package documents
