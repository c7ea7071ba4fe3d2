// Package unitcache provides a per-unit payload cache in cloud storage.
//
// Each work unit's raw payload is stored as one object, keyed by endpoint and
// unit id, with a JSON sidecar describing it. The package is storage-agnostic
// via gocloud.dev/blob: local directories (file://), memory (mem://), S3 and
// GCS buckets all work.
//
// # Writing
//
// Use [Store.Create] to start an entry, write the payload to the returned
// [Writer], then call [Writer.Commit]. The data object is published when the
// blob writer closes and the sidecar only after that, so a reader never sees
// a sidecar for partial data. [Writer.Abort] cancels the upload and removes
// any partial object. [Store.Put] does all of this for an io.Reader.
//
// # Reading
//
// [Store.Get] returns the sidecar after checking that the data object exists
// with the recorded size. [Store.Open] streams the payload and verifies size
// and sha256 at EOF; a mismatch surfaces from Read as an error wrapping
// [ErrInvalid].
//
// # Maintenance
//
// [Store.Audit] checks many entries without reading payloads.
// [Store.Invalidate] and [Store.Purge] remove entries.
//
// # Storage Layout
//
//	{bucket}/{prefix}{endpoint}/{id}-{urlhash}.gz
//	{bucket}/{prefix}{endpoint}/{id}-{urlhash}.gz.meta.json
//
// # Sidecar Format
//
//	{
//	  "unit_id": "9606",
//	  "endpoint": "protein.links.detailed.v12.0",
//	  "key": "protein.links.detailed.v12.0/9606-1a2b3c4d.gz",
//	  "size": 104857600,
//	  "sha256": "...",
//	  "fetched_at": "2025-01-15T10:30:00Z",
//	  "etag": "...",
//	  "validated": true
//	}
package unitcache
