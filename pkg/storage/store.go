// Package storage provides a generic bbolt-backed key/value store. It backs
// the persisted tablet-location cache (pkg/metacache.Persistent) and the
// CA material used by pkg/security; the Raft transaction coordinator uses
// raft-boltdb directly for its log/stable stores rather than going through
// this package.
package storage

// Store is a generic named-bucket key/value store.
type Store interface {
	// Put writes value under key in bucket, creating the bucket if needed.
	Put(bucket, key string, value []byte) error
	// Get returns the value for key in bucket, or (nil, nil) if absent.
	Get(bucket, key string) ([]byte, error)
	// Delete removes key from bucket. It is not an error if key is absent.
	Delete(bucket, key string) error
	// ForEach calls fn for every key/value pair in bucket. Iteration stops
	// and the error is returned if fn returns a non-nil error.
	ForEach(bucket string, fn func(key string, value []byte) error) error
	// Close releases the underlying database handle.
	Close() error
}
