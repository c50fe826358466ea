// Package storage provides the key-value persistence capability used by the
// session stores. Two scopes exist by convention: durable storage survives a
// process restart (session metadata), scratch storage only needs to survive
// a single authentication round trip (PKCE state, pending request).
package storage

import "errors"

// ErrKeyNotFound is returned when a key doesn't exist
var ErrKeyNotFound = errors.New("storage key not found")

// KV is the minimal storage capability a host must supply. Implementations
// must be safe for concurrent use. A host without durable storage supplies
// Memory; callers treat persist failures as non-fatal.
type KV interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
}
