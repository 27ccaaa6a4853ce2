// Package cache provides the correlation cache: the mapping from a
// correlation key to the original client envelope bytes. It is the only
// shared mutable state that crosses component boundaries, so every
// implementation must tolerate concurrent access; per-key operations are
// linearisable.
package cache

import "errors"

var (
	ErrNotFound = errors.New("cache: key not found")
	ErrClosed   = errors.New("cache: closed")
)

// Cache stores envelope bytes under opaque string keys. Entries are
// created by inbound components when a PALM message enters the system and
// deleted once the reply has been produced.
type Cache interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Close() error
}
