// Package provider defines the byte store behind confcache's second cache
// level. The engine keeps decoded records in its first level; the optional
// second level holds version-stamped encoded documents so a restarted or
// cold process can skip a store round-trip.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the []byte previously passed to Set for a key. No prepended metadata, no
// re-encoding, no mutation. Internal transforms (compression etc.) must be
// fully reversed.
//
// The keyspaces "doc:<collection>:" and "batch:<collection>:" are owned by
// the engine. Foreign writes under these prefixes fail the envelope check on
// read and are deleted.
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// IO/remote errors return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. May ignore cost if unsupported.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}
