// Package store defines the document store boundary used by confcache.
//
// The engine never talks to a concrete store directly; it goes through the
// Gateway interface. A Gateway is a typed key-value + document API over a
// shared store, plus a subscription primitive that yields an ordered stream
// of change events per collection. The store is the source of truth; the
// engine only caches what a Gateway returns.
//
// Implementations MUST allocate versions that are monotonically increasing
// per key within a collection (a store revision counter is fine). Change
// events MUST carry the version the write was assigned, so that consumers
// can apply them idempotently and reject out-of-order delivery.
package store

import (
	"context"
	"errors"
)

// Document is the raw encoded form of a stored object. Codecs translate
// between Document and typed values; the Gateway never interprets it.
type Document []byte

// ChangeOp identifies what a change event did to a key.
type ChangeOp uint8

const (
	OpInsert ChangeOp = iota + 1
	OpUpdate
	OpReplace
	OpDelete
)

func (op ChangeOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent is one logical revision of one key. Doc is nil for deletes.
// Delivery is at-least-once; consumers must tolerate duplicates and apply
// events idempotently keyed on Version.
type ChangeEvent struct {
	Collection string
	Key        string
	Op         ChangeOp
	Doc        Document
	Version    uint64
}

// Feed is a live subscription to one collection's change stream.
// Events() is closed when the subscription ends (Close or transport loss);
// consumers are expected to resubscribe.
type Feed interface {
	Events() <-chan ChangeEvent
	Close() error
}

// Entry is a listed document with its current version.
type Entry struct {
	ID      string
	Doc     Document
	Version uint64
}

// Gateway is the minimal store surface the engine needs. All methods must be
// safe for concurrent use. Implementations should retry transient transport
// failures internally (with backoff) before surfacing ErrUnavailable.
type Gateway interface {
	// Get returns the document and its version. ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (Document, uint64, error)

	// Put stores doc and returns the newly assigned version.
	// expectedVersion > 0 requests compare-and-swap: the write fails with
	// ErrVersionMismatch unless the stored version equals expectedVersion.
	// expectedVersion == 0 is last-writer-wins.
	Put(ctx context.Context, collection, id string, doc Document, expectedVersion uint64) (uint64, error)

	// Delete removes a key. Returns false if the key did not exist.
	Delete(ctx context.Context, collection, id string) (bool, error)

	// Exists reports presence without fetching the document.
	Exists(ctx context.Context, collection, id string) (bool, error)

	// List returns all entries of a collection.
	List(ctx context.Context, collection string) ([]Entry, error)

	// Subscribe opens a change feed for one collection.
	Subscribe(ctx context.Context, collection string) (Feed, error)

	// Close releases gateway resources. It does not close a client the
	// caller injected and still owns.
	Close(ctx context.Context) error
}

var (
	// ErrNotFound reports a key that is absent after a real lookup.
	// It is a valid result, not a failure.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionMismatch reports a failed compare-and-swap put.
	ErrVersionMismatch = errors.New("store: version mismatch")

	// ErrUnavailable reports a transient store failure that survived the
	// gateway's internal retries.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrClosed reports use of a closed gateway or feed.
	ErrClosed = errors.New("store: closed")
)
