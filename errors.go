package confcache

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/unkn0wn-root/confcache/store"
)

var (
	// ErrNotFound is re-exported from store: a key absent after a real
	// lookup. A valid result, not a failure.
	ErrNotFound = store.ErrNotFound

	// ErrSaturated reports a full worker queue. The submission was not
	// accepted; callers may retry.
	ErrSaturated = errors.New("confcache: worker queue saturated")

	// ErrTimeout reports a store round-trip or reload phase that exceeded
	// its deadline. Any per-key write lock held by the operation has been
	// released by the time the error is observable.
	ErrTimeout = errors.New("confcache: operation timed out")

	// ErrWritesSuspended reports a mutating operation submitted for a
	// collection that is mid-reload.
	ErrWritesSuspended = errors.New("confcache: writes suspended for reload")

	// ErrReloadActive reports a reload trigger for a scope that already
	// has an active session. Triggers are rejected, not queued.
	ErrReloadActive = errors.New("confcache: reload already active for scope")

	// ErrCollectionExists reports a duplicate collection registration.
	ErrCollectionExists = errors.New("confcache: collection already registered")

	// ErrUnknownSession reports a reload session id the orchestrator does
	// not know.
	ErrUnknownSession = errors.New("confcache: unknown reload session")

	// ErrClosed reports use of a closed engine.
	ErrClosed = errors.New("confcache: engine closed")
)

// DecodeError reports a document whose shape did not match the registered
// codec. The offending entry is invalidated and never cached.
type DecodeError struct {
	Key Key
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("confcache: decode %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ReloadAbortedError reports a reload session that rolled back. The cache
// was restored to the pre-reload snapshot before this error is observable.
type ReloadAbortedError struct {
	SessionID string
	Phase     ReloadPhase
	Cause     error
}

func (e *ReloadAbortedError) Error() string {
	return fmt.Sprintf("confcache: reload %s aborted in %s: %v", e.SessionID, e.Phase, e.Cause)
}

func (e *ReloadAbortedError) Unwrap() error { return e.Cause }

// BatchError aggregates per-key failures of a batch operation. Successful
// sibling operations were not cancelled.
type BatchError struct {
	errs *multierror.Error
}

func newBatchError() *BatchError {
	me := &multierror.Error{}
	me.ErrorFormat = batchErrorFormat
	return &BatchError{errs: me}
}

func batchErrorFormat(errs []error) string {
	if len(errs) == 1 {
		return fmt.Sprintf("confcache: batch: 1 key failed: %v", errs[0])
	}
	return fmt.Sprintf("confcache: batch: %d keys failed (first: %v)", len(errs), errs[0])
}

func (e *BatchError) append(err error) { e.errs = multierror.Append(e.errs, err) }
func (e *BatchError) len() int         { return e.errs.Len() }

func (e *BatchError) Error() string { return e.errs.Error() }

// Unwrap exposes the individual failures for errors.Is / errors.As.
func (e *BatchError) Unwrap() []error { return e.errs.WrappedErrors() }
