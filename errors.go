package reqcache

import (
	"errors"
	"fmt"
)

var (
	// ErrNilProducer is returned by Do when neither a producer function
	// nor a batch group is given, leaving the engine nothing to execute.
	ErrNilProducer = errors.New("reqcache: nil producer and no batch group")

	// ErrUnknownBatchGroup is returned when a Policy names a batch group
	// that was never registered.
	ErrUnknownBatchGroup = errors.New("reqcache: unknown batch group")

	// ErrBatchGroupExists is returned by RegisterBatch for a duplicate
	// group name.
	ErrBatchGroupExists = errors.New("reqcache: batch group already registered")

	// ErrClosed is returned by operations on an engine after Close.
	ErrClosed = errors.New("reqcache: engine closed")
)

// InvalidateError reports an invalidation sweep that bumped its
// generation but could not delete every affected entry from the backend.
// The generation bump already guarantees the survivors will not be
// served, so callers can usually log this and move on.
type InvalidateError struct {
	// Name is the index name that was invalidated, including its
	// "t:" or "d:" prefix, or the key prefix for prefix sweeps.
	Name string

	// Errs holds one error per failed delete.
	Errs []error
}

func (e *InvalidateError) Error() string {
	switch len(e.Errs) {
	case 0:
		return fmt.Sprintf("reqcache: invalidate %q failed", e.Name)
	case 1:
		return fmt.Sprintf("reqcache: invalidate %q: %v", e.Name, e.Errs[0])
	default:
		return fmt.Sprintf("reqcache: invalidate %q: %d deletes failed, first: %v", e.Name, len(e.Errs), e.Errs[0])
	}
}

// Unwrap exposes the individual delete failures to errors.Is and
// errors.As.
func (e *InvalidateError) Unwrap() []error { return e.Errs }
