// Package drain moves records out of the per-CPU event channels and decodes
// them. Every CPU has its own channel endpoint and its own drain task.
package drain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by ReadBatch once the channel is shut down and
	// every pending record has been read.
	ErrClosed = errors.New("channel closed")

	// ErrConsumed is reported when a drain's sequence is iterated twice.
	ErrConsumed = errors.New("drain already consumed")
)

// Batch describes one ReadBatch call. Only the first Read buffers hold
// valid records; the rest are stale.
type Batch struct {
	Read int
	Lost uint64
}

// Channel is the userspace endpoint of a single CPU's ring.
type Channel interface {
	CPU() int
	// ReadBatch blocks until at least one record or a lost notification is
	// available, then fills bufs without blocking further.
	ReadBatch(ctx context.Context, bufs [][]byte) (Batch, error)
	Close() error
}

// DrainError reports a failure local to one CPU's drain.
type DrainError struct {
	CPU int
	Op  string
	Err error
}

func (e *DrainError) Error() string {
	return fmt.Sprintf("drain cpu %d: %s: %v", e.CPU, e.Op, e.Err)
}

func (e *DrainError) Unwrap() error {
	return e.Err
}
