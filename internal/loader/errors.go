package loader

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyAttached is wrapped by AttachError when a probe of the same
	// kind is already attached to the target.
	ErrAlreadyAttached = errors.New("probe already attached")

	// ErrTargetNotFound is wrapped by AttachError when the kernel symbol or
	// interface cannot be resolved.
	ErrTargetNotFound = errors.New("target not found")
)

// LoadError reports an image that is malformed or rejected by the verifier.
type LoadError struct {
	Image string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load image %s: %v", e.Image, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AttachError reports a probe that could not be attached.
type AttachError struct {
	Probe Probe
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach %s: %v", e.Probe, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// MapError reports a missing or misshapen map, or a failed map update.
type MapError struct {
	Map string
	Err error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("map %s: %v", e.Map, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

// SetupError reports a partial attachment. Every probe attached before the
// failure has been detached again.
type SetupError struct {
	Failed      Probe
	RolledBack  []Probe
	Err         error
	RollbackErr error
}

func (e *SetupError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "setup aborted at %s: %v", e.Failed, e.Err)
	if len(e.RolledBack) > 0 {
		names := make([]string, len(e.RolledBack))
		for i, p := range e.RolledBack {
			names[i] = p.String()
		}
		fmt.Fprintf(&b, " (detached %s)", strings.Join(names, ", "))
	}
	if e.RollbackErr != nil {
		fmt.Fprintf(&b, "; detach failed: %v", e.RollbackErr)
	}
	return b.String()
}

func (e *SetupError) Unwrap() error { return e.Err }
