//go:build !linux && !windows

package quiesce

import "github.com/pkg/errors"

// ErrUnsupported means this platform offers no way to inspect sibling thread
// instruction pointers. The guard treats that as a permanent failure instead
// of writing blind.
var ErrUnsupported = errors.New("thread inspection not supported on this platform")

type stubEnumerator struct{}

// NewNativeEnumerator returns the platform thread enumerator.
func NewNativeEnumerator() (Enumerator, error) {
	return stubEnumerator{}, nil
}

func (stubEnumerator) Threads() ([]Thread, error) {
	return nil, ErrUnsupported
}
