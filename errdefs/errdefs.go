// Package errdefs defines the error kinds shared by the dispatch packages.
//
// Every error returned by threadspace, kernel, pool and queue wraps exactly
// one of the kinds below, so callers classify failures with errors.Is:
//
//	if errors.Is(err, errdefs.ErrTimeout) {
//		// retry later
//	}
package errdefs

import "github.com/pkg/errors"

var (
	// ErrInvalidArgument reports a malformed request (empty kernel list, nil
	// board, coordinates outside the board, bad argument spec).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExceedsMaxKernels reports more kernels than the device accepts per task.
	ErrExceedsMaxKernels = errors.New("exceeds maximum kernels per task")

	// ErrExceedsMaxThreads reports more threads than the device accepts per task.
	ErrExceedsMaxThreads = errors.New("exceeds maximum threads per task")

	// ErrIncompatibleConfiguration reports conflicting scheduler selections.
	ErrIncompatibleConfiguration = errors.New("incompatible configuration")

	// ErrOutOfMemory reports a failed snapshot, board or pool allocation.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrSubmissionFailure reports a task rejected by the hardware layer.
	ErrSubmissionFailure = errors.New("submission failure")

	// ErrTimeout reports a wait or drain that exceeded its budget.
	ErrTimeout = errors.New("timeout")

	// ErrReset reports a task lost to a hardware recovery.
	ErrReset = errors.New("task reset by hardware recovery")

	// ErrNotReady reports profiling data requested before completion.
	ErrNotReady = errors.New("not ready")
)

// Kind returns the error kind wrapped by err, or nil when err wraps none.
func Kind(err error) error {
	for _, kind := range []error{
		ErrInvalidArgument,
		ErrExceedsMaxKernels,
		ErrExceedsMaxThreads,
		ErrIncompatibleConfiguration,
		ErrOutOfMemory,
		ErrSubmissionFailure,
		ErrTimeout,
		ErrReset,
		ErrNotReady,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Retryable reports whether the caller may retry the failed operation as is.
// Only timeouts are retryable; limits and validation failures never are.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}
