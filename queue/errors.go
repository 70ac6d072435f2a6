package queue

import "github.com/notargets/DGDispatch/errdefs"

// Error kinds returned by the queue, by identity with errdefs
var (
	ErrInvalidArgument           = errdefs.ErrInvalidArgument
	ErrExceedsMaxKernels         = errdefs.ErrExceedsMaxKernels
	ErrExceedsMaxThreads         = errdefs.ErrExceedsMaxThreads
	ErrIncompatibleConfiguration = errdefs.ErrIncompatibleConfiguration
	ErrOutOfMemory               = errdefs.ErrOutOfMemory
	ErrSubmissionFailure         = errdefs.ErrSubmissionFailure
	ErrTimeout                   = errdefs.ErrTimeout
	ErrReset                     = errdefs.ErrReset
	ErrNotReady                  = errdefs.ErrNotReady
)

// kindOf names the error kind of err for log records
func kindOf(err error) string {
	if k := errdefs.Kind(err); k != nil {
		return k.Error()
	}
	return "unclassified"
}
