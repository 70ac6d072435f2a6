// Package hal defines the contracts between the dispatch queue and the
// hardware layer that actually runs tasks.
//
// The queue never encodes commands itself. It hands a TaskDescriptor to a
// Device, polls the device for the task's status and blocks on the device's
// completion primitive. Utility kernels (memory copies) are produced by a
// KernelLoader.
package hal

import (
	"time"

	"github.com/notargets/DGDispatch/kernel"
)

// TaskID is the device's handle for a submitted task
type TaskID uint64

// State is the hardware-side progress of a submitted task
type State int

const (
	InProgress State = iota
	Running
	Finished
	Reset
)

func (s State) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

// TaskStatus is the answer to QueryTaskStatus. Timestamps are valid once
// State is Finished; StartTime is valid from Running on.
type TaskStatus struct {
	State     State
	Duration  time.Duration
	StartTime time.Time
	EndTime   time.Time
}

// Caps are the limits a device advertises
type Caps struct {
	MaxKernelsPerTask              int
	MaxThreadsPerTask              int
	MaxThreadsPerTaskPerThreadArgs int
	MaxThreadsPerGroup             int
	MaxInFlightTasks               int
	MaxSlices                      int
	MaxSubSlices                   int
	MaxEUs                         int
}

// GroupShape is the thread-group launch geometry
type GroupShape struct {
	ThreadsX, ThreadsY, ThreadsZ int
	GroupsX, GroupsY, GroupsZ    int
}

// ThreadsPerGroup returns the number of threads in one group
func (g GroupShape) ThreadsPerGroup() int {
	return dim(g.ThreadsX) * dim(g.ThreadsY) * dim(g.ThreadsZ)
}

// Groups returns the number of groups launched
func (g GroupShape) Groups() int {
	return dim(g.GroupsX) * dim(g.GroupsY) * dim(g.GroupsZ)
}

// TotalThreads returns the number of threads launched
func (g GroupShape) TotalThreads() int {
	return g.ThreadsPerGroup() * g.Groups()
}

func dim(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

// PowerOptions requests a slice/sub-slice/EU configuration; zero fields leave
// the device default.
type PowerOptions struct {
	Slices    int
	SubSlices int
	EUs       int
}

// KernelDispatch is one kernel of a task with its argument snapshot
type KernelDispatch struct {
	Name        string
	Program     kernel.Program
	Args        []kernel.ArgValue
	ThreadCount int
}

// UnitDispatch is one thread of a thread-space task, listed in dispatch order
type UnitDispatch struct {
	X, Y   int
	Kernel int   // index into TaskDescriptor.Kernels
	Mask   uint8 // enabled dependency vectors
	Color  uint8
	Slice  uint8
}

// Vector is a relative dependency offset
type Vector struct {
	DX, DY int
}

// TaskDescriptor is everything a device needs to run one task
type TaskDescriptor struct {
	Kernels    []KernelDispatch
	Units      []UnitDispatch // empty for group-shape and plain launches
	Vectors    []Vector       // dependency vectors referenced by UnitDispatch.Mask
	WaveCounts []int          // threads per wave for scoreboard sizing, may be nil
	Group      *GroupShape
	SyncBitmap uint64 // bit i: full pipeline sync after kernel i
	Power      PowerOptions
}

// SyncAfter reports whether the task requires a pipeline sync after kernel i
func (d *TaskDescriptor) SyncAfter(i int) bool {
	return i < 64 && d.SyncBitmap&(1<<uint(i)) != 0
}

// Device is the hardware submission layer
type Device interface {
	Caps() Caps
	// SubmitTask hands a task to the hardware. It is called once per task.
	SubmitTask(desc *TaskDescriptor) (TaskID, error)
	QueryTaskStatus(id TaskID) (TaskStatus, error)
	// WaitOnCompletion blocks until the task's completion primitive signals or
	// timeout elapses; it returns false on timeout.
	WaitOnCompletion(id TaskID, timeout time.Duration) (bool, error)
}

// TaskReleaser is implemented by devices that keep per-task state until the
// queue is done with the task.
type TaskReleaser interface {
	ReleaseTask(id TaskID)
}

// KernelLoader builds utility kernels on demand
type KernelLoader interface {
	LoadUtilityKernel(sig CopySignature) (kernel.Program, error)
}
