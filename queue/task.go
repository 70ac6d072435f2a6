package queue

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/notargets/DGDispatch/hal"
	"github.com/notargets/DGDispatch/kernel"
	"github.com/notargets/DGDispatch/pool"
	"github.com/notargets/DGDispatch/threadspace"
	"github.com/pkg/errors"
)

type copyHandle = pool.Handle[hal.CopySignature, kernel.Program]

// Dispatch selects how a task's threads are launched. At most one of Board
// and Group may be set; with neither, every kernel runs its own thread count.
type Dispatch struct {
	Board *threadspace.Board
	Group *hal.GroupShape
}

// Task is one enqueued batch of kernels. Its dispatch fields are fixed at
// enqueue; only the completion state of its event changes afterwards.
type Task struct {
	id      uuid.UUID
	q       *Queue
	kernels []*kernel.Kernel
	data    []*kernel.Data
	copies  []*copyHandle
	threads int
	desc    *hal.TaskDescriptor
	event   *Event

	hwID      hal.TaskID
	submitted bool
	destroyed atomic.Bool
}

func (t *Task) ID() uuid.UUID { return t.id }
func (t *Task) KernelCount() int { return len(t.kernels) }
func (t *Task) ThreadCount() int { return t.threads }
func (t *Task) SyncBitmap() uint64 { return t.desc.SyncBitmap }

// Descriptor returns what was, or will be, handed to the device. It must not
// be modified.
func (t *Task) Descriptor() *hal.TaskDescriptor { return t.desc }

// Event returns the task's event without acquiring it
func (t *Task) Event() *Event { return t.event }

// Snapshots returns the argument snapshots of the task's kernels, in kernel order
func (t *Task) Snapshots() []*kernel.Data { return t.data }

// Destroyed reports whether the task was reaped or failed submission
func (t *Task) Destroyed() bool { return t.destroyed.Load() }

// destroy releases everything the task holds. It runs once.
func (t *Task) destroy() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	for _, d := range t.data {
		d.Reset()
		d.Release()
	}
	for _, h := range t.copies {
		t.q.copies.Release(h)
	}
	if t.submitted {
		if r, ok := t.q.dev.(hal.TaskReleaser); ok {
			r.ReleaseTask(t.hwID)
		}
	}
	t.event.Release()
}

// validate checks a request against the device limits. It does not touch
// the kernels' snapshots or the board's cache.
func (q *Queue) validate(kernels []*kernel.Kernel, dispatch Dispatch, power hal.PowerOptions) (int, error) {
	if len(kernels) == 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "empty kernel list")
	}
	perThread := false
	for i, k := range kernels {
		if k == nil {
			return 0, errors.Wrapf(ErrInvalidArgument, "kernel %d is nil", i)
		}
		if k.HasPerThreadArgs() {
			perThread = true
		}
	}
	if limit := q.caps.MaxKernelsPerTask; limit > 0 && len(kernels) > limit {
		return 0, errors.Wrapf(ErrExceedsMaxKernels, "%d kernels, device accepts %d", len(kernels), limit)
	}
	if dispatch.Board != nil && dispatch.Group != nil {
		return 0, errors.Wrap(ErrInvalidArgument, "a task takes a thread space or a group shape, not both")
	}
	if err := q.validatePower(power); err != nil {
		return 0, err
	}

	var threads int
	switch {
	case dispatch.Board != nil:
		threads = dispatch.Board.Len()
	case dispatch.Group != nil:
		g := dispatch.Group
		for _, n := range []int{g.ThreadsX, g.ThreadsY, g.ThreadsZ, g.GroupsX, g.GroupsY, g.GroupsZ} {
			if n < 0 {
				return 0, errors.Wrapf(ErrInvalidArgument, "group shape %+v", *g)
			}
		}
		if limit := q.caps.MaxThreadsPerGroup; limit > 0 && g.ThreadsPerGroup() > limit {
			return 0, errors.Wrapf(ErrExceedsMaxThreads,
				"%d threads per group, device accepts %d", g.ThreadsPerGroup(), limit)
		}
		threads = g.TotalThreads()
	default:
		for _, k := range kernels {
			threads += k.ThreadCount()
		}
	}

	limit := q.caps.MaxThreadsPerTask
	if perThread && q.caps.MaxThreadsPerTaskPerThreadArgs > 0 {
		limit = q.caps.MaxThreadsPerTaskPerThreadArgs
	}
	if limit > 0 && threads > limit {
		return 0, errors.Wrapf(ErrExceedsMaxThreads,
			"%d threads, device accepts %d (per-thread arguments: %t)", threads, limit, perThread)
	}
	return threads, nil
}

func (q *Queue) validatePower(p hal.PowerOptions) error {
	check := func(what string, n, limit int) error {
		if n < 0 || (limit > 0 && n > limit) {
			return errors.Wrapf(ErrInvalidArgument, "%s %d, device has %d", what, n, limit)
		}
		return nil
	}
	if err := check("slices", p.Slices, q.caps.MaxSlices); err != nil {
		return err
	}
	if err := check("sub-slices", p.SubSlices, q.caps.MaxSubSlices); err != nil {
		return err
	}
	return check("EUs", p.EUs, q.caps.MaxEUs)
}

// boardUnits linearises a board into the dispatch list of a task
func (q *Queue) boardUnits(kernels []*kernel.Kernel, b *threadspace.Board) (*threadspace.Schedule, []hal.UnitDispatch, []int, error) {
	index := make(map[kernel.ID]int, len(kernels))
	for i, k := range kernels {
		index[k.ID()] = i
	}

	associated := b.Associated()
	if !associated && len(kernels) > 1 {
		return nil, nil, nil, errors.Wrapf(ErrInvalidArgument,
			"%d kernels share a thread space with no kernel associations", len(kernels))
	}
	perKernel := make([]int, len(kernels))
	if associated {
		for i := 0; i < b.Len(); i++ {
			u := b.Unit(i)
			ki, ok := index[u.Kernel]
			if !u.Bound() || !ok {
				return nil, nil, nil, errors.Wrapf(ErrInvalidArgument,
					"unit (%d,%d) is not associated with a kernel of the task", u.X, u.Y)
			}
			perKernel[ki]++
		}
		for i, n := range perKernel {
			if n == 0 {
				return nil, nil, nil, errors.Wrapf(ErrInvalidArgument,
					"kernel %s has no unit in the thread space", kernels[i].Name())
			}
		}
	} else {
		perKernel[0] = b.Len()
	}

	s, err := b.Order()
	if err != nil {
		return nil, nil, nil, err
	}
	if q.cfg.VerifySchedules {
		if err := threadspace.Verify(s); err != nil {
			return nil, nil, nil, err
		}
	}

	units := make([]hal.UnitDispatch, len(s.Order))
	for p, idx := range s.Order {
		u := b.Unit(idx)
		ki := 0
		if associated {
			ki = index[u.Kernel]
		}
		units[p] = hal.UnitDispatch{
			X:      u.X,
			Y:      u.Y,
			Kernel: ki,
			Mask:   s.Masks[idx],
			Color:  u.Color,
			Slice:  u.Slice,
		}
	}
	return s, units, perKernel, nil
}

// buildTask captures snapshots and the task descriptor. On error nothing is
// left acquired.
func (q *Queue) buildTask(kernels []*kernel.Kernel, dispatch Dispatch, sync uint64, power hal.PowerOptions, threads int) (*Task, error) {
	desc := &hal.TaskDescriptor{
		Group:      dispatch.Group,
		SyncBitmap: sync,
		Power:      power,
	}

	var perKernel []int
	if b := dispatch.Board; b != nil {
		s, units, counts, err := q.boardUnits(kernels, b)
		if err != nil {
			return nil, err
		}
		desc.Units = units
		desc.WaveCounts = s.WaveCounts
		for _, v := range s.Vectors {
			desc.Vectors = append(desc.Vectors, hal.Vector{DX: v.DX, DY: v.DY})
		}
		perKernel = counts
	}

	t := &Task{
		id:      uuid.New(),
		q:       q,
		kernels: append([]*kernel.Kernel(nil), kernels...),
		threads: threads,
		desc:    desc,
	}

	for i, k := range kernels {
		d, err := k.Snapshot(!q.cfg.DisableSnapshotReuse, q.cfg.SnapshotBudget)
		if err != nil {
			for _, taken := range t.data {
				taken.Reset()
				taken.Release()
			}
			return nil, errors.Wrapf(err, "snapshot of kernel %d", i)
		}
		t.data = append(t.data, d)

		n := d.ThreadCount()
		switch {
		case perKernel != nil:
			n = perKernel[i]
		case dispatch.Group != nil:
			n = dispatch.Group.TotalThreads()
		}
		desc.Kernels = append(desc.Kernels, hal.KernelDispatch{
			Name:        d.KernelName(),
			Program:     d.Program(),
			Args:        d.Args(),
			ThreadCount: n,
		})
	}
	return t, nil
}
