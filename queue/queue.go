// Package queue implements the task submission queue.
//
// A Queue accepts batches of kernels, optionally laid out on a thread space
// (threadspace.Board) or a thread-group shape, and hands them to a hal.Device
// in order. Tasks move through two FIFOs: the enqueued FIFO holds tasks not
// yet submitted, the flushed FIFO holds submitted tasks until they are
// reaped. The flushed FIFO never holds more tasks than the device's in-flight
// depth, and it is reaped strictly from the head: a task that has not
// finished blocks the reaping of every task submitted after it.
//
// Completion is tracked through reference counted Events.
//
// Locks: enqueueMu guards the enqueued FIFO, flushMu guards the flushed FIFO
// and serializes calls into the device. flushMu is always taken before
// enqueueMu.
package queue

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/notargets/DGDispatch/errdefs"
	"github.com/notargets/DGDispatch/hal"
	"github.com/notargets/DGDispatch/kernel"
	"github.com/notargets/DGDispatch/pool"
	"github.com/pkg/errors"
)

// Queue is safe for concurrent use
type Queue struct {
	dev         hal.Device
	cfg         Config
	caps        hal.Caps
	maxInFlight int

	enqueueMu sync.Mutex
	enqueued  deque.Deque[*Task]

	flushMu sync.Mutex
	flushed deque.Deque[*Task]

	events eventTable
	copies *pool.Pool[hal.CopySignature, kernel.Program]
	stats  statsRecorder
	closed atomic.Bool
}

// New creates a queue submitting to dev. loader builds the utility copy
// kernels of EnqueueCopy and may be nil when copies are not used.
func New(dev hal.Device, loader hal.KernelLoader, cfg Config) (*Queue, error) {
	if dev == nil {
		panic("device cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	caps := dev.Caps()
	maxInFlight := caps.MaxInFlightTasks
	if maxInFlight <= 0 {
		maxInFlight = math.MaxInt
	}
	if cfg.MaxInFlight > 0 && cfg.MaxInFlight < maxInFlight {
		maxInFlight = cfg.MaxInFlight
	}

	q := &Queue{
		dev:         dev,
		cfg:         cfg,
		caps:        caps,
		maxInFlight: maxInFlight,
	}
	q.copies = pool.New[hal.CopySignature, kernel.Program](hal.CopySignature.Hash,
		func(sig hal.CopySignature) (kernel.Program, error) {
			if loader == nil {
				return nil, errors.Wrap(ErrInvalidArgument, "queue has no utility kernel loader")
			}
			return loader.LoadUtilityKernel(sig)
		}, cfg.CopyKernelsPerSignature)

	Logger().Info("queue created", "max_in_flight", maxInFlight, "max_kernels", caps.MaxKernelsPerTask)
	return q, nil
}

// Caps returns the device limits the queue enforces
func (q *Queue) Caps() hal.Caps { return q.caps }

// MaxInFlight returns the depth cap of the flushed FIFO
func (q *Queue) MaxInFlight() int { return q.maxInFlight }

// Enqueue builds a task from kernels and queues it for submission. sync sets
// a full pipeline sync after kernel i for every set bit i. The returned event
// is acquired for the caller, who must Release it.
//
// Validation failures leave both FIFOs untouched. A task that the device
// rejects is reported through its event, which ends Failed.
func (q *Queue) Enqueue(kernels []*kernel.Kernel, dispatch Dispatch, sync uint64, power hal.PowerOptions) (*Task, *Event, error) {
	t, err := q.enqueue(kernels, dispatch, sync, power, nil, true)
	if err != nil {
		return nil, nil, err
	}
	return t, t.event, nil
}

// EnqueueFast is Enqueue without a caller-visible event; the queue alone
// owns the task's event.
func (q *Queue) EnqueueFast(kernels []*kernel.Kernel, dispatch Dispatch, sync uint64, power hal.PowerOptions) (*Task, error) {
	return q.enqueue(kernels, dispatch, sync, power, nil, false)
}

func (q *Queue) enqueue(kernels []*kernel.Kernel, dispatch Dispatch, sync uint64, power hal.PowerOptions,
	copies []*copyHandle, visible bool) (*Task, error) {
	if q.closed.Load() {
		return nil, errors.Wrap(ErrInvalidArgument, "queue is closed")
	}
	threads, err := q.validate(kernels, dispatch, power)
	if err != nil {
		return nil, err
	}
	t, err := q.buildTask(kernels, dispatch, sync, power, threads)
	if err != nil {
		return nil, err
	}
	t.copies = copies

	now := time.Now()
	t.event = newEvent(q, now)
	q.events.add(t.event)
	if visible {
		t.event.Acquire()
	}

	q.enqueueMu.Lock()
	q.enqueued.PushBack(t)
	depth := q.enqueued.Len()
	q.enqueueMu.Unlock()
	q.stats.enqueued.Add(1)
	Logger().Debug("task enqueued", "task", t.id, "kernels", len(kernels), "threads", threads, "enqueued", depth)

	if err := q.flush(false, time.Time{}); err != nil {
		Logger().Warn("flush after enqueue", "err", err)
	}
	return t, nil
}

// Flush submits enqueued tasks in order. When the flushed FIFO is full it
// reaps finished tasks first; if that frees nothing a non-blocking flush
// stops and a blocking one spins until the device completes a task.
//
// A task the device rejects is destroyed and its event ends Failed; Flush
// carries on with the next task and returns the first such error.
func (q *Queue) Flush(blocking bool) error {
	return q.flush(blocking, time.Time{})
}

// flush bounds a blocking spin by deadline; a zero deadline spins until
// capacity frees up.
func (q *Queue) flush(blocking bool, deadline time.Time) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.reapLocked()

	var firstErr error
	for {
		q.enqueueMu.Lock()
		pending := q.enqueued.Len()
		q.enqueueMu.Unlock()
		if pending == 0 {
			return firstErr
		}

		if q.flushed.Len() >= q.maxInFlight {
			q.reapLocked()
			for q.flushed.Len() >= q.maxInFlight {
				if !blocking {
					Logger().Debug("flush back-pressure", "in_flight", q.flushed.Len(), "enqueued", pending)
					return firstErr
				}
				if !deadline.IsZero() && !time.Now().Before(deadline) {
					return errors.Wrapf(ErrTimeout, "%d tasks in flight, %d waiting", q.flushed.Len(), pending)
				}
				runtime.Gosched()
				q.reapLocked()
			}
		}

		q.enqueueMu.Lock()
		t := q.enqueued.PopFront()
		q.enqueueMu.Unlock()

		if err := q.submitLocked(t); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		q.flushed.PushBack(t)
	}
}

func (q *Queue) submitLocked(t *Task) error {
	id, err := q.dev.SubmitTask(t.desc)
	if err != nil {
		q.stats.failed.Add(1)
		werr := errors.Wrapf(ErrSubmissionFailure, "task %s: %v", t.id, err)
		Logger().Warn("task submission failed", "task", t.id, "kind", kindOf(err), "err", err)
		t.event.markFailed(werr)
		t.destroy()
		return werr
	}
	t.hwID = id
	t.submitted = true
	t.event.markFlushed(id, time.Now())
	q.stats.submitted.Add(1)
	Logger().Debug("task submitted", "task", t.id, "hw_task", id, "in_flight", q.flushed.Len()+1)
	return nil
}

// ReapFinished destroys finished and reset tasks from the head of the flushed
// FIFO and returns how many it removed. It stops at the first task still on
// the hardware.
func (q *Queue) ReapFinished() int {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	return q.reapLocked()
}

func (q *Queue) reapLocked() int {
	n := 0
	for q.flushed.Len() > 0 {
		t := q.flushed.Front()
		switch t.event.refresh() {
		case Finished:
			q.flushed.PopFront()
			if d, err := t.event.ExecutionTime(); err == nil {
				q.stats.recordFinished(d)
			}
			t.destroy()
		case Reset:
			q.flushed.PopFront()
			q.stats.reset.Add(1)
			// The slot goes back to the table now; the caller's handle
			// stays usable but is no longer Valid.
			q.events.remove(t.event.slot, t.event.gen)
			Logger().Warn("reaped task lost to hardware reset", "task", t.id, "hw_task", t.hwID)
			t.destroy()
		default:
			return n
		}
		n++
	}
	if n > 0 {
		Logger().Debug("reaped tasks", "count", n, "in_flight", q.flushed.Len())
	}
	return n
}

// Drain submits every enqueued task and waits for the flushed FIFO to empty.
// It fails with ErrTimeout when timeout elapses first. Submission failures
// met on the way do not stop the drain; the first one is returned at the end.
func (q *Queue) Drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var subErr error
	for {
		err := q.flush(true, deadline)
		if errors.Is(err, ErrTimeout) {
			return errors.Wrapf(err, "drain after %s", timeout)
		}
		if err != nil && subErr == nil {
			subErr = err
		}

		q.flushMu.Lock()
		q.reapLocked()
		inFlight := q.flushed.Len()
		q.enqueueMu.Lock()
		pending := q.enqueued.Len()
		q.enqueueMu.Unlock()
		q.flushMu.Unlock()

		if inFlight == 0 && pending == 0 {
			return subErr
		}
		if !time.Now().Before(deadline) {
			return errors.Wrapf(ErrTimeout, "drain after %s: %d in flight, %d enqueued", timeout, inFlight, pending)
		}
		runtime.Gosched()
	}
}

// PendingCount returns the lengths of the enqueued and flushed FIFOs
func (q *Queue) PendingCount() (enqueued, flushed int) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()
	return q.enqueued.Len(), q.flushed.Len()
}

// LiveEvents returns the number of events holding a slot in the event table
func (q *Queue) LiveEvents() int { return q.events.live() }

// Close stops accepting tasks, drains the queue within the configured
// watchdog and frees the utility kernels that support it.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := q.Drain(q.cfg.DrainWatchdog)
	if err != nil {
		Logger().Warn("queue closed with work outstanding",
			"kind", kindOf(err), "retryable", errdefs.Retryable(err), "err", err)
	}

	q.copies.Range(func(_ hal.CopySignature, p kernel.Program, locked bool) {
		if f, ok := p.(interface{ Free() }); ok && !locked {
			f.Free()
		}
	})
	Logger().Info("queue closed")
	return err
}
