package queue

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notargets/DGDispatch/hal"
	"github.com/pkg/errors"
)

// State is the progress of the task behind an Event
type State int

const (
	Queued State = iota
	Flushed
	Started
	Finished
	// Reset means the task was lost to a hardware recovery
	Reset
	// Failed means the hardware layer rejected the task; it never ran
	Failed
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Flushed:
		return "flushed"
	case Started:
		return "started"
	case Finished:
		return "finished"
	case Reset:
		return "reset"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state can no longer change
func (s State) Terminal() bool {
	return s == Finished || s == Reset || s == Failed
}

// Timestamps are the profiling points of a task. A zero time was not reached.
type Timestamps struct {
	Enqueue       time.Time
	Submit        time.Time
	HardwareStart time.Time
	HardwareEnd   time.Time
	Complete      time.Time
}

// Event tracks the completion of one task.
//
// An event is reference counted. The task holds one reference until it is
// reaped; Enqueue acquires a second one for the caller, who must Release it.
type Event struct {
	q    *Queue
	slot int
	gen  uint64

	mu       sync.Mutex
	state    State
	hwID     hal.TaskID
	err      error
	stamps   Timestamps
	duration time.Duration

	refs atomic.Int32
}

func newEvent(q *Queue, now time.Time) *Event {
	e := &Event{q: q, state: Queued}
	e.stamps.Enqueue = now
	e.refs.Store(1)
	return e
}

// Acquire adds a reference and returns the new count. A destroyed event
// cannot be revived; Acquire then returns 0.
func (e *Event) Acquire() int32 {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return 0
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return n + 1
		}
	}
}

// Release drops a reference and returns the new count. The event's slot is
// freed at zero; releasing beyond zero is a no-op.
func (e *Event) Release() int32 {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return 0
		}
		if e.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				e.q.events.remove(e.slot, e.gen)
			}
			return n - 1
		}
	}
}

// RefCount returns the current reference count
func (e *Event) RefCount() int32 { return e.refs.Load() }

// Valid reports whether the event still owns its slot in the queue's event
// table. A released event and an event of a reaped reset task are invalid.
func (e *Event) Valid() bool {
	return e.q.events.get(e.slot, e.gen) == e
}

func (e *Event) current() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Err returns the terminal error of a reset or failed task, nil otherwise
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Event) markFlushed(id hal.TaskID, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hwID = id
	e.state = Flushed
	e.stamps.Submit = now
}

func (e *Event) markFailed(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = Failed
	e.err = err
}

// refresh asks the device for progress while the task is on the hardware
func (e *Event) refresh() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Flushed && e.state != Started {
		return e.state
	}

	st, err := e.q.dev.QueryTaskStatus(e.hwID)
	if err != nil {
		Logger().Warn("task status query failed", "hw_task", e.hwID, "err", err)
		return e.state
	}
	switch st.State {
	case hal.Running:
		e.state = Started
		e.stamps.HardwareStart = st.StartTime
	case hal.Finished:
		e.state = Finished
		e.duration = st.Duration
		e.stamps.HardwareStart = st.StartTime
		e.stamps.HardwareEnd = st.EndTime
		e.stamps.Complete = time.Now()
	case hal.Reset:
		// Whatever progress the device reported before the recovery is kept.
		e.state = Reset
		e.err = errors.Wrapf(ErrReset, "hardware task %d", e.hwID)
		if !st.StartTime.IsZero() {
			e.stamps.HardwareStart = st.StartTime
		}
	}
	return e.state
}

// Query returns the task's state, asking the device while the task is on
// the hardware. It also makes progress on the owning queue with a
// non-blocking flush, so a caller that only polls events never stalls it.
func (e *Event) Query() State {
	if err := e.q.flush(false, time.Time{}); err != nil {
		Logger().Debug("flush during event query", "err", err)
	}
	return e.refresh()
}

// Wait blocks until the task finishes or timeout elapses and returns the
// task's execution time. It first flushes the owning queue until the task
// leaves the enqueued FIFO, then blocks on the device's completion
// primitive.
func (e *Event) Wait(timeout time.Duration) (time.Duration, error) {
	deadline := time.Now().Add(timeout)

	for e.current() == Queued {
		if err := e.q.flush(false, time.Time{}); err != nil {
			Logger().Debug("flush during event wait", "err", err)
		}
		if e.current() != Queued {
			break
		}
		if !time.Now().Before(deadline) {
			return 0, errors.Wrapf(ErrTimeout, "task not submitted within %s", timeout)
		}
		runtime.Gosched()
	}

	if d, done, err := e.outcome(); done {
		return d, err
	}

	e.mu.Lock()
	id := e.hwID
	e.mu.Unlock()

	remaining := time.Until(deadline)
	if remaining < 0 {
		remaining = 0
	}
	signaled, err := e.q.dev.WaitOnCompletion(id, remaining)
	if err != nil {
		// A concurrent reap may have released the hardware task already.
		if d, done, oerr := e.outcome(); done {
			return d, oerr
		}
		return 0, errors.Wrapf(err, "waiting on hardware task %d", id)
	}
	if !signaled {
		return 0, errors.Wrapf(ErrTimeout, "hardware task %d not complete within %s", id, timeout)
	}

	if d, done, err := e.outcome(); done {
		return d, err
	}
	Logger().Warn("completion signaled but task not finished", "hw_task", id, "state", e.current())
	return 0, errors.Wrapf(ErrTimeout, "hardware task %d signaled without finishing", id)
}

// outcome refreshes the state and reports the result of a terminal task
func (e *Event) outcome() (time.Duration, bool, error) {
	switch e.refresh() {
	case Finished:
		if err := e.q.flush(false, time.Time{}); err != nil {
			Logger().Debug("flush after event completion", "err", err)
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.duration, true, nil
	case Reset, Failed:
		return 0, true, e.Err()
	}
	return 0, false, nil
}

// ExecutionTime returns the hardware execution time of a finished task
func (e *Event) ExecutionTime() (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Finished {
		return 0, e.notReady()
	}
	return e.duration, nil
}

// SubmitTime returns when the task was handed to the hardware
func (e *Event) SubmitTime() (time.Time, error) {
	return e.finishedStamp(func(ts Timestamps) time.Time { return ts.Submit })
}

func (e *Event) HardwareStartTime() (time.Time, error) {
	return e.finishedStamp(func(ts Timestamps) time.Time { return ts.HardwareStart })
}

func (e *Event) HardwareEndTime() (time.Time, error) {
	return e.finishedStamp(func(ts Timestamps) time.Time { return ts.HardwareEnd })
}

// CompleteTime returns when the queue observed the task finished
func (e *Event) CompleteTime() (time.Time, error) {
	return e.finishedStamp(func(ts Timestamps) time.Time { return ts.Complete })
}

func (e *Event) finishedStamp(pick func(Timestamps) time.Time) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Finished {
		return time.Time{}, e.notReady()
	}
	return pick(e.stamps), nil
}

func (e *Event) notReady() error {
	return errors.Wrapf(ErrNotReady, "task is %s", e.state)
}

// Timestamps returns every profiling point recorded so far, whatever the
// state. For a reset task it holds the progress made before the recovery.
func (e *Event) Timestamps() Timestamps {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stamps
}
