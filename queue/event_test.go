package queue

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/notargets/DGDispatch/hal"
	"github.com/notargets/DGDispatch/hal/sim"
	"github.com/notargets/DGDispatch/kernel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState(t *testing.T) {
	testCases := []struct {
		state    State
		name     string
		terminal bool
	}{
		{Queued, "queued", false},
		{Flushed, "flushed", false},
		{Started, "started", false},
		{Finished, "finished", true},
		{Reset, "reset", true},
		{Failed, "failed", true},
		{State(42), "unknown", false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.name, tc.state.String())
		assert.Equal(t, tc.terminal, tc.state.Terminal(), tc.name)
	}
}

// ============================================================================
// Reference counting
// ============================================================================

func TestEvent_RefCount(t *testing.T) {
	q, dev, _ := newTestQueue(t, Config{})
	ev := enqueueN(t, q, 1)[0]

	assert.EqualValues(t, 2, ev.RefCount())
	assert.EqualValues(t, 3, ev.Acquire())
	assert.EqualValues(t, 2, ev.Release())

	require.NoError(t, dev.Complete(dev.Submitted()[0]))
	assert.Equal(t, 1, q.ReapFinished())
	assert.EqualValues(t, 1, ev.RefCount())
	assert.True(t, ev.Valid())
	assert.Equal(t, 1, q.LiveEvents())

	assert.EqualValues(t, 0, ev.Release())
	assert.False(t, ev.Valid())
	assert.Zero(t, q.LiveEvents())

	// extra releases and late acquires are no-ops
	assert.EqualValues(t, 0, ev.Release())
	assert.EqualValues(t, 0, ev.Acquire())
	assert.EqualValues(t, 0, ev.RefCount())
	assert.Zero(t, q.LiveEvents())

	// the freed slot is reused by a new generation
	next := enqueueN(t, q, 1)[0]
	assert.Equal(t, ev.slot, next.slot)
	assert.NotEqual(t, ev.gen, next.gen)
	assert.True(t, next.Valid())
	assert.False(t, ev.Valid())
	next.Release()
}

func TestEvent_EnqueueFast(t *testing.T) {
	q, dev, _ := newTestQueue(t, Config{})
	task, err := q.EnqueueFast([]*kernel.Kernel{testKernel("k", 16)}, Dispatch{}, 0, hal.PowerOptions{})
	require.NoError(t, err)

	ev := task.Event()
	assert.EqualValues(t, 1, ev.RefCount())
	assert.Equal(t, 1, q.LiveEvents())

	dev.CompleteAll()
	assert.Equal(t, 1, q.ReapFinished())
	assert.EqualValues(t, 0, ev.RefCount())
	assert.Zero(t, q.LiveEvents())
}

// ============================================================================
// Waiting
// ============================================================================

// forgetfulDevice drops released tasks entirely, the way hardware backends
// free their task records
type forgetfulDevice struct {
	*sim.Device
	mu         sync.Mutex
	forgotten  map[hal.TaskID]bool
	beforeWait func(id hal.TaskID)
}

func (d *forgetfulDevice) ReleaseTask(id hal.TaskID) {
	d.Device.ReleaseTask(id)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgotten[id] = true
}

func (d *forgetfulDevice) WaitOnCompletion(id hal.TaskID, timeout time.Duration) (bool, error) {
	if d.beforeWait != nil {
		d.beforeWait(id)
	}
	d.mu.Lock()
	gone := d.forgotten[id]
	d.mu.Unlock()
	if gone {
		return false, errors.Wrapf(ErrInvalidArgument, "unknown task %d", id)
	}
	return d.Device.WaitOnCompletion(id, timeout)
}

func TestEvent_Wait(t *testing.T) {
	t.Run("ReapedBeforeDeviceWait", func(t *testing.T) {
		dev := &forgetfulDevice{Device: sim.New(), forgotten: make(map[hal.TaskID]bool)}
		q, err := New(dev, sim.NewLoader(), Config{})
		require.NoError(t, err)
		dev.beforeWait = func(id hal.TaskID) {
			require.NoError(t, dev.Complete(id))
			require.Equal(t, 1, q.ReapFinished())
		}

		ev := enqueueN(t, q, 1)[0]
		defer ev.Release()
		require.Equal(t, Flushed, ev.Query())

		_, err = ev.Wait(time.Second)
		require.NoError(t, err)
		assert.Equal(t, Finished, ev.Query())
		_, err = ev.ExecutionTime()
		assert.NoError(t, err)
	})

	t.Run("Timeout", func(t *testing.T) {
		q, _, _ := newTestQueue(t, Config{})
		ev := enqueueN(t, q, 1)[0]
		defer ev.Release()

		_, err := ev.Wait(10 * time.Millisecond)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.Equal(t, Flushed, ev.Query())
	})

	t.Run("NeverSubmitted", func(t *testing.T) {
		q, _, _ := newTestQueue(t, Config{}, capsWith(func(c *hal.Caps) { c.MaxInFlightTasks = 1 }))
		events := enqueueN(t, q, 2)

		_, err := events[1].Wait(20 * time.Millisecond)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.Equal(t, Queued, events[1].Query())
	})

	t.Run("CompletedConcurrently", func(t *testing.T) {
		q, dev, _ := newTestQueue(t, Config{})
		ev := enqueueN(t, q, 1)[0]
		defer ev.Release()

		go func() {
			time.Sleep(5 * time.Millisecond)
			_ = dev.Complete(dev.Submitted()[0])
		}()
		_, err := ev.Wait(5 * time.Second)
		require.NoError(t, err)
		assert.Equal(t, Finished, ev.Query())
		enq, fl := q.PendingCount()
		assert.Equal(t, 0, enq+fl)
	})

	t.Run("SignalWithoutFinish", func(t *testing.T) {
		var buf bytes.Buffer
		SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
		defer SetLogger(nil)

		q, dev, _ := newTestQueue(t, Config{})
		ev := enqueueN(t, q, 1)[0]
		defer ev.Release()

		require.NoError(t, dev.Signal(dev.Submitted()[0]))
		_, err := ev.Wait(time.Second)
		assert.True(t, errors.Is(err, ErrTimeout))
		assert.Contains(t, buf.String(), "completion signaled but task not finished")
		assert.Contains(t, buf.String(), "task enqueued")
	})
}

// ============================================================================
// Profiling
// ============================================================================

func TestEvent_Profiling(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	q, dev, _ := newTestQueue(t, Config{}, sim.WithClock(func() time.Time { return clock }))
	ev := enqueueN(t, q, 1)[0]
	defer ev.Release()
	id := dev.Submitted()[0]

	t.Run("NotReady", func(t *testing.T) {
		_, err := ev.ExecutionTime()
		assert.True(t, errors.Is(err, ErrNotReady))
		_, err = ev.SubmitTime()
		assert.True(t, errors.Is(err, ErrNotReady))
		_, err = ev.HardwareStartTime()
		assert.True(t, errors.Is(err, ErrNotReady))
		_, err = ev.HardwareEndTime()
		assert.True(t, errors.Is(err, ErrNotReady))
		_, err = ev.CompleteTime()
		assert.True(t, errors.Is(err, ErrNotReady))

		ts := ev.Timestamps()
		assert.False(t, ts.Enqueue.IsZero())
		assert.False(t, ts.Submit.IsZero())
		assert.True(t, ts.HardwareStart.IsZero())
	})

	t.Run("Finished", func(t *testing.T) {
		require.NoError(t, dev.Start(id))
		clock = base.Add(3 * time.Millisecond)
		require.NoError(t, dev.Complete(id))

		d, err := ev.Wait(time.Second)
		require.NoError(t, err)
		assert.Equal(t, 3*time.Millisecond, d)

		start, err := ev.HardwareStartTime()
		require.NoError(t, err)
		assert.Equal(t, base, start)
		end, err := ev.HardwareEndTime()
		require.NoError(t, err)
		assert.Equal(t, base.Add(3*time.Millisecond), end)
		_, err = ev.CompleteTime()
		assert.NoError(t, err)
	})
}

// ============================================================================
// Concurrency
// ============================================================================

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{}, sim.WithAutoComplete(time.Microsecond),
		capsWith(func(c *hal.Caps) { c.MaxInFlightTasks = 3 }))

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := testKernel("k", 32)
			for i := 0; i < perWorker; i++ {
				_, ev, err := q.Enqueue([]*kernel.Kernel{k}, Dispatch{}, 0, hal.PowerOptions{})
				if err != nil {
					errs <- err
					continue
				}
				if _, err := ev.Wait(5 * time.Second); err != nil {
					errs <- err
				}
				ev.Release()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	require.NoError(t, q.Drain(5*time.Second))
	st := q.Stats()
	assert.Equal(t, uint64(workers*perWorker), st.Enqueued)
	assert.Equal(t, uint64(workers*perWorker), st.Finished)
	assert.Zero(t, q.LiveEvents())
}
