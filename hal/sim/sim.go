// Package sim is an in-process hal.Device. Tasks are recorded instead of run,
// and their progress is driven by the test (Start, Complete, Reset) or
// completed on submission with AutoComplete.
package sim

import (
	"sync"
	"time"

	"github.com/notargets/DGDispatch/errdefs"
	"github.com/notargets/DGDispatch/hal"
	"github.com/notargets/DGDispatch/kernel"
	"github.com/pkg/errors"
)

// DefaultCaps are the limits of a Device created without WithCaps
var DefaultCaps = hal.Caps{
	MaxKernelsPerTask:              16,
	MaxThreadsPerTask:              261120,
	MaxThreadsPerTaskPerThreadArgs: 4096,
	MaxThreadsPerGroup:             1024,
	MaxInFlightTasks:               8,
	MaxSlices:                      1,
	MaxSubSlices:                   3,
	MaxEUs:                         24,
}

type task struct {
	id       hal.TaskID
	desc     *hal.TaskDescriptor
	status   hal.TaskStatus
	signal   chan struct{}
	signaled bool
	released bool
}

func (t *task) fire() {
	if !t.signaled {
		t.signaled = true
		close(t.signal)
	}
}

// Device is safe for concurrent use
type Device struct {
	mu        sync.Mutex
	caps      hal.Caps
	auto      bool
	duration  time.Duration
	now       func() time.Time
	next      hal.TaskID
	tasks     map[hal.TaskID]*task
	order     []hal.TaskID
	failNext  error
	submitErr error
}

// Option configures a Device
type Option func(*Device)

// WithCaps replaces DefaultCaps
func WithCaps(caps hal.Caps) Option {
	return func(d *Device) { d.caps = caps }
}

// WithAutoComplete finishes every task on submission, taking d of device time
func WithAutoComplete(d time.Duration) Option {
	return func(dev *Device) {
		dev.auto = true
		dev.duration = d
	}
}

// WithClock sets the time source of the recorded timestamps
func WithClock(now func() time.Time) Option {
	return func(d *Device) { d.now = now }
}

func New(opts ...Option) *Device {
	d := &Device{
		caps:  DefaultCaps,
		now:   time.Now,
		tasks: make(map[hal.TaskID]*task),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Caps() hal.Caps {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.caps
}

// FailNextSubmit makes the next SubmitTask return err
func (d *Device) FailNextSubmit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

// FailSubmits makes every SubmitTask return err until called with nil
func (d *Device) FailSubmits(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitErr = err
}

func (d *Device) SubmitTask(desc *hal.TaskDescriptor) (hal.TaskID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failNext; err != nil {
		d.failNext = nil
		return 0, err
	}
	if d.submitErr != nil {
		return 0, d.submitErr
	}
	if desc == nil || len(desc.Kernels) == 0 {
		return 0, errors.Wrap(errdefs.ErrInvalidArgument, "sim: empty task")
	}

	d.next++
	t := &task{
		id:     d.next,
		desc:   desc,
		status: hal.TaskStatus{State: hal.InProgress},
		signal: make(chan struct{}),
	}
	d.tasks[t.id] = t
	d.order = append(d.order, t.id)

	if d.auto {
		start := d.now()
		d.finish(t, start, start.Add(d.duration))
	}
	return t.id, nil
}

func (d *Device) finish(t *task, start, end time.Time) {
	t.status = hal.TaskStatus{
		State:     hal.Finished,
		Duration:  end.Sub(start),
		StartTime: start,
		EndTime:   end,
	}
	t.fire()
}

func (d *Device) lookup(id hal.TaskID) (*task, error) {
	t, ok := d.tasks[id]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "sim: unknown task %d", id)
	}
	return t, nil
}

func (d *Device) QueryTaskStatus(id hal.TaskID) (hal.TaskStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookup(id)
	if err != nil {
		return hal.TaskStatus{}, err
	}
	return t.status, nil
}

func (d *Device) WaitOnCompletion(id hal.TaskID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	t, err := d.lookup(id)
	d.mu.Unlock()
	if err != nil {
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.signal:
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// ReleaseTask forgets the descriptor of a reaped task
func (d *Device) ReleaseTask(id hal.TaskID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[id]; ok {
		t.released = true
		t.desc = nil
	}
}

// Start moves a task to Running
func (d *Device) Start(id hal.TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	if t.status.State != hal.InProgress {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "sim: task %d is %s", id, t.status.State)
	}
	t.status.State = hal.Running
	t.status.StartTime = d.now()
	return nil
}

// Complete finishes a task and signals its completion primitive
func (d *Device) Complete(id hal.TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	switch t.status.State {
	case hal.Finished, hal.Reset:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "sim: task %d is %s", id, t.status.State)
	}
	start := t.status.StartTime
	if start.IsZero() {
		start = d.now()
	}
	end := d.now()
	if d.duration > 0 {
		end = start.Add(d.duration)
	}
	d.finish(t, start, end)
	return nil
}

// CompleteAll finishes every task that is not yet terminal, in submission order
func (d *Device) CompleteAll() int {
	d.mu.Lock()
	ids := append([]hal.TaskID(nil), d.order...)
	d.mu.Unlock()

	n := 0
	for _, id := range ids {
		if d.Complete(id) == nil {
			n++
		}
	}
	return n
}

// Reset simulates a hardware recovery that loses the task
func (d *Device) Reset(id hal.TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	switch t.status.State {
	case hal.Finished, hal.Reset:
		return errors.Wrapf(errdefs.ErrInvalidArgument, "sim: task %d is %s", id, t.status.State)
	}
	t.status.State = hal.Reset
	t.fire()
	return nil
}

// Signal fires the completion primitive without changing the task status
func (d *Device) Signal(id hal.TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.lookup(id)
	if err != nil {
		return err
	}
	t.fire()
	return nil
}

// Submitted returns the ids of all submitted tasks in submission order
func (d *Device) Submitted() []hal.TaskID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hal.TaskID(nil), d.order...)
}

// Descriptor returns the descriptor of a task; nil once the task is released
func (d *Device) Descriptor(id hal.TaskID) *hal.TaskDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tasks[id]; ok {
		return t.desc
	}
	return nil
}

// Released reports whether the queue let go of a task
func (d *Device) Released(id hal.TaskID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	return ok && t.released
}

// Program is a utility kernel produced by Loader
type Program struct {
	Signature hal.CopySignature
}

func (p *Program) Name() string { return p.Signature.KernelName() }

// Loader is a hal.KernelLoader producing Program values
type Loader struct {
	mu    sync.Mutex
	loads map[hal.CopySignature]int
	err   error
}

func NewLoader() *Loader {
	return &Loader{loads: make(map[hal.CopySignature]int)}
}

// FailWith makes every later load return err
func (l *Loader) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *Loader) LoadUtilityKernel(sig hal.CopySignature) (kernel.Program, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.loads[sig]++
	return &Program{Signature: sig}, nil
}

// Loads returns how many times sig was built
func (l *Loader) Loads(sig hal.CopySignature) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[sig]
}
