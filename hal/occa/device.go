// Package occa runs queue tasks on an OCCA backend (Serial, OpenMP, CUDA,
// OpenCL) through gocca.
//
// Tasks execute one at a time on a worker goroutine, in submission order.
// OKL kernels own their loop structure, so every kernel of a task is launched
// once with its snapshot arguments; the unit list of a thread-space task is
// carried for kernels that read it but does not change the launch.
package occa

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/notargets/DGDispatch/errdefs"
	"github.com/notargets/DGDispatch/hal"
	"github.com/notargets/DGDispatch/kernel"
	"github.com/notargets/gocca"
	"github.com/pkg/errors"
)

// DefaultCaps are the limits advertised by a Device opened without WithCaps
var DefaultCaps = hal.Caps{
	MaxKernelsPerTask:              16,
	MaxThreadsPerTask:              1 << 20,
	MaxThreadsPerTaskPerThreadArgs: 1 << 16,
	MaxThreadsPerGroup:             1024,
	MaxInFlightTasks:               16,
	MaxSlices:                      1,
	MaxSubSlices:                   1,
	MaxEUs:                         0,
}

// Program is an OKL kernel built on a Device
type Program struct {
	name   string
	kernel *gocca.OCCAKernel
}

func (p *Program) Name() string { return p.name }

// Free releases the compiled kernel
func (p *Program) Free() {
	if p.kernel != nil {
		p.kernel.Free()
		p.kernel = nil
	}
}

type task struct {
	id     hal.TaskID
	desc   *hal.TaskDescriptor
	status hal.TaskStatus
	signal chan struct{}
}

// Device is safe for concurrent use
type Device struct {
	dev   *gocca.OCCADevice
	owned bool
	caps  hal.Caps
	log   *slog.Logger

	mu    sync.Mutex
	next  hal.TaskID
	tasks map[hal.TaskID]*task

	work      chan *task
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// Option configures a Device
type Option func(*Device)

func WithCaps(caps hal.Caps) Option {
	return func(d *Device) { d.caps = caps }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Open creates an OCCA device from a JSON property string such as
// `{"mode": "Serial"}` and owns it until Close.
func Open(props string, opts ...Option) (*Device, error) {
	dev, err := gocca.NewDevice(props)
	if err != nil {
		return nil, errors.Wrapf(err, "opening OCCA device %s", props)
	}
	d := Wrap(dev, opts...)
	d.owned = true
	return d, nil
}

// Wrap runs tasks on an existing OCCA device. The caller keeps ownership of dev.
func Wrap(dev *gocca.OCCADevice, opts ...Option) *Device {
	if dev == nil {
		panic("OCCA device cannot be nil")
	}
	d := &Device{
		dev:     dev,
		caps:    DefaultCaps,
		log:     slog.New(slog.DiscardHandler),
		tasks:   make(map[hal.TaskID]*task),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	depth := d.caps.MaxInFlightTasks
	if depth <= 0 {
		depth = DefaultCaps.MaxInFlightTasks
	}
	d.work = make(chan *task, depth)
	go d.worker()
	d.log.Info("OCCA device ready", "mode", dev.Mode(), "in_flight", depth)
	return d
}

func (d *Device) Mode() string { return d.dev.Mode() }

func (d *Device) Caps() hal.Caps { return d.caps }

// BuildProgram compiles OKL source and returns the kernel named name
func (d *Device) BuildProgram(source, name string) (*Program, error) {
	var (
		k   *gocca.OCCAKernel
		err error
	)
	if d.dev.Mode() == "OpenMP" {
		// OpenMP does not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		k, err = d.dev.BuildKernelFromString(source, name, props)
	} else {
		k, err = d.dev.BuildKernelFromString(source, name, nil)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "building kernel %s", name)
	}
	if k == nil {
		return nil, errors.Errorf("kernel build returned nil for %s", name)
	}
	return &Program{name: name, kernel: k}, nil
}

// LoadUtilityKernel builds the copy kernel of sig
func (d *Device) LoadUtilityKernel(sig hal.CopySignature) (kernel.Program, error) {
	p, err := d.BuildProgram(copySource(sig), sig.KernelName())
	if err != nil {
		return nil, err
	}
	d.log.Debug("utility kernel built", "kernel", sig.KernelName())
	return p, nil
}

// copySource generates the OKL copy kernel of sig. Aligned classes move
// 8-byte words, the rest single bytes.
func copySource(sig hal.CopySignature) string {
	word, count := "char", "bytes"
	if sig.WordBytes() == 8 {
		word, count = "long", "bytes / 8"
	}
	return fmt.Sprintf(`
@kernel void %s(const %s *src, %s *dst, const long bytes) {
	for (long i = 0; i < %s; ++i; @tile(256, @outer, @inner)) {
		dst[i] = src[i];
	}
}`, sig.KernelName(), word, word, count)
}

func (d *Device) SubmitTask(desc *hal.TaskDescriptor) (hal.TaskID, error) {
	if desc == nil || len(desc.Kernels) == 0 {
		return 0, errors.Wrap(errdefs.ErrInvalidArgument, "occa: empty task")
	}
	for i, kd := range desc.Kernels {
		if _, ok := kd.Program.(*Program); !ok {
			return 0, errors.Wrapf(errdefs.ErrInvalidArgument,
				"occa: kernel %d (%s) was not built on an OCCA device", i, kd.Name)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.done:
		return 0, errors.New("occa: device closed")
	default:
	}
	d.next++
	t := &task{
		id:     d.next,
		desc:   desc,
		status: hal.TaskStatus{State: hal.InProgress},
		signal: make(chan struct{}),
	}
	select {
	case d.work <- t:
	default:
		d.next--
		return 0, errors.Errorf("occa: submission ring full (%d tasks)", cap(d.work))
	}
	d.tasks[t.id] = t
	return t.id, nil
}

func (d *Device) QueryTaskStatus(id hal.TaskID) (hal.TaskStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	if !ok {
		return hal.TaskStatus{}, errors.Wrapf(errdefs.ErrInvalidArgument, "occa: unknown task %d", id)
	}
	return t.status, nil
}

func (d *Device) WaitOnCompletion(id hal.TaskID, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	t, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return false, errors.Wrapf(errdefs.ErrInvalidArgument, "occa: unknown task %d", id)
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

func (d *Device) ReleaseTask(id hal.TaskID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, id)
}

// Close stops the worker after the tasks already submitted and frees the
// device if Open created it
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		close(d.done)
		close(d.work)
		d.mu.Unlock()
		<-d.stopped
		d.dev.Finish()
		if d.owned {
			d.dev.Free()
		}
	})
}

func (d *Device) worker() {
	defer close(d.stopped)
	for t := range d.work {
		start := time.Now()
		d.setStatus(t, hal.TaskStatus{State: hal.Running, StartTime: start})

		err := d.run(t.desc)
		end := time.Now()
		st := hal.TaskStatus{State: hal.Finished, StartTime: start, EndTime: end, Duration: end.Sub(start)}
		if err != nil {
			// an execution failure loses the task like a hardware reset
			d.log.Warn("task execution failed", "hw_task", t.id, "err", err)
			st = hal.TaskStatus{State: hal.Reset, StartTime: start}
		}
		d.setStatus(t, st)
		close(t.signal)
	}
}

func (d *Device) setStatus(t *task, st hal.TaskStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t.status = st
}

// binding is one device allocation made for a host slice
type binding struct {
	mem      *gocca.OCCAMemory
	host     unsafe.Pointer
	bytes    int64
	copyBack bool
}

// run finishes the device after every kernel so outputs can be copied back;
// this also satisfies any sync bitmap.
func (d *Device) run(desc *hal.TaskDescriptor) error {
	for i, kd := range desc.Kernels {
		prog := kd.Program.(*Program)
		args, bound, err := d.bindArgs(kd.Args)
		if err == nil {
			err = prog.kernel.RunWithArgs(args...)
		}
		if err == nil {
			d.dev.Finish()
			for _, b := range bound {
				if b.copyBack {
					b.mem.CopyTo(b.host, b.bytes)
				}
			}
		}
		for _, b := range bound {
			b.mem.Free()
		}
		if err != nil {
			return errors.Wrapf(err, "kernel %d (%s)", i, kd.Name)
		}
	}
	return nil
}

// bindArgs converts snapshot values to OCCA arguments. Host slices are
// staged in device memory and copied back when the kernel may write them;
// device memory handles and scalars pass through.
func (d *Device) bindArgs(values []kernel.ArgValue) ([]interface{}, []binding, error) {
	args := make([]interface{}, 0, len(values))
	var bound []binding
	fail := func(err error) ([]interface{}, []binding, error) {
		for _, b := range bound {
			b.mem.Free()
		}
		return nil, nil, err
	}

	for _, v := range values {
		if v.Category == kernel.CategoryScalar {
			args = append(args, scalarArg(v.Value))
			continue
		}
		switch val := v.Value.(type) {
		case *gocca.OCCAMemory:
			args = append(args, val)
		case nil:
			// device-only scratch
			mem := d.dev.Malloc(v.Bytes, nil, nil)
			bound = append(bound, binding{mem: mem})
			args = append(args, mem)
		default:
			ptr, size, ok := hostSlice(val)
			if !ok {
				return fail(errors.Wrapf(errdefs.ErrInvalidArgument,
					"argument %s: cannot bind %T", v.Name, val))
			}
			if size < v.Bytes {
				return fail(errors.Wrapf(errdefs.ErrInvalidArgument,
					"argument %s: %d host bytes for %d", v.Name, size, v.Bytes))
			}
			mem := d.dev.Malloc(v.Bytes, ptr, nil)
			bound = append(bound, binding{mem: mem, host: ptr, bytes: v.Bytes, copyBack: !v.IsConst})
			args = append(args, mem)
		}
	}
	return args, bound, nil
}

func scalarArg(v interface{}) interface{} {
	if n, ok := v.(int); ok {
		return int64(n)
	}
	return v
}

// hostSlice returns the address and byte length of a non-empty slice
func hostSlice(v interface{}) (unsafe.Pointer, int64, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Len() == 0 {
		return nil, 0, false
	}
	size := int64(rv.Len()) * int64(rv.Type().Elem().Size())
	return rv.Index(0).Addr().UnsafePointer(), size, true
}
