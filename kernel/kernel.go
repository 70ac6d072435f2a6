// Package kernel describes compute kernels and their argument snapshots.
//
// A Kernel is the caller-owned, mutable description of one GPU function: its
// program, thread count and argument list. Every time a kernel is enqueued the
// queue captures a Data snapshot of the resolved arguments; the snapshot is
// immutable from then on and is reused by later enqueues as long as the
// arguments have not changed and no in-flight task still holds it.
package kernel

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/notargets/DGDispatch/errdefs"
	"github.com/pkg/errors"
)

// ID identifies a kernel for the lifetime of the process. Zero is never assigned.
type ID uint64

var lastID atomic.Uint64

// Program is the loaded binary a kernel runs. It is produced and interpreted
// by the hardware layer only.
type Program interface {
	Name() string
}

// Kernel holds the description of one compute kernel
type Kernel struct {
	id      ID
	name    string
	program Program

	mu      sync.Mutex
	threads int
	params  []ParamSpec
	argGen  uint64
	cached  *Data
}

// New creates a kernel running program over threads threads
func New(name string, program Program, threads int) *Kernel {
	if threads < 0 {
		panic("kernel thread count cannot be negative")
	}
	return &Kernel{
		id:      ID(lastID.Add(1)),
		name:    name,
		program: program,
		threads: threads,
	}
}

func (k *Kernel) ID() ID           { return k.id }
func (k *Kernel) Name() string     { return k.name }
func (k *Kernel) Program() Program { return k.program }

// ThreadCount returns the number of threads the kernel is launched with
func (k *Kernel) ThreadCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.threads
}

// SetThreadCount changes the launch size; per-thread arguments must still match it
func (k *Kernel) SetThreadCount(threads int) error {
	if threads < 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "kernel %s: negative thread count %d", k.name, threads)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := validatePerThread(k.name, k.params, threads); err != nil {
		return err
	}
	k.threads = threads
	k.argGen++
	return nil
}

// SetArgs replaces the kernel's argument list
func (k *Kernel) SetArgs(params ...*ParamBuilder) error {
	specs := make([]ParamSpec, len(params))
	seen := make(map[string]bool, len(params))
	for i, p := range params {
		if p == nil {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "kernel %s: argument %d is nil", k.name, i)
		}
		specs[i] = p.Spec
		if err := specs[i].Validate(); err != nil {
			return errors.Wrapf(err, "kernel %s: argument %d", k.name, i)
		}
		if seen[specs[i].Name] {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "kernel %s: duplicate argument %s", k.name, specs[i].Name)
		}
		seen[specs[i].Name] = true
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if err := validatePerThread(k.name, specs, k.threads); err != nil {
		return err
	}
	k.params = specs
	k.argGen++
	return nil
}

// HasPerThreadArgs reports whether any argument carries per-thread values
func (k *Kernel) HasPerThreadArgs() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, p := range k.params {
		if p.PerThread {
			return true
		}
	}
	return false
}

// Signature returns the kernel's parameter list in binding order
func (k *Kernel) Signature() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return GenerateSignature(k.params)
}

// Snapshot returns an argument snapshot for one enqueue, acquired and marked
// in use for the caller. An idle snapshot of unchanged arguments is reused
// when reuse is set. budget caps the snapshot layout size in bytes (0 = none).
func (k *Kernel) Snapshot(reuse bool, budget int64) (*Data, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if reuse && k.cached != nil && k.cached.gen == k.argGen && k.cached.claim() {
		k.refreshConst(k.cached)
		k.cached.Acquire()
		return k.cached, nil
	}

	d, err := k.buildData(budget)
	if err != nil {
		return nil, err
	}

	// The kernel keeps one reference to its latest snapshot.
	if k.cached != nil {
		k.cached.Release()
	}
	k.cached = d
	d.Acquire()
	d.claim()
	return d, nil
}

func (k *Kernel) buildData(budget int64) (*Data, error) {
	kargs := GetKernelArguments(k.params)
	values := make([]ArgValue, len(kargs))
	var layout int64
	for i, karg := range kargs {
		spec := k.params[karg.Index]
		value := spec.HostBinding
		if spec.IsConst() {
			value = cloneBinding(value)
		}
		values[i] = ArgValue{
			KernelArgument: karg,
			Value:          value,
			Bytes:          spec.Bytes(),
		}
		layout += values[i].Bytes
	}
	if budget > 0 && layout > budget {
		return nil, errors.Wrapf(errdefs.ErrOutOfMemory,
			"kernel %s: snapshot needs %d bytes, budget is %d", k.name, layout, budget)
	}

	d := &Data{
		kernel:  k.id,
		name:    k.name,
		program: k.program,
		gen:     k.argGen,
		threads: k.threads,
		args:    values,
		layout:  layout,
	}
	d.refs.Store(1)
	return d, nil
}

// refreshConst copies the current host contents of read-only slice bindings
// into an idle snapshot that is being handed out again.
func (k *Kernel) refreshConst(d *Data) {
	for i := range d.args {
		if !k.params[d.args[i].Index].IsConst() {
			continue
		}
		dst := reflect.ValueOf(d.args[i].Value)
		if dst.Kind() != reflect.Slice {
			continue
		}
		reflect.Copy(dst, reflect.ValueOf(k.params[d.args[i].Index].HostBinding))
	}
}

func validatePerThread(name string, params []ParamSpec, threads int) error {
	for _, p := range params {
		if p.PerThread && p.Size != int64(threads) {
			return errors.Wrapf(errdefs.ErrInvalidArgument,
				"kernel %s: per-thread argument %s has %d values for %d threads", name, p.Name, p.Size, threads)
		}
	}
	return nil
}

// cloneBinding copies slice bindings of read-only arguments so the snapshot is
// not affected by later host writes; scalars are copied by value and opaque
// handles are shared. Written surfaces always keep the caller's binding.
func cloneBinding(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return v
	}
	out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(out, rv)
	return out.Interface()
}
