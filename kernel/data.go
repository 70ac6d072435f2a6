package kernel

import "sync/atomic"

// Data is an immutable capture of one kernel's resolved arguments.
//
// It is reference counted: the owning kernel keeps one reference to its most
// recent snapshot and every task using it holds another. The in-use flag is
// set while a task holds the snapshot and cleared when the task lets it go,
// so at most one in-flight task references a given snapshot.
type Data struct {
	kernel  ID
	name    string
	program Program
	gen     uint64
	threads int
	args    []ArgValue
	layout  int64

	refs      atomic.Int32
	inUse     atomic.Bool
	destroyed atomic.Bool
}

func (d *Data) Kernel() ID         { return d.kernel }
func (d *Data) KernelName() string { return d.name }
func (d *Data) Program() Program   { return d.program }
func (d *Data) ThreadCount() int   { return d.threads }
func (d *Data) LayoutBytes() int64 { return d.layout }

// Args returns the ordered argument values. The slice must not be modified.
func (d *Data) Args() []ArgValue { return d.args }

// InUse reports whether an in-flight task holds the snapshot
func (d *Data) InUse() bool { return d.inUse.Load() }

// Destroyed reports whether the reference count reached zero
func (d *Data) Destroyed() bool { return d.destroyed.Load() }

// RefCount returns the current reference count
func (d *Data) RefCount() int32 { return d.refs.Load() }

// Acquire adds a reference and returns the new count
func (d *Data) Acquire() int32 {
	return d.refs.Add(1)
}

// Release drops a reference and returns the new count. The snapshot is
// destroyed at zero; releasing a destroyed snapshot is a no-op.
func (d *Data) Release() int32 {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return 0
		}
		if d.refs.CompareAndSwap(n, n-1) {
			if n-1 == 0 {
				d.destroyed.Store(true)
				d.args = nil
			}
			return n - 1
		}
	}
}

// Reset marks the snapshot idle so the kernel may hand it out again
func (d *Data) Reset() {
	d.inUse.Store(false)
}

// claim marks the snapshot in use; false if another task already holds it
func (d *Data) claim() bool {
	return d.inUse.CompareAndSwap(false, true)
}
