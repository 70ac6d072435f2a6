package queue

import (
	"github.com/notargets/DGDispatch/hal"
	"github.com/notargets/DGDispatch/kernel"
	"github.com/pkg/errors"
)

// EnqueueCopy queues a utility copy of bytes bytes from src to dst. src and
// dst are host slices or device memory handles, as dir requires. The copy
// kernel comes from the queue's pool, keyed by direction and alignment class,
// and stays locked until the task is reaped.
func (q *Queue) EnqueueCopy(dir hal.CopyDirection, src, dst interface{}, bytes int64) (*Task, *Event, error) {
	if bytes <= 0 {
		return nil, nil, errors.Wrapf(ErrInvalidArgument, "copy of %d bytes", bytes)
	}
	if src == nil || dst == nil {
		return nil, nil, errors.Wrap(ErrInvalidArgument, "copy needs a source and a destination")
	}

	sig := hal.CopySignature{Direction: dir, Alignment: kernel.AlignmentClass(bytes)}
	h, err := q.copies.Acquire(sig)
	if err != nil {
		return nil, nil, err
	}

	word := sig.WordBytes()
	threads := int((bytes + word - 1) / word)
	k := kernel.New(sig.KernelName(), h.Value(), threads)
	err = k.SetArgs(
		kernel.Input("src").Bind(src).Type(kernel.Bytes).Size(int(bytes)).Align(sig.Alignment),
		kernel.Output("dst").Bind(dst).Type(kernel.Bytes).Size(int(bytes)).Align(sig.Alignment),
		kernel.Scalar("bytes").Bind(bytes),
	)
	if err != nil {
		q.copies.Release(h)
		return nil, nil, err
	}

	t, err := q.enqueue([]*kernel.Kernel{k}, Dispatch{}, 0, hal.PowerOptions{}, []*copyHandle{h}, true)
	if err != nil {
		q.copies.Release(h)
		return nil, nil, err
	}
	Logger().Debug("copy enqueued", "task", t.id, "kernel", sig.KernelName(), "bytes", bytes)
	return t, t.event, nil
}
