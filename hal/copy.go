package hal

import (
	"fmt"

	"github.com/notargets/DGDispatch/kernel"
)

// CopyDirection is the direction of a utility memory copy
type CopyDirection int

const (
	HostToDevice CopyDirection = iota
	DeviceToHost
	DeviceToDevice
)

func (d CopyDirection) String() string {
	switch d {
	case HostToDevice:
		return "h2d"
	case DeviceToHost:
		return "d2h"
	case DeviceToDevice:
		return "d2d"
	default:
		return "unknown"
	}
}

// CopySignature selects one utility copy kernel: direction × alignment class
type CopySignature struct {
	Direction CopyDirection
	Alignment kernel.AlignmentType
}

// KernelName returns the name the utility kernel is built under
func (s CopySignature) KernelName() string {
	return fmt.Sprintf("copy_%s_%s", s.Direction, s.Alignment)
}

// WordBytes returns the copy granularity the alignment class allows
func (s CopySignature) WordBytes() int64 {
	if s.Alignment >= kernel.CacheLineAlign {
		return 8
	}
	return 1
}

// Hash is used for pool shard selection
func (s CopySignature) Hash() uint64 {
	return uint64(s.Direction)<<32 | uint64(s.Alignment)
}
