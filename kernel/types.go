package kernel

// DataType represents the element type of a kernel argument
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
	Bytes // opaque byte buffer, size counted in bytes
)

// AlignmentType specifies memory alignment requirements
type AlignmentType int

const (
	NoAlignment    AlignmentType = 1
	CacheLineAlign AlignmentType = 64
	WarpAlign      AlignmentType = 128
	PageAlign      AlignmentType = 4096
)

// SizeOfType returns the size in bytes of a data type
func SizeOfType(dt DataType) int64 {
	switch dt {
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	case Bytes:
		return 1
	default:
		return 8
	}
}

// TypeName returns the C type name for a given DataType
func TypeName(dt DataType) string {
	switch dt {
	case Float32:
		return "float"
	case Float64:
		return "double"
	case INT32:
		return "int"
	case INT64:
		return "long"
	case Bytes:
		return "char"
	default:
		return "double"
	}
}

// AlignmentClass returns the largest alignment every one of the given byte
// quantities (offsets, sizes) satisfies.
func AlignmentClass(quantities ...int64) AlignmentType {
	for _, a := range []AlignmentType{PageAlign, WarpAlign, CacheLineAlign} {
		ok := true
		for _, q := range quantities {
			if q%int64(a) != 0 {
				ok = false
				break
			}
		}
		if ok {
			return a
		}
	}
	return NoAlignment
}

func (a AlignmentType) String() string {
	switch a {
	case NoAlignment:
		return "a1"
	case CacheLineAlign:
		return "a64"
	case WarpAlign:
		return "a128"
	case PageAlign:
		return "a4096"
	default:
		return "a?"
	}
}
