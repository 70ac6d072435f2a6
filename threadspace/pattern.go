package threadspace

import "fmt"

// DependencyPattern selects the set of relative offsets each unit waits on
type DependencyPattern int

const (
	None DependencyPattern = iota
	Wavefront
	Wavefront26
	Vertical
	Horizontal
	Wavefront26Z
	Wavefront26X
	Wavefront26ZIG
	Wavefront26ZI
	Vectors // caller-supplied vector set, see Board.SelectVectors
)

var patternNames = map[DependencyPattern]string{
	None:           "none",
	Wavefront:      "wavefront",
	Wavefront26:    "wavefront26",
	Vertical:       "vertical",
	Horizontal:     "horizontal",
	Wavefront26Z:   "wavefront26z",
	Wavefront26X:   "wavefront26x",
	Wavefront26ZIG: "wavefront26zig",
	Wavefront26ZI:  "wavefront26zi",
	Vectors:        "vectors",
}

func (p DependencyPattern) String() string {
	if s, ok := patternNames[p]; ok {
		return s
	}
	return fmt.Sprintf("pattern(%d)", int(p))
}

// MaxVectors is the number of dependency vectors a unit mask can address
const MaxVectors = 8

// Vector is a relative dependency offset: the unit at (x+DX, y+DY) must be
// dispatched before the unit at (x, y).
type Vector struct {
	DX, DY int
}

var (
	horizontalVectors  = []Vector{{-1, 0}}
	verticalVectors    = []Vector{{0, -1}}
	wavefrontVectors   = []Vector{{-1, 0}, {-1, -1}, {0, -1}}
	wavefront26Vectors = []Vector{{-1, 0}, {-1, -1}, {0, -1}, {1, -1}}
	// shared by the macro-block variants; macroBlockMask picks the offsets
	// each block position waits on
	macroBlockVectors = []Vector{{-1, 0}, {-1, -1}, {0, -1}, {1, -1}, {-1, 1}}
)

// PatternVectors returns the full vector set of a fixed pattern. Vectors and
// None return nil.
func PatternVectors(p DependencyPattern) []Vector {
	var vs []Vector
	switch p {
	case Horizontal:
		vs = horizontalVectors
	case Vertical:
		vs = verticalVectors
	case Wavefront:
		vs = wavefrontVectors
	case Wavefront26:
		vs = wavefront26Vectors
	case Wavefront26Z, Wavefront26ZI, Wavefront26X, Wavefront26ZIG:
		vs = macroBlockVectors
	default:
		return nil
	}
	out := make([]Vector, len(vs))
	copy(out, vs)
	return out
}

// isMacroBlock reports whether the pattern tiles the board into macro-blocks
func (p DependencyPattern) isMacroBlock() bool {
	switch p {
	case Wavefront26Z, Wavefront26ZI, Wavefront26X, Wavefront26ZIG:
		return true
	}
	return false
}

// recordsWaves reports whether the schedule carries per-wave thread counts
func (p DependencyPattern) recordsWaves() bool {
	return p == Wavefront26Z || p == Wavefront26ZI
}

// WalkingPattern is an explicit hardware walk with no dependency scoreboard
type WalkingPattern int

const (
	WalkNone WalkingPattern = iota
	WalkRaster
	WalkColumn
	Walk45
	Walk26
	WalkZigZag
)

func (w WalkingPattern) String() string {
	switch w {
	case WalkNone:
		return "none"
	case WalkRaster:
		return "raster"
	case WalkColumn:
		return "column"
	case Walk45:
		return "45"
	case Walk26:
		return "26"
	case WalkZigZag:
		return "zigzag"
	default:
		return fmt.Sprintf("walk(%d)", int(w))
	}
}

// WalkerParams is an explicit walking parameter set: the board is cut into
// BlockWidth×BlockHeight blocks, blocks are walked by the global loop and
// units within a block by the local loop.
type WalkerParams struct {
	BlockWidth, BlockHeight int
	GlobalColumnMajor       bool
	LocalColumnMajor        bool
}

// MacroBlock is the tile size of the 26Z/26ZI/26X/26ZIG patterns
type MacroBlock struct {
	Width, Height int
}

// DefaultMacroBlock is the tile used until SetMacroBlock is called
var DefaultMacroBlock = MacroBlock{Width: 2, Height: 2}
