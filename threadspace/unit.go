package threadspace

import "github.com/notargets/DGDispatch/kernel"

// Coord addresses one unit of the board
type Coord struct {
	X, Y int
}

// MaskPolicy tells the scheduler where a unit's dependency mask comes from
type MaskPolicy uint8

const (
	// MaskReset reapplies the pattern's default mask at every schedule
	MaskReset MaskPolicy = iota
	// MaskReuse keeps the mask last set with SetMask
	MaskReuse
)

// DispatchUnit is one cell of the board
type DispatchUnit struct {
	X, Y     int
	ThreadID int
	Kernel   kernel.ID // zero when unbound
	Mask     uint8
	Policy   MaskPolicy
	Color    uint8 // scoreboard colour, 0..15
	Slice    uint8 // slice routing tag
}

// Bound reports whether a kernel is associated with the unit
func (u *DispatchUnit) Bound() bool {
	return u.Kernel != 0
}
