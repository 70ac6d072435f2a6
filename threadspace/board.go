// Package threadspace implements the dependency board ("thread space"): a 2-D
// grid of dispatch units, the dependency patterns defined over it and the
// walks that linearise it into a legal dispatch order.
//
// A board is owned by its caller and is not safe for concurrent mutation.
// Order computation is pure and synchronous; the result is cached on the
// board until the pattern, the tiling, the explicit walk or the kernel
// associations change. Changing only unit masks keeps the cached order.
package threadspace

import (
	"github.com/notargets/DGDispatch/errdefs"
	"github.com/notargets/DGDispatch/kernel"
	"github.com/pkg/errors"
)

// DirtyState tells how far the board has moved from its cached schedule
type DirtyState int

const (
	Clean DirtyState = iota
	// MaskDirty means masks or tags changed; the cached order is still valid
	MaskDirty
	// DataDirty means the order must be recomputed
	DataDirty
)

func (d DirtyState) String() string {
	switch d {
	case Clean:
		return "clean"
	case MaskDirty:
		return "mask-dirty"
	default:
		return "data-dirty"
	}
}

// orderKey identifies everything the dispatch order depends on. Two equal
// keys always produce the same order.
type orderKey struct {
	width, height int
	pattern       DependencyPattern
	vectors       [MaxVectors]Vector
	numVectors    int
	tile          MacroBlock
	walking       WalkingPattern
	walker        WalkerParams
	hasWalker     bool
	contentGen    uint64
	explicitGen   uint64
}

type cachedOrder struct {
	key   orderKey
	order []int
	waves []int
}

// Schedule is the output of Board.Order
type Schedule struct {
	Width, Height int
	Pattern       DependencyPattern

	// Order is a permutation of unit indices (y*Width + x). It is shared with
	// the board's cache and must not be modified.
	Order []int

	// WaveCounts holds the number of units in each wave for 26Z/26ZI, nil otherwise
	WaveCounts []int

	// Vectors is the active vector set; Masks[i] selects the vectors unit i waits on
	Vectors []Vector
	Masks   []uint8
}

// Len returns the number of dispatched units
func (s *Schedule) Len() int { return len(s.Order) }

// Positions returns, for every unit index, its position in Order
func (s *Schedule) Positions() []int {
	pos := make([]int, len(s.Order))
	for p, idx := range s.Order {
		pos[idx] = p
	}
	return pos
}

// Board is a width×height grid of dispatch units
type Board struct {
	width, height int
	units         []DispatchUnit

	pattern  DependencyPattern
	vectors  []Vector
	tile     MacroBlock
	walking  WalkingPattern
	walker   *WalkerParams
	explicit []int

	contentGen  uint64
	explicitGen uint64
	maskGen     uint64

	cache        *cachedOrder
	cacheMaskGen uint64
	masks        []uint8
}

// New creates a board of width×height unbound units with no dependency
func New(width, height int) (*Board, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(errdefs.ErrInvalidArgument, "board size %dx%d", width, height)
	}
	b := &Board{
		width:  width,
		height: height,
		units:  make([]DispatchUnit, width*height),
		tile:   DefaultMacroBlock,
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := y*width + x
			b.units[idx] = DispatchUnit{X: x, Y: y, ThreadID: idx}
		}
	}
	return b, nil
}

func (b *Board) Width() int { return b.width }
func (b *Board) Height() int { return b.height }
func (b *Board) Len() int { return len(b.units) }
func (b *Board) Pattern() DependencyPattern { return b.pattern }
func (b *Board) MacroBlock() MacroBlock { return b.tile }
func (b *Board) WalkingPattern() WalkingPattern { return b.walking }

// Unit returns a copy of the unit at index idx (y*Width + x)
func (b *Board) Unit(idx int) DispatchUnit {
	return b.units[idx]
}

// Index returns the unit index of (x,y)
func (b *Board) Index(x, y int) (int, error) {
	if x < 0 || y < 0 || x >= b.width || y >= b.height {
		return 0, errors.Wrapf(errdefs.ErrInvalidArgument,
			"unit (%d,%d) outside %dx%d board", x, y, b.width, b.height)
	}
	return y*b.width + x, nil
}

// Associate binds a kernel to the unit at (x,y); id 0 unbinds it
func (b *Board) Associate(x, y int, id kernel.ID) error {
	idx, err := b.Index(x, y)
	if err != nil {
		return err
	}
	if b.units[idx].Kernel != id {
		b.units[idx].Kernel = id
		b.contentGen++
	}
	return nil
}

// AssociateRange binds a kernel to every unit of the inclusive rectangle
// (x0,y0)-(x1,y1)
func (b *Board) AssociateRange(x0, y0, x1, y1 int, id kernel.ID) error {
	if _, err := b.Index(x0, y0); err != nil {
		return err
	}
	if _, err := b.Index(x1, y1); err != nil {
		return err
	}
	if x1 < x0 || y1 < y0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "empty range (%d,%d)-(%d,%d)", x0, y0, x1, y1)
	}
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if err := b.Associate(x, y, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Associated reports whether any unit is bound to a kernel
func (b *Board) Associated() bool {
	for i := range b.units {
		if b.units[i].Bound() {
			return true
		}
	}
	return false
}

// SetMask overrides the dependency mask of one unit. The unit keeps the mask
// (MaskReuse) until ResetMask is called.
func (b *Board) SetMask(x, y int, mask uint8) error {
	idx, err := b.Index(x, y)
	if err != nil {
		return err
	}
	b.units[idx].Mask = mask
	b.units[idx].Policy = MaskReuse
	b.maskGen++
	return nil
}

// ResetMask returns a unit to the pattern's default mask
func (b *Board) ResetMask(x, y int) error {
	idx, err := b.Index(x, y)
	if err != nil {
		return err
	}
	b.units[idx].Policy = MaskReset
	b.maskGen++
	return nil
}

// SetColor sets the scoreboard colour of one unit
func (b *Board) SetColor(x, y int, color uint8) error {
	if color > 15 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "colour %d out of range", color)
	}
	idx, err := b.Index(x, y)
	if err != nil {
		return err
	}
	b.units[idx].Color = color
	b.maskGen++
	return nil
}

// SetSlice sets the slice routing tag of one unit
func (b *Board) SetSlice(x, y int, slice uint8) error {
	idx, err := b.Index(x, y)
	if err != nil {
		return err
	}
	b.units[idx].Slice = slice
	b.maskGen++
	return nil
}

// hasExplicitWalk reports whether a walking pattern, walking parameters or
// an explicit order is selected
func (b *Board) hasExplicitWalk() bool {
	return b.walking != WalkNone || b.walker != nil || b.explicit != nil
}

// SelectDependencyPattern activates one of the fixed patterns. Any pattern
// other than None conflicts with an explicit walk.
func (b *Board) SelectDependencyPattern(p DependencyPattern) error {
	if _, ok := patternNames[p]; !ok {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "unknown dependency pattern %d", int(p))
	}
	if p == Vectors {
		return errors.Wrap(errdefs.ErrInvalidArgument, "vector patterns are selected with SelectVectors")
	}
	if p != None && b.hasExplicitWalk() {
		return errors.Wrapf(errdefs.ErrIncompatibleConfiguration,
			"pattern %s conflicts with an explicit walk", p)
	}
	b.pattern = p
	b.vectors = nil
	return nil
}

// SelectVectors activates the general vector pattern with up to MaxVectors
// offsets
func (b *Board) SelectVectors(vs []Vector) error {
	if len(vs) == 0 || len(vs) > MaxVectors {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "%d dependency vectors, want 1..%d", len(vs), MaxVectors)
	}
	seen := make(map[Vector]bool, len(vs))
	for _, v := range vs {
		if v.DX == 0 && v.DY == 0 {
			return errors.Wrap(errdefs.ErrInvalidArgument, "dependency vector (0,0)")
		}
		if seen[v] {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "duplicate dependency vector %v", v)
		}
		seen[v] = true
	}
	if b.hasExplicitWalk() {
		return errors.Wrap(errdefs.ErrIncompatibleConfiguration, "dependency vectors conflict with an explicit walk")
	}
	b.pattern = Vectors
	b.vectors = append([]Vector(nil), vs...)
	return nil
}

// SetMacroBlock changes the tile of the macro-block patterns
func (b *Board) SetMacroBlock(width, height int) error {
	if width <= 0 || height <= 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "macro-block %dx%d", width, height)
	}
	b.tile = MacroBlock{Width: width, Height: height}
	return nil
}

func (b *Board) checkWalkSelection(what string) error {
	if b.pattern != None {
		return errors.Wrapf(errdefs.ErrIncompatibleConfiguration,
			"%s conflicts with dependency pattern %s", what, b.pattern)
	}
	return nil
}

// SelectWalkingPattern selects an explicit hardware walk. It replaces walking
// parameters or an explicit order selected before.
func (b *Board) SelectWalkingPattern(w WalkingPattern) error {
	if w < WalkNone || w > WalkZigZag {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "unknown walking pattern %d", int(w))
	}
	if w != WalkNone {
		if err := b.checkWalkSelection("walking pattern " + w.String()); err != nil {
			return err
		}
	}
	b.clearWalk()
	b.walking = w
	return nil
}

// SelectWalkingParameters selects an explicit walking parameter set
func (b *Board) SelectWalkingParameters(p WalkerParams) error {
	if p.BlockWidth <= 0 || p.BlockHeight <= 0 {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "walker block %dx%d", p.BlockWidth, p.BlockHeight)
	}
	if err := b.checkWalkSelection("walking parameters"); err != nil {
		return err
	}
	b.clearWalk()
	b.walker = &p
	return nil
}

// SetOrder supplies the dispatch order directly. It must name every unit once.
func (b *Board) SetOrder(order []Coord) error {
	if err := b.checkWalkSelection("explicit order"); err != nil {
		return err
	}
	if len(order) != len(b.units) {
		return errors.Wrapf(errdefs.ErrInvalidArgument,
			"explicit order has %d units, board has %d", len(order), len(b.units))
	}
	seen := make([]bool, len(b.units))
	idxs := make([]int, len(order))
	for i, c := range order {
		idx, err := b.Index(c.X, c.Y)
		if err != nil {
			return err
		}
		if seen[idx] {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "unit (%d,%d) listed twice", c.X, c.Y)
		}
		seen[idx] = true
		idxs[i] = idx
	}
	b.clearWalk()
	b.explicit = idxs
	b.explicitGen++
	return nil
}

// ClearWalk drops any walking pattern, walking parameters or explicit order
func (b *Board) ClearWalk() {
	b.clearWalk()
}

func (b *Board) clearWalk() {
	b.walking = WalkNone
	b.walker = nil
	b.explicit = nil
}

func (b *Board) key() orderKey {
	k := orderKey{
		width:       b.width,
		height:      b.height,
		pattern:     b.pattern,
		numVectors:  len(b.vectors),
		walking:     b.walking,
		hasWalker:   b.walker != nil,
		contentGen:  b.contentGen,
		explicitGen: b.explicitGen,
	}
	copy(k.vectors[:], b.vectors)
	if b.pattern.isMacroBlock() {
		k.tile = b.tile
	}
	if b.walker != nil {
		k.walker = *b.walker
	}
	if b.explicit == nil {
		k.explicitGen = 0
	}
	return k
}

// Dirty reports how the board differs from its cached schedule
func (b *Board) Dirty() DirtyState {
	if b.cache == nil || b.cache.key != b.key() {
		return DataDirty
	}
	if b.cacheMaskGen != b.maskGen || b.masks == nil {
		return MaskDirty
	}
	return Clean
}

// ActiveVectors returns the vector set of the current selection
func (b *Board) ActiveVectors() []Vector {
	if b.pattern == Vectors {
		return append([]Vector(nil), b.vectors...)
	}
	return PatternVectors(b.pattern)
}

// Order returns the schedule of the current selection, recomputing the
// dispatch order only when the board is data-dirty.
func (b *Board) Order() (*Schedule, error) {
	key := b.key()
	if b.cache == nil || b.cache.key != key {
		order, waves, err := b.sequence()
		if err != nil {
			return nil, err
		}
		b.cache = &cachedOrder{key: key, order: order, waves: waves}
		b.masks = nil
	}

	vs := b.ActiveVectors()
	if b.masks == nil || b.cacheMaskGen != b.maskGen {
		b.masks = b.effectiveMasks(vs)
		b.cacheMaskGen = b.maskGen
	}

	return &Schedule{
		Width:      b.width,
		Height:     b.height,
		Pattern:    b.pattern,
		Order:      b.cache.order,
		WaveCounts: b.cache.waves,
		Vectors:    vs,
		Masks:      b.masks,
	}, nil
}

func (b *Board) sequence() ([]int, []int, error) {
	w, h := b.width, b.height

	switch {
	case b.explicit != nil:
		return append([]int(nil), b.explicit...), nil, nil
	case b.walker != nil:
		return walkerSequence(w, h, *b.walker), nil, nil
	case b.walking != WalkNone:
		switch b.walking {
		case WalkColumn:
			return chaseSequence(w, h, 0, 1), nil, nil
		case Walk45:
			return chaseSequence(w, h, -1, 1), nil, nil
		case Walk26:
			return chaseSequence(w, h, -2, 1), nil, nil
		case WalkZigZag:
			return zigzagSequence(w, h), nil, nil
		default:
			return rasterSequence(w, h), nil, nil
		}
	}

	switch b.pattern {
	case None:
		return rasterSequence(w, h), nil, nil
	case Horizontal:
		return chaseSequence(w, h, 0, 1), nil, nil
	case Vertical:
		return chaseSequence(w, h, 1, 0), nil, nil
	case Wavefront:
		return chaseSequence(w, h, -1, 1), nil, nil
	case Wavefront26:
		return chaseSequence(w, h, -2, 1), nil, nil
	case Wavefront26Z, Wavefront26ZI, Wavefront26X, Wavefront26ZIG:
		order, waves := newBlockWalk(b.pattern, w, h, b.tile).sequence()
		if !b.pattern.recordsWaves() {
			waves = nil
		}
		return order, waves, nil
	case Vectors:
		order, err := vectorSequence(w, h, b.vectors)
		return order, nil, err
	}
	return nil, nil, errors.Wrapf(errdefs.ErrInvalidArgument, "unknown dependency pattern %d", int(b.pattern))
}

// effectiveMasks resolves every unit's mask: the caller's mask for MaskReuse
// units, the pattern default otherwise.
func (b *Board) effectiveMasks(vs []Vector) []uint8 {
	masks := make([]uint8, len(b.units))
	all := uint8(1<<uint(len(vs)) - 1)

	for i := range b.units {
		u := &b.units[i]
		switch {
		case u.Policy == MaskReuse:
			masks[i] = u.Mask & all
		case b.pattern.isMacroBlock():
			masks[i] = macroBlockMask(b.pattern, b.tile, u.X%b.tile.Width, u.Y%b.tile.Height) & all
		default:
			masks[i] = all
		}
	}
	return masks
}

// Dependencies returns the in-board units that unit idx waits on under the
// schedule's vectors and masks
func (s *Schedule) Dependencies(idx int) []int {
	x, y := idx%s.Width, idx/s.Width
	var deps []int
	for i, v := range s.Vectors {
		if s.Masks[idx]&(1<<uint(i)) == 0 {
			continue
		}
		tx, ty := x+v.DX, y+v.DY
		if tx < 0 || ty < 0 || tx >= s.Width || ty >= s.Height {
			continue
		}
		deps = append(deps, ty*s.Width+tx)
	}
	return deps
}
