package threadspace

import (
	"github.com/notargets/DGDispatch/errdefs"
	"github.com/pkg/errors"
)

// visitation colours of the sequencing walks
const (
	white uint8 = iota
	black
)

// rasterSequence walks the board row by row
func rasterSequence(w, h int) []int {
	order := make([]int, 0, w*h)
	for i := 0; i < w*h; i++ {
		order = append(order, i)
	}
	return order
}

// chaseSequence scans the board in raster order; every white start cell is
// claimed together with the white cells reached by repeatedly stepping
// (stepX, stepY) from it. Stepping (-1,+1) walks the 45° anti-diagonal,
// (-2,+1) the 26° one, (0,+1) a column and (+1,0) a row.
func chaseSequence(w, h, stepX, stepY int) []int {
	board := make([]uint8, w*h)
	order := make([]int, 0, w*h)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if board[idx] != white {
				continue
			}
			board[idx] = black
			order = append(order, idx)

			lx, ly := x+stepX, y+stepY
			for lx >= 0 && ly >= 0 && lx < w && ly < h {
				lidx := ly*w + lx
				if board[lidx] == white {
					board[lidx] = black
					order = append(order, lidx)
				}
				lx += stepX
				ly += stepY
			}
		}
	}
	return order
}

// zigzagSequence walks even rows left to right and odd rows right to left
func zigzagSequence(w, h int) []int {
	order := make([]int, 0, w*h)
	for y := 0; y < h; y++ {
		if y%2 == 0 {
			for x := 0; x < w; x++ {
				order = append(order, y*w+x)
			}
		} else {
			for x := w - 1; x >= 0; x-- {
				order = append(order, y*w+x)
			}
		}
	}
	return order
}

// walkerSequence applies an explicit walking parameter set
func walkerSequence(w, h int, p WalkerParams) []int {
	bw, bh := p.BlockWidth, p.BlockHeight
	blocksX := (w + bw - 1) / bw
	blocksY := (h + bh - 1) / bh

	order := make([]int, 0, w*h)
	local := func(bx, by int) {
		x0, y0 := bx*bw, by*bh
		if p.LocalColumnMajor {
			for lx := 0; lx < bw; lx++ {
				for ly := 0; ly < bh; ly++ {
					if x0+lx < w && y0+ly < h {
						order = append(order, (y0+ly)*w+x0+lx)
					}
				}
			}
			return
		}
		for ly := 0; ly < bh; ly++ {
			for lx := 0; lx < bw; lx++ {
				if x0+lx < w && y0+ly < h {
					order = append(order, (y0+ly)*w+x0+lx)
				}
			}
		}
	}

	if p.GlobalColumnMajor {
		for bx := 0; bx < blocksX; bx++ {
			for by := 0; by < blocksY; by++ {
				local(bx, by)
			}
		}
	} else {
		for by := 0; by < blocksY; by++ {
			for bx := 0; bx < blocksX; bx++ {
				local(bx, by)
			}
		}
	}
	return order
}

// blockWalk is the macro-block walk shared by the 26Z, 26ZI, 26X and 26ZIG
// patterns. Blocks are visited in diagonal waves over block coordinates, the
// wave of block (bx,by) being bx + slope*by; inside a wave blocks go top to
// bottom (alternating for zig-zag) and inside a block units go row by row,
// or column by column when columnFirst is set.
type blockWalk struct {
	w, h        int
	tile        MacroBlock
	blocksX     int
	blocksY     int
	slope       int
	zigzag      bool
	columnFirst bool
}

func newBlockWalk(p DependencyPattern, w, h int, tile MacroBlock) blockWalk {
	b := blockWalk{
		w:       w,
		h:       h,
		tile:    tile,
		blocksX: (w + tile.Width - 1) / tile.Width,
		blocksY: (h + tile.Height - 1) / tile.Height,
		slope:   2,
	}
	switch p {
	case Wavefront26ZI:
		b.columnFirst = true
	case Wavefront26X:
		b.slope = 1
		b.columnFirst = true
	case Wavefront26ZIG:
		b.zigzag = true
	}
	return b
}

func (b blockWalk) waveCount() int {
	return (b.blocksX - 1) + b.slope*(b.blocksY-1) + 1
}

// blocksInWave returns the blocks of wave k in walk order
func (b blockWalk) blocksInWave(k int) []Coord {
	var blocks []Coord
	for by := 0; by < b.blocksY; by++ {
		bx := k - b.slope*by
		if bx >= 0 && bx < b.blocksX {
			blocks = append(blocks, Coord{bx, by})
		}
	}
	if b.zigzag && k%2 == 1 {
		for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
			blocks[i], blocks[j] = blocks[j], blocks[i]
		}
	}
	return blocks
}

// sequence returns the dispatch order and the number of units in each
// non-empty wave
func (b blockWalk) sequence() (order []int, waves []int) {
	order = make([]int, 0, b.w*b.h)
	for k := 0; k < b.waveCount(); k++ {
		n := 0
		for _, blk := range b.blocksInWave(k) {
			x0, y0 := blk.X*b.tile.Width, blk.Y*b.tile.Height
			if b.columnFirst {
				for lx := 0; lx < b.tile.Width; lx++ {
					for ly := 0; ly < b.tile.Height; ly++ {
						if x, y := x0+lx, y0+ly; x < b.w && y < b.h {
							order = append(order, y*b.w+x)
							n++
						}
					}
				}
				continue
			}
			for ly := 0; ly < b.tile.Height; ly++ {
				for lx := 0; lx < b.tile.Width; lx++ {
					if x, y := x0+lx, y0+ly; x < b.w && y < b.h {
						order = append(order, y*b.w+x)
						n++
					}
				}
			}
		}
		if n > 0 {
			waves = append(waves, n)
		}
	}
	return order, waves
}

// macroBlockMask is the default mask of the unit at position (lx, ly) of
// its macro-block, over macroBlockVectors. Left, up-left and up always hold.
// Up-right and down-left are inverses of each other, so each variant keeps
// them only at the positions where its block walk reaches the target first:
//
//	26Z, 26ZIG: up-right except on the right column below the top row,
//	            down-left on the left column above the bottom row
//	26ZI, 26X:  up-right on the top row,
//	            down-left above the bottom row
func macroBlockMask(p DependencyPattern, tile MacroBlock, lx, ly int) uint8 {
	const (
		left     = 1 << 0
		upLeft   = 1 << 1
		up       = 1 << 2
		upRight  = 1 << 3
		downLeft = 1 << 4
	)
	top, bottom := ly == 0, ly == tile.Height-1
	leftCol, rightCol := lx == 0, lx == tile.Width-1

	mask := uint8(left | upLeft | up)
	switch p {
	case Wavefront26Z, Wavefront26ZIG:
		if !rightCol || top {
			mask |= upRight
		}
		if leftCol && !bottom {
			mask |= downLeft
		}
	case Wavefront26ZI, Wavefront26X:
		if top {
			mask |= upRight
		}
		if !bottom {
			mask |= downLeft
		}
	}
	return mask
}

// vectorSequence schedules an arbitrary vector set in waves. Each column
// offers its lowest unvisited unit; the unit joins the wave when every
// vector points off the board or at a unit visited in an earlier wave.
func vectorSequence(w, h int, vs []Vector) ([]int, error) {
	visited := make([]bool, w*h)
	top := make([]int, w)
	order := make([]int, 0, w*h)
	wave := make([]int, 0, w)

	ready := func(x, y int) bool {
		for _, v := range vs {
			tx, ty := x+v.DX, y+v.DY
			if tx < 0 || ty < 0 || tx >= w || ty >= h {
				continue
			}
			if !visited[ty*w+tx] {
				return false
			}
		}
		return true
	}

	for len(order) < w*h {
		wave = wave[:0]
		for x := 0; x < w; x++ {
			if y := top[x]; y < h && ready(x, y) {
				wave = append(wave, y*w+x)
			}
		}
		if len(wave) == 0 {
			return nil, errors.Wrapf(errdefs.ErrInvalidArgument,
				"dependency vectors %v leave %d units unschedulable", vs, w*h-len(order))
		}
		for _, idx := range wave {
			visited[idx] = true
			top[idx%w]++
			order = append(order, idx)
		}
	}
	return order, nil
}
