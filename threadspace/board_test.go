package threadspace

import (
	"fmt"
	"testing"

	"github.com/notargets/DGDispatch/errdefs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedPatterns = []DependencyPattern{
	None,
	Wavefront,
	Wavefront26,
	Vertical,
	Horizontal,
	Wavefront26Z,
	Wavefront26X,
	Wavefront26ZIG,
	Wavefront26ZI,
}

var boardSizes = [][2]int{{1, 1}, {2, 2}, {3, 5}, {4, 4}, {7, 3}, {9, 8}}

func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, idx := range order {
		if idx < 0 || idx >= n || seen[idx] {
			return false
		}
		seen[idx] = true
	}
	return true
}

// ============================================================================
// Section 1: Board construction and unit access
// ============================================================================

func TestBoard_New(t *testing.T) {
	t.Run("InvalidSize", func(t *testing.T) {
		for _, sz := range [][2]int{{0, 4}, {4, 0}, {-1, 2}} {
			_, err := New(sz[0], sz[1])
			assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument), "size %v", sz)
		}
	})

	t.Run("UnitCoordinates", func(t *testing.T) {
		b, err := New(3, 2)
		require.NoError(t, err)
		assert.Equal(t, 6, b.Len())
		for idx := 0; idx < b.Len(); idx++ {
			u := b.Unit(idx)
			assert.Equal(t, idx%3, u.X)
			assert.Equal(t, idx/3, u.Y)
			assert.Equal(t, idx, u.ThreadID)
			assert.False(t, u.Bound())
		}
		assert.Equal(t, None, b.Pattern())
		assert.Equal(t, DefaultMacroBlock, b.MacroBlock())
	})

	t.Run("IndexOutOfRange", func(t *testing.T) {
		b, err := New(3, 2)
		require.NoError(t, err)
		_, err = b.Index(3, 0)
		assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
		idx, err := b.Index(2, 1)
		require.NoError(t, err)
		assert.Equal(t, 5, idx)
	})
}

func TestBoard_Associate(t *testing.T) {
	b, err := New(4, 4)
	require.NoError(t, err)
	assert.False(t, b.Associated())

	require.NoError(t, b.AssociateRange(0, 0, 1, 3, 7))
	assert.True(t, b.Associated())
	assert.EqualValues(t, 7, b.Unit(4*3+1).Kernel)
	assert.EqualValues(t, 0, b.Unit(2).Kernel)

	err = b.AssociateRange(2, 2, 1, 1, 7)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))

	err = b.Associate(4, 0, 7)
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

// ============================================================================
// Section 2: Dependency-respecting orders
// ============================================================================

func TestBoard_FixedPatternsAreLegal(t *testing.T) {
	for _, p := range fixedPatterns {
		for _, sz := range boardSizes {
			name := fmt.Sprintf("%s_%dx%d", p, sz[0], sz[1])
			t.Run(name, func(t *testing.T) {
				b, err := New(sz[0], sz[1])
				require.NoError(t, err)
				require.NoError(t, b.SelectDependencyPattern(p))

				s, err := b.Order()
				require.NoError(t, err)
				assert.True(t, isPermutation(s.Order, sz[0]*sz[1]))
				assert.NoError(t, Verify(s))
			})
		}
	}
}

func TestBoard_MacroBlockTiles(t *testing.T) {
	tiles := []MacroBlock{{1, 1}, {2, 2}, {3, 2}, {2, 4}, {5, 5}}
	patterns := []DependencyPattern{Wavefront26Z, Wavefront26X, Wavefront26ZIG, Wavefront26ZI}
	for _, p := range patterns {
		for _, tile := range tiles {
			t.Run(fmt.Sprintf("%s_%dx%d", p, tile.Width, tile.Height), func(t *testing.T) {
				b, err := New(9, 7)
				require.NoError(t, err)
				require.NoError(t, b.SelectDependencyPattern(p))
				require.NoError(t, b.SetMacroBlock(tile.Width, tile.Height))

				s, err := b.Order()
				require.NoError(t, err)
				assert.NoError(t, Verify(s))
			})
		}
	}
}

func TestBoard_MacroBlockMasks(t *testing.T) {
	// bits over {(-1,0),(-1,-1),(0,-1),(1,-1),(-1,1)}, indexed [ly][lx] of a 2x2 tile
	zTable := [2][2]uint8{{0x1f, 0x0f}, {0x0f, 0x07}}
	iTable := [2][2]uint8{{0x1f, 0x1f}, {0x07, 0x07}}

	testCases := []struct {
		pattern  DependencyPattern
		table    [2][2]uint8
		upRight  int
		downLeft int
	}{
		{Wavefront26Z, zTable, 12, 37},
		{Wavefront26ZIG, zTable, 12, 37},
		{Wavefront26ZI, iTable, 28, 21},
		{Wavefront26X, iTable, 28, 21},
	}
	for _, tc := range testCases {
		t.Run(tc.pattern.String(), func(t *testing.T) {
			b, err := New(8, 8)
			require.NoError(t, err)
			require.NoError(t, b.SelectDependencyPattern(tc.pattern))
			s, err := b.Order()
			require.NoError(t, err)
			require.Equal(t, PatternVectors(tc.pattern), s.Vectors)

			dropped := map[Vector]int{}
			for idx := range s.Masks {
				x, y := idx%8, idx/8
				assert.Equal(t, tc.table[y%2][x%2], s.Masks[idx], "unit (%d,%d)", x, y)
				for i, v := range s.Vectors {
					tx, ty := x+v.DX, y+v.DY
					if tx < 0 || ty < 0 || tx >= 8 || ty >= 8 {
						continue
					}
					if s.Masks[idx]&(1<<uint(i)) == 0 {
						dropped[v]++
					}
				}
			}
			assert.Equal(t, map[Vector]int{{1, -1}: tc.upRight, {-1, 1}: tc.downLeft}, dropped)
			assert.NoError(t, Verify(s))
		})
	}

	t.Run("OnlyInversePairDropped", func(t *testing.T) {
		// up-right and down-left of neighbouring units point at each other
		for _, p := range []DependencyPattern{Wavefront26Z, Wavefront26ZI} {
			for _, tile := range []MacroBlock{{1, 1}, {3, 2}, {2, 4}} {
				for ly := 0; ly < tile.Height; ly++ {
					for lx := 0; lx < tile.Width; lx++ {
						m := macroBlockMask(p, tile, lx, ly)
						assert.EqualValues(t, 0x07, m&0x07, "%s %v (%d,%d)", p, tile, lx, ly)
					}
				}
			}
		}
	})
}

func TestBoard_WavefrontOrder(t *testing.T) {
	// 45° wavefront on 3x3: anti-diagonals top to bottom
	b, err := New(3, 3)
	require.NoError(t, err)
	require.NoError(t, b.SelectDependencyPattern(Wavefront))
	s, err := b.Order()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 3, 2, 4, 6, 5, 7, 8}, s.Order)

	grid := s.RankGrid()
	r, c := grid.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	assert.Equal(t, 4.0, grid.At(1, 1))
	assert.Equal(t, 8.0, grid.At(2, 2))
}

func TestBoard_HorizontalAndVertical(t *testing.T) {
	b, err := New(3, 2)
	require.NoError(t, err)

	require.NoError(t, b.SelectDependencyPattern(Horizontal))
	s, err := b.Order()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 1, 4, 2, 5}, s.Order)

	require.NoError(t, b.SelectDependencyPattern(Vertical))
	s, err = b.Order()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, s.Order)
}

func TestBoard_WaveCounts(t *testing.T) {
	for _, p := range []DependencyPattern{Wavefront26Z, Wavefront26ZI} {
		for _, sz := range boardSizes {
			t.Run(fmt.Sprintf("%s_%dx%d", p, sz[0], sz[1]), func(t *testing.T) {
				b, err := New(sz[0], sz[1])
				require.NoError(t, err)
				require.NoError(t, b.SelectDependencyPattern(p))
				s, err := b.Order()
				require.NoError(t, err)

				require.NotEmpty(t, s.WaveCounts)
				sum := 0
				for _, n := range s.WaveCounts {
					assert.Positive(t, n)
					sum += n
				}
				assert.Equal(t, sz[0]*sz[1], sum)
			})
		}
	}

	t.Run("OtherPatternsCarryNone", func(t *testing.T) {
		b, err := New(4, 4)
		require.NoError(t, err)
		require.NoError(t, b.SelectDependencyPattern(Wavefront26X))
		s, err := b.Order()
		require.NoError(t, err)
		assert.Nil(t, s.WaveCounts)
	})
}

func TestBoard_Vectors(t *testing.T) {
	t.Run("Legal", func(t *testing.T) {
		sets := [][]Vector{
			{{-1, 0}},
			{{0, -1}, {-2, 0}},
			{{-1, -1}, {1, -2}, {-3, 0}},
			{{-1, 0}, {0, -1}, {1, -1}, {2, -1}},
		}
		for i, vs := range sets {
			t.Run(fmt.Sprint(i), func(t *testing.T) {
				b, err := New(6, 5)
				require.NoError(t, err)
				require.NoError(t, b.SelectVectors(vs))
				s, err := b.Order()
				require.NoError(t, err)
				assert.Equal(t, Vectors, s.Pattern)
				assert.NoError(t, Verify(s))
			})
		}
	})

	t.Run("Deadlock", func(t *testing.T) {
		b, err := New(3, 3)
		require.NoError(t, err)
		require.NoError(t, b.SelectVectors([]Vector{{0, 1}}))
		_, err = b.Order()
		assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
	})

	t.Run("Rejected", func(t *testing.T) {
		b, err := New(3, 3)
		require.NoError(t, err)
		bad := [][]Vector{
			nil,
			{{0, 0}},
			{{-1, 0}, {-1, 0}},
			make([]Vector, MaxVectors+1),
		}
		for _, vs := range bad {
			assert.True(t, errors.Is(b.SelectVectors(vs), errdefs.ErrInvalidArgument), "%v", vs)
		}
		assert.True(t, errors.Is(b.SelectDependencyPattern(Vectors), errdefs.ErrInvalidArgument))
	})
}

// ============================================================================
// Section 3: Explicit walks
// ============================================================================

func TestBoard_WalkingPatterns(t *testing.T) {
	walks := []WalkingPattern{WalkRaster, WalkColumn, Walk45, Walk26, WalkZigZag}
	for _, w := range walks {
		t.Run(w.String(), func(t *testing.T) {
			b, err := New(5, 4)
			require.NoError(t, err)
			require.NoError(t, b.SelectWalkingPattern(w))
			s, err := b.Order()
			require.NoError(t, err)
			assert.True(t, isPermutation(s.Order, 20))
		})
	}

	t.Run("ZigZag", func(t *testing.T) {
		b, err := New(3, 2)
		require.NoError(t, err)
		require.NoError(t, b.SelectWalkingPattern(WalkZigZag))
		s, err := b.Order()
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 5, 4, 3}, s.Order)
	})
}

func TestBoard_WalkerParams(t *testing.T) {
	b, err := New(4, 4)
	require.NoError(t, err)
	require.NoError(t, b.SelectWalkingParameters(WalkerParams{BlockWidth: 2, BlockHeight: 2}))
	s, err := b.Order()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4, 5, 2, 3, 6, 7, 8, 9, 12, 13, 10, 11, 14, 15}, s.Order)

	require.NoError(t, b.SelectWalkingParameters(WalkerParams{
		BlockWidth: 3, BlockHeight: 3, GlobalColumnMajor: true, LocalColumnMajor: true,
	}))
	s, err = b.Order()
	require.NoError(t, err)
	assert.True(t, isPermutation(s.Order, 16))
	assert.Equal(t, []int{0, 4, 8, 1, 5, 9, 2, 6, 10}, s.Order[:9])

	err = b.SelectWalkingParameters(WalkerParams{BlockWidth: 0, BlockHeight: 2})
	assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
}

func TestBoard_SetOrder(t *testing.T) {
	b, err := New(2, 2)
	require.NoError(t, err)

	order := []Coord{{1, 1}, {0, 1}, {1, 0}, {0, 0}}
	require.NoError(t, b.SetOrder(order))
	s, err := b.Order()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1, 0}, s.Order)

	t.Run("Incomplete", func(t *testing.T) {
		err := b.SetOrder(order[:3])
		assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
	})
	t.Run("Duplicate", func(t *testing.T) {
		err := b.SetOrder([]Coord{{0, 0}, {0, 0}, {1, 0}, {1, 1}})
		assert.True(t, errors.Is(err, errdefs.ErrInvalidArgument))
	})
	t.Run("ReplacedByWalk", func(t *testing.T) {
		require.NoError(t, b.SelectWalkingPattern(WalkRaster))
		s, err := b.Order()
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, s.Order)
	})
}

func TestBoard_PatternWalkConflict(t *testing.T) {
	t.Run("WalkAfterPattern", func(t *testing.T) {
		b, err := New(4, 4)
		require.NoError(t, err)
		require.NoError(t, b.SelectDependencyPattern(Wavefront))

		assert.True(t, errors.Is(b.SelectWalkingPattern(WalkRaster), errdefs.ErrIncompatibleConfiguration))
		assert.True(t, errors.Is(b.SelectWalkingParameters(WalkerParams{BlockWidth: 1, BlockHeight: 1}),
			errdefs.ErrIncompatibleConfiguration))
		assert.True(t, errors.Is(b.SetOrder(nil), errdefs.ErrIncompatibleConfiguration))
		// clearing the walk is always allowed
		assert.NoError(t, b.SelectWalkingPattern(WalkNone))
	})

	t.Run("PatternAfterWalk", func(t *testing.T) {
		b, err := New(4, 4)
		require.NoError(t, err)
		require.NoError(t, b.SelectWalkingPattern(Walk45))

		assert.True(t, errors.Is(b.SelectDependencyPattern(Wavefront26), errdefs.ErrIncompatibleConfiguration))
		assert.True(t, errors.Is(b.SelectVectors([]Vector{{-1, 0}}), errdefs.ErrIncompatibleConfiguration))
		assert.NoError(t, b.SelectDependencyPattern(None))

		b.ClearWalk()
		assert.NoError(t, b.SelectDependencyPattern(Wavefront26))
	})
}

// ============================================================================
// Section 4: Order cache and dirty tracking
// ============================================================================

func TestBoard_MaskChangeKeepsOrder(t *testing.T) {
	b, err := New(5, 5)
	require.NoError(t, err)
	require.NoError(t, b.SelectDependencyPattern(Wavefront))
	assert.Equal(t, DataDirty, b.Dirty())

	first, err := b.Order()
	require.NoError(t, err)
	assert.Equal(t, Clean, b.Dirty())

	require.NoError(t, b.SetMask(2, 2, 0x1))
	assert.Equal(t, MaskDirty, b.Dirty())

	second, err := b.Order()
	require.NoError(t, err)
	assert.Equal(t, Clean, b.Dirty())
	assert.Equal(t, first.Order, second.Order)
	assert.Same(t, &first.Order[0], &second.Order[0])

	idx, _ := b.Index(2, 2)
	assert.Equal(t, uint8(0x1), second.Masks[idx])
	assert.Equal(t, uint8(0x7), first.Masks[idx])
	assert.NoError(t, Verify(second))

	require.NoError(t, b.ResetMask(2, 2))
	third, err := b.Order()
	require.NoError(t, err)
	assert.Equal(t, uint8(0x7), third.Masks[idx])
	assert.Same(t, &first.Order[0], &third.Order[0])
}

func TestBoard_TagsKeepOrder(t *testing.T) {
	b, err := New(3, 3)
	require.NoError(t, err)
	require.NoError(t, b.SelectDependencyPattern(Wavefront26))
	_, err = b.Order()
	require.NoError(t, err)

	require.NoError(t, b.SetColor(1, 1, 9))
	assert.Equal(t, MaskDirty, b.Dirty())
	require.NoError(t, b.SetSlice(0, 0, 2))
	assert.Equal(t, MaskDirty, b.Dirty())
	assert.True(t, errors.Is(b.SetColor(0, 0, 16), errdefs.ErrInvalidArgument))
}

func TestBoard_DataDirty(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(b *Board) error
	}{
		{"Pattern", func(b *Board) error { return b.SelectDependencyPattern(Wavefront26) }},
		{"Associate", func(b *Board) error { return b.Associate(0, 0, 3) }},
		{"MacroBlock", func(b *Board) error { return b.SetMacroBlock(3, 1) }},
		{"Vectors", func(b *Board) error { return b.SelectVectors([]Vector{{-1, 0}}) }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := New(4, 4)
			require.NoError(t, err)
			require.NoError(t, b.SelectDependencyPattern(Wavefront26Z))
			_, err = b.Order()
			require.NoError(t, err)
			require.Equal(t, Clean, b.Dirty())

			require.NoError(t, tc.mutate(b))
			assert.Equal(t, DataDirty, b.Dirty())
		})
	}

	t.Run("TileIgnoredOutsideMacroBlocks", func(t *testing.T) {
		b, err := New(4, 4)
		require.NoError(t, err)
		require.NoError(t, b.SelectDependencyPattern(Wavefront))
		_, err = b.Order()
		require.NoError(t, err)
		require.NoError(t, b.SetMacroBlock(4, 4))
		assert.Equal(t, Clean, b.Dirty())
	})
}

func TestVerify_RejectsBrokenSchedules(t *testing.T) {
	b, err := New(3, 3)
	require.NoError(t, err)
	require.NoError(t, b.SelectDependencyPattern(Wavefront))
	s, err := b.Order()
	require.NoError(t, err)

	t.Run("Reversed", func(t *testing.T) {
		rev := *s
		rev.Order = make([]int, len(s.Order))
		for i, idx := range s.Order {
			rev.Order[len(s.Order)-1-i] = idx
		}
		assert.True(t, errors.Is(Verify(&rev), errdefs.ErrIncompatibleConfiguration))
	})

	t.Run("Duplicate", func(t *testing.T) {
		dup := *s
		dup.Order = append([]int(nil), s.Order...)
		dup.Order[1] = dup.Order[0]
		assert.True(t, errors.Is(Verify(&dup), errdefs.ErrInvalidArgument))
	})

	t.Run("Cycle", func(t *testing.T) {
		cyc := *s
		cyc.Vectors = []Vector{{-1, 0}, {1, 0}}
		cyc.Masks = make([]uint8, 9)
		for i := range cyc.Masks {
			cyc.Masks[i] = 0x3
		}
		assert.True(t, errors.Is(Verify(&cyc), errdefs.ErrIncompatibleConfiguration))
	})
}
