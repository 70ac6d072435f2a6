package threadspace

import (
	"github.com/notargets/DGDispatch/errdefs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"
)

// DependencyGraph builds the directed graph of the schedule: an edge u→v
// means unit v waits on unit u.
func (s *Schedule) DependencyGraph() *simple.DirectedGraph {
	g := simple.NewDirectedGraph()
	n := s.Width * s.Height
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	for i := 0; i < n; i++ {
		for _, dep := range s.Dependencies(i) {
			g.SetEdge(g.NewEdge(simple.Node(dep), simple.Node(i)))
		}
	}
	return g
}

// Verify checks that the schedule dispatches every unit exactly once and
// every unit after all the units it waits on.
func Verify(s *Schedule) error {
	n := s.Width * s.Height
	if len(s.Order) != n {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "order has %d units, board has %d", len(s.Order), n)
	}
	seen := make([]bool, n)
	for _, idx := range s.Order {
		if idx < 0 || idx >= n {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "order names unit %d outside the board", idx)
		}
		if seen[idx] {
			return errors.Wrapf(errdefs.ErrInvalidArgument, "order names unit %d twice", idx)
		}
		seen[idx] = true
	}

	g := s.DependencyGraph()
	if _, err := topo.Sort(g); err != nil {
		return errors.Wrapf(errdefs.ErrIncompatibleConfiguration, "unit masks form a dependency cycle: %v", err)
	}

	pos := s.Positions()
	for i := 0; i < n; i++ {
		for _, dep := range s.Dependencies(i) {
			if pos[dep] >= pos[i] {
				return errors.Wrapf(errdefs.ErrIncompatibleConfiguration,
					"unit (%d,%d) dispatched at %d before its dependency (%d,%d) at %d",
					i%s.Width, i/s.Width, pos[i], dep%s.Width, dep/s.Width, pos[dep])
			}
		}
	}
	return nil
}

// RankGrid returns a Height×Width matrix holding each unit's dispatch position
func (s *Schedule) RankGrid() *mat.Dense {
	grid := mat.NewDense(s.Height, s.Width, nil)
	for p, idx := range s.Order {
		grid.Set(idx/s.Width, idx%s.Width, float64(p))
	}
	return grid
}
