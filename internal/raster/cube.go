// Package raster models the climate cube: a labeled multi-dimensional
// array with spatial (x, y), period, and ensemble-member axes. Cubes are
// opened read-only per run and never mutated; slices may be loaded
// lazily to bound memory.
package raster

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
)

// Meta carries the cube-level attributes stamped into record metadata:
// variable name, units, coordinate reference system, and the source URI.
type Meta struct {
	Variable  string
	Units     string
	CRS       string
	SourceURI string
}

// Grid holds the cell-center coordinates of the spatial axes, sorted
// ascending. Longitude is normalized to -180..180 by the source adapter
// before a Grid is built.
type Grid struct {
	Xs []float64
	Ys []float64
}

func (g Grid) Width() int  { return len(g.Xs) }
func (g Grid) Height() int { return len(g.Ys) }

// Empty reports whether the grid has no cells, e.g. after clipping to a
// bounding box outside the dataset extent.
func (g Grid) Empty() bool { return len(g.Xs) == 0 || len(g.Ys) == 0 }

// NearestCell returns the indices of the cell whose center is nearest to
// p, or ok=false when p falls outside the grid footprint (beyond half a
// cell from the outermost centers). Pure nearest-neighbor lookup, no
// interpolation.
func (g Grid) NearestCell(p orb.Point) (xi, yi int, ok bool) {
	xi, okX := nearestIndex(g.Xs, p[0])
	yi, okY := nearestIndex(g.Ys, p[1])
	if !okX || !okY {
		return 0, 0, false
	}
	return xi, yi, true
}

// CellBound returns the footprint of cell (xi, yi). Edges lie halfway
// between neighboring centers, so irregular spacing is handled.
func (g Grid) CellBound(xi, yi int) orb.Bound {
	x0, x1 := cellEdges(g.Xs, xi)
	y0, y1 := cellEdges(g.Ys, yi)
	return orb.Bound{Min: orb.Point{x0, y0}, Max: orb.Point{x1, y1}}
}

// Bound returns the full grid footprint including the outer half-cells.
func (g Grid) Bound() orb.Bound {
	x0, _ := cellEdges(g.Xs, 0)
	_, x1 := cellEdges(g.Xs, len(g.Xs)-1)
	y0, _ := cellEdges(g.Ys, 0)
	_, y1 := cellEdges(g.Ys, len(g.Ys)-1)
	return orb.Bound{Min: orb.Point{x0, y0}, Max: orb.Point{x1, y1}}
}

func nearestIndex(centers []float64, v float64) (int, bool) {
	n := len(centers)
	if n == 0 {
		return 0, false
	}
	i := sort.SearchFloat64s(centers, v)
	if i == n {
		i = n - 1
	} else if i > 0 && v-centers[i-1] < centers[i]-v {
		i--
	}
	lo, hi := cellEdges(centers, i)
	if v < lo || v > hi {
		return 0, false
	}
	return i, true
}

// cellEdges returns the lower and upper edge of cell i along one axis.
// A single-cell axis gets a nominal width of 1.
func cellEdges(centers []float64, i int) (float64, float64) {
	n := len(centers)
	if n == 1 {
		return centers[0] - 0.5, centers[0] + 0.5
	}
	var lo, hi float64
	if i == 0 {
		lo = centers[0] - (centers[1]-centers[0])/2
	} else {
		lo = (centers[i-1] + centers[i]) / 2
	}
	if i == n-1 {
		hi = centers[n-1] + (centers[n-1]-centers[n-2])/2
	} else {
		hi = (centers[i] + centers[i+1]) / 2
	}
	return lo, hi
}

// Cube is the read-only climate array shared across workers. Slice
// returns the 2D plane for one (period, member) pair in row-major
// (yi*Width + xi) order, with NaN marking no-data cells. Callers must
// not mutate the returned slice.
type Cube interface {
	Grid() Grid
	Periods() []domain.PeriodKey
	Members() []string
	Slice(period, member int) ([]float64, error)
	Meta() Meta
	Close() error
}

// MemCube is a fully materialized Cube. The NetCDF adapter produces lazy
// cubes; MemCube backs clipped/masked wrappers and tests.
type MemCube struct {
	GridAxes   Grid
	PeriodKeys []domain.PeriodKey
	MemberIDs  []string
	// Data is indexed [period][member][yi*Width+xi].
	Data [][][]float64
	Info Meta
}

func (c *MemCube) Grid() Grid                  { return c.GridAxes }
func (c *MemCube) Periods() []domain.PeriodKey { return c.PeriodKeys }
func (c *MemCube) Members() []string           { return c.MemberIDs }
func (c *MemCube) Meta() Meta                  { return c.Info }
func (c *MemCube) Close() error                { return nil }

func (c *MemCube) Slice(period, member int) ([]float64, error) {
	if period < 0 || period >= len(c.Data) {
		return nil, fmt.Errorf("period index %d out of range", period)
	}
	if member < 0 || member >= len(c.Data[period]) {
		return nil, fmt.Errorf("member index %d out of range", member)
	}
	return c.Data[period][member], nil
}

// Clip restricts the cube to cells whose centers fall inside bound. The
// result keeps the rectangular index; a bound outside the dataset extent
// yields a cube with an empty grid, which the pipeline treats as a
// graceful zero-record run.
func Clip(c Cube, bound orb.Bound) Cube {
	g := c.Grid()
	x0, x1 := indexRange(g.Xs, bound.Min[0], bound.Max[0])
	y0, y1 := indexRange(g.Ys, bound.Min[1], bound.Max[1])
	return &clippedCube{
		inner: c,
		grid:  Grid{Xs: g.Xs[x0:x1], Ys: g.Ys[y0:y1]},
		x0:    x0, y0: y0,
		fullWidth: g.Width(),
	}
}

// indexRange returns the half-open index range of centers within [lo, hi].
func indexRange(centers []float64, lo, hi float64) (int, int) {
	start := sort.SearchFloat64s(centers, lo)
	end := sort.Search(len(centers), func(i int) bool { return centers[i] > hi })
	if start > end {
		return 0, 0
	}
	return start, end
}

type clippedCube struct {
	inner     Cube
	grid      Grid
	x0, y0    int
	fullWidth int
}

func (c *clippedCube) Grid() Grid                  { return c.grid }
func (c *clippedCube) Periods() []domain.PeriodKey { return c.inner.Periods() }
func (c *clippedCube) Members() []string           { return c.inner.Members() }
func (c *clippedCube) Meta() Meta                  { return c.inner.Meta() }
func (c *clippedCube) Close() error                { return c.inner.Close() }

func (c *clippedCube) Slice(period, member int) ([]float64, error) {
	full, err := c.inner.Slice(period, member)
	if err != nil {
		return nil, err
	}
	w, h := c.grid.Width(), c.grid.Height()
	out := make([]float64, w*h)
	for yi := 0; yi < h; yi++ {
		srcRow := (c.y0 + yi) * c.fullWidth
		copy(out[yi*w:(yi+1)*w], full[srcRow+c.x0:srcRow+c.x0+w])
	}
	return out, nil
}

// Mask wraps the cube so cells whose centers fall outside the polygon
// read as no-data. Cells are masked, not removed, preserving the
// rectangular index.
func Mask(c Cube, poly orb.Geometry) Cube {
	return &maskedCube{inner: c, poly: poly}
}

type maskedCube struct {
	inner Cube
	poly  orb.Geometry
	mask  []bool // true = keep; built on first use
}

func (c *maskedCube) Grid() Grid                  { return c.inner.Grid() }
func (c *maskedCube) Periods() []domain.PeriodKey { return c.inner.Periods() }
func (c *maskedCube) Members() []string           { return c.inner.Members() }
func (c *maskedCube) Meta() Meta                  { return c.inner.Meta() }
func (c *maskedCube) Close() error                { return c.inner.Close() }

func (c *maskedCube) Slice(period, member int) ([]float64, error) {
	inner, err := c.inner.Slice(period, member)
	if err != nil {
		return nil, err
	}
	if c.mask == nil {
		c.mask = buildMask(c.inner.Grid(), c.poly)
	}
	out := make([]float64, len(inner))
	for i, v := range inner {
		if c.mask[i] {
			out[i] = v
		} else {
			out[i] = math.NaN()
		}
	}
	return out, nil
}

func buildMask(g Grid, poly orb.Geometry) []bool {
	mask := make([]bool, g.Width()*g.Height())
	for yi, y := range g.Ys {
		for xi, x := range g.Xs {
			mask[yi*g.Width()+xi] = geometryContains(poly, orb.Point{x, y})
		}
	}
	return mask
}

func geometryContains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	case orb.Bound:
		return geom.Contains(p)
	default:
		return false
	}
}
