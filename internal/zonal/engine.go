// Package zonal extracts raster value series under feature footprints
// and reduces the ensemble distribution to summary statistics. It is
// the compute core of the service: everything before it prepares
// inputs, everything after it is persistence.
package zonal

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
	"github.com/couchcryptid/climate-exposure-etl/internal/raster"
)

// Aggregation methods for line sample reduction and polygon zonal
// statistics.
const (
	AggMean = "mean"
	AggMax  = "max"
	AggMin  = "min"
)

// chunkSize bounds how many features one worker processes per task, so
// a handful of huge polygons cannot serialize the whole pool.
const chunkSize = 256

// statDecimals is the rounding applied to every output statistic.
const statDecimals = 2

// Config tunes the engine.
type Config struct {
	// AggMethod reduces a line's sample points to one value per
	// ensemble member and weights polygon cells. Default AggMean.
	AggMethod string

	// Workers caps the pool. Zero means GOMAXPROCS.
	Workers int

	// Observe, when set, receives the wall time of each worker task
	// labeled by partition kind. Used to feed metrics without coupling
	// the engine to a registry.
	Observe func(kind string, seconds float64)
}

func (c *Config) normalize() error {
	if c.AggMethod == "" {
		c.AggMethod = AggMean
	}
	switch c.AggMethod {
	case AggMean, AggMax, AggMin:
	default:
		return fmt.Errorf("unknown aggregation method %q", c.AggMethod)
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return nil
}

// Engine computes exposure records over one cube. Safe for a single Run
// at a time; the cube is shared read-only across its workers.
type Engine struct {
	cube raster.Cube
	cfg  Config
}

func New(cube raster.Cube, cfg Config) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Engine{cube: cube, cfg: cfg}, nil
}

// Run produces one record per feature and period whose footprint meets
// valid data. Features whose intersection is entirely no-data for a
// period emit nothing for that period. The cube is walked period by
// period so only one period's member planes are resident at a time.
func (e *Engine) Run(ctx context.Context, parts domain.Partitions, ssp int) ([]domain.ExposureRecord, error) {
	grid := e.cube.Grid()
	if grid.Empty() || parts.Size() == 0 {
		return nil, nil
	}

	// Polygon cell weights depend only on geometry, compute them once.
	weights := make([][]cellWeight, len(parts.Polygons))
	for i, pf := range parts.Polygons {
		weights[i] = polygonWeights(grid, pf.Polygon)
	}

	var out []domain.ExposureRecord
	for pi, period := range e.cube.Periods() {
		planes := make([][]float64, len(e.cube.Members()))
		for mi := range planes {
			plane, err := e.cube.Slice(pi, mi)
			if err != nil {
				return nil, fmt.Errorf("%w: slice period %s member %s: %v",
					domain.ErrSourceUnavailable, period, e.cube.Members()[mi], err)
			}
			planes[mi] = plane
		}
		recs, err := e.runPeriod(ctx, planes, parts, weights, period, ssp)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

type task struct {
	kind string
	run  func() []domain.ExposureRecord
}

func (e *Engine) runPeriod(ctx context.Context, planes [][]float64, parts domain.Partitions, weights [][]cellWeight, period domain.PeriodKey, ssp int) ([]domain.ExposureRecord, error) {
	grid := e.cube.Grid()

	var tasks []task
	for start := 0; start < len(parts.Points); start += chunkSize {
		chunk := parts.Points[start:min(start+chunkSize, len(parts.Points))]
		tasks = append(tasks, task{kind: "point", run: func() []domain.ExposureRecord {
			return e.pointChunk(grid, planes, chunk, period, ssp)
		}})
	}
	for start := 0; start < len(parts.Lines); start += chunkSize {
		chunk := parts.Lines[start:min(start+chunkSize, len(parts.Lines))]
		tasks = append(tasks, task{kind: "line", run: func() []domain.ExposureRecord {
			return e.lineChunk(grid, planes, chunk, period, ssp)
		}})
	}
	for start := 0; start < len(parts.Polygons); start += chunkSize {
		s := start
		chunk := parts.Polygons[s:min(s+chunkSize, len(parts.Polygons))]
		tasks = append(tasks, task{kind: "polygon", run: func() []domain.ExposureRecord {
			return e.polygonChunk(planes, chunk, weights[s:s+len(chunk)], period, ssp)
		}})
	}

	results := make([][]domain.ExposureRecord, len(tasks))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			started := time.Now()
			results[i] = t.run()
			if e.cfg.Observe != nil {
				e.cfg.Observe(t.kind, time.Since(started).Seconds())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.ExposureRecord
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (e *Engine) pointChunk(grid raster.Grid, planes [][]float64, chunk []domain.PointFeature, period domain.PeriodKey, ssp int) []domain.ExposureRecord {
	var out []domain.ExposureRecord
	series := make([]float64, len(planes))
	for _, pf := range chunk {
		xi, yi, ok := grid.NearestCell(pf.Point)
		if !ok {
			continue
		}
		idx := yi*grid.Width() + xi
		for mi, plane := range planes {
			series[mi] = plane[idx]
		}
		stats, ok := domain.Summarize(series)
		if !ok {
			continue
		}
		out = append(out, domain.ExposureRecord{
			FeatureID:       pf.ID,
			Period:          period,
			SSP:             ssp,
			Stats:           stats.Round(statDecimals),
			Simplified:      pf.Simplified,
			OriginalAreaKm2: pf.OriginalAreaKm2,
			Tags:            pf.Tags,
		})
	}
	return out
}

// lineChunk reduces each line's sample-point values to one value per
// ensemble member, then summarizes that representative series.
func (e *Engine) lineChunk(grid raster.Grid, planes [][]float64, chunk []domain.LineFeature, period domain.PeriodKey, ssp int) []domain.ExposureRecord {
	var out []domain.ExposureRecord
	series := make([]float64, len(planes))
	for _, lf := range chunk {
		idxs := sampleIndices(grid, lf.Samples)
		if len(idxs) == 0 {
			continue
		}
		for mi, plane := range planes {
			series[mi] = reduceSamples(plane, idxs, e.cfg.AggMethod)
		}
		stats, ok := domain.Summarize(series)
		if !ok {
			continue
		}
		out = append(out, domain.ExposureRecord{
			FeatureID: lf.ID,
			Period:    period,
			SSP:       ssp,
			Stats:     stats.Round(statDecimals),
			Tags:      lf.Tags,
		})
	}
	return out
}

func (e *Engine) polygonChunk(planes [][]float64, chunk []domain.PolygonFeature, weights [][]cellWeight, period domain.PeriodKey, ssp int) []domain.ExposureRecord {
	var out []domain.ExposureRecord
	series := make([]float64, len(planes))
	for i, pf := range chunk {
		if len(weights[i]) == 0 {
			continue // no grid intersection, e.g. beyond the raster edge
		}
		for mi, plane := range planes {
			series[mi] = reduceCells(plane, weights[i], e.cfg.AggMethod)
		}
		stats, ok := domain.Summarize(series)
		if !ok {
			continue
		}
		out = append(out, domain.ExposureRecord{
			FeatureID: pf.ID,
			Period:    period,
			SSP:       ssp,
			Stats:     stats.Round(statDecimals),
			Tags:      pf.Tags,
		})
	}
	return out
}

// sampleIndices maps sample points to flat cell indices, dropping
// points beyond the grid footprint.
func sampleIndices(grid raster.Grid, samples []orb.Point) []int {
	idxs := make([]int, 0, len(samples))
	for _, p := range samples {
		if xi, yi, ok := grid.NearestCell(p); ok {
			idxs = append(idxs, yi*grid.Width()+xi)
		}
	}
	return idxs
}

// reduceSamples collapses the values at the given cells into one value,
// skipping no-data cells. All no-data yields NaN so the ensemble
// summary can drop the member.
func reduceSamples(plane []float64, idxs []int, method string) float64 {
	var (
		sum   float64
		count int
		best  = math.NaN()
	)
	for _, idx := range idxs {
		v := plane[idx]
		if math.IsNaN(v) {
			continue
		}
		switch method {
		case AggMax:
			if math.IsNaN(best) || v > best {
				best = v
			}
		case AggMin:
			if math.IsNaN(best) || v < best {
				best = v
			}
		default:
			sum += v
			count++
		}
	}
	if method == AggMean {
		if count == 0 {
			return math.NaN()
		}
		return sum / float64(count)
	}
	return best
}

// cellWeight is one raster cell intersecting a polygon, weighted by the
// planar intersection area.
type cellWeight struct {
	idx    int
	weight float64
}

// polygonWeights clips the polygon against every candidate cell bound
// and keeps cells with positive intersection area.
func polygonWeights(grid raster.Grid, mp orb.MultiPolygon) []cellWeight {
	b := mp.Bound()
	x0, x1 := overlapRange(grid.Xs, grid, b.Min[0], b.Max[0], true)
	y0, y1 := overlapRange(grid.Ys, grid, b.Min[1], b.Max[1], false)

	var cells []cellWeight
	for yi := y0; yi < y1; yi++ {
		for xi := x0; xi < x1; xi++ {
			cb := grid.CellBound(xi, yi)
			clipped := clip.Geometry(cb, mp.Clone())
			if clipped == nil {
				continue
			}
			if a := planar.Area(clipped); a > 0 {
				cells = append(cells, cellWeight{idx: yi*grid.Width() + xi, weight: a})
			}
		}
	}
	return cells
}

// overlapRange returns the half-open cell index range whose bounds can
// overlap [lo, hi] along one axis.
func overlapRange(centers []float64, grid raster.Grid, lo, hi float64, xAxis bool) (int, int) {
	start, end := 0, len(centers)
	for start < end {
		_, upper := edge(grid, start, xAxis)
		if upper >= lo {
			break
		}
		start++
	}
	for end > start {
		lower, _ := edge(grid, end-1, xAxis)
		if lower <= hi {
			break
		}
		end--
	}
	return start, end
}

func edge(grid raster.Grid, i int, xAxis bool) (float64, float64) {
	if xAxis {
		b := grid.CellBound(i, 0)
		return b.Min[0], b.Max[0]
	}
	b := grid.CellBound(0, i)
	return b.Min[1], b.Max[1]
}

// reduceCells applies the weighted zonal statistic over a polygon's
// intersecting cells, skipping no-data.
func reduceCells(plane []float64, cells []cellWeight, method string) float64 {
	var (
		weighted    float64
		totalWeight float64
		best        = math.NaN()
	)
	for _, c := range cells {
		v := plane[c.idx]
		if math.IsNaN(v) {
			continue
		}
		switch method {
		case AggMax:
			if math.IsNaN(best) || v > best {
				best = v
			}
		case AggMin:
			if math.IsNaN(best) || v < best {
				best = v
			}
		default:
			weighted += v * c.weight
			totalWeight += c.weight
		}
	}
	if method == AggMean {
		if totalWeight == 0 {
			return math.NaN()
		}
		return weighted / totalWeight
	}
	return best
}
