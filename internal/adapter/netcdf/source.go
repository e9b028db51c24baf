// Package netcdf opens a climate projection store in NetCDF format and
// exposes it as a lazily-sliced raster.Cube.
//
// Expected layout: coordinate variables "lon" and "lat"; a period axis
// described by "month", "start_year", and "end_year" coordinate
// variables; an ensemble "member" axis; optionally a "return_period"
// axis as the outermost dimension. The data variable is
// (period, member, lat, lon) or (return_period, period, member, lat, lon).
package netcdf

import (
	"fmt"
	"math"
	"sort"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
	"github.com/couchcryptid/climate-exposure-etl/internal/raster"
)

const (
	xDim  = "lon"
	yDim  = "lat"
	rpDim = "return_period"
)

// Options selects what to open.
type Options struct {
	URI      string
	Variable string
	CRS      string

	// ReturnPeriod selects one plane of the return-period axis, in years.
	// Required when the dataset carries that axis, ignored otherwise.
	ReturnPeriod int
}

// Open opens the store and validates its schema. The returned cube loads
// value planes on demand; Close releases the underlying file handle.
// Fails with domain.ErrSourceUnavailable when the URI cannot be opened
// and domain.ErrSchemaMismatch when dimensions, coordinates, or the
// variable are absent.
func Open(opts Options) (raster.Cube, error) {
	nc, err := netcdf.Open(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrSourceUnavailable, opts.URI, err)
	}

	c, err := buildCube(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func buildCube(nc api.Group, opts Options) (*cube, error) {
	xs, err := coordValues(nc, xDim)
	if err != nil {
		return nil, err
	}
	ys, err := coordValues(nc, yDim)
	if err != nil {
		return nil, err
	}

	// Normalize 0..360 longitude to -180..180 (the feature store's
	// convention) and force both axes ascending, remembering the column
	// and row permutations for slice reads.
	xs, xPerm := normalizeLongitude(xs)
	ys, yPerm := sortAxis(ys)

	periods, err := periodKeys(nc)
	if err != nil {
		return nil, err
	}

	vg, err := nc.GetVarGetter(opts.Variable)
	if err != nil {
		return nil, fmt.Errorf("%w: variable %q not found", domain.ErrSchemaMismatch, opts.Variable)
	}

	dims := vg.Dimensions()
	rpIndex := -1
	switch {
	case len(dims) == 5 && dims[0] == rpDim:
		rps, err := intCoordValues(nc, rpDim)
		if err != nil {
			return nil, err
		}
		rpIndex = indexOf(rps, opts.ReturnPeriod)
		if rpIndex < 0 {
			return nil, fmt.Errorf("%w: return period %d not in dataset %v",
				domain.ErrSchemaMismatch, opts.ReturnPeriod, rps)
		}
		for i := range periods {
			periods[i].ReturnPeriod = opts.ReturnPeriod
		}
	case len(dims) == 4:
		// (period, member, lat, lon)
	default:
		return nil, fmt.Errorf("%w: variable %q has dimensions %v, want (period, member, lat, lon) or (return_period, ...)",
			domain.ErrSchemaMismatch, opts.Variable, dims)
	}
	if dims[len(dims)-1] != xDim || dims[len(dims)-2] != yDim {
		return nil, fmt.Errorf("%w: variable %q innermost dimensions are %v, want (%s, %s)",
			domain.ErrSchemaMismatch, opts.Variable, dims[len(dims)-2:], yDim, xDim)
	}

	memberCount, err := memberCountFromDims(nc, dims)
	if err != nil {
		return nil, err
	}

	return &cube{
		nc:      nc,
		vg:      vg,
		grid:    raster.Grid{Xs: xs, Ys: ys},
		periods: periods,
		members: memberNames(nc, memberCount),
		xPerm:   xPerm,
		yPerm:   yPerm,
		rpIndex: rpIndex,
		fill:    fillValue(vg),
		meta: raster.Meta{
			Variable:  opts.Variable,
			Units:     stringAttr(vg.Attributes(), "units"),
			CRS:       opts.CRS,
			SourceURI: opts.URI,
		},
	}, nil
}

type cube struct {
	nc      api.Group
	vg      api.VarGetter
	grid    raster.Grid
	periods []domain.PeriodKey
	members []string
	xPerm   []int
	yPerm   []int
	rpIndex int // -1 when the dataset has no return-period axis
	fill    float64

	// rpPlane caches the selected return-period plane; only one plane is
	// ever read from a 5-D store.
	rpPlane [][][][]float64

	meta raster.Meta
}

func (c *cube) Grid() raster.Grid           { return c.grid }
func (c *cube) Periods() []domain.PeriodKey { return c.periods }
func (c *cube) Members() []string           { return c.members }
func (c *cube) Meta() raster.Meta           { return c.meta }
func (c *cube) Close() error                { c.nc.Close(); return nil }

func (c *cube) Slice(period, member int) ([]float64, error) {
	if period < 0 || period >= len(c.periods) {
		return nil, fmt.Errorf("period index %d out of range", period)
	}
	if member < 0 || member >= len(c.members) {
		return nil, fmt.Errorf("member index %d out of range", member)
	}

	var plane [][]float64
	if c.rpIndex >= 0 {
		if c.rpPlane == nil {
			raw, err := c.vg.GetSlice(int64(c.rpIndex), int64(c.rpIndex)+1)
			if err != nil {
				return nil, fmt.Errorf("read return-period plane: %w", err)
			}
			p5, err := toFloat5(raw)
			if err != nil {
				return nil, err
			}
			c.rpPlane = p5[0]
		}
		plane = c.rpPlane[period][member]
	} else {
		raw, err := c.vg.GetSlice(int64(period), int64(period)+1)
		if err != nil {
			return nil, fmt.Errorf("read period %s: %w", c.periods[period], err)
		}
		p4, err := toFloat4(raw)
		if err != nil {
			return nil, err
		}
		plane = p4[0][member]
	}

	w, h := c.grid.Width(), c.grid.Height()
	out := make([]float64, w*h)
	for yi := 0; yi < h; yi++ {
		srcRow := plane[c.yPerm[yi]]
		for xi := 0; xi < w; xi++ {
			v := srcRow[c.xPerm[xi]]
			if v == c.fill {
				v = math.NaN()
			}
			out[yi*w+xi] = v
		}
	}
	return out, nil
}

// --- coordinate and attribute helpers ---

func coordValues(nc api.Group, name string) ([]float64, error) {
	vg, err := nc.GetVarGetter(name)
	if err != nil {
		return nil, fmt.Errorf("%w: coordinate %q not found", domain.ErrSchemaMismatch, name)
	}
	v, err := vg.Values()
	if err != nil {
		return nil, fmt.Errorf("%w: read coordinate %q: %v", domain.ErrSchemaMismatch, name, err)
	}
	return toFloat1(v)
}

func intCoordValues(nc api.Group, name string) ([]int, error) {
	vals, err := coordValues(nc, name)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v)
	}
	return out, nil
}

// periodKeys assembles the period axis from its coordinate variables.
// Datasets without start_year/end_year use "decade" (legacy shape) with
// the span derived as decade..decade+9.
func periodKeys(nc api.Group) ([]domain.PeriodKey, error) {
	months, err := intCoordValues(nc, "month")
	if err != nil {
		return nil, err
	}

	startYears, errS := intCoordValues(nc, "start_year")
	endYears, errE := intCoordValues(nc, "end_year")
	if errS != nil || errE != nil {
		decades, errD := intCoordValues(nc, "decade")
		if errD != nil {
			return nil, fmt.Errorf("%w: no period coordinates (start_year/end_year or decade)", domain.ErrSchemaMismatch)
		}
		startYears = decades
		endYears = make([]int, len(decades))
		for i, d := range decades {
			endYears[i] = d + 9
		}
	}

	if len(startYears) != len(months) || len(endYears) != len(months) {
		return nil, fmt.Errorf("%w: period coordinate lengths disagree (month=%d start_year=%d end_year=%d)",
			domain.ErrSchemaMismatch, len(months), len(startYears), len(endYears))
	}

	keys := make([]domain.PeriodKey, len(months))
	for i := range months {
		keys[i] = domain.PeriodKey{Month: months[i], StartYear: startYears[i], EndYear: endYears[i]}
	}
	return keys, nil
}

func memberCountFromDims(nc api.Group, dims []string) (int, error) {
	memberDim := dims[len(dims)-3]
	vg, err := nc.GetVarGetter(memberDim)
	if err != nil {
		return 0, fmt.Errorf("%w: member coordinate %q not found", domain.ErrSchemaMismatch, memberDim)
	}
	return int(vg.Len()), nil
}

// memberNames reads the member coordinate when it is a string variable,
// otherwise synthesizes stable names.
func memberNames(nc api.Group, count int) []string {
	if vg, err := nc.GetVarGetter("member"); err == nil {
		if v, err := vg.Values(); err == nil {
			if names, ok := v.([]string); ok && len(names) == count {
				return names
			}
		}
	}
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("member-%02d", i+1)
	}
	return names
}

func fillValue(vg api.VarGetter) float64 {
	attrs := vg.Attributes()
	for _, key := range []string{"_FillValue", "missing_value"} {
		if v, has := attrs.Get(key); has {
			if f, err := scalarFloat(v); err == nil {
				return f
			}
		}
	}
	return math.NaN() // NaN == v is never true, so no fill substitution
}

func stringAttr(attrs api.AttributeMap, key string) string {
	if v, has := attrs.Get(key); has {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// normalizeLongitude maps 0..360 to -180..180 and returns the ascending
// axis together with the permutation into the original column order.
func normalizeLongitude(xs []float64) ([]float64, []int) {
	wrapped := make([]float64, len(xs))
	for i, x := range xs {
		wrapped[i] = math.Mod(x+180, 360) - 180
	}
	return sortAxis(wrapped)
}

func sortAxis(vals []float64) ([]float64, []int) {
	perm := make([]int, len(vals))
	for i := range perm {
		perm[i] = i
	}
	sort.Slice(perm, func(a, b int) bool { return vals[perm[a]] < vals[perm[b]] })
	sorted := make([]float64, len(vals))
	for i, p := range perm {
		sorted[i] = vals[p]
	}
	return sorted, perm
}

func indexOf(vals []int, want int) int {
	for i, v := range vals {
		if v == want {
			return i
		}
	}
	return -1
}

// --- numeric conversions (NetCDF stores float32 or float64) ---

func scalarFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int16:
		return float64(t), nil
	default:
		return 0, fmt.Errorf("unsupported scalar type %T", v)
	}
}

func toFloat1(v any) ([]float64, error) {
	switch t := v.(type) {
	case []float64:
		return t, nil
	case []float32:
		out := make([]float64, len(t))
		for i, f := range t {
			out[i] = float64(f)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(t))
		for i, f := range t {
			out[i] = float64(f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported coordinate type %T", domain.ErrSchemaMismatch, v)
	}
}

func toFloat2(v any) ([][]float64, error) {
	switch t := v.(type) {
	case [][]float64:
		return t, nil
	case [][]float32:
		out := make([][]float64, len(t))
		for i, row := range t {
			r := make([]float64, len(row))
			for j, f := range row {
				r[j] = float64(f)
			}
			out[i] = r
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", domain.ErrSchemaMismatch, v)
	}
}

func toFloat3(v any) ([][][]float64, error) {
	switch t := v.(type) {
	case [][][]float64:
		return t, nil
	case [][][]float32:
		out := make([][][]float64, len(t))
		for i, p := range t {
			c, err := toFloat2(p)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", domain.ErrSchemaMismatch, v)
	}
}

func toFloat4(v any) ([][][][]float64, error) {
	switch t := v.(type) {
	case [][][][]float64:
		return t, nil
	case [][][][]float32:
		out := make([][][][]float64, len(t))
		for i, p := range t {
			c, err := toFloat3(p)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", domain.ErrSchemaMismatch, v)
	}
}

func toFloat5(v any) ([][][][][]float64, error) {
	switch t := v.(type) {
	case [][][][][]float64:
		return t, nil
	case [][][][][]float32:
		out := make([][][][][]float64, len(t))
		for i, p := range t {
			c, err := toFloat4(p)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", domain.ErrSchemaMismatch, v)
	}
}
