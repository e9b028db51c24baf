package domain

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

const sqMetersPerSqKm = 1_000_000

// ClassifyOptions controls partitioning.
type ClassifyOptions struct {
	// AreaThresholdKm2 is the geodesic area (km²) below which a polygon is
	// demoted to its centroid in the Point partition.
	AreaThresholdKm2 float64

	// SimplifyTolerance is the Douglas-Peucker tolerance (in degrees)
	// applied to lines before vertex sampling. 0 disables simplification.
	SimplifyTolerance float64
}

// Classify partitions features by effective geometry kind. Every feature
// is routed to exactly one partition; features with empty or unsupported
// geometry are excluded and reported by id.
func Classify(features []Feature, opts ClassifyOptions) Partitions {
	var p Partitions
	for _, f := range features {
		if f.Geometry == nil {
			p.Excluded = append(p.Excluded, f.ID)
			continue
		}
		switch g := f.Geometry.(type) {
		case orb.Point:
			p.Points = append(p.Points, PointFeature{ID: f.ID, Point: g, Tags: f.Tags})
		case orb.MultiPoint:
			if len(g) == 0 {
				p.Excluded = append(p.Excluded, f.ID)
				continue
			}
			// A multipoint behaves like a sampled line: one representative
			// series reduced across its member points.
			p.Lines = append(p.Lines, LineFeature{ID: f.ID, Samples: []orb.Point(g.Clone()), Tags: f.Tags})
		case orb.LineString:
			p.classifyLine(f.ID, []orb.LineString{g}, f.Tags, opts.SimplifyTolerance)
		case orb.MultiLineString:
			p.classifyLine(f.ID, g, f.Tags, opts.SimplifyTolerance)
		case orb.Polygon:
			p.classifyPolygon(f.ID, orb.MultiPolygon{g}, f.Tags, opts.AreaThresholdKm2)
		case orb.MultiPolygon:
			p.classifyPolygon(f.ID, g, f.Tags, opts.AreaThresholdKm2)
		default:
			p.Excluded = append(p.Excluded, f.ID)
		}
	}
	return p
}

// classifyLine simplifies each line part and collects its vertices as
// sample points under the parent id.
func (p *Partitions) classifyLine(id int64, lines []orb.LineString, tags Tags, tolerance float64) {
	var samples []orb.Point
	for _, ls := range lines {
		if len(ls) == 0 {
			continue
		}
		if tolerance > 0 {
			s := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone())
			if out, ok := s.(orb.LineString); ok && len(out) > 0 {
				ls = out
			}
		}
		samples = append(samples, []orb.Point(ls)...)
	}
	if len(samples) == 0 {
		p.Excluded = append(p.Excluded, id)
		return
	}
	p.Lines = append(p.Lines, LineFeature{ID: id, Samples: samples, Tags: tags})
}

// classifyPolygon routes a polygon by geodesic area: below the threshold
// it is demoted to its centroid, at or above it stays a polygon.
func (p *Partitions) classifyPolygon(id int64, mp orb.MultiPolygon, tags Tags, thresholdKm2 float64) {
	areaKm2 := geo.Area(mp) / sqMetersPerSqKm
	if areaKm2 <= 0 {
		p.Excluded = append(p.Excluded, id)
		return
	}
	if thresholdKm2 > 0 && areaKm2 < thresholdKm2 {
		centroid, _ := planar.CentroidArea(mp)
		p.Points = append(p.Points, PointFeature{
			ID:              id,
			Point:           centroid,
			Tags:            tags,
			Simplified:      true,
			OriginalAreaKm2: areaKm2,
		})
		return
	}
	p.Polygons = append(p.Polygons, PolygonFeature{ID: id, Polygon: mp, AreaKm2: areaKm2, Tags: tags})
}
