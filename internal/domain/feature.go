package domain

import (
	"github.com/paulmach/orb"
)

// Tags is the schemaless property bag attached to a feature. Tag
// vocabularies vary by asset category, so values pass through the
// pipeline unparsed and land in the output metadata as-is.
type Tags map[string]any

// Feature is a vector infrastructure asset read from the feature store.
// The identifier uniquely determines the geometry for the duration of a
// run; the engine never mutates the store.
type Feature struct {
	ID       int64
	Geometry orb.Geometry
	Category string
	Subtype  string
	Tags     Tags
}

// GeometryKind is the closed set of effective geometry kinds after
// classification. Each kind is processed by exactly one extraction
// strategy.
type GeometryKind int

const (
	KindPoint GeometryKind = iota
	KindLine
	KindPolygon
)

func (k GeometryKind) String() string {
	switch k {
	case KindPoint:
		return "point"
	case KindLine:
		return "line"
	case KindPolygon:
		return "polygon"
	default:
		return "unknown"
	}
}

// PointFeature is a member of the Point partition: either a native point
// feature or a small polygon demoted to its centroid.
type PointFeature struct {
	ID    int64
	Point orb.Point
	Tags  Tags

	// Simplified marks polygon-to-point demotion; OriginalAreaKm2 keeps
	// the pre-demotion geodesic area for the output metadata.
	Simplified      bool
	OriginalAreaKm2 float64
}

// LineFeature is a member of the Line partition: the original line
// reduced to a sequence of sample points, all inheriting the parent id.
type LineFeature struct {
	ID      int64
	Samples []orb.Point
	Tags    Tags
}

// PolygonFeature is a member of the Polygon partition. MultiPolygons and
// single Polygons are normalized to MultiPolygon.
type PolygonFeature struct {
	ID      int64
	Polygon orb.MultiPolygon
	AreaKm2 float64
	Tags    Tags
}

// Partitions is the working set after classification. Every input
// feature lands in exactly one partition or in Excluded.
type Partitions struct {
	Points   []PointFeature
	Lines    []LineFeature
	Polygons []PolygonFeature

	// Excluded lists ids of features whose geometry was empty, malformed,
	// or of an unsupported kind. Excluded features produce a warning, not
	// a run failure.
	Excluded []int64
}

// Size returns the total number of partitioned features.
func (p Partitions) Size() int {
	return len(p.Points) + len(p.Lines) + len(p.Polygons)
}

// DedupeFeatures drops repeated feature ids so the output key space has
// at most one record per (feature, period). The node and way id spaces
// overlap numerically, and a closed way can appear in both the line and
// polygon layers; the copy with the highest geometry dimension wins.
// Returns the survivors in first-seen order plus the ids of dropped rows.
func DedupeFeatures(features []Feature) ([]Feature, []int64) {
	seen := make(map[int64]int, len(features))
	out := make([]Feature, 0, len(features))
	var dropped []int64
	for _, f := range features {
		i, ok := seen[f.ID]
		if !ok {
			seen[f.ID] = len(out)
			out = append(out, f)
			continue
		}
		dropped = append(dropped, f.ID)
		if geometryDimension(f.Geometry) > geometryDimension(out[i].Geometry) {
			out[i] = f
		}
	}
	return out, dropped
}

func geometryDimension(g orb.Geometry) int {
	if g == nil {
		return -1
	}
	return g.Dimensions()
}
