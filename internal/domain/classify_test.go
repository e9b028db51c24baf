package domain

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squareAround builds a closed square of the given side length in
// degrees centered on (lon, lat). At the equator 0.01 degrees is about
// 1.1 km, so side=0.01 gives roughly 1.2 km².
func squareAround(lon, lat, side float64) orb.Polygon {
	h := side / 2
	return orb.Polygon{orb.Ring{
		{lon - h, lat - h}, {lon + h, lat - h},
		{lon + h, lat + h}, {lon - h, lat + h},
		{lon - h, lat - h},
	}}
}

func TestClassify(t *testing.T) {
	opts := ClassifyOptions{AreaThresholdKm2: 20, SimplifyTolerance: 0.0001}

	t.Run("point passes through", func(t *testing.T) {
		parts := Classify([]Feature{{ID: 1, Geometry: orb.Point{10, 50}}}, opts)

		require.Len(t, parts.Points, 1)
		assert.Equal(t, int64(1), parts.Points[0].ID)
		assert.Equal(t, orb.Point{10, 50}, parts.Points[0].Point)
		assert.False(t, parts.Points[0].Simplified)
	})

	t.Run("small polygon demoted to centroid", func(t *testing.T) {
		poly := squareAround(10, 0, 0.01)
		parts := Classify([]Feature{{ID: 2, Geometry: poly}}, opts)

		require.Len(t, parts.Points, 1)
		require.Empty(t, parts.Polygons)
		pt := parts.Points[0]
		assert.True(t, pt.Simplified)
		assert.InDelta(t, 10, pt.Point[0], 1e-9)
		assert.InDelta(t, 0, pt.Point[1], 1e-9)
		assert.Greater(t, pt.OriginalAreaKm2, 0.0)
		assert.Less(t, pt.OriginalAreaKm2, 20.0)
	})

	t.Run("large polygon stays a polygon", func(t *testing.T) {
		poly := squareAround(10, 0, 1) // ~12000 km²
		parts := Classify([]Feature{{ID: 3, Geometry: poly}}, opts)

		require.Len(t, parts.Polygons, 1)
		require.Empty(t, parts.Points)
		assert.Equal(t, int64(3), parts.Polygons[0].ID)
		assert.Greater(t, parts.Polygons[0].AreaKm2, 20.0)
	})

	t.Run("zero threshold disables demotion", func(t *testing.T) {
		poly := squareAround(10, 0, 0.01)
		parts := Classify([]Feature{{ID: 4, Geometry: poly}}, ClassifyOptions{})

		assert.Len(t, parts.Polygons, 1)
		assert.Empty(t, parts.Points)
	})

	t.Run("line becomes vertex samples", func(t *testing.T) {
		line := orb.LineString{{0, 0}, {1, 0}, {2, 0.5}}
		parts := Classify([]Feature{{ID: 5, Geometry: line}}, opts)

		require.Len(t, parts.Lines, 1)
		assert.Equal(t, int64(5), parts.Lines[0].ID)
		assert.Len(t, parts.Lines[0].Samples, 3)
	})

	t.Run("collinear vertices simplified away", func(t *testing.T) {
		line := orb.LineString{{0, 0}, {1, 0}, {2, 0}, {3, 0}}
		parts := Classify([]Feature{{ID: 6, Geometry: line}}, opts)

		require.Len(t, parts.Lines, 1)
		assert.Len(t, parts.Lines[0].Samples, 2)
	})

	t.Run("multilinestring flattens under one id", func(t *testing.T) {
		ml := orb.MultiLineString{
			{{0, 0}, {1, 0}},
			{{5, 5}, {6, 6}},
		}
		parts := Classify([]Feature{{ID: 7, Geometry: ml}}, opts)

		require.Len(t, parts.Lines, 1)
		assert.Equal(t, int64(7), parts.Lines[0].ID)
		assert.Len(t, parts.Lines[0].Samples, 4)
	})

	t.Run("nil geometry excluded", func(t *testing.T) {
		parts := Classify([]Feature{{ID: 8}}, opts)
		assert.Equal(t, []int64{8}, parts.Excluded)
	})

	t.Run("empty linestring excluded", func(t *testing.T) {
		parts := Classify([]Feature{{ID: 9, Geometry: orb.LineString{}}}, opts)
		assert.Equal(t, []int64{9}, parts.Excluded)
	})

	t.Run("degenerate polygon excluded", func(t *testing.T) {
		poly := orb.Polygon{orb.Ring{{0, 0}, {0, 0}, {0, 0}, {0, 0}}}
		parts := Classify([]Feature{{ID: 10, Geometry: poly}}, opts)
		assert.Equal(t, []int64{10}, parts.Excluded)
	})

	t.Run("tags follow the feature into its partition", func(t *testing.T) {
		tags := Tags{"power": "substation", "voltage": "138000"}
		features := []Feature{
			{ID: 1, Geometry: orb.Point{0, 0}, Tags: tags},
			{ID: 2, Geometry: orb.LineString{{0, 0}, {1, 1}}, Tags: tags},
			{ID: 3, Geometry: squareAround(0, 0, 1), Tags: tags},
			{ID: 4, Geometry: squareAround(10, 0, 0.01), Tags: tags},
		}
		parts := Classify(features, opts)

		require.Len(t, parts.Points, 2, "native point plus demoted polygon")
		assert.Equal(t, tags, parts.Points[0].Tags)
		assert.Equal(t, tags, parts.Points[1].Tags)
		require.Len(t, parts.Lines, 1)
		assert.Equal(t, tags, parts.Lines[0].Tags)
		require.Len(t, parts.Polygons, 1)
		assert.Equal(t, tags, parts.Polygons[0].Tags)
	})

	t.Run("every feature lands in exactly one partition", func(t *testing.T) {
		features := []Feature{
			{ID: 1, Geometry: orb.Point{0, 0}},
			{ID: 2, Geometry: orb.LineString{{0, 0}, {1, 1}}},
			{ID: 3, Geometry: squareAround(0, 0, 1)},
			{ID: 4},
		}
		parts := Classify(features, opts)
		assert.Equal(t, len(features), parts.Size()+len(parts.Excluded))
	})
}
