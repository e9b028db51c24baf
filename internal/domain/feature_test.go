package domain

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupeFeatures(t *testing.T) {
	t.Run("distinct ids pass through in order", func(t *testing.T) {
		in := []Feature{
			{ID: 1, Geometry: orb.Point{0, 0}},
			{ID: 2, Geometry: orb.LineString{{0, 0}, {1, 1}}},
		}
		out, dropped := DedupeFeatures(in)

		assert.Equal(t, in, out)
		assert.Empty(t, dropped)
	})

	t.Run("higher geometry dimension wins", func(t *testing.T) {
		// A closed way can come back from both the point and polygon layers
		// under one osm_id.
		in := []Feature{
			{ID: 42, Geometry: orb.Point{10, 50}},
			{ID: 42, Geometry: squareAround(10, 50, 1)},
		}
		out, dropped := DedupeFeatures(in)

		require.Len(t, out, 1)
		assert.IsType(t, orb.Polygon{}, out[0].Geometry)
		assert.Equal(t, []int64{42}, dropped)
	})

	t.Run("lower dimension duplicate is dropped regardless of order", func(t *testing.T) {
		in := []Feature{
			{ID: 7, Geometry: orb.LineString{{0, 0}, {1, 0}}},
			{ID: 7, Geometry: orb.Point{0, 0}},
		}
		out, dropped := DedupeFeatures(in)

		require.Len(t, out, 1)
		assert.IsType(t, orb.LineString{}, out[0].Geometry)
		assert.Equal(t, []int64{7}, dropped)
	})

	t.Run("survivor keeps first-seen position", func(t *testing.T) {
		in := []Feature{
			{ID: 1, Geometry: orb.Point{0, 0}},
			{ID: 2, Geometry: orb.Point{1, 1}},
			{ID: 1, Geometry: squareAround(0, 0, 1)},
		}
		out, dropped := DedupeFeatures(in)

		require.Len(t, out, 2)
		assert.Equal(t, int64(1), out[0].ID)
		assert.IsType(t, orb.Polygon{}, out[0].Geometry)
		assert.Equal(t, int64(2), out[1].ID)
		assert.Equal(t, []int64{1}, dropped)
	})

	t.Run("empty input", func(t *testing.T) {
		out, dropped := DedupeFeatures(nil)
		assert.Empty(t, out)
		assert.Empty(t, dropped)
	})
}
