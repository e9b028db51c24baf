package postgres

import (
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFeatureQuery(t *testing.T) {
	t.Run("category only", func(t *testing.T) {
		query, args := buildFeatureQuery(FeatureQuery{Category: "infrastructure"})

		assert.Empty(t, args)
		assert.Contains(t, query, "FROM osm.infrastructure_point")
		assert.Contains(t, query, "FROM osm.infrastructure_line")
		assert.Contains(t, query, "FROM osm.infrastructure_polygon")
		assert.Contains(t, query, "ST_AsText(ST_Transform(geom, 4326))")
		assert.NotContains(t, query, "WHERE")
		assert.Equal(t, 2, strings.Count(query, "UNION ALL"))

		// The tag bag rides along from every branch.
		assert.Equal(t, 3, strings.Count(query, "SELECT osm_id, osm_subtype, tags,"))
	})

	t.Run("subtype filter", func(t *testing.T) {
		query, args := buildFeatureQuery(FeatureQuery{Category: "power", Subtype: "substation"})

		assert.Equal(t, []any{"substation"}, args)
		assert.Equal(t, 3, strings.Count(query, "osm_subtype = $1"))
	})

	t.Run("bbox filter", func(t *testing.T) {
		bbox := &orb.Bound{Min: orb.Point{-98, 30}, Max: orb.Point{-97, 31}}
		query, args := buildFeatureQuery(FeatureQuery{Category: "transport", BBox: bbox})

		assert.Equal(t, []any{-98.0, 30.0, -97.0, 31.0}, args)
		assert.Equal(t, 3, strings.Count(query, "ST_MakeEnvelope($1, $2, $3, $4, 4326)"))
	})

	t.Run("subtype and bbox share parameter numbering", func(t *testing.T) {
		bbox := &orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}
		query, args := buildFeatureQuery(FeatureQuery{Category: "water", Subtype: "dam", BBox: bbox})

		require.Len(t, args, 5)
		assert.Equal(t, "dam", args[0])
		assert.Contains(t, query, "osm_subtype = $1 AND ST_Intersects")
		assert.Contains(t, query, "ST_MakeEnvelope($2, $3, $4, $5, 4326)")
	})
}

func TestNewFeatureStoreValidation(t *testing.T) {
	_, err := NewFeatureStore(nil, FeatureQuery{Category: "bad; DROP TABLE"})
	assert.Error(t, err)

	_, err = NewFeatureStore(nil, FeatureQuery{Category: "Infrastructure"})
	assert.Error(t, err, "uppercase identifiers are rejected")

	_, err = NewFeatureStore(nil, FeatureQuery{Category: "infrastructure"})
	assert.NoError(t, err)
}

func TestNewLoaderValidation(t *testing.T) {
	t.Run("variable must be an identifier", func(t *testing.T) {
		_, err := NewLoader(nil, LoaderConfig{Variable: "tasmax; --", BatchSize: 100})
		assert.Error(t, err)
	})

	t.Run("batch size must be positive", func(t *testing.T) {
		_, err := NewLoader(nil, LoaderConfig{Variable: "tasmax"})
		assert.Error(t, err)
	})

	t.Run("valid config", func(t *testing.T) {
		l, err := NewLoader(nil, LoaderConfig{Variable: "tasmax", BatchSize: 100})
		require.NoError(t, err)
		assert.Equal(t, "climate.exposure_tasmax", l.table())
	})
}

func TestMergeSQL(t *testing.T) {
	l, err := NewLoader(nil, LoaderConfig{Variable: "pr", BatchSize: 10})
	require.NoError(t, err)

	sql := l.mergeSQL()

	assert.Contains(t, sql, "INSERT INTO climate.exposure_pr")
	assert.Contains(t, sql, "FROM exposure_stage")
	assert.Contains(t, sql, "ON CONFLICT (osm_id, month, start_year, end_year, ssp, return_period)")
	assert.Contains(t, sql, "DO UPDATE SET")

	// Every non-key column is refreshed on conflict; key columns are not.
	for _, col := range exposureColumns[6:] {
		assert.Contains(t, sql, col+" = EXCLUDED."+col)
	}
	assert.NotContains(t, sql, "osm_id = EXCLUDED.osm_id")
	assert.NotContains(t, sql, "DO NOTHING")
}
