// Package domain models the climate exposure calculation: vector
// infrastructure features, geometry partitions, period keys, ensemble
// statistics, and exposure records.
//
// # Data flow
//
// Features come from a PgOSM Flex schema (osm.*) populated by the external
// OSM import tool. Each feature carries an osm_id, a geometry, and a
// schemaless tag bag. The classifier partitions features by effective
// geometry kind:
//
//	Point:   point features plus polygons demoted below the area threshold
//	Line:    linestrings resampled into point sequences
//	Polygon: polygons at or above the area threshold
//
// Small polygons are demoted to their centroid. A polygon smaller than a
// raster cell rarely spans more than one cell, so a single point sample
// loses little relative to full zonal statistics.
//
// # Period keys
//
// The period axis is the unified multi-period shape
// (month, start_year, end_year, return_period). The legacy decade/month
// datasets are the degenerate case start_year = decade,
// end_year = decade+9, return_period = 0.
//
// # Scenarios
//
// SSP identifiers are stored as integers ("ssp245" → 245). The historical
// baseline uses the sentinel -999 so it sorts apart from every projection.
//
// # Ensemble statistics
//
// For each (feature, period) pair the value series across ensemble members
// reduces to mean, median, stddev, min, max, q1, q3. Quantiles use linear
// interpolation. Values are rounded to two decimals before load. A series
// with no valid (non-NaN) samples produces no record at all, never a NaN
// row.
package domain
