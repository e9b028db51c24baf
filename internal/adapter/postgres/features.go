package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
)

// undefinedTable is the PostgreSQL error code raised when a queried
// relation does not exist, meaning the OSM schema was never loaded for
// this category.
const undefinedTable = "42P01"

// FeatureQuery selects which infrastructure features to read.
type FeatureQuery struct {
	Category string
	Subtype  string    // optional osm_subtype filter
	BBox     *orb.Bound // optional lon/lat window, nil reads everything
}

// FeatureStore reads features from the PgOSM Flex tables
// osm.<category>_point, _line, and _polygon. Geometries are transformed
// to EPSG:4326 server-side and decoded from WKT.
type FeatureStore struct {
	pool  *pgxpool.Pool
	query FeatureQuery
}

func NewFeatureStore(pool *pgxpool.Pool, q FeatureQuery) (*FeatureStore, error) {
	if err := checkIdent(q.Category); err != nil {
		return nil, err
	}
	return &FeatureStore{pool: pool, query: q}, nil
}

// Features returns the decoded features together with the ids of rows
// whose geometry could not be parsed. Malformed rows never fail the
// read; they are excluded and reported so the run can log them.
func (s *FeatureStore) Features(ctx context.Context) ([]domain.Feature, []int64, error) {
	q := s.query
	query, args := buildFeatureQuery(q)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
			return nil, nil, fmt.Errorf("%w: category %q has no osm tables: %v", domain.ErrSchemaMismatch, q.Category, err)
		}
		return nil, nil, fmt.Errorf("%w: query features: %v", domain.ErrQuery, err)
	}
	defer rows.Close()

	var (
		features  []domain.Feature
		malformed []int64
	)
	for rows.Next() {
		var (
			id       int64
			subtype  *string
			tagsJSON []byte
			geomWKT  string
		)
		if err := rows.Scan(&id, &subtype, &tagsJSON, &geomWKT); err != nil {
			return nil, nil, fmt.Errorf("%w: scan feature row: %v", domain.ErrQuery, err)
		}
		geom, err := wkt.Unmarshal(geomWKT)
		if err != nil {
			malformed = append(malformed, id)
			continue
		}
		f := domain.Feature{ID: id, Geometry: geom, Category: q.Category}
		if subtype != nil {
			f.Subtype = *subtype
		}
		if len(tagsJSON) > 0 {
			if err := json.Unmarshal(tagsJSON, &f.Tags); err != nil {
				return nil, nil, fmt.Errorf("%w: decode tags for osm_id %d: %v", domain.ErrQuery, id, err)
			}
		}
		features = append(features, f)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: iterate feature rows: %v", domain.ErrQuery, err)
	}
	return features, malformed, nil
}

// buildFeatureQuery assembles the three-table union with shared
// positional parameters. An empty result set is a valid outcome, not an
// error.
func buildFeatureQuery(q FeatureQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.Subtype != "" {
		args = append(args, q.Subtype)
		conds = append(conds, fmt.Sprintf("osm_subtype = $%d", len(args)))
	}
	if q.BBox != nil {
		b := *q.BBox
		args = append(args, b.Min[0], b.Min[1], b.Max[0], b.Max[1])
		conds = append(conds, fmt.Sprintf(
			"ST_Intersects(geom, ST_Transform(ST_MakeEnvelope($%d, $%d, $%d, $%d, 4326), 3857))",
			len(args)-3, len(args)-2, len(args)-1, len(args)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	branches := make([]string, 0, 3)
	for _, kind := range []string{"point", "line", "polygon"} {
		branches = append(branches, fmt.Sprintf(
			"SELECT osm_id, osm_subtype, tags, ST_AsText(ST_Transform(geom, 4326)) AS geom_wkt FROM osm.%s_%s%s",
			q.Category, kind, where))
	}
	return strings.Join(branches, " UNION ALL "), args
}
