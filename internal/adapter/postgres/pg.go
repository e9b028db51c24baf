// Package postgres talks to the PostGIS database: it reads
// infrastructure features from the OSM schema and stages exposure
// records into the climate schema with bulk copy plus a single merge.
package postgres

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
)

// identPattern guards table-name fragments that are interpolated into
// SQL (category and climate variable come from configuration, not from
// untrusted input, but they still must be plain identifiers).
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q is not a valid identifier", domain.ErrSchemaMismatch, name)
	}
	return nil
}

// Connect opens a pgx pool and verifies connectivity with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse database url: %v", domain.ErrSourceUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping database: %v", domain.ErrSourceUnavailable, err)
	}
	return pool, nil
}
