package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
)

// exposureColumns is the column order shared by the staging copy, the
// merge statement, and the target table DDL.
var exposureColumns = []string{
	"osm_id", "month", "start_year", "end_year", "ssp", "return_period",
	"mean", "median", "stddev", "min", "max", "q1", "q3", "metadata",
}

// LoaderConfig tunes the staged load.
type LoaderConfig struct {
	// Variable names the target relation climate.exposure_<Variable>.
	Variable string

	// BatchSize bounds how many records go through one transaction.
	BatchSize int

	// StatementTimeout is applied per transaction so a wedged merge
	// fails instead of hanging the run. Zero disables it.
	StatementTimeout time.Duration

	// Observe, when set, receives the size of each committed batch.
	Observe func(batch int)
}

// Loader persists exposure records. Each batch is staged into a temp
// table with COPY and merged into the target with one INSERT ... ON
// CONFLICT DO UPDATE, so re-running a period refreshes existing rows
// instead of duplicating or skipping them.
type Loader struct {
	pool *pgxpool.Pool
	cfg  LoaderConfig
}

func NewLoader(pool *pgxpool.Pool, cfg LoaderConfig) (*Loader, error) {
	if err := checkIdent(cfg.Variable); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	return &Loader{pool: pool, cfg: cfg}, nil
}

func (l *Loader) table() string { return "climate.exposure_" + l.cfg.Variable }

// EnsureTable creates the climate schema and the target relation when
// absent. The primary key doubles as the merge conflict target.
func (l *Loader) EnsureTable(ctx context.Context) error {
	ddl := []string{
		`CREATE SCHEMA IF NOT EXISTS climate`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			osm_id        BIGINT   NOT NULL,
			month         SMALLINT NOT NULL,
			start_year    INTEGER  NOT NULL,
			end_year      INTEGER  NOT NULL,
			ssp           INTEGER  NOT NULL,
			return_period INTEGER  NOT NULL,
			mean          DOUBLE PRECISION NOT NULL,
			median        DOUBLE PRECISION NOT NULL,
			stddev        DOUBLE PRECISION NOT NULL,
			min           DOUBLE PRECISION NOT NULL,
			max           DOUBLE PRECISION NOT NULL,
			q1            DOUBLE PRECISION NOT NULL,
			q3            DOUBLE PRECISION NOT NULL,
			metadata      JSONB,
			PRIMARY KEY (osm_id, month, start_year, end_year, ssp, return_period)
		)`, l.table()),
	}
	for _, stmt := range ddl {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: ensure %s: %v", domain.ErrLoad, l.table(), err)
		}
	}
	return nil
}

// Load writes all records in batches and returns how many rows were
// merged. A failing batch aborts the run; records from earlier batches
// stay committed, and the error names the batch's key range so the
// operator can see what was in flight.
func (l *Loader) Load(ctx context.Context, recs []domain.ExposureRecord) (int64, error) {
	var loaded int64
	for start := 0; start < len(recs); start += l.cfg.BatchSize {
		end := start + l.cfg.BatchSize
		if end > len(recs) {
			end = len(recs)
		}
		batch := recs[start:end]
		if err := l.loadBatch(ctx, batch); err != nil {
			first, last := batch[0], batch[len(batch)-1]
			return loaded, fmt.Errorf("%w: batch %d..%d (osm_id %d %s .. osm_id %d %s): %v",
				domain.ErrLoad, start, end-1,
				first.FeatureID, first.Period, last.FeatureID, last.Period, err)
		}
		loaded += int64(len(batch))
		if l.cfg.Observe != nil {
			l.cfg.Observe(len(batch))
		}
	}
	return loaded, nil
}

func (l *Loader) loadBatch(ctx context.Context, batch []domain.ExposureRecord) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if l.cfg.StatementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", l.cfg.StatementTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set statement timeout: %w", err)
		}
	}

	stage := fmt.Sprintf("CREATE TEMP TABLE exposure_stage (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP", l.table())
	if _, err := tx.Exec(ctx, stage); err != nil {
		return fmt.Errorf("create staging table: %w", err)
	}

	rows := make([][]any, len(batch))
	for i, rec := range batch {
		rows[i] = []any{
			rec.FeatureID,
			rec.Period.Month, rec.Period.StartYear, rec.Period.EndYear,
			rec.SSP, rec.Period.ReturnPeriod,
			rec.Stats.Mean, rec.Stats.Median, rec.Stats.StdDev,
			rec.Stats.Min, rec.Stats.Max, rec.Stats.Q1, rec.Stats.Q3,
			rec.Metadata,
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"exposure_stage"}, exposureColumns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy into staging table: %w", err)
	}

	if _, err := tx.Exec(ctx, l.mergeSQL()); err != nil {
		return fmt.Errorf("merge into %s: %w", l.table(), err)
	}
	return tx.Commit(ctx)
}

// mergeSQL builds the single staged-to-target merge. Conflicting keys
// are updated in place so reprocessed periods converge on the latest
// run's values.
func (l *Loader) mergeSQL() string {
	cols := strings.Join(exposureColumns, ", ")
	var sets []string
	for _, c := range exposureColumns[6:] { // everything after the key columns
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	return fmt.Sprintf(`INSERT INTO %s (%s)
SELECT %s FROM exposure_stage
ON CONFLICT (osm_id, month, start_year, end_year, ssp, return_period)
DO UPDATE SET %s`,
		l.table(), cols, cols, strings.Join(sets, ", "))
}
