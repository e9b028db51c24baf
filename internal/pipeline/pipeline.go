// Package pipeline orchestrates one exposure run: read features,
// classify geometries, aggregate raster values, compose metadata, and
// load the records. A run is one-shot; the process exits when it ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
	"github.com/couchcryptid/climate-exposure-etl/internal/observability"
)

// FeatureSource reads the configured infrastructure features, returning
// the decoded features and the ids of malformed rows.
type FeatureSource interface {
	Features(ctx context.Context) ([]domain.Feature, []int64, error)
}

// Aggregator computes exposure records over the feature partitions.
type Aggregator interface {
	Run(ctx context.Context, parts domain.Partitions, ssp int) ([]domain.ExposureRecord, error)
}

// RecordLoader persists exposure records and reports how many were merged.
type RecordLoader interface {
	Load(ctx context.Context, recs []domain.ExposureRecord) (int64, error)
}

// EventSink receives run lifecycle notifications. Implementations must
// not fail the run; a nil sink disables events.
type EventSink interface {
	RunStarted(ctx context.Context)
	RunCompleted(ctx context.Context, loaded int64, excluded []int64)
	RunFailed(ctx context.Context, stage string, err error)
}

// Config carries the run parameters the pipeline itself needs.
type Config struct {
	ClassifyOpts  domain.ClassifyOptions
	RunContext    domain.RunContext
	SSP           int
	RetryAttempts int
}

// Pipeline wires the run stages together.
type Pipeline struct {
	source     FeatureSource
	aggregator Aggregator
	loader     RecordLoader
	events     EventSink
	logger     *slog.Logger
	metrics    *observability.Metrics
	cfg        Config
	clock      clockwork.Clock
	ready      atomic.Bool
	status     atomic.Value // Status
}

// Status describes run progress for the HTTP surface.
type Status struct {
	Stage         string `json:"stage"`
	FeaturesRead  int    `json:"features_read"`
	RecordsLoaded int64  `json:"records_loaded"`
}

// New creates a Pipeline with the given stages and observability. A nil
// events sink is valid and disables run events.
func New(source FeatureSource, aggregator Aggregator, loader RecordLoader, events EventSink, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Pipeline {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	return &Pipeline{
		source:     source,
		aggregator: aggregator,
		loader:     loader,
		events:     events,
		logger:     logger,
		metrics:    metrics,
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
	}
}

// WithClock swaps the backoff timer source. Tests use a fake clock to
// exercise the retry schedule without sleeping.
func (p *Pipeline) WithClock(c clockwork.Clock) *Pipeline {
	p.clock = c
	return p
}

// CheckReadiness returns nil once the run has read its features, or an
// error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("run has not read its features yet")
	}
	return nil
}

// Status returns the current run progress.
func (p *Pipeline) Status() Status {
	if s, ok := p.status.Load().(Status); ok {
		return s
	}
	return Status{Stage: "pending"}
}

func (p *Pipeline) setStage(stage string, mutate func(*Status)) {
	s := p.Status()
	s.Stage = stage
	if mutate != nil {
		mutate(&s)
	}
	p.status.Store(s)
}

// Run executes one complete exposure run and returns how many records
// were merged. Errors identify the failing stage.
func (p *Pipeline) Run(ctx context.Context) (int64, error) {
	p.metrics.RunActive.Set(1)
	defer p.metrics.RunActive.Set(0)
	if p.events != nil {
		p.events.RunStarted(ctx)
	}

	loaded, excluded, err := p.run(ctx)
	if err != nil {
		return loaded, err
	}
	if p.events != nil {
		p.events.RunCompleted(ctx, loaded, excluded)
	}
	return loaded, nil
}

func (p *Pipeline) run(ctx context.Context) (int64, []int64, error) {
	p.setStage("read_features", nil)
	features, malformed, err := p.readFeatures(ctx)
	if err != nil {
		return 0, nil, p.fail(ctx, "read_features", err)
	}
	p.ready.Store(true)
	p.setStage("classify", func(s *Status) { s.FeaturesRead = len(features) })
	p.metrics.FeaturesRead.Add(float64(len(features)))
	if len(malformed) > 0 {
		p.metrics.FeaturesExcluded.WithLabelValues("malformed").Add(float64(len(malformed)))
		p.logger.Warn("excluding features with malformed geometry",
			"count", len(malformed), "osm_ids", malformed)
	}

	// The geometry layers share one id space, so a feature can come back
	// from more than one table. One record per (feature, period) key is
	// required for the staged merge to apply cleanly.
	features, duplicates := domain.DedupeFeatures(features)
	if len(duplicates) > 0 {
		p.metrics.FeaturesExcluded.WithLabelValues("duplicate").Add(float64(len(duplicates)))
		p.logger.Warn("excluding duplicate feature ids",
			"count", len(duplicates), "osm_ids", duplicates)
	}
	if len(features) == 0 {
		p.logger.Info("no features matched the query, nothing to do")
		return 0, append(malformed, duplicates...), nil
	}

	parts := domain.Classify(features, p.cfg.ClassifyOpts)
	if len(parts.Excluded) > 0 {
		p.metrics.FeaturesExcluded.WithLabelValues("unsupported").Add(float64(len(parts.Excluded)))
		p.logger.Warn("excluding features with empty or unsupported geometry",
			"count", len(parts.Excluded), "osm_ids", parts.Excluded)
	}
	p.metrics.PartitionFeatures.WithLabelValues("point").Set(float64(len(parts.Points)))
	p.metrics.PartitionFeatures.WithLabelValues("line").Set(float64(len(parts.Lines)))
	p.metrics.PartitionFeatures.WithLabelValues("polygon").Set(float64(len(parts.Polygons)))
	p.logger.Info("classified features",
		"points", len(parts.Points), "lines", len(parts.Lines),
		"polygons", len(parts.Polygons), "excluded", len(parts.Excluded))

	p.setStage("aggregate", nil)
	records, err := p.aggregator.Run(ctx, parts, p.cfg.SSP)
	if err != nil {
		return 0, nil, p.fail(ctx, "aggregate", err)
	}
	p.logger.Info("aggregated exposure records", "records", len(records))

	records, err = domain.ComposeMetadata(records, p.cfg.RunContext)
	if err != nil {
		return 0, nil, p.fail(ctx, "compose_metadata", err)
	}

	p.setStage("load", nil)
	start := time.Now()
	loaded, err := p.loader.Load(ctx, records)
	p.metrics.RecordsLoaded.Add(float64(loaded))
	p.setStage("load", func(s *Status) { s.RecordsLoaded = loaded })
	if err != nil {
		return loaded, nil, p.fail(ctx, "load", err)
	}
	p.metrics.LoadDuration.Observe(time.Since(start).Seconds())
	p.setStage("done", nil)
	p.logger.Info("run complete", "records_loaded", loaded)

	excluded := append(append([]int64(nil), malformed...), duplicates...)
	excluded = append(excluded, parts.Excluded...)
	return loaded, excluded, nil
}

// readFeatures retries transient query failures with exponential
// backoff, 200ms doubling to a 5s cap, for a bounded number of
// attempts. Schema and availability errors are never retried.
func (p *Pipeline) readFeatures(ctx context.Context) ([]domain.Feature, []int64, error) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	var lastErr error
	for attempt := 1; attempt <= p.cfg.RetryAttempts; attempt++ {
		features, malformed, err := p.source.Features(ctx)
		if err == nil {
			return features, malformed, nil
		}
		if !errors.Is(err, domain.ErrQuery) {
			return nil, nil, err
		}
		lastErr = err
		if attempt == p.cfg.RetryAttempts {
			break
		}
		p.metrics.QueryRetries.Inc()
		p.logger.Warn("feature query failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)
		if !p.sleep(ctx, backoff) {
			return nil, nil, ctx.Err()
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
	return nil, nil, fmt.Errorf("feature query failed after %d attempts: %w", p.cfg.RetryAttempts, lastErr)
}

func (p *Pipeline) fail(ctx context.Context, stage string, err error) error {
	p.logger.Error("run failed", "stage", stage, "error", err)
	if p.events != nil {
		p.events.RunFailed(ctx, stage, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.clock.After(d):
		return true
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
