package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
	"github.com/couchcryptid/climate-exposure-etl/internal/observability"
)

type fakeSource struct {
	mu        sync.Mutex
	features  []domain.Feature
	malformed []int64
	errs      []error // consumed one per call, nil slice means no errors
	calls     int
}

func (f *fakeSource) Features(_ context.Context) ([]domain.Feature, []int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, nil, err
		}
	}
	return f.features, f.malformed, nil
}

type fakeAggregator struct {
	records []domain.ExposureRecord
	err     error
	got     domain.Partitions
}

func (f *fakeAggregator) Run(_ context.Context, parts domain.Partitions, ssp int) ([]domain.ExposureRecord, error) {
	f.got = parts
	if f.err != nil {
		return nil, f.err
	}
	for i := range f.records {
		f.records[i].SSP = ssp
	}
	return f.records, f.err
}

type fakeLoader struct {
	loaded []domain.ExposureRecord
	err    error
}

func (f *fakeLoader) Load(_ context.Context, recs []domain.ExposureRecord) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.loaded = append(f.loaded, recs...)
	return int64(len(recs)), nil
}

type fakeEvents struct {
	started   int
	completed int
	failed    []string
}

func (f *fakeEvents) RunStarted(context.Context) { f.started++ }

func (f *fakeEvents) RunCompleted(_ context.Context, _ int64, _ []int64) { f.completed++ }

func (f *fakeEvents) RunFailed(_ context.Context, stage string, _ error) {
	f.failed = append(f.failed, stage)
}

func testPipeline(source FeatureSource, agg Aggregator, loader RecordLoader, events EventSink) *Pipeline {
	return New(source, agg, loader, events,
		slog.New(slog.DiscardHandler),
		observability.NewMetricsForTesting(),
		Config{SSP: 245, RetryAttempts: 3,
			ClassifyOpts: domain.ClassifyOptions{AreaThresholdKm2: 20}})
}

func TestRunHappyPath(t *testing.T) {
	source := &fakeSource{features: []domain.Feature{
		{ID: 1, Geometry: orb.Point{10, 50}, Tags: domain.Tags{"power": "plant"}},
		{ID: 2, Geometry: orb.LineString{{10, 50}, {11, 51}}},
	}}
	agg := &fakeAggregator{records: []domain.ExposureRecord{
		{FeatureID: 1, Period: domain.PeriodKey{Month: 1, StartYear: 2040, EndYear: 2049}},
	}}
	loader := &fakeLoader{}
	events := &fakeEvents{}
	p := testPipeline(source, agg, loader, events)

	loaded, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded)
	assert.Len(t, agg.got.Points, 1)
	assert.Equal(t, domain.Tags{"power": "plant"}, agg.got.Points[0].Tags)
	assert.Len(t, agg.got.Lines, 1)
	require.Len(t, loader.loaded, 1)
	assert.NotNil(t, loader.loaded[0].Metadata, "metadata composed before load")
	assert.Equal(t, 245, loader.loaded[0].SSP)
	assert.Equal(t, 1, events.started)
	assert.Equal(t, 1, events.completed)
	assert.Empty(t, events.failed)
	assert.NoError(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, "done", p.Status().Stage)
}

func TestRunEmptyFeatureSet(t *testing.T) {
	p := testPipeline(&fakeSource{}, &fakeAggregator{}, &fakeLoader{}, nil)

	loaded, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Zero(t, loaded)
}

func TestRunDuplicateFeatureIDs(t *testing.T) {
	// One osm_id coming back from two geometry tables must not reach the
	// aggregator twice; two records with one composite key would make the
	// staged merge hit the same target row twice and abort.
	square := orb.Polygon{orb.Ring{
		{-0.5, -0.5}, {0.5, -0.5}, {0.5, 0.5}, {-0.5, 0.5}, {-0.5, -0.5},
	}}
	source := &fakeSource{features: []domain.Feature{
		{ID: 42, Geometry: orb.Point{0, 0}},
		{ID: 42, Geometry: square},
		{ID: 7, Geometry: orb.Point{10, 50}},
	}}
	agg := &fakeAggregator{}
	p := testPipeline(source, agg, &fakeLoader{}, nil)

	_, err := p.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, agg.got.Size(), "id 42 appears once")
	require.Len(t, agg.got.Polygons, 1, "higher-dimension geometry kept")
	assert.Equal(t, int64(42), agg.got.Polygons[0].ID)
	require.Len(t, agg.got.Points, 1)
	assert.Equal(t, int64(7), agg.got.Points[0].ID)
}

func TestQueryRetry(t *testing.T) {
	t.Run("transient errors are retried", func(t *testing.T) {
		source := &fakeSource{
			features: []domain.Feature{{ID: 1, Geometry: orb.Point{10, 50}}},
			errs: []error{
				fmt.Errorf("%w: connection reset", domain.ErrQuery),
				fmt.Errorf("%w: connection reset", domain.ErrQuery),
				nil,
			},
		}
		p := testPipeline(source, &fakeAggregator{}, &fakeLoader{}, nil)

		clock := clockwork.NewFakeClock()
		p.WithClock(clock)

		done := make(chan error, 1)
		go func() {
			_, err := p.Run(context.Background())
			done <- err
		}()

		// First retry sleeps 200ms, second 400ms.
		clock.BlockUntil(1)
		clock.Advance(200 * time.Millisecond)
		clock.BlockUntil(1)
		clock.Advance(400 * time.Millisecond)

		require.NoError(t, <-done)
		assert.Equal(t, 3, source.calls)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		transient := fmt.Errorf("%w: timeout", domain.ErrQuery)
		source := &fakeSource{errs: []error{transient, transient, transient}}
		events := &fakeEvents{}
		p := testPipeline(source, &fakeAggregator{}, &fakeLoader{}, events)

		clock := clockwork.NewFakeClock()
		p.WithClock(clock)

		done := make(chan error, 1)
		go func() {
			_, err := p.Run(context.Background())
			done <- err
		}()

		clock.BlockUntil(1)
		clock.Advance(200 * time.Millisecond)
		clock.BlockUntil(1)
		clock.Advance(400 * time.Millisecond)

		err := <-done
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrQuery)
		assert.Equal(t, 3, source.calls)
		assert.Equal(t, []string{"read_features"}, events.failed)
	})

	t.Run("schema mismatch is fatal immediately", func(t *testing.T) {
		source := &fakeSource{errs: []error{
			fmt.Errorf("%w: missing table", domain.ErrSchemaMismatch),
		}}
		p := testPipeline(source, &fakeAggregator{}, &fakeLoader{}, nil)

		_, err := p.Run(context.Background())

		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
		assert.Equal(t, 1, source.calls)
	})
}

func TestRunLoadFailure(t *testing.T) {
	source := &fakeSource{features: []domain.Feature{{ID: 1, Geometry: orb.Point{10, 50}}}}
	agg := &fakeAggregator{records: []domain.ExposureRecord{{FeatureID: 1}}}
	loader := &fakeLoader{err: fmt.Errorf("%w: batch 0..0: connection lost", domain.ErrLoad)}
	events := &fakeEvents{}
	p := testPipeline(source, agg, loader, events)

	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLoad)
	assert.Equal(t, []string{"load"}, events.failed)
	assert.Zero(t, events.completed)
}

func TestRunAggregateFailure(t *testing.T) {
	source := &fakeSource{features: []domain.Feature{{ID: 1, Geometry: orb.Point{10, 50}}}}
	agg := &fakeAggregator{err: errors.New("slice read failed")}
	events := &fakeEvents{}
	p := testPipeline(source, agg, &fakeLoader{}, events)

	_, err := p.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, []string{"aggregate"}, events.failed)
}

func TestCheckReadiness(t *testing.T) {
	p := testPipeline(&fakeSource{}, &fakeAggregator{}, &fakeLoader{}, nil)

	assert.Error(t, p.CheckReadiness(context.Background()))

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestStatusProgression(t *testing.T) {
	p := testPipeline(&fakeSource{}, &fakeAggregator{}, &fakeLoader{}, nil)

	assert.Equal(t, "pending", p.Status().Stage)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	// Empty feature set short-circuits after classification input.
	assert.Equal(t, "classify", p.Status().Stage)
	assert.Zero(t, p.Status().FeaturesRead)
}
