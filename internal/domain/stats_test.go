package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	t.Run("constant series", func(t *testing.T) {
		stats, ok := Summarize([]float64{7.5, 7.5, 7.5, 7.5})

		require.True(t, ok)
		assert.Equal(t, 7.5, stats.Mean)
		assert.Equal(t, 7.5, stats.Median)
		assert.Equal(t, 7.5, stats.Min)
		assert.Equal(t, 7.5, stats.Max)
		assert.Equal(t, 7.5, stats.Q1)
		assert.Equal(t, 7.5, stats.Q3)
		assert.Equal(t, 0.0, stats.StdDev)
	})

	t.Run("known distribution", func(t *testing.T) {
		stats, ok := Summarize([]float64{4, 1, 3, 2})

		require.True(t, ok)
		assert.Equal(t, 2.5, stats.Mean)
		assert.Equal(t, 2.5, stats.Median)
		assert.Equal(t, 1.0, stats.Min)
		assert.Equal(t, 4.0, stats.Max)
		assert.Equal(t, 1.75, stats.Q1)
		assert.Equal(t, 3.25, stats.Q3)
		assert.InDelta(t, math.Sqrt(1.25), stats.StdDev, 1e-12)
	})

	t.Run("NaN members are skipped", func(t *testing.T) {
		stats, ok := Summarize([]float64{math.NaN(), 2, math.NaN(), 4})

		require.True(t, ok)
		assert.Equal(t, 3.0, stats.Mean)
		assert.Equal(t, 2.0, stats.Min)
		assert.Equal(t, 4.0, stats.Max)
	})

	t.Run("all NaN yields no stats", func(t *testing.T) {
		_, ok := Summarize([]float64{math.NaN(), math.NaN()})
		assert.False(t, ok)
	})

	t.Run("empty series yields no stats", func(t *testing.T) {
		_, ok := Summarize(nil)
		assert.False(t, ok)
	})

	t.Run("single sample", func(t *testing.T) {
		stats, ok := Summarize([]float64{-3.25})

		require.True(t, ok)
		assert.Equal(t, -3.25, stats.Mean)
		assert.Equal(t, -3.25, stats.Median)
		assert.Equal(t, -3.25, stats.Q1)
		assert.Equal(t, -3.25, stats.Q3)
		assert.Equal(t, 0.0, stats.StdDev)
	})
}

func TestRound(t *testing.T) {
	s := EnsembleStats{
		Mean:   1.2345,
		Median: 2.346,
		StdDev: 0.994999,
		Min:    -1.006,
		Max:    9.999,
		Q1:     0.125,
		Q3:     0.135,
	}
	r := s.Round(2)

	assert.Equal(t, 1.23, r.Mean)
	assert.Equal(t, 2.35, r.Median)
	assert.Equal(t, 0.99, r.StdDev)
	assert.Equal(t, -1.01, r.Min)
	assert.Equal(t, 10.0, r.Max)
	assert.Equal(t, 0.13, r.Q1)
	assert.Equal(t, 0.14, r.Q3)
}
