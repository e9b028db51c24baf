package domain

import "errors"

// Failure taxonomy for the pipeline. Callers branch with errors.Is.
var (
	// ErrSourceUnavailable means the raster store could not be opened.
	// Fatal, never retried: a missing store will not appear on retry.
	ErrSourceUnavailable = errors.New("raster source unavailable")

	// ErrSchemaMismatch means the raster store opened but is missing the
	// expected variable, dimensions, or attributes. Fatal, never retried.
	ErrSchemaMismatch = errors.New("raster schema mismatch")

	// ErrQuery means the feature store could not be queried. Retried with
	// bounded exponential backoff, then fatal for the run.
	ErrQuery = errors.New("feature store query failed")

	// ErrLoad means the destination write failed. Fatal for the batch and
	// surfaced with the key range of the failed batch. Not retried.
	ErrLoad = errors.New("exposure load failed")
)
