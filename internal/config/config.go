// Package config loads and validates the run configuration from
// environment variables. Validation is fail-fast: every parameter is
// checked before any raster or database I/O starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	// Raster source.
	RasterURI       string
	ClimateVariable string
	SSP             string
	ReturnPeriod    int // 0 means no return-period axis selection

	// Processing.
	ZonalAggMethod        string
	PolygonThresholdKm2   float64
	LineSimplifyTolerance float64
	BBox                  *orb.Bound   // nil means full extent
	MaskPolygon           orb.Geometry // nil means no polygon mask
	Workers               int

	// Feature store and destination.
	DatabaseURL        string
	OSMCategory        string
	OSMType            string
	LoadBatchSize      int
	QueryRetryAttempts int

	// Service surface.
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Optional run-event sink.
	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaEnabled     bool
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	returnPeriod, err := parsePositiveInt("RETURN_PERIOD", 0)
	if err != nil {
		return nil, err
	}
	batchSize, err := parsePositiveInt("LOAD_BATCH_SIZE", 5000)
	if err != nil {
		return nil, err
	}
	retryAttempts, err := parsePositiveInt("QUERY_RETRY_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	workers, err := parsePositiveInt("WORKERS", runtime.NumCPU())
	if err != nil {
		return nil, err
	}

	threshold, err := parseFloat("POLYGON_AREA_THRESHOLD_KM2", 20)
	if err != nil {
		return nil, err
	}
	tolerance, err := parseFloat("LINE_SIMPLIFY_TOLERANCE", 0.0001)
	if err != nil {
		return nil, err
	}

	bbox, err := parseBBox()
	if err != nil {
		return nil, err
	}
	mask, err := parseMaskPolygon()
	if err != nil {
		return nil, err
	}

	kafkaBrokers := parseBrokers(os.Getenv("KAFKA_BROKERS"))
	kafkaEnabled := false
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		RasterURI:       os.Getenv("RASTER_URI"),
		ClimateVariable: os.Getenv("CLIMATE_VARIABLE"),
		SSP:             os.Getenv("SSP"),
		ReturnPeriod:    returnPeriod,

		ZonalAggMethod:        envOrDefault("ZONAL_AGG_METHOD", "mean"),
		PolygonThresholdKm2:   threshold,
		LineSimplifyTolerance: tolerance,
		BBox:                  bbox,
		MaskPolygon:           mask,
		Workers:               workers,

		DatabaseURL:        os.Getenv("DATABASE_URL"),
		OSMCategory:        os.Getenv("OSM_CATEGORY"),
		OSMType:            os.Getenv("OSM_TYPE"),
		LoadBatchSize:      batchSize,
		QueryRetryAttempts: retryAttempts,

		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaBrokers:     kafkaBrokers,
		KafkaEventsTopic: envOrDefault("KAFKA_EVENTS_TOPIC", "exposure-run-events"),
		KafkaEnabled:     kafkaEnabled,
	}

	if cfg.RasterURI == "" {
		return nil, errors.New("RASTER_URI is required")
	}
	if cfg.ClimateVariable == "" {
		return nil, errors.New("CLIMATE_VARIABLE is required")
	}
	if cfg.SSP == "" {
		return nil, errors.New("SSP is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.OSMCategory == "" {
		return nil, errors.New("OSM_CATEGORY is required")
	}
	switch cfg.ZonalAggMethod {
	case "mean", "max", "min":
	default:
		return nil, fmt.Errorf("invalid ZONAL_AGG_METHOD %q (want mean, max, or min)", cfg.ZonalAggMethod)
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return n, nil
}

func parseFloat(key string, def float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, s)
	}
	return f, nil
}

// parseBBox reads the optional X_MIN/X_MAX/Y_MIN/Y_MAX window. The four
// variables are all-or-none; a partial set is a configuration error.
func parseBBox() (*orb.Bound, error) {
	keys := []string{"X_MIN", "Y_MIN", "X_MAX", "Y_MAX"}
	vals := make([]float64, len(keys))
	set := 0
	for i, key := range keys {
		s := os.Getenv(key)
		if s == "" {
			continue
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", key, s)
		}
		vals[i] = f
		set++
	}
	switch set {
	case 0:
		return nil, nil
	case len(keys):
	default:
		return nil, errors.New("bounding box requires all of X_MIN, Y_MIN, X_MAX, Y_MAX")
	}
	if vals[0] >= vals[2] || vals[1] >= vals[3] {
		return nil, errors.New("bounding box min must be less than max")
	}
	return &orb.Bound{Min: orb.Point{vals[0], vals[1]}, Max: orb.Point{vals[2], vals[3]}}, nil
}

// parseMaskPolygon reads the optional MASK_POLYGON_WKT study-area mask,
// a lon/lat polygon outside which raster cells read as no-data.
func parseMaskPolygon() (orb.Geometry, error) {
	s := os.Getenv("MASK_POLYGON_WKT")
	if s == "" {
		return nil, nil
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid MASK_POLYGON_WKT: %v", err)
	}
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g, nil
	default:
		return nil, fmt.Errorf("MASK_POLYGON_WKT must be a POLYGON or MULTIPOLYGON, got %s", g.GeoJSONType())
	}
}
