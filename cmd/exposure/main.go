package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/couchcryptid/climate-exposure-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/climate-exposure-etl/internal/adapter/kafka"
	"github.com/couchcryptid/climate-exposure-etl/internal/adapter/netcdf"
	"github.com/couchcryptid/climate-exposure-etl/internal/adapter/postgres"
	"github.com/couchcryptid/climate-exposure-etl/internal/config"
	"github.com/couchcryptid/climate-exposure-etl/internal/domain"
	"github.com/couchcryptid/climate-exposure-etl/internal/observability"
	"github.com/couchcryptid/climate-exposure-etl/internal/pipeline"
	"github.com/couchcryptid/climate-exposure-etl/internal/raster"
	"github.com/couchcryptid/climate-exposure-etl/internal/zonal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ssp, err := domain.ParseSSP(cfg.SSP)
	if err != nil {
		logger.Error("invalid scenario", "ssp", cfg.SSP, "error", err)
		os.Exit(1)
	}

	cube, err := netcdf.Open(netcdf.Options{
		URI:          cfg.RasterURI,
		Variable:     cfg.ClimateVariable,
		CRS:          "EPSG:4326",
		ReturnPeriod: cfg.ReturnPeriod,
	})
	if err != nil {
		logger.Error("open raster source failed", "uri", cfg.RasterURI, "error", err)
		os.Exit(1)
	}
	defer cube.Close()

	if cfg.BBox != nil {
		cube = raster.Clip(cube, *cfg.BBox)
		if cube.Grid().Empty() {
			logger.Info("bounding box is outside the raster extent, nothing to do")
			return
		}
	}
	if cfg.MaskPolygon != nil {
		cube = raster.Mask(cube, cfg.MaskPolygon)
	}

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store, err := postgres.NewFeatureStore(pool, postgres.FeatureQuery{
		Category: cfg.OSMCategory,
		Subtype:  cfg.OSMType,
		BBox:     cfg.BBox,
	})
	if err != nil {
		logger.Error("invalid feature query", "error", err)
		os.Exit(1)
	}

	loader, err := postgres.NewLoader(pool, postgres.LoaderConfig{
		Variable:         cfg.ClimateVariable,
		BatchSize:        cfg.LoadBatchSize,
		StatementTimeout: 5 * time.Minute,
		Observe:          func(batch int) { metrics.LoadBatchSize.Observe(float64(batch)) },
	})
	if err != nil {
		logger.Error("invalid loader config", "error", err)
		os.Exit(1)
	}
	if err := loader.EnsureTable(ctx); err != nil {
		logger.Error("ensure destination table failed", "error", err)
		os.Exit(1)
	}

	engine, err := zonal.New(cube, zonal.Config{
		AggMethod: cfg.ZonalAggMethod,
		Workers:   cfg.Workers,
		Observe: func(kind string, seconds float64) {
			metrics.ZonalDuration.WithLabelValues(kind).Observe(seconds)
		},
	})
	if err != nil {
		logger.Error("invalid aggregation config", "error", err)
		os.Exit(1)
	}

	var events pipeline.EventSink
	if cfg.KafkaEnabled {
		pub := kafkaadapter.NewPublisher(cfg, logger)
		defer pub.Close()
		events = kafkaadapter.NewSink(pub, cfg.ClimateVariable, cfg.SSP, cfg.OSMCategory)
		logger.Info("run events enabled", "topic", cfg.KafkaEventsTopic)
	}

	meta := cube.Meta()
	p := pipeline.New(store, engine, loader, events, logger, metrics, pipeline.Config{
		ClassifyOpts: domain.ClassifyOptions{
			AreaThresholdKm2:  cfg.PolygonThresholdKm2,
			SimplifyTolerance: cfg.LineSimplifyTolerance,
		},
		RunContext: domain.RunContext{
			Variable:       cfg.ClimateVariable,
			Units:          meta.Units,
			SSP:            cfg.SSP,
			SourceURI:      cfg.RasterURI,
			ZonalAggMethod: cfg.ZonalAggMethod,
		},
		SSP:           ssp,
		RetryAttempts: cfg.QueryRetryAttempts,
	})

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	logger.Info("exposure run starting",
		"variable", cfg.ClimateVariable, "ssp", cfg.SSP,
		"category", cfg.OSMCategory, "agg", cfg.ZonalAggMethod)

	_, runErr := p.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	if runErr != nil {
		os.Exit(1)
	}
}
