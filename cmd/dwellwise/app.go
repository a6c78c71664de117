package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dwellwise/dwellwise/pkg/analysis"
	"github.com/dwellwise/dwellwise/pkg/artifact"
	"github.com/dwellwise/dwellwise/pkg/cache"
	cachedb "github.com/dwellwise/dwellwise/pkg/cache/sqlite"
	"github.com/dwellwise/dwellwise/pkg/config"
	"github.com/dwellwise/dwellwise/pkg/logging"
	"github.com/dwellwise/dwellwise/pkg/metrics"
	"github.com/dwellwise/dwellwise/pkg/provider"
	"github.com/dwellwise/dwellwise/pkg/recommend"
	"github.com/dwellwise/dwellwise/pkg/router"
)

// loadConfig reads path, falling back to defaults when the default path
// does not exist.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	durable   *cachedb.Store
	cache     *cache.Cache
	client    *provider.Client
	artifacts *artifact.Store
	recommend *recommend.Service
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	durable, err := cachedb.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	artifacts, err := artifact.New(config.ArtifactConfig{
		DBPath:        cfg.ArtifactDBPath(),
		RetentionDays: cfg.Artifacts.RetentionDays,
		MaxTextSize:   cfg.Artifacts.MaxTextSize,
	}, logger)
	if err != nil {
		_ = durable.Close()
		return nil, fmt.Errorf("init artifacts: %w", err)
	}

	c := cache.New(durable, cache.Options{
		TTL:            cfg.Cache.TTL,
		ReadPolicy:     cache.ReadPolicy(cfg.Cache.ReadPolicy),
		AtomicPersist:  cfg.Cache.AtomicPersist,
		PersistTimeout: cfg.Cache.PersistTimeout,
		Logger:         logger,
		Metrics:        m,
	})

	client := provider.New(router.New(cfg), provider.Options{
		RateLimit: cfg.Generation.RateLimit,
		Burst:     cfg.Generation.Burst,
		Retries:   cfg.Generation.Retries,
		MaxTokens: cfg.Generation.MaxTokens,
		Logger:    logger,
	})

	return &app{
		cfg:       cfg,
		log:       logger,
		registry:  reg,
		metrics:   m,
		durable:   durable,
		cache:     c,
		client:    client,
		artifacts: artifacts,
		recommend: recommend.New(c, client, recommend.Options{
			Model:        cfg.Generation.Model,
			FetchTimeout: cfg.Generation.Timeout,
			Logger:       logger,
		}),
	}, nil
}

func (a *app) analysisOptions() analysis.Options {
	return analysis.Options{
		Fetcher: a.artifacts,
		Store:   a.artifacts,
		Timeout: a.cfg.Generation.Timeout,
		Logger:  a.log,
		Metrics: a.metrics,
	}
}

// Close waits for pending cache writes and releases the databases.
func (a *app) Close() error {
	a.recommend.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.cache.Flush(ctx); err != nil {
		a.log.Warn("cache flush incomplete", zap.Error(err))
	}
	_ = a.log.Sync()
	return errors.Join(a.artifacts.Close(), a.durable.Close())
}

func readInput(path string) (string, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}
