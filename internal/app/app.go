// Package app wires configuration into the stores, queue and services shared
// by the api, worker and enroll binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"qrattend/internal/attendance"
	"qrattend/internal/cache"
	"qrattend/internal/cards"
	"qrattend/internal/cloudinary"
	"qrattend/internal/config"
	"qrattend/internal/log"
	"qrattend/internal/metrics"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Deps holds the opened dependencies of one process.
type Deps struct {
	Config  config.App
	Log     *slog.Logger
	DB      *store.DB    // nil with the memory store
	Redis   *store.Redis // nil when no redis address is configured
	Store   attendance.Store
	Queue   queue.Queue
	Metrics *metrics.Recorder
	Service *attendance.Service
}

// Open connects the configured backends. reg may be nil to skip metrics.
func Open(ctx context.Context, cfg config.App, logger *slog.Logger, reg prometheus.Registerer) (*Deps, error) {
	d := &Deps{Config: cfg, Log: logger}
	if reg != nil {
		d.Metrics = metrics.New(reg)
	}

	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory record store; records are lost on exit")
		d.Store = attendance.NewMemoryStore()
	case "sqlite", "postgres":
		var err error
		if cfg.StoreBackend == "sqlite" {
			d.DB, err = store.NewSQLite(cfg.SQLitePath)
		} else {
			d.DB, err = store.NewDB(cfg.DatabaseURL)
		}
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.StoreBackend, err)
		}
		if err := d.DB.Migrate(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.Store = attendance.NewRepository(d.DB.Client)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.RedisAddr != "" {
		d.Redis = store.NewRedis(cfg.RedisAddr)
		if !d.Redis.Healthy(ctx) {
			logger.Warn("redis not reachable; identity cache misses until it is", "addr", cfg.RedisAddr)
		}
	}

	switch cfg.QueueBackend {
	case "memory":
		d.Queue = queue.NewInMemory(64)
	case "redis":
		if d.Redis == nil {
			d.Close()
			return nil, errors.New("QUEUE_BACKEND=redis requires REDIS_ADDR")
		}
		d.Queue = queue.NewRedisQueue(d.Redis.Client, cfg.QueueKey)
	}

	opts := []attendance.Option{
		attendance.WithLogger(logger),
		attendance.WithMetrics(d.Metrics),
		attendance.WithStoreTimeout(cfg.StoreTimeout),
	}
	if d.Redis != nil && cfg.CacheTTL > 0 {
		opts = append(opts, attendance.WithCache(cache.NewIdentities(d.Redis.Client, cfg.CacheTTL, logger)))
	}
	d.Service = attendance.NewService(d.Store, opts...)
	return d, nil
}

// CardRenderer builds the card renderer for this configuration. Cards are
// published to Cloudinary only when its credentials are set.
func (d *Deps) CardRenderer() *cards.Renderer {
	var up cards.Uploader
	if d.Config.CloudinaryEnabled() {
		up = cloudinary.New(d.Config.CloudinaryCloudName, d.Config.CloudinaryAPIKey, d.Config.CloudinaryAPISecret, d.Config.CloudinaryFolder)
	}
	return cards.NewRenderer(d.Service, d.Config.CardOutputDir, up, log.SubLogger(d.Log, "cards"))
}

// RedisHealthy reports redis reachability; true when redis is not in use.
func (d *Deps) RedisHealthy(ctx context.Context) bool {
	if d.Redis == nil {
		return true
	}
	return d.Redis.Healthy(ctx)
}

// Close releases the database and redis connections.
func (d *Deps) Close() {
	if err := d.DB.Close(); err != nil {
		d.Log.Warn("close database", "err", err)
	}
	if err := d.Redis.Close(); err != nil {
		d.Log.Warn("close redis", "err", err)
	}
}
