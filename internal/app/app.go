// Package app wires configuration into a ready masking service for the
// binaries.
package app

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/archive"
	"github.com/raaihank/datamask/internal/blob"
	"github.com/raaihank/datamask/internal/config"
	"github.com/raaihank/datamask/internal/database"
	"github.com/raaihank/datamask/internal/lifecycle"
	"github.com/raaihank/datamask/internal/logger"
	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/queue"
	"github.com/raaihank/datamask/internal/rules"
	"github.com/raaihank/datamask/internal/service"
)

// App holds the initialized components
type App struct {
	DB      *sqlx.DB
	Redis   *redis.Client
	Store   masking.Store
	Storage *blob.FSStorage
	Presets *rules.Registry
	Files   *lifecycle.Manager
	Service *service.Service
	Queue   *queue.RedisQueue
}

// NewLogger builds the logger described by cfg
func NewLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// New opens the database, the optional Redis connection and the blob store,
// then assembles the service on top of them.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{}

	log.Info("Initializing database...")
	db, err := database.Open(&database.Config{
		Driver:          cfg.Database.Driver,
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log.Logger)
	if err != nil {
		return nil, err
	}
	a.DB = db

	var store masking.Store = masking.NewSQLStore(db, log.WithComponent("masking").Logger)
	if cfg.Redis.Enabled {
		log.Info("Initializing Redis...")
		client, err := database.OpenRedis(&database.RedisConfig{
			URL:          cfg.Redis.URL,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, log.Logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		store = masking.NewCachedStore(store, client, masking.CacheConfig{
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, log.WithComponent("cache").Logger)
		a.Queue = queue.NewRedisQueue(client, queue.Config{
			KeyPrefix:   cfg.Redis.KeyPrefix,
			Key:         cfg.Queue.Key,
			PollTimeout: cfg.Queue.PollTimeout,
		}, log.WithComponent("queue").Logger)
	}
	a.Store = store

	storage, err := blob.NewFSStorage(cfg.Storage.Root, log.WithComponent("blob").Logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize blob storage: %w", err)
	}
	a.Storage = storage

	presets, err := rules.NewRegistry(cfg.Products)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid products: %w", err)
	}
	a.Presets = presets

	files := lifecycle.NewManager(
		lifecycle.NewSQLRepository(db, log.WithComponent("lifecycle").Logger),
		cfg.Processing.ProgressThreshold,
		log.WithComponent("lifecycle").Logger,
	)
	a.Files = files

	a.Service = service.New(store, storage, files, presets, ServiceConfig(cfg), log.WithComponent("service").Logger)

	log.Info("Services initialized",
		zap.String("storage_root", storage.Root()),
		zap.Int("products", len(presets.List())),
		zap.Bool("redis", a.Redis != nil))

	return a, nil
}

// ServiceConfig maps configuration onto service settings
func ServiceConfig(cfg *config.Config) service.Config {
	return service.Config{
		ChunkLines:             cfg.Processing.ChunkLines,
		SIPPorts:               cfg.Processing.SIPPorts,
		PassthroughUnsupported: cfg.Processing.PassthroughUnsupported,
		Limits: archive.Limits{
			MaxDepth:     cfg.Archive.MaxDepth,
			MaxTotalSize: cfg.Archive.MaxTotalSize,
			MaxFiles:     cfg.Archive.MaxFiles,
		},
		MaxBytesPerOwner: cfg.Quota.MaxBytesPerOwner,
		MaxFilesPerOwner: cfg.Quota.MaxFilesPerOwner,
	}
}

// Close releases every connection held by a
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
