package httpapi

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"key_gateway/internal/backup"
	"key_gateway/internal/config"
	"key_gateway/internal/credentials"
	"key_gateway/internal/jobs"
	"key_gateway/internal/keypool"
	"key_gateway/internal/ledger"
	"key_gateway/internal/metrics"
	"key_gateway/internal/middleware"
	"key_gateway/internal/ratelimit"
	"key_gateway/internal/storage"
)

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Keys      KeyPool
	Metrics   metrics.Metrics
	RateLimit ratelimit.Limiter
	Logger    *zap.Logger

	// Scheduler runs the refresh and backup jobs. Nil when no job is configured.
	Scheduler *jobs.Scheduler

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewRouter builds the ledger backend, the key pool and the background jobs
// from cfg and returns the HTTP handler serving them. The scheduler is not
// started; call Dependencies.Scheduler.Start.
func NewRouter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (http.Handler, *Dependencies, error) {
	deps := &Dependencies{Logger: logger}

	var redisClient *storage.RedisClient
	if cfg.UsesRedis() {
		client, err := storage.ConnectRedis(ctx, redisConfig(cfg), cfg.Ledger.ConnectAttempts, logger)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to initialize Redis")
		}
		redisClient = client
	}

	store, err := newLedgerStore(ctx, cfg, redisClient, logger)
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, nil, err
	}
	deps.closers = append(deps.closers, namedCloser{name: "ledger store", close: store.Close})
	// RedisStore owns the client it was given; otherwise the limiter's
	// client is closed separately.
	if redisClient != nil && cfg.Ledger.Backend != "redis" {
		deps.closers = append(deps.closers, namedCloser{name: "redis", close: redisClient.Close})
	}

	prom := metrics.NewPrometheus()
	deps.Metrics = prom

	led := ledger.New(store, cfg.Quota.DailyLimit,
		ledger.WithCooldown(cfg.Quota.Cooldown),
		ledger.WithWriteTimeout(cfg.Ledger.WriteTimeout),
	)

	loader := credentials.NewLoader(logger,
		credentials.InlineSource{List: cfg.Keys.Inline},
		credentials.EnvSource{File: cfg.Keys.EnvFile, Var: cfg.Keys.EnvVar},
		credentials.FileSource{Path: cfg.Keys.File},
	)

	manager := keypool.New(ctx, led, loader,
		keypool.WithLogger(logger),
		keypool.WithMetrics(prom),
	)
	deps.Keys = manager

	deps.RateLimit = newLimiter(cfg, redisClient)

	scheduler, err := newScheduler(ctx, cfg, manager, logger)
	if err != nil {
		deps.Shutdown(ctx)
		return nil, nil, err
	}
	deps.Scheduler = scheduler

	return NewHandler(deps), deps, nil
}

// NewHandler registers the routes on a ServeMux and wraps it in the
// middleware chain.
func NewHandler(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopMetrics()
	}
	if deps.RateLimit == nil {
		deps.RateLimit = ratelimit.NewNoopLimiter()
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)

	return middleware.Chain(mux,
		middleware.RequestID(),
		middleware.AccessLog(deps.Logger, deps.Metrics),
		middleware.RateLimit(deps.RateLimit, deps.Logger),
	)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /get_key", deps.handleGetKey)
	mux.HandleFunc("POST /report_usage", deps.handleReportUsage)
	mux.HandleFunc("POST /report_invalid", deps.handleReportInvalid)

	mux.HandleFunc("POST /admin/revalidate", deps.handleRevalidate)
	mux.HandleFunc("POST /admin/refresh", deps.handleRefresh)
	mux.HandleFunc("GET /admin/keys", deps.handleStatus)

	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", deps.Metrics.HTTPHandler())
}

// Shutdown stops the jobs, then closes the ledger store and any other
// connection. Every step runs even if an earlier one fails.
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var result error
	if d.Scheduler != nil {
		if err := d.Scheduler.Stop(ctx); err != nil {
			result = errors.CombineErrors(result, errors.Wrap(err, "stop jobs"))
		}
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.close(); err != nil {
			result = errors.CombineErrors(result, errors.Wrapf(err, "close %s", c.name))
		}
	}
	d.closers = nil
	return result
}

func newLedgerStore(ctx context.Context, cfg *config.Config, redisClient *storage.RedisClient, logger *zap.Logger) (storage.LedgerStore, error) {
	switch cfg.Ledger.Backend {
	case "memory":
		return storage.NewMemoryStore(nil), nil

	case "redis":
		store := storage.NewRedisStore(redisClient.Client(), cfg.Ledger.RedisKey)
		return storage.NewBreakerStore("ledger-redis", store,
			cfg.Ledger.BreakerFailures, cfg.Ledger.BreakerTimeout, logger), nil

	case "postgres":
		db, err := storage.ConnectPostgres(ctx, dbConfig(cfg), cfg.Ledger.ConnectAttempts, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize database")
		}
		store := storage.NewPostgresStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to create ledger schema")
		}
		return storage.NewBreakerStore("ledger-postgres", store,
			cfg.Ledger.BreakerFailures, cfg.Ledger.BreakerTimeout, logger), nil

	default:
		return storage.NewFileStore(cfg.Ledger.File), nil
	}
}

func newLimiter(cfg *config.Config, redisClient *storage.RedisClient) ratelimit.Limiter {
	if cfg.RateLimit.RPS <= 0 {
		return ratelimit.NewNoopLimiter()
	}
	if cfg.RateLimit.Backend == "redis" && redisClient != nil {
		return ratelimit.NewRedisLimiter(redisClient.Client(), cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}
	return ratelimit.NewClientLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
}

func newScheduler(ctx context.Context, cfg *config.Config, manager *keypool.Manager, logger *zap.Logger) (*jobs.Scheduler, error) {
	if cfg.Jobs.RefreshSchedule == "" && !cfg.Backup.Enabled {
		return nil, nil
	}

	scheduler := jobs.NewScheduler(logger, jobs.WithTimeout(cfg.Jobs.Timeout))

	if cfg.Jobs.RefreshSchedule != "" {
		if err := scheduler.Add("refresh", cfg.Jobs.RefreshSchedule, jobs.RefreshJob(manager, logger)); err != nil {
			return nil, err
		}
	}

	if cfg.Backup.Enabled {
		archiver, err := backup.NewS3Archiver(ctx, backup.Config{
			Bucket:     cfg.Backup.S3Bucket,
			Region:     cfg.Backup.S3Region,
			Prefix:     cfg.Backup.S3Prefix,
			PodName:    cfg.Backup.PodName,
			Endpoint:   cfg.Backup.S3Endpoint,
			DisableSSE: cfg.Backup.DisableSSE,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := scheduler.Add("backup", cfg.Jobs.BackupSchedule, jobs.BackupJob(manager, archiver, logger)); err != nil {
			return nil, err
		}
	}

	return scheduler, nil
}

func redisConfig(cfg *config.Config) storage.RedisConfig {
	rc := storage.DefaultRedisConfig()
	rc.Address = cfg.Redis.Address
	rc.Password = cfg.Redis.Password
	rc.DB = cfg.Redis.DB
	if cfg.Redis.PoolSize > 0 {
		rc.PoolSize = cfg.Redis.PoolSize
	}
	if cfg.Redis.MinIdleConns > 0 {
		rc.MinIdleConns = cfg.Redis.MinIdleConns
	}
	if cfg.Redis.DialTimeout > 0 {
		rc.DialTimeout = cfg.Redis.DialTimeout
	}
	if cfg.Redis.ReadTimeout > 0 {
		rc.ReadTimeout = cfg.Redis.ReadTimeout
	}
	if cfg.Redis.WriteTimeout > 0 {
		rc.WriteTimeout = cfg.Redis.WriteTimeout
	}
	return rc
}

func dbConfig(cfg *config.Config) storage.DBConfig {
	return storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}
}
