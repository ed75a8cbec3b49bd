package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds configuration for the key gateway.
type Config struct {
	HTTPPort  string          `yaml:"http_port" validate:"required,numeric"`
	Keys      KeysConfig      `yaml:"keys"`
	Quota     QuotaConfig     `yaml:"quota"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Backup    BackupConfig    `yaml:"backup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
}

// KeysConfig names the credential sources, in priority order.
type KeysConfig struct {
	Inline  string `yaml:"inline"`   // comma-separated list
	EnvFile string `yaml:"env_file"` // dotenv file consulted before the process environment
	EnvVar  string `yaml:"env_var" validate:"required"`
	File    string `yaml:"file"` // one credential per line
}

// QuotaConfig holds the per-credential limits
type QuotaConfig struct {
	DailyLimit int64         `yaml:"daily_limit" validate:"min=1"`
	Cooldown   time.Duration `yaml:"cooldown" validate:"gt=0"`
}

// LedgerConfig selects and tunes the usage ledger backend.
type LedgerConfig struct {
	Backend         string        `yaml:"backend" validate:"oneof=file memory redis postgres"`
	File            string        `yaml:"file"`
	RedisKey        string        `yaml:"redis_key"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gt=0"`
	BreakerFailures uint32        `yaml:"breaker_failures" validate:"min=1"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout" validate:"gt=0"`
	ConnectAttempts uint          `yaml:"connect_attempts" validate:"min=1"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// JobsConfig holds cron specs for background work.
type JobsConfig struct {
	RefreshSchedule string        `yaml:"refresh_schedule"` // empty disables the refresh job
	BackupSchedule  string        `yaml:"backup_schedule"`
	Timeout         time.Duration `yaml:"timeout"`
}

// BackupConfig holds configuration for ledger snapshots in S3
type BackupConfig struct {
	Enabled    bool   `yaml:"enabled"`
	S3Bucket   string `yaml:"s3_bucket" validate:"required_if=Enabled true"`
	S3Region   string `yaml:"s3_region"`
	S3Prefix   string `yaml:"s3_prefix"`
	S3Endpoint string `yaml:"s3_endpoint"` // MinIO and other S3-compatible stores
	DisableSSE bool   `yaml:"disable_sse"`
	PodName    string `yaml:"pod_name"`
}

// RateLimitConfig throttles callers by client address. RPS 0 disables it.
type RateLimitConfig struct {
	RPS     float64 `yaml:"rps" validate:"min=0"`
	Burst   int     `yaml:"burst" validate:"min=0"`
	Backend string  `yaml:"backend" validate:"oneof=local redis"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTPPort: "5000",
		Keys: KeysConfig{
			EnvFile: ".env",
			EnvVar:  "GEMINI_API_KEY",
			File:    "key.txt",
		},
		Quota: QuotaConfig{
			DailyLimit: 19,
			Cooldown:   24 * time.Hour,
		},
		Ledger: LedgerConfig{
			Backend:         "file",
			File:            "key_usage.json",
			RedisKey:        "keygate:ledger",
			WriteTimeout:    5 * time.Second,
			BreakerFailures: 3,
			BreakerTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Jobs: JobsConfig{
			RefreshSchedule: "@every 30m",
			BackupSchedule:  "@every 1h",
			Timeout:         time.Minute,
		},
		Backup: BackupConfig{
			S3Region: "us-east-1",
			S3Prefix: "ledger/",
		},
		RateLimit: RateLimitConfig{
			Burst:   10,
			Backend: "local",
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvUint(key string, defaultValue uint) uint {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return defaultValue
	}
	return uint(n)
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if any, then environment variables. Later layers win.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays a YAML file onto cfg. ${VAR} references are expanded
// before parsing so secrets can stay in the environment.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnvString("HTTP_PORT", cfg.HTTPPort)

	cfg.Keys.Inline = getEnvString("KEY_POOL_INLINE", cfg.Keys.Inline)
	cfg.Keys.EnvFile = getEnvString("KEY_ENV_FILE", cfg.Keys.EnvFile)
	cfg.Keys.EnvVar = getEnvString("KEY_ENV_VAR", cfg.Keys.EnvVar)
	cfg.Keys.File = getEnvString("KEY_FILE", cfg.Keys.File)

	cfg.Quota.DailyLimit = getEnvInt64("QUOTA_DAILY_LIMIT", cfg.Quota.DailyLimit)
	cfg.Quota.Cooldown = getEnvDuration("QUOTA_COOLDOWN", cfg.Quota.Cooldown)

	cfg.Ledger.Backend = strings.ToLower(getEnvString("LEDGER_BACKEND", cfg.Ledger.Backend))
	cfg.Ledger.File = getEnvString("LEDGER_FILE", cfg.Ledger.File)
	cfg.Ledger.RedisKey = getEnvString("LEDGER_REDIS_KEY", cfg.Ledger.RedisKey)
	cfg.Ledger.WriteTimeout = getEnvDuration("LEDGER_WRITE_TIMEOUT", cfg.Ledger.WriteTimeout)
	cfg.Ledger.BreakerFailures = uint32(getEnvUint("LEDGER_BREAKER_FAILURES", uint(cfg.Ledger.BreakerFailures)))
	cfg.Ledger.BreakerTimeout = getEnvDuration("LEDGER_BREAKER_TIMEOUT", cfg.Ledger.BreakerTimeout)
	cfg.Ledger.ConnectAttempts = getEnvUint("STORAGE_CONNECT_ATTEMPTS", cfg.Ledger.ConnectAttempts)

	cfg.Redis.Address = getEnvString("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", cfg.Redis.MinIdleConns)
	cfg.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", cfg.Redis.DialTimeout)
	cfg.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", cfg.Redis.ReadTimeout)
	cfg.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", cfg.Redis.WriteTimeout)

	cfg.Database.URL = getEnvString("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	cfg.Database.ConnMaxIdleTime = getEnvDuration("DB_CONN_MAX_IDLE_TIME", cfg.Database.ConnMaxIdleTime)

	cfg.Jobs.RefreshSchedule = getEnvString("REFRESH_SCHEDULE", cfg.Jobs.RefreshSchedule)
	cfg.Jobs.BackupSchedule = getEnvString("BACKUP_SCHEDULE", cfg.Jobs.BackupSchedule)
	cfg.Jobs.Timeout = getEnvDuration("JOB_TIMEOUT", cfg.Jobs.Timeout)

	cfg.Backup.Enabled = getEnvBool("BACKUP_ENABLED", cfg.Backup.Enabled)
	cfg.Backup.S3Bucket = getEnvString("BACKUP_S3_BUCKET", cfg.Backup.S3Bucket)
	cfg.Backup.S3Region = getEnvString("BACKUP_S3_REGION", cfg.Backup.S3Region)
	cfg.Backup.S3Prefix = getEnvString("BACKUP_S3_PREFIX", cfg.Backup.S3Prefix)
	cfg.Backup.S3Endpoint = getEnvString("BACKUP_S3_ENDPOINT", cfg.Backup.S3Endpoint)
	cfg.Backup.DisableSSE = getEnvBool("BACKUP_DISABLE_SSE", cfg.Backup.DisableSSE)
	cfg.Backup.PodName = getEnvString("POD_NAME", cfg.Backup.PodName)

	cfg.RateLimit.RPS = getEnvFloat("RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = getEnvInt("RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	cfg.RateLimit.Backend = strings.ToLower(getEnvString("RATE_LIMIT_BACKEND", cfg.RateLimit.Backend))

	cfg.Log.Level = strings.ToLower(getEnvString("LOG_LEVEL", cfg.Log.Level))
	cfg.Log.File = getEnvString("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = getEnvInt("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = getEnvInt("LOG_MAX_BACKUPS", cfg.Log.MaxBackups)
	cfg.Log.MaxAgeDays = getEnvInt("LOG_MAX_AGE_DAYS", cfg.Log.MaxAgeDays)
	cfg.Log.Compress = getEnvBool("LOG_COMPRESS", cfg.Log.Compress)
}

// Validate checks field constraints and the settings each backend needs.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "config: invalid")
	}

	switch c.Ledger.Backend {
	case "file":
		if c.Ledger.File == "" {
			return errors.New("config: LEDGER_FILE is required for the file backend")
		}
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres backend")
		}
	case "redis":
		if c.Ledger.RedisKey == "" {
			return errors.New("config: LEDGER_REDIS_KEY is required for the redis backend")
		}
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Ledger.Backend == "redis" || (c.RateLimit.RPS > 0 && c.RateLimit.Backend == "redis")
}
