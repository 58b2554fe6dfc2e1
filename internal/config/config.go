package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	OIDC      OIDCConfig
	RateLimit RateLimitConfig
	Meshy     MeshyConfig
	Storage   StorageConfig
	R2        R2Config
	Pipeline  PipelineConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type RateLimitConfig struct {
	GeneratePerHour  int
	RetexturePerHour int
}

type MeshyConfig struct {
	APIKey  string
	BaseURL string
}

// StorageConfig selects and configures the artifact publish backend.
// Backend "cdn" posts multipart batches to BaseURL; "r2" uses the R2 config.
type StorageConfig struct {
	Backend string
	BaseURL string
	APIKey  string
	BaseDir string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// PipelineConfig holds the polling, retry, and retention tuning for the job
// lifecycle. All durations are parseable by time.ParseDuration.
type PipelineConfig struct {
	PollInterval      time.Duration
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	MaxJobDuration    time.Duration
	RequestTimeout    time.Duration
	Retention         time.Duration
	StalledAfter      time.Duration
	SweepInterval     time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("MESHY_API_KEY")
	readSecret("STORAGE_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = viper.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("ratelimit.retexture_per_hour", "RATELIMIT_RETEXTURE_PER_HOUR")
	_ = viper.BindEnv("meshy.api_key", "MESHY_API_KEY")
	_ = viper.BindEnv("meshy.base_url", "MESHY_BASE_URL")
	_ = viper.BindEnv("storage.backend", "STORAGE_BACKEND")
	_ = viper.BindEnv("storage.base_url", "STORAGE_BASE_URL")
	_ = viper.BindEnv("storage.api_key", "STORAGE_API_KEY")
	_ = viper.BindEnv("storage.base_dir", "STORAGE_BASE_DIR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("pipeline.poll_interval", "PIPELINE_POLL_INTERVAL")
	_ = viper.BindEnv("pipeline.max_retries", "PIPELINE_MAX_RETRIES")
	_ = viper.BindEnv("pipeline.initial_backoff", "PIPELINE_INITIAL_BACKOFF")
	_ = viper.BindEnv("pipeline.max_backoff", "PIPELINE_MAX_BACKOFF")
	_ = viper.BindEnv("pipeline.backoff_multiplier", "PIPELINE_BACKOFF_MULTIPLIER")
	_ = viper.BindEnv("pipeline.max_job_duration", "PIPELINE_MAX_JOB_DURATION")
	_ = viper.BindEnv("pipeline.request_timeout", "PIPELINE_REQUEST_TIMEOUT")
	_ = viper.BindEnv("pipeline.retention", "PIPELINE_RETENTION")
	_ = viper.BindEnv("pipeline.stalled_after", "PIPELINE_STALLED_AFTER")
	_ = viper.BindEnv("pipeline.sweep_interval", "PIPELINE_SWEEP_INTERVAL")
	_ = viper.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.generate_per_hour", 20)
	viper.SetDefault("ratelimit.retexture_per_hour", 30)

	// Meshy defaults
	viper.SetDefault("meshy.base_url", "https://api.meshy.ai")

	// Storage defaults
	viper.SetDefault("storage.backend", "cdn")
	viper.SetDefault("storage.base_dir", "assets")

	// Pipeline defaults
	viper.SetDefault("pipeline.poll_interval", "5s")
	viper.SetDefault("pipeline.max_retries", 3)
	viper.SetDefault("pipeline.initial_backoff", "500ms")
	viper.SetDefault("pipeline.max_backoff", "10s")
	viper.SetDefault("pipeline.backoff_multiplier", 2.0)
	viper.SetDefault("pipeline.max_job_duration", "20m")
	viper.SetDefault("pipeline.request_timeout", "30s")
	viper.SetDefault("pipeline.retention", "720h")
	viper.SetDefault("pipeline.stalled_after", "2m")
	viper.SetDefault("pipeline.sweep_interval", "1h")

	// Worker defaults
	viper.SetDefault("worker.concurrency", 10)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:   viper.GetString("oidc.issuer"),
			ClientID: viper.GetString("oidc.client_id"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour:  viper.GetInt("ratelimit.generate_per_hour"),
			RetexturePerHour: viper.GetInt("ratelimit.retexture_per_hour"),
		},
		Meshy: MeshyConfig{
			APIKey:  viper.GetString("meshy.api_key"),
			BaseURL: viper.GetString("meshy.base_url"),
		},
		Storage: StorageConfig{
			Backend: viper.GetString("storage.backend"),
			BaseURL: viper.GetString("storage.base_url"),
			APIKey:  viper.GetString("storage.api_key"),
			BaseDir: viper.GetString("storage.base_dir"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Pipeline: PipelineConfig{
			PollInterval:      viper.GetDuration("pipeline.poll_interval"),
			MaxRetries:        viper.GetInt("pipeline.max_retries"),
			InitialBackoff:    viper.GetDuration("pipeline.initial_backoff"),
			MaxBackoff:        viper.GetDuration("pipeline.max_backoff"),
			BackoffMultiplier: viper.GetFloat64("pipeline.backoff_multiplier"),
			MaxJobDuration:    viper.GetDuration("pipeline.max_job_duration"),
			RequestTimeout:    viper.GetDuration("pipeline.request_timeout"),
			Retention:         viper.GetDuration("pipeline.retention"),
			StalledAfter:      viper.GetDuration("pipeline.stalled_after"),
			SweepInterval:     viper.GetDuration("pipeline.sweep_interval"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
		},
	}

	return cfg, nil
}
