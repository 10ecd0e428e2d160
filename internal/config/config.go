package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	LLM       LLMConfig
	Render    RenderConfig
	Retry     RetryConfig
	Cache     CacheConfig
	Store     StoreConfig
	Cancel    CancelConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Events    EventsConfig
	Media     MediaConfig
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

type AuthConfig struct {
	APIKeys        []string
	JWTSecret      string
	OIDCIssuer     string
	OIDCAudience   string
	GatewayEnabled bool
}

// Enabled reports whether any authentication scheme is configured.
func (a AuthConfig) Enabled() bool {
	return a.GatewayEnabled || len(a.APIKeys) > 0 || a.JWTSecret != "" || a.OIDCIssuer != ""
}

type RateLimitConfig struct {
	GeneratePerHour int
}

type LLMConfig struct {
	APIKey              string
	BaseURL             string
	Model               string
	Timeout             time.Duration
	DesignerTemperature float64
	DesignerMaxTokens   int
	CoderTemperature    float64
	CoderMaxTokens      int
}

type RenderConfig struct {
	Binary               string
	WorkDir              string
	MediaDir             string
	Timeout              time.Duration
	FrameRate            int
	MemorySampleInterval time.Duration
	StillRenderingAfter  time.Duration
	StdoutLogInterval    time.Duration
	ProgressLogInterval  time.Duration
}

type RetryConfig struct {
	MaxRetries int
}

type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

type StoreConfig struct {
	ResultTTL time.Duration
}

type CancelConfig struct {
	TTL time.Duration
}

type QueueConfig struct {
	Name        string
	Concurrency int
	MaxAttempts int
	Timeout     time.Duration
	BaseBackoff time.Duration
}

type StorageConfig struct {
	Driver string // none, r2, minio
	R2     R2Config
	Minio  MinioConfig
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	PublicURL       string
}

type EventsConfig struct {
	Brokers []string
	Topic   string
}

type MediaConfig struct {
	RetentionHours         int
	CleanupIntervalMinutes int
}

func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("OPENAI_API_KEY")
	readSecret("MANIMCAT_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_ACCESS_KEY_ID")
	readSecret("MINIO_SECRET_ACCESS_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":                     "PORT",
		"server.env":                      "SERVER_ENV",
		"server.log_level":                "LOG_LEVEL",
		"server.api_domain":               "API_DOMAIN",
		"redis.addr":                      "REDIS_ADDR",
		"redis.password":                  "REDIS_PASSWORD",
		"redis.db":                        "REDIS_DB",
		"auth.api_keys":                   "MANIMCAT_API_KEY",
		"auth.jwt_secret":                 "JWT_SECRET",
		"auth.oidc_issuer":                "OIDC_ISSUER",
		"auth.oidc_audience":              "OIDC_AUDIENCE",
		"auth.gateway_enabled":            "GATEWAY_ENABLED",
		"ratelimit.generate_per_hour":     "RATE_LIMIT_GENERATE_PER_HOUR",
		"llm.api_key":                     "OPENAI_API_KEY",
		"llm.base_url":                    "OPENAI_BASE_URL",
		"llm.model":                       "AI_MODEL",
		"llm.timeout":                     "OPENAI_TIMEOUT",
		"llm.designer_temperature":        "DESIGNER_TEMPERATURE",
		"llm.designer_max_tokens":         "DESIGNER_MAX_TOKENS",
		"llm.coder_temperature":           "AI_TEMPERATURE",
		"llm.coder_max_tokens":            "AI_MAX_TOKENS",
		"render.binary":                   "MANIM_BINARY",
		"render.work_dir":                 "RENDER_WORK_DIR",
		"render.media_dir":                "MEDIA_DIR",
		"render.timeout":                  "RENDER_TIMEOUT",
		"render.frame_rate":               "RENDER_FPS",
		"render.memory_sample_interval":   "RENDER_MEMORY_SAMPLE_INTERVAL",
		"render.still_rendering_after":    "RENDER_STILL_RENDERING_AFTER",
		"retry.max_retries":               "CODE_RETRY_MAX_RETRIES",
		"cache.enabled":                   "ENABLE_CACHE",
		"cache.ttl":                       "CACHE_TTL",
		"store.result_ttl":                "JOB_RESULT_TTL",
		"cancel.ttl":                      "JOB_CANCEL_TTL",
		"queue.name":                      "QUEUE_NAME",
		"queue.concurrency":               "QUEUE_CONCURRENCY",
		"queue.max_attempts":              "QUEUE_MAX_ATTEMPTS",
		"queue.timeout":                   "QUEUE_JOB_TIMEOUT",
		"queue.base_backoff":              "QUEUE_BASE_BACKOFF",
		"storage.driver":                  "STORAGE_DRIVER",
		"storage.r2.account_id":           "R2_ACCOUNT_ID",
		"storage.r2.access_key_id":        "R2_ACCESS_KEY_ID",
		"storage.r2.secret_access_key":    "R2_SECRET_ACCESS_KEY",
		"storage.r2.bucket_name":          "R2_BUCKET_NAME",
		"storage.r2.public_url":           "R2_PUBLIC_URL",
		"storage.minio.endpoint":          "MINIO_ENDPOINT",
		"storage.minio.access_key_id":     "MINIO_ACCESS_KEY_ID",
		"storage.minio.secret_access_key": "MINIO_SECRET_ACCESS_KEY",
		"storage.minio.bucket_name":       "MINIO_BUCKET_NAME",
		"storage.minio.use_ssl":           "MINIO_USE_SSL",
		"storage.minio.public_url":        "MINIO_PUBLIC_URL",
		"events.brokers":                  "KAFKA_BROKERS",
		"events.topic":                    "KAFKA_JOB_EVENTS_TOPIC",
		"media.retention_hours":           "MEDIA_RETENTION_HOURS",
		"media.cleanup_interval_minutes":  "MEDIA_CLEANUP_INTERVAL_MINUTES",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	// Defaults
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.generate_per_hour", 30)

	// LLM defaults
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "glm-4-flash")
	v.SetDefault("llm.timeout", "600s")
	v.SetDefault("llm.designer_temperature", 0.8)
	v.SetDefault("llm.designer_max_tokens", 12000)
	v.SetDefault("llm.coder_temperature", 0.7)
	v.SetDefault("llm.coder_max_tokens", 1200)

	// Renderer defaults
	v.SetDefault("render.binary", "manim")
	v.SetDefault("render.work_dir", os.TempDir())
	v.SetDefault("render.media_dir", "./public")
	v.SetDefault("render.timeout", "10m")
	v.SetDefault("render.frame_rate", 15)
	v.SetDefault("render.memory_sample_interval", "2s")
	v.SetDefault("render.still_rendering_after", "45s")
	v.SetDefault("render.stdout_log_interval", "5s")
	v.SetDefault("render.progress_log_interval", "3s")

	v.SetDefault("retry.max_retries", 4)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("store.result_ttl", "24h")
	v.SetDefault("cancel.ttl", "168h")

	// Queue defaults
	v.SetDefault("queue.name", "render")
	v.SetDefault("queue.concurrency", 1)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.timeout", "10m")
	v.SetDefault("queue.base_backoff", "2s")

	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("events.topic", "manimcat.job-events")

	v.SetDefault("media.retention_hours", 72)
	v.SetDefault("media.cleanup_interval_minutes", 60)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			APIKeys:        splitList(v.GetString("auth.api_keys")),
			JWTSecret:      v.GetString("auth.jwt_secret"),
			OIDCIssuer:     v.GetString("auth.oidc_issuer"),
			OIDCAudience:   v.GetString("auth.oidc_audience"),
			GatewayEnabled: v.GetBool("auth.gateway_enabled"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
		},
		LLM: LLMConfig{
			APIKey:              v.GetString("llm.api_key"),
			BaseURL:             strings.TrimRight(v.GetString("llm.base_url"), "/"),
			Model:               v.GetString("llm.model"),
			Timeout:             v.GetDuration("llm.timeout"),
			DesignerTemperature: v.GetFloat64("llm.designer_temperature"),
			DesignerMaxTokens:   v.GetInt("llm.designer_max_tokens"),
			CoderTemperature:    v.GetFloat64("llm.coder_temperature"),
			CoderMaxTokens:      v.GetInt("llm.coder_max_tokens"),
		},
		Render: RenderConfig{
			Binary:               v.GetString("render.binary"),
			WorkDir:              v.GetString("render.work_dir"),
			MediaDir:             v.GetString("render.media_dir"),
			Timeout:              v.GetDuration("render.timeout"),
			FrameRate:            v.GetInt("render.frame_rate"),
			MemorySampleInterval: v.GetDuration("render.memory_sample_interval"),
			StillRenderingAfter:  v.GetDuration("render.still_rendering_after"),
			StdoutLogInterval:    v.GetDuration("render.stdout_log_interval"),
			ProgressLogInterval:  v.GetDuration("render.progress_log_interval"),
		},
		Retry: RetryConfig{
			MaxRetries: v.GetInt("retry.max_retries"),
		},
		Cache: CacheConfig{
			Enabled: v.GetBool("cache.enabled"),
			TTL:     v.GetDuration("cache.ttl"),
		},
		Store: StoreConfig{
			ResultTTL: v.GetDuration("store.result_ttl"),
		},
		Cancel: CancelConfig{
			TTL: v.GetDuration("cancel.ttl"),
		},
		Queue: QueueConfig{
			Name:        v.GetString("queue.name"),
			Concurrency: v.GetInt("queue.concurrency"),
			MaxAttempts: v.GetInt("queue.max_attempts"),
			Timeout:     v.GetDuration("queue.timeout"),
			BaseBackoff: v.GetDuration("queue.base_backoff"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(v.GetString("storage.driver")),
			R2: R2Config{
				AccountID:       v.GetString("storage.r2.account_id"),
				AccessKeyID:     v.GetString("storage.r2.access_key_id"),
				SecretAccessKey: v.GetString("storage.r2.secret_access_key"),
				BucketName:      v.GetString("storage.r2.bucket_name"),
				PublicURL:       v.GetString("storage.r2.public_url"),
			},
			Minio: MinioConfig{
				Endpoint:        v.GetString("storage.minio.endpoint"),
				AccessKeyID:     v.GetString("storage.minio.access_key_id"),
				SecretAccessKey: v.GetString("storage.minio.secret_access_key"),
				BucketName:      v.GetString("storage.minio.bucket_name"),
				UseSSL:          v.GetBool("storage.minio.use_ssl"),
				PublicURL:       v.GetString("storage.minio.public_url"),
			},
		},
		Events: EventsConfig{
			Brokers: splitList(v.GetString("events.brokers")),
			Topic:   v.GetString("events.topic"),
		},
		Media: MediaConfig{
			RetentionHours:         v.GetInt("media.retention_hours"),
			CleanupIntervalMinutes: v.GetInt("media.cleanup_interval_minutes"),
		},
	}

	return cfg, nil
}

// splitList parses comma separated env values such as "key1,key2".
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
