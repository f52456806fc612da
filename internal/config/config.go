package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime settings, loaded from environment variables.
type Config struct {
	AppEnv   string
	LogLevel string

	HTTPListenAddr   string
	MetricsNamespace string

	// DatabaseURL selects the dashboard store: a postgres:// URL or a
	// SQLite file path. Defaults to a local SQLite file.
	DatabaseURL string

	WhatsAppStorePath string
	WhatsAppLogLevel  string

	UploadDir     string
	SchedulerSpec string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	StatsCacheTTL time.Duration
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:            getEnv("APP_ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":3000"),
		MetricsNamespace:  getEnv("METRICS_NAMESPACE", "waauto"),
		DatabaseURL:       getEnv("DATABASE_URL", "data/waauto.db"),
		WhatsAppStorePath: getEnv("WHATSAPP_STORE_PATH", "data/wa-session.db"),
		WhatsAppLogLevel:  getEnv("WHATSAPP_LOG_LEVEL", "WARN"),
		UploadDir:         getEnv("UPLOAD_DIR", "uploads"),
		SchedulerSpec:     getEnv("SCHEDULER_CRON", "*/30 * * * * *"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           0,
		RedisTLS:          getEnvBool("REDIS_TLS", false),
		StatsCacheTTL:     time.Duration(getEnvInt("STATS_CACHE_TTL_SECONDS", 30)) * time.Second,
	}

	db, err := getEnvIntErr("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	cfg.RedisDB = db

	if cfg.StatsCacheTTL <= 0 {
		return nil, fmt.Errorf("STATS_CACHE_TTL_SECONDS must be > 0")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v, err := getEnvIntErr(key, def)
	if err != nil {
		return def
	}
	return v
}

func getEnvIntErr(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
