package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Version is set at build time through -ldflags.
var Version = "dev"

type Config struct {
	Host string
	Port int

	FFmpegPath        string
	MaxConcurrent     int
	QueueCapacity     int
	ConversionTimeout int
	RetentionHours    int
	CleanupInterval   time.Duration
	TempDir           string
	MaxFileSize       int64
	MaxFileSizeRaw    string
	ValidateFileSize  bool
	SanitizeFilenames bool
	AllowedFormats    map[string][]string
	MaxFinishedJobs   int

	RateLimitPerMinute int
	RateLimitBackend   string
	GlobalRPS          float64
	GlobalBurst        int
	TrustProxyHeaders  bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	DatabaseURL string

	S3Bucket       string
	S3Region       string
	AWSS3AccessKey string
	AWSS3SecretKey string
	S3Endpoint     string
	S3UsePathStyle bool
	S3Prefix       string

	GotenbergURL  string
	GotenbergPDFA string

	ScanUploads  bool
	ClamdAddress string

	DephealthInterval time.Duration

	LogLevel        slog.Level
	LogFormat       string
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	var err error
	cfg := &Config{
		Host:               getEnv("HOST", "0.0.0.0"),
		Port:               getEnvInt("PORT", 8300),
		FFmpegPath:         getEnv("FFMPEG_PATH", "ffmpeg"),
		MaxConcurrent:      getEnvInt("MAX_CONCURRENT_CONVERSIONS", 4),
		QueueCapacity:      getEnvInt("CONVERSION_QUEUE_CAPACITY", 64),
		ConversionTimeout:  getEnvInt("CONVERSION_TIMEOUT", 300),
		RetentionHours:     getEnvInt("UPLOAD_RETENTION_HOURS", 24),
		TempDir:            getEnv("TEMPORARY_STORAGE", "."),
		MaxFileSizeRaw:     getEnv("MAX_FILE_SIZE", "10GB"),
		ValidateFileSize:   getEnvBool("ENABLE_FILE_VALIDATION", true),
		SanitizeFilenames:  getEnvBool("SANITIZE_FILENAMES", true),
		MaxFinishedJobs:    getEnvInt("MAX_FINISHED_JOBS", 10000),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 10),
		RateLimitBackend:   strings.ToLower(getEnv("RATE_LIMIT_BACKEND", "memory")),
		GlobalRPS:          getEnvFloat("GLOBAL_RATE_LIMIT_RPS", 0),
		GlobalBurst:        getEnvInt("GLOBAL_RATE_LIMIT_BURST", 0),
		TrustProxyHeaders:  getEnvBool("TRUST_PROXY_HEADERS", false),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisPrefix:        getEnv("REDIS_PREFIX", ""),
		DatabaseURL:        databaseURL(),
		S3Bucket:           getEnv("S3_BUCKET", ""),
		// Prefer unified S3_* vars, fall back to legacy AWS_* vars for compatibility
		S3Region:       getEnvWithFallback("S3_REGION", "AWS_DEFAULT_REGION", "us-east-1"),
		AWSS3AccessKey: getEnvWithFallback("S3_KEY", "AWS_ACCESS_KEY_ID", ""),
		AWSS3SecretKey: getEnvWithFallback("S3_SECRET", "AWS_SECRET_ACCESS_KEY", ""),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3UsePathStyle: getEnvBool("S3_USE_PATH_STYLE_ENDPOINT", false),
		S3Prefix:       getEnv("S3_PREFIX", "converted/"),
		GotenbergURL:   getEnv("GOTENBERG_URL", ""),
		GotenbergPDFA:  getEnv("GOTENBERG_PDFA", ""),
		ScanUploads:    getEnvBool("SCAN_UPLOADS", false),
		ClamdAddress:   getEnv("CLAMD_ADDRESS", "localhost:3310"),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	if cfg.CleanupInterval, err = getEnvDuration("CLEANUP_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.DephealthInterval, err = getEnvDuration("DEPHEALTH_CHECK_INTERVAL", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.LogLevel, err = parseLogLevel(getEnv("LOG_LEVEL", "info")); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	size, err := humanize.ParseBytes(cfg.MaxFileSizeRaw)
	if err != nil {
		return nil, fmt.Errorf("MAX_FILE_SIZE: %w", err)
	}
	cfg.MaxFileSize = int64(size)

	if raw := getEnv("ALLOWED_FORMATS", ""); raw != "" {
		var allowed map[string][]string
		if err := json.Unmarshal([]byte(raw), &allowed); err != nil {
			return nil, fmt.Errorf("ALLOWED_FORMATS: %w", err)
		}
		cfg.AllowedFormats = allowed
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT: %d out of range", c.Port)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_CONVERSIONS: must be positive, got %d", c.MaxConcurrent)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("CONVERSION_QUEUE_CAPACITY: must be positive, got %d", c.QueueCapacity)
	}
	if c.ConversionTimeout <= 0 {
		return fmt.Errorf("CONVERSION_TIMEOUT: must be positive, got %d", c.ConversionTimeout)
	}
	if c.RetentionHours <= 0 {
		return fmt.Errorf("UPLOAD_RETENTION_HOURS: must be positive, got %d", c.RetentionHours)
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE: must be positive, got %d", c.RateLimitPerMinute)
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("RATE_LIMIT_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND: invalid value %q, expected memory or redis", c.RateLimitBackend)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT: invalid value %q, expected json or text", c.LogFormat)
	}
	return nil
}

// Timeout is the per-job encoder deadline.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.ConversionTimeout) * time.Second
}

// Retention is how long scratch files and finished jobs are kept.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) UploadDir() string {
	return filepath.Join(c.TempDir, "uploads")
}

func (c *Config) OutputDir() string {
	return filepath.Join(c.TempDir, "converted")
}

// SetupLogger installs the process-wide slog logger.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// databaseURL builds a lib/pq key=value DSN from DB_* variables unless
// DATABASE_URL is given. Returns "" when no database is configured.
func databaseURL() string {
	if v := getEnv("DATABASE_URL", ""); v != "" {
		return v
	}
	dbHost := getEnv("DB_HOST", "")
	if dbHost == "" {
		return ""
	}
	dbPort := getEnv("DB_PORT", "5432")
	dbName := getEnv("DB_DATABASE", "fileconverter")
	dbUser := getEnv("DB_USERNAME", "fileconverter")
	dbPassword := getEnv("DB_PASSWORD", "")
	dbSSLMode := getEnv("DB_SSLMODE", "disable")

	// lib/pq supports "key=value" connection strings and this avoids
	// URI escaping issues for special characters in passwords.
	dsn := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s",
		dbHost, dbPort, dbName, dbUser, dbSSLMode)
	if dbPassword != "" {
		dsn += fmt.Sprintf(" password=%s", dbPassword)
	}
	return dsn
}

// RedisKey applies the configured prefix to a redis key.
func (c *Config) RedisKey(key string) string {
	return applyPrefix(key, c.RedisPrefix)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvWithFallback(primaryKey, secondaryKey, fallback string) string {
	if value := os.Getenv(primaryKey); value != "" {
		return value
	}
	if value := os.Getenv(secondaryKey); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func applyPrefix(key string, prefix string) string {
	if prefix == "" {
		return key
	}
	return prefix + key
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "critical":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q", level)
	}
}
