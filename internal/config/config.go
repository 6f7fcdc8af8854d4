// internal/config/config.go
package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the pipeline reads. Loaded once in main and
// passed into constructors; no package reads the environment on its own.
type Config struct {
	Port      string
	JWTSecret string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	RenderDPI     float64
	RenderQuality int
	RenderFormat  string
	WatermarkText string

	// BlankPageMinBytes is the empirical threshold below which a rendered
	// page is treated as blank. Tunable per document type and DPI.
	BlankPageMinBytes int64

	PageCacheTTL      time.Duration
	SignedURLTTL      time.Duration
	MaxRetries        int
	ConversionBudget  time.Duration
	UploadParallelism int
}

func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "jstudyroom"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "jstudyroom-pages"),
		MinioUseSSL:    getEnv("MINIO_USE_SSL", "false") == "true",

		RenderDPI:     getEnvFloat("RENDER_DPI", 150),
		RenderQuality: getEnvInt("RENDER_QUALITY", 85),
		RenderFormat:  getEnv("RENDER_FORMAT", "jpeg"),
		WatermarkText: getEnv("WATERMARK_TEXT", ""),

		BlankPageMinBytes: int64(getEnvInt("BLANK_PAGE_MIN_BYTES", 10240)),

		PageCacheTTL:      getEnvDuration("PAGE_CACHE_TTL", 7*24*time.Hour),
		SignedURLTTL:      getEnvDuration("SIGNED_URL_TTL", time.Hour),
		MaxRetries:        getEnvInt("MAX_CONVERSION_RETRIES", 3),
		ConversionBudget:  getEnvDuration("CONVERSION_BUDGET", 10*time.Minute),
		UploadParallelism: getEnvInt("UPLOAD_PARALLELISM", 3),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
