package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Attachments AttachmentsConfig
	Notifier    NotifierConfig
	Events      EventsConfig
	Cache       CacheConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AttachmentsConfig controls upload storage and validation.
type AttachmentsConfig struct {
	StorageDir       string
	MaxFileSizeBytes int64
	MaxFiles         int
	AllowedMIMEs     []string
	SignedURLSecret  string
	SignedURLTTL     time.Duration
}

// NotifierConfig configures side-effect delivery (in-app rows always, email
// optionally via SES).
type NotifierConfig struct {
	EmailEnabled      bool
	EmailSender       string
	AWSRegion         string
	WorkerConcurrency int
	WorkerRetries     int
}

// EventsConfig configures domain event publication over Redis pub/sub.
type EventsConfig struct {
	Enabled bool
	Channel string
}

// CacheConfig tunes short-lived response caching.
type CacheConfig struct {
	NotificationTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	maxUploadSize := v.GetInt64("ATTACHMENTS_MAX_FILE_SIZE")
	if maxUploadSize <= 0 {
		maxUploadSize = 10 * 1024 * 1024
	}
	cfg.Attachments = AttachmentsConfig{
		StorageDir:       v.GetString("ATTACHMENTS_STORAGE_DIR"),
		MaxFileSizeBytes: maxUploadSize,
		MaxFiles:         v.GetInt("ATTACHMENTS_MAX_FILES"),
		AllowedMIMEs:     splitAndTrim(v.GetString("ATTACHMENTS_ALLOWED_MIME_TYPES")),
		SignedURLSecret:  v.GetString("ATTACHMENTS_SIGNED_URL_SECRET"),
		SignedURLTTL:     parseDuration(v.GetString("ATTACHMENTS_SIGNED_URL_TTL"), 30*time.Minute),
	}

	cfg.Notifier = NotifierConfig{
		EmailEnabled:      v.GetBool("NOTIFIER_EMAIL_ENABLED"),
		EmailSender:       v.GetString("NOTIFIER_EMAIL_SENDER"),
		AWSRegion:         v.GetString("NOTIFIER_AWS_REGION"),
		WorkerConcurrency: v.GetInt("NOTIFIER_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("NOTIFIER_WORKER_RETRIES"),
	}

	cfg.Events = EventsConfig{
		Enabled: v.GetBool("EVENTS_ENABLED"),
		Channel: v.GetString("EVENTS_CHANNEL"),
	}

	cfg.Cache = CacheConfig{
		NotificationTTL: parseDuration(v.GetString("NOTIFICATION_CACHE_TTL"), time.Minute),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "approval_chain")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ATTACHMENTS_STORAGE_DIR", "./uploads")
	v.SetDefault("ATTACHMENTS_MAX_FILE_SIZE", 10*1024*1024)
	v.SetDefault("ATTACHMENTS_MAX_FILES", 5)
	v.SetDefault("ATTACHMENTS_ALLOWED_MIME_TYPES", "application/pdf,application/msword,application/vnd.openxmlformats-officedocument.wordprocessingml.document,image/jpeg,image/jpg,image/png,image/gif")
	v.SetDefault("ATTACHMENTS_SIGNED_URL_SECRET", "dev_attachments_secret")
	v.SetDefault("ATTACHMENTS_SIGNED_URL_TTL", "30m")

	v.SetDefault("NOTIFIER_EMAIL_ENABLED", false)
	v.SetDefault("NOTIFIER_EMAIL_SENDER", "no-reply@approvals.local")
	v.SetDefault("NOTIFIER_AWS_REGION", "us-east-1")
	v.SetDefault("NOTIFIER_WORKER_CONCURRENCY", 2)
	v.SetDefault("NOTIFIER_WORKER_RETRIES", 3)

	v.SetDefault("EVENTS_ENABLED", false)
	v.SetDefault("EVENTS_CHANNEL", "approval.events")

	v.SetDefault("NOTIFICATION_CACHE_TTL", "1m")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
