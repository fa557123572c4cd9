// Package config loads SplitGuard configuration from defaults, a YAML file,
// a .env file and SPLITGUARD_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SPLITGUARD_"

// Load builds the configuration. path may be empty, in which case
// SPLITGUARD_CONFIG is consulted.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := domain.DefaultConfig()
	if getEnv("TIER", "") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	if path == "" {
		path = getEnv("CONFIG", "")
	}
	if path != "" {
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

func loadFile(path string, cfg *domain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: failed to parse config file %s: %v", domain.ErrInvalidConfiguration, path, err)
	}
	return nil
}

func applyEnv(cfg *domain.Config) {
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)

	cfg.Repository.Driver = getEnv("DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.Type = getEnv("CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)

	cfg.EventBus.Type = getEnv("BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("NATS_TOKEN", cfg.EventBus.NATSToken)

	cfg.Scoring.Weights.Anomaly = getEnvFloat("WEIGHT_ANOMALY", cfg.Scoring.Weights.Anomaly)
	cfg.Scoring.Weights.Pattern = getEnvFloat("WEIGHT_PATTERN", cfg.Scoring.Weights.Pattern)
	cfg.Scoring.Weights.Risk = getEnvFloat("WEIGHT_RISK", cfg.Scoring.Weights.Risk)
	cfg.Scoring.HighThreshold = getEnvFloat("HIGH_RISK_THRESHOLD", cfg.Scoring.HighThreshold)
	cfg.Scoring.MediumThreshold = getEnvFloat("MEDIUM_RISK_THRESHOLD", cfg.Scoring.MediumThreshold)

	cfg.Models.RegistryPath = getEnv("MODEL_REGISTRY_PATH", cfg.Models.RegistryPath)
	cfg.Models.PatternBackend = getEnv("PATTERN_BACKEND", cfg.Models.PatternBackend)
	cfg.Models.Contamination = getEnvFloat("CONTAMINATION", cfg.Models.Contamination)
	cfg.Models.Estimators = getEnvInt("ESTIMATORS", cfg.Models.Estimators)

	cfg.Training.MinSamples = getEnvInt("MIN_TRAINING_SAMPLES", cfg.Training.MinSamples)
	cfg.Training.Workers = getEnvInt("TRAINING_WORKERS", cfg.Training.Workers)
	cfg.Training.AutoLoad = getEnvBool("AUTO_LOAD", cfg.Training.AutoLoad)
	cfg.Training.BootstrapOnEmpty = getEnvBool("BOOTSTRAP", cfg.Training.BootstrapOnEmpty)
	cfg.Training.Schedule = getEnv("TRAINING_SCHEDULE", cfg.Training.Schedule)

	cfg.Velocity.Window = getEnvDuration("VELOCITY_WINDOW", cfg.Velocity.Window)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Tracing.Enabled = getEnvBool("TRACING", cfg.Tracing.Enabled)
}

// LogLevel maps the configured level name onto slog.
func LogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		slog.Warn("ignoring invalid integer setting", "key", EnvPrefix+key, "value", value)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		slog.Warn("ignoring invalid float setting", "key", EnvPrefix+key, "value", value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("ignoring invalid duration setting", "key", EnvPrefix+key, "value", value)
	}
	return defaultValue
}
