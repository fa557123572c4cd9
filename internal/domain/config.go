package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete SplitGuard configuration.
type Config struct {
	// Server settings
	Server ServerConfig `yaml:"server"`

	// Tier determines which backends are selected
	Tier Tier `yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `yaml:"repository"`
	Cache      CacheConfig      `yaml:"cache"`
	EventBus   EventBusConfig   `yaml:"event_bus"`

	// Scoring and model lifecycle
	Scoring  ScoringConfig  `yaml:"scoring"`
	Models   ModelsConfig   `yaml:"models"`
	Training TrainingConfig `yaml:"training"`
	Velocity VelocityConfig `yaml:"velocity"`

	// Observability
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout"`  // seconds
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

// Weights are the ensemble combination weights. They must sum to 1.0.
type Weights struct {
	Anomaly float64 `yaml:"anomaly" json:"anomaly"`
	Pattern float64 `yaml:"pattern" json:"pattern"`
	Risk    float64 `yaml:"risk" json:"risk"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Anomaly + w.Pattern + w.Risk
}

// FlagRuleConfig is an operator-defined flag rule.
// Expression is CEL over anomaly, pattern, features and is_payment.
type FlagRuleConfig struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// ScoringConfig holds the ensemble combination settings.
type ScoringConfig struct {
	Weights         Weights          `yaml:"weights"`
	HighThreshold   float64          `yaml:"high_threshold"`
	MediumThreshold float64          `yaml:"medium_threshold"`
	CustomFlags     []FlagRuleConfig `yaml:"custom_flags"`
}

// ModelsConfig holds model hyperparameters and the registry location.
type ModelsConfig struct {
	RegistryPath   string  `yaml:"registry_path"`
	PatternBackend string  `yaml:"pattern_backend"` // mlp, none
	Contamination  float64 `yaml:"contamination"`
	Estimators     int     `yaml:"estimators"`
	PatternEpochs  int     `yaml:"pattern_epochs"`
}

// TrainingConfig holds training orchestration settings.
type TrainingConfig struct {
	MinSamples       int    `yaml:"min_training_samples"`
	SyntheticSamples int    `yaml:"synthetic_samples"`
	Workers          int    `yaml:"workers"`
	AutoLoad         bool   `yaml:"auto_load"`
	BootstrapOnEmpty bool   `yaml:"bootstrap_on_empty"`
	Schedule         string `yaml:"schedule"`
}

// VelocityConfig holds split-creation velocity settings.
type VelocityConfig struct {
	Window         time.Duration `yaml:"window"`
	RapidThreshold int64         `yaml:"rapid_threshold"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:         "sqlite",
			SQLitePath:     "./splitguard.db",
			ConnectTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			HistoryTTL:   5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 100,
		},
		Scoring: ScoringConfig{
			Weights:         Weights{Anomaly: 0.3, Pattern: 0.3, Risk: 0.4},
			HighThreshold:   80,
			MediumThreshold: 50,
		},
		Models: ModelsConfig{
			RegistryPath:   "./models",
			PatternBackend: "mlp",
			Contamination:  0.05,
			Estimators:     100,
			PatternEpochs:  50,
		},
		Training: TrainingConfig{
			MinSamples:       1000,
			SyntheticSamples: 2000,
			Workers:          2,
			AutoLoad:         true,
			Schedule:         "0 2 * * 0",
		},
		Velocity: VelocityConfig{
			Window:         time.Hour,
			RapidThreshold: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "splitguard",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:         "postgres",
		PostgresHost:   "localhost",
		PostgresPort:   5432,
		PostgresDB:     "splitguard",
		ConnectTimeout: 30 * time.Second,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		HistoryTTL:     5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "splitguard-workers",
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// ValidateWeights rejects negative weights and sums that are not 1.0.
func ValidateWeights(w Weights) error {
	if w.Anomaly < 0 || w.Pattern < 0 || w.Risk < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidConfiguration)
	}
	if math.Abs(w.Sum()-1.0) > 1e-6 {
		return fmt.Errorf("%w: weights sum to %.6f, want 1.0", ErrInvalidConfiguration, w.Sum())
	}
	return nil
}

// WeightsFromMap builds Weights from a keyed map, as stored in ensemble metadata.
func WeightsFromMap(m map[string]float64) (Weights, error) {
	var w Weights
	for _, key := range []string{"anomaly", "pattern", "risk"} {
		v, ok := m[key]
		if !ok {
			return Weights{}, fmt.Errorf("%w: missing weight %q", ErrInvalidConfiguration, key)
		}
		switch key {
		case "anomaly":
			w.Anomaly = v
		case "pattern":
			w.Pattern = v
		case "risk":
			w.Risk = v
		}
	}
	return w, ValidateWeights(w)
}

// Map returns the weights keyed by model role.
func (w Weights) Map() map[string]float64 {
	return map[string]float64{"anomaly": w.Anomaly, "pattern": w.Pattern, "risk": w.Risk}
}

// ValidateThresholds requires 0 <= medium <= high <= 100.
func ValidateThresholds(high, medium float64) error {
	if medium < 0 || medium > high || high > 100 {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= medium (%.2f) <= high (%.2f) <= 100",
			ErrInvalidConfiguration, medium, high)
	}
	return nil
}

// Validate checks the configuration for inconsistent settings.
func (c *Config) Validate() error {
	if err := ValidateWeights(c.Scoring.Weights); err != nil {
		return err
	}
	if err := ValidateThresholds(c.Scoring.HighThreshold, c.Scoring.MediumThreshold); err != nil {
		return err
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unsupported repository driver %q", ErrInvalidConfiguration, c.Repository.Driver)
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: unsupported cache type %q", ErrInvalidConfiguration, c.Cache.Type)
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("%w: unsupported event bus type %q", ErrInvalidConfiguration, c.EventBus.Type)
	}
	if c.Models.Contamination <= 0 || c.Models.Contamination >= 0.5 {
		return fmt.Errorf("%w: contamination must be in (0, 0.5)", ErrInvalidConfiguration)
	}
	if c.Models.Estimators <= 0 {
		return fmt.Errorf("%w: estimators must be positive", ErrInvalidConfiguration)
	}
	if c.Training.Workers <= 0 {
		return fmt.Errorf("%w: training workers must be positive", ErrInvalidConfiguration)
	}
	for _, f := range c.Scoring.CustomFlags {
		if f.Name == "" || f.Expression == "" {
			return fmt.Errorf("%w: custom flag rules need a name and an expression", ErrInvalidConfiguration)
		}
	}
	return nil
}
