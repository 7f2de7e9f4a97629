// Package config loads service settings from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mendezjerick/riceforecast/internal/advisory"
	"github.com/mendezjerick/riceforecast/internal/api"
	"github.com/mendezjerick/riceforecast/internal/features"
	"github.com/mendezjerick/riceforecast/internal/logger"
	"github.com/mendezjerick/riceforecast/internal/model"
	"github.com/mendezjerick/riceforecast/internal/panel"
	"github.com/mendezjerick/riceforecast/internal/store"
	"github.com/mendezjerick/riceforecast/internal/training"
	"github.com/mendezjerick/riceforecast/pkg/otel"
)

// Config is the full service configuration.
type Config struct {
	Data      panel.SourceConfig  `yaml:"data"`
	Features  features.Config     `yaml:"features"`
	Training  TrainingConfig      `yaml:"training"`
	Advisory  advisory.Thresholds `yaml:"advisory"`
	Artifacts ArtifactsConfig     `yaml:"artifacts"`
	Server    ServerConfig        `yaml:"server"`
	Store     store.Config        `yaml:"store"`
	Cache     CacheConfig         `yaml:"cache"`
	Log       logger.Config       `yaml:"log"`
	Telemetry otel.Config         `yaml:"telemetry"`
}

// TrainingConfig is the evaluation protocol plus the candidate list.
type TrainingConfig struct {
	training.Config `yaml:",inline"`
	Candidates      []model.Candidate `yaml:"candidates"`
}

// ArtifactsConfig locates the model registry.
type ArtifactsConfig struct {
	Dir     string `yaml:"dir"`
	HMACKey string `yaml:"hmac_key"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	TokenRate    int           `yaml:"token_rate"`  // requests per second
	ClientRate   int           `yaml:"client_rate"` // per client address; 0 disables
	MetricsUser  string        `yaml:"metrics_user"`
	MetricsPass  string        `yaml:"metrics_pass"`
}

// CacheConfig sizes the in-process response cache.
type CacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	tel := otel.DefaultConfig("ricecast")
	return &Config{
		Data:     panel.DefaultSourceConfig(),
		Features: features.DefaultConfig(),
		Training: TrainingConfig{
			Config:     training.DefaultConfig(),
			Candidates: model.DefaultCandidates(),
		},
		Advisory:  advisory.DefaultThresholds(),
		Artifacts: ArtifactsConfig{Dir: "artifacts"},
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			TokenRate:    100,
		},
		Store: store.Config{Backend: "memory", TTL: 6 * time.Hour},
		Cache: CacheConfig{Size: 256, TTL: 15 * time.Minute},
		Log:   logger.DefaultConfig(),
		Telemetry: *tel,
	}
}

// Load applies defaults, then the YAML file at path (if non-empty), then
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, api.Errorf(api.ErrValidation, "parse config %s: %v", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Data.Path = getEnv("RICECAST_DATA", c.Data.Path)
	c.Artifacts.Dir = getEnv("RICECAST_ARTIFACTS", c.Artifacts.Dir)
	c.Artifacts.HMACKey = getEnv("RICECAST_HMAC_KEY", c.Artifacts.HMACKey)
	c.Training.HoldoutMonths = getEnvInt("RICECAST_HOLDOUT_MONTHS", c.Training.HoldoutMonths)
	c.Features.Horizon = getEnvInt("RICECAST_HORIZON", c.Features.Horizon)

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.TokenRate = getEnvInt("TOKEN_RATE", c.Server.TokenRate)
	c.Server.ClientRate = getEnvInt("CLIENT_RATE", c.Server.ClientRate)
	c.Server.MetricsUser = getEnv("METRICS_USER", c.Server.MetricsUser)
	c.Server.MetricsPass = getEnv("METRICS_PASS", c.Server.MetricsPass)

	c.Store.Backend = getEnv("STORE_BACKEND", c.Store.Backend)
	c.Store.SnapshotPath = getEnv("STORE_SNAPSHOT", c.Store.SnapshotPath)
	c.Store.RedisAddr = getEnv("REDIS_ADDR", c.Store.RedisAddr)
	c.Store.RedisPassword = getEnv("REDIS_PASSWORD", c.Store.RedisPassword)
	c.Store.PostgresURL = getEnv("POSTGRES_CONN", c.Store.PostgresURL)
	c.Store.TTL = getEnvDuration("STORE_TTL", c.Store.TTL)

	c.Cache.Size = getEnvInt("CACHE_SIZE", c.Cache.Size)
	c.Cache.TTL = getEnvDuration("CACHE_TTL", c.Cache.TTL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Telemetry.Enabled = getEnvBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.CollectorEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.CollectorEndpoint)
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Data.Path == "" {
		return api.Errorf(api.ErrValidation, "data.path is required")
	}
	if err := c.Features.Validate(); err != nil {
		return err
	}
	if err := c.Training.Config.Validate(); err != nil {
		return err
	}
	if len(c.Training.Candidates) == 0 {
		return api.Errorf(api.ErrValidation, "training.candidates must not be empty")
	}
	for _, cand := range c.Training.Candidates {
		if _, err := model.New(cand.Spec); err != nil {
			return fmt.Errorf("candidate %s: %w", cand.Name, err)
		}
	}
	if err := c.Advisory.Validate(); err != nil {
		return err
	}
	if c.Artifacts.Dir == "" {
		return api.Errorf(api.ErrValidation, "artifacts.dir is required")
	}
	if c.Server.TokenRate < 1 {
		return api.Errorf(api.ErrValidation, "server.token_rate must be positive")
	}
	if c.Server.ClientRate < 0 {
		return api.Errorf(api.ErrValidation, "server.client_rate must not be negative")
	}
	if c.Cache.Size < 1 {
		return api.Errorf(api.ErrValidation, "cache.size must be positive")
	}
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return api.Errorf(api.ErrValidation, "unknown store backend %q", c.Store.Backend)
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		return api.Errorf(api.ErrValidation, "telemetry.sampling_rate must be in [0, 1]")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
