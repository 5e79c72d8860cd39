package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// Config captures the settings required to boot the servicer engine.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Logging   LoggingConfig           `yaml:"logging"`
	Store     StoreConfig             `yaml:"store"`
	Cache     CacheConfig             `yaml:"cache"`
	Learning  LearningConfig          `yaml:"learning"`
	SMTP      SMTPConfig              `yaml:"smtp"`
	Servicers []models.ServicerConfig `yaml:"servicers"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address" env:"SERVICER_ENGINE_ADDRESS"`
	MetricsAddress  string        `yaml:"metricsAddress" env:"SERVICER_ENGINE_METRICS_ADDRESS"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout" env:"SERVICER_ENGINE_GRACEFUL_TIMEOUT"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" env:"SERVICER_ENGINE_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"SERVICER_ENGINE_LOG_JSON"`
}

// StoreConfig locates the intelligence database.
type StoreConfig struct {
	Path string `yaml:"path" env:"SERVICER_ENGINE_STORE_PATH"`
}

// CacheConfig controls caching of recommendation reads.
type CacheConfig struct {
	Enabled   bool          `yaml:"enabled" env:"SERVICER_ENGINE_CACHE_ENABLED"`
	AdviceTTL time.Duration `yaml:"adviceTTL" env:"SERVICER_ENGINE_CACHE_ADVICE_TTL"`
}

// LearningConfig holds the tunable intelligence policy values.
type LearningConfig struct {
	// ConfidenceStep is the fraction of the remaining distance to 1.0 a
	// repeated observation adds to a record's confidence.
	ConfidenceStep float64 `yaml:"confidenceStep" env:"SERVICER_ENGINE_CONFIDENCE_STEP"`
	// RecommendThreshold is the minimum confidence before a learned document
	// order is surfaced as a recommendation.
	RecommendThreshold float64 `yaml:"recommendThreshold" env:"SERVICER_ENGINE_RECOMMEND_THRESHOLD"`
	// EvidenceLimit caps stored outcome evidence per intelligence record.
	EvidenceLimit int `yaml:"evidenceLimit" env:"SERVICER_ENGINE_EVIDENCE_LIMIT"`
}

// SMTPConfig configures the outbound mail relay used by email/fax adapters.
type SMTPConfig struct {
	Host     string        `yaml:"host" env:"SERVICER_ENGINE_SMTP_HOST"`
	Port     int           `yaml:"port" env:"SERVICER_ENGINE_SMTP_PORT"`
	Username string        `yaml:"username" env:"SERVICER_ENGINE_SMTP_USERNAME"`
	Password string        `yaml:"password" env:"SERVICER_ENGINE_SMTP_PASSWORD"`
	From     string        `yaml:"from" env:"SERVICER_ENGINE_SMTP_FROM"`
	Timeout  time.Duration `yaml:"timeout" env:"SERVICER_ENGINE_SMTP_TIMEOUT"`
}

// Load initialises Config from a YAML file and environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SERVICER_ENGINE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8085",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Store:   StoreConfig{Path: "servicer-intelligence.db"},
		Cache: CacheConfig{
			Enabled:   true,
			AdviceTTL: 2 * time.Minute,
		},
		Learning: LearningConfig{
			ConfidenceStep:     0.1,
			RecommendThreshold: 0.8,
			EvidenceLimit:      50,
		},
		SMTP: SMTPConfig{
			Port:    587,
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Config) validate() error {
	if c.Learning.ConfidenceStep <= 0 || c.Learning.ConfidenceStep >= 1 {
		return fmt.Errorf("learning.confidenceStep must be in (0,1), got %v", c.Learning.ConfidenceStep)
	}
	if c.Learning.RecommendThreshold < 0 || c.Learning.RecommendThreshold > 1 {
		return fmt.Errorf("learning.recommendThreshold must be in [0,1], got %v", c.Learning.RecommendThreshold)
	}
	if c.Learning.EvidenceLimit <= 0 {
		return fmt.Errorf("learning.evidenceLimit must be positive, got %d", c.Learning.EvidenceLimit)
	}

	seen := make(map[string]struct{}, len(c.Servicers))
	for i, sc := range c.Servicers {
		id := strings.ToLower(strings.TrimSpace(sc.ID))
		if id == "" {
			return fmt.Errorf("servicers[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("servicers[%d]: duplicate id %q", i, sc.ID)
		}
		seen[id] = struct{}{}
		switch sc.Integration {
		case models.IntegrationAPI, models.IntegrationPortal, models.IntegrationEmail, models.IntegrationFax:
		default:
			return fmt.Errorf("servicers[%d]: unknown integration type %q", i, sc.Integration)
		}
	}
	return nil
}
