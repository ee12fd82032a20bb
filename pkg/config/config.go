package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port         int    `json:"port" yaml:"port" env:"SERVER_PORT"`
	RateLimitRPS int    `json:"rate_limit_rps" yaml:"rate_limit_rps" env:"SERVER_RATE_LIMIT_RPS"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// EngineConfig controls the VM defaults.
type EngineConfig struct {
	DefaultFuel          float64 `json:"default_fuel" yaml:"default_fuel" env:"ENGINE_DEFAULT_FUEL"`
	ProcedureTTLSeconds  int     `json:"procedure_ttl_seconds" yaml:"procedure_ttl_seconds" env:"ENGINE_PROCEDURE_TTL_SECONDS"`
	ProcedureMaxBytes    int     `json:"procedure_max_bytes" yaml:"procedure_max_bytes" env:"ENGINE_PROCEDURE_MAX_BYTES"`
	SweepIntervalSeconds int     `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds" env:"ENGINE_SWEEP_INTERVAL_SECONDS"`
	AllowedFetchDomains  string  `json:"allowed_fetch_domains" yaml:"allowed_fetch_domains" env:"ENGINE_ALLOWED_FETCH_DOMAINS"`
}

// RedisConfig holds the shared store connection settings. An empty address
// leaves the engine on its in-memory store.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr" env:"REDIS_ADDR"`
	Password string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `json:"db" yaml:"db" env:"REDIS_DB"`
	Prefix   string `json:"prefix" yaml:"prefix" env:"REDIS_PREFIX"`
}

// LLMConfig configures the OpenAI-compatible llm capability. An empty API key
// leaves the capability uninstalled.
type LLMConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" env:"LLM_BASE_URL"`
	APIKey         string `json:"api_key" yaml:"api_key" env:"LLM_API_KEY"`
	Model          string `json:"model" yaml:"model" env:"LLM_MODEL"`
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model" env:"LLM_EMBEDDING_MODEL"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Redis   RedisConfig   `json:"redis" yaml:"redis"`
	LLM     LLMConfig     `json:"llm" yaml:"llm"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			RateLimitRPS: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Engine: EngineConfig{
			DefaultFuel:          1000,
			ProcedureTTLSeconds:  3600,
			ProcedureMaxBytes:    64 * 1024,
			SweepIntervalSeconds: 60,
		},
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
	}
}

// Load reads configuration from an optional config file and then from the
// environment, which takes precedence. Variables from .env are added to the
// environment first, without replacing variables that are already set.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML or JSON file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// FetchDomains returns the configured fetch allowlist as a slice, nil when
// unset so the engine falls back to its loopback-only policy.
func (c *Config) FetchDomains() []string {
	raw := strings.TrimSpace(c.Engine.AllowedFetchDomains)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) normalize() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RateLimitRPS <= 0 {
		c.Server.RateLimitRPS = 20
	}
	if c.Engine.DefaultFuel <= 0 {
		c.Engine.DefaultFuel = 1000
	}
	if c.Engine.ProcedureTTLSeconds <= 0 {
		c.Engine.ProcedureTTLSeconds = 3600
	}
	if c.Engine.ProcedureMaxBytes <= 0 {
		c.Engine.ProcedureMaxBytes = 64 * 1024
	}
	if c.Engine.SweepIntervalSeconds <= 0 {
		c.Engine.SweepIntervalSeconds = 60
	}
}
