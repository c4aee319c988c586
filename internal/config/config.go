// Package config loads the crew command line configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides. The key
// store.driver is read from CREW_STORE_DRIVER.
const EnvPrefix = "CREW"

// Store drivers
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
)

// Config represents the complete crew configuration
type Config struct {
	Store   StoreConfig   `mapstructure:"store"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
	Search  SearchConfig  `mapstructure:"search"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Graph   GraphConfig   `mapstructure:"graph"`
	Prompts PromptsConfig `mapstructure:"prompts"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	StepLog StepLogConfig `mapstructure:"steplog"`
}

// StoreConfig selects the checkpoint store
type StoreConfig struct {
	// Driver is one of "memory", "file", "postgres"
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
}

// SessionConfig controls where sessions are kept. An empty Dir keeps
// sessions in memory.
type SessionConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SearchConfig configures the web search collaborator
type SearchConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	MaxResults int           `mapstructure:"max_results"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LLMConfig configures the text generation collaborator
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// GraphConfig optionally points at a YAML graph definition
type GraphConfig struct {
	File string `mapstructure:"file"`
}

// PromptsConfig overrides the analyst and writer prompt templates
type PromptsConfig struct {
	Analyst string `mapstructure:"analyst"`
	Writer  string `mapstructure:"writer"`
}

// MetricsConfig controls the Prometheus textfile export
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// StepLogConfig controls the per-thread step log
type StepLogConfig struct {
	Dir string `mapstructure:"dir"`
}

// Dir returns the default data directory, ~/.deepnoodle/crew
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".deepnoodle", "crew")
	}
	return filepath.Join(home, ".deepnoodle", "crew")
}

// Load reads the configuration. When path is empty, config.yaml is looked
// up in the working directory and the data directory; a missing file is
// not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider keys are also accepted under their usual names
	_ = v.BindEnv("search.api_key", EnvPrefix+"_SEARCH_API_KEY", "TAVILY_API_KEY")
	_ = v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "GROQ_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	dir := Dir()

	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.dir", filepath.Join(dir, "threads"))
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table", "crew_checkpoints")

	v.SetDefault("session.dir", filepath.Join(dir, "sessions"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("search.base_url", "https://api.tavily.com")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.max_results", 3)
	v.SetDefault("search.rate_limit", 1.0)
	v.SetDefault("search.timeout", 30*time.Second)

	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama-3.1-8b-instant")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.rate_limit", 0.5)
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("graph.file", "")
	v.SetDefault("prompts.analyst", "")
	v.SetDefault("prompts.writer", "")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("steplog.dir", "")
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the file driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid store driver: %q", c.Store.Driver)
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("search.max_results must be positive, got %d", c.Search.MaxResults)
	}
	if c.Search.RateLimit < 0 {
		return fmt.Errorf("search.rate_limit cannot be negative")
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be between 0 and 2, got %g", c.LLM.Temperature)
	}
	if c.LLM.RateLimit < 0 {
		return fmt.Errorf("llm.rate_limit cannot be negative")
	}
	return nil
}

// SlogLevel parses the configured level
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, fmt.Errorf("invalid log level: %q", c.Level)
	}
	return level, nil
}
