// Package config loads application configuration for mnemo.
// Configuration comes from ~/.mnemo/config.yaml with environment variable
// overrides (prefix MNEMO_), falling back to defaults for anything unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/normanking/mnemo/internal/attention"
)

// Config holds all application configuration.
type Config struct {
	Memory        MemoryConfig        `mapstructure:"memory" yaml:"memory"`
	Salience      SalienceConfig      `mapstructure:"salience" yaml:"salience"`
	Consolidation ConsolidationConfig `mapstructure:"consolidation" yaml:"consolidation"`
	Classifier    ClassifierConfig    `mapstructure:"classifier" yaml:"classifier"`
	Store         StoreConfig         `mapstructure:"store" yaml:"store"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
}

// MemoryConfig bounds the working memory container.
type MemoryConfig struct {
	// Capacity is the nominal item span per scope. Must be positive.
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
	// Variance is the tolerated overshoot above capacity.
	Variance int `mapstructure:"variance" yaml:"variance"`
	// OverflowThreshold is the fraction of the hard ceiling that raises
	// the overflow warning.
	OverflowThreshold float64 `mapstructure:"overflow_threshold" yaml:"overflow_threshold"`
}

// SalienceConfig tunes scoring and decay.
type SalienceConfig struct {
	RecencyHalfLife  time.Duration `mapstructure:"recency_half_life" yaml:"recency_half_life"`
	DecayRate        float64       `mapstructure:"decay_rate" yaml:"decay_rate"`
	RefreshThreshold float64       `mapstructure:"refresh_threshold" yaml:"refresh_threshold"`
}

// ConsolidationConfig tunes the router and scheduler.
type ConsolidationConfig struct {
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts" yaml:"max_dispatch_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
}

// ClassifierConfig points at the learned classification service. An empty
// endpoint disables the learned path; every item then takes the rule
// fallback.
type ClassifierConfig struct {
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StoreConfig locates the SQLite database backing the long-term stores
// and the routing audit trail.
type StoreConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Pretty enables human-readable console output instead of JSON.
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Memory: MemoryConfig{
			Capacity:          attention.DefaultCapacity,
			Variance:          attention.DefaultVariance,
			OverflowThreshold: attention.DefaultOverflowThreshold,
		},
		Salience: SalienceConfig{
			RecencyHalfLife:  attention.DefaultRecencyHalfLife,
			DecayRate:        attention.DefaultDecayRate,
			RefreshThreshold: attention.DefaultRefreshThreshold,
		},
		Consolidation: ConsolidationConfig{
			Interval:            10 * time.Minute,
			ConfidenceThreshold: 0.60,
			MaxDispatchAttempts: 3,
			BackoffBase:         100 * time.Millisecond,
		},
		Classifier: ClassifierConfig{
			Timeout: 5 * time.Second,
		},
		Store: StoreConfig{
			DBPath: filepath.Join(home, ".mnemo", "mnemo.db"),
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8674",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given path, or the default location
// when path is empty. A missing config file is not an error; defaults and
// environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := Default()

	v.SetDefault("memory.capacity", def.Memory.Capacity)
	v.SetDefault("memory.variance", def.Memory.Variance)
	v.SetDefault("memory.overflow_threshold", def.Memory.OverflowThreshold)
	v.SetDefault("salience.recency_half_life", def.Salience.RecencyHalfLife)
	v.SetDefault("salience.decay_rate", def.Salience.DecayRate)
	v.SetDefault("salience.refresh_threshold", def.Salience.RefreshThreshold)
	v.SetDefault("consolidation.interval", def.Consolidation.Interval)
	v.SetDefault("consolidation.confidence_threshold", def.Consolidation.ConfidenceThreshold)
	v.SetDefault("consolidation.max_dispatch_attempts", def.Consolidation.MaxDispatchAttempts)
	v.SetDefault("consolidation.backoff_base", def.Consolidation.BackoffBase)
	v.SetDefault("classifier.endpoint", def.Classifier.Endpoint)
	v.SetDefault("classifier.timeout", def.Classifier.Timeout)
	v.SetDefault("store.db_path", def.Store.DBPath)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.pretty", def.Logging.Pretty)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".mnemo"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// An explicit --config path must exist; the default location is
		// optional.
		var notFound viper.ConfigFileNotFoundError
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the system cannot run with.
func (c *Config) Validate() error {
	if c.Memory.Capacity <= 0 {
		return fmt.Errorf("memory.capacity must be positive: %w", attention.ErrCapacityMisconfigured)
	}
	if c.Memory.Variance < 0 {
		return fmt.Errorf("memory.variance must be non-negative: %w", attention.ErrCapacityMisconfigured)
	}
	if c.Salience.DecayRate < 0 || c.Salience.DecayRate >= 1 {
		return fmt.Errorf("salience.decay_rate must be within [0,1)")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("unknown logging.level %q", c.Logging.Level)
	}
	return nil
}

// YAML renders the configuration for `mnemo config show`.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}
