// Package config loads engine configuration from a YAML file, with defaults
// for everything so a missing file just means defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"provlog/internal/provenance"
)

// Config holds all engine configuration.
type Config struct {
	// Provenance selects the tag semiring for runs.
	Provenance ProvenanceConfig `yaml:"provenance"`

	// Eval tunes the fixpoint executor.
	Eval EvalConfig `yaml:"eval"`

	// Batch tunes multi-world runs.
	Batch BatchConfig `yaml:"batch"`

	// Logging controls categorized log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ProvenanceConfig selects and parameterizes the provenance strategy.
type ProvenanceConfig struct {
	Kind string `yaml:"kind"` // unit, minmaxprob, addmultprob, topkproofs
	K    int    `yaml:"k"`    // proof bound for topkproofs
}

// EvalConfig tunes evaluation.
type EvalConfig struct {
	// IterationLimit caps fixpoint rounds per stratum; 0 disables the cap.
	IterationLimit int `yaml:"iteration_limit"`
	// EarlyDiscard prunes zero-tag partial derivations.
	EarlyDiscard bool `yaml:"early_discard"`
	// Incremental reuses the previous run's state across runs.
	Incremental bool `yaml:"incremental"`
}

// BatchConfig tunes batch runs.
type BatchConfig struct {
	// Workers caps concurrent worlds; 0 means unlimited.
	Workers int `yaml:"workers"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug      bool     `yaml:"debug"`
	JSONFormat bool     `yaml:"json_format"`
	Categories []string `yaml:"categories"`
}

// DefaultConfig returns the defaults used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Provenance: ProvenanceConfig{
			Kind: string(provenance.KindUnit),
			K:    3,
		},
		Eval: EvalConfig{
			IterationLimit: 0,
			EarlyDiscard:   false,
			Incremental:    false,
		},
		Batch: BatchConfig{
			Workers: 0,
		},
		Logging: LoggingConfig{
			Debug:      false,
			JSONFormat: false,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnvOverrides lets the environment override file settings.
func (c *Config) applyEnvOverrides() {
	if kind := os.Getenv("PROVLOG_PROVENANCE"); kind != "" {
		c.Provenance.Kind = kind
	}
	if k := os.Getenv("PROVLOG_TOPK"); k != "" {
		if n, err := strconv.Atoi(k); err == nil {
			c.Provenance.K = n
		}
	}
	if v := os.Getenv("PROVLOG_DEBUG"); v == "1" || v == "true" {
		c.Logging.Debug = true
	}
}

// Kind returns the configured provenance kind.
func (c *Config) Kind() provenance.Kind {
	return provenance.Kind(c.Provenance.Kind)
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Kind() {
	case provenance.KindUnit, provenance.KindMinMaxProb, provenance.KindAddMultProb:
	case provenance.KindTopKProofs:
		if c.Provenance.K < 1 {
			return fmt.Errorf("provenance.k must be at least 1 for topkproofs, got %d", c.Provenance.K)
		}
	default:
		return fmt.Errorf("unknown provenance kind %q", c.Provenance.Kind)
	}
	if c.Eval.IterationLimit < 0 {
		return fmt.Errorf("eval.iteration_limit cannot be negative")
	}
	if c.Batch.Workers < 0 {
		return fmt.Errorf("batch.workers cannot be negative")
	}
	return nil
}
