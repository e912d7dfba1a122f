//-------------------------------------------------------------------------
//
// Meridian Bank Analytics Warehouse
//
// Copyright (c) 2025 - 2026, Meridian Bank Data Platform Group
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package config handles configuration management for bankdw.
// Configuration is loaded from config files and CLI flags (no environment
// variables). CLI flags take precedence over config file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/meridianbank/bankdw/internal/etl"
)

// Config holds all configuration for bankdw.
type Config struct {
	// Connection is the PostgreSQL connection string for the warehouse.
	Connection string `mapstructure:"connection"`

	// LogLevel controls logging verbosity (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level"`

	// Sources lists the configured source systems.
	Sources []SourceConfig `mapstructure:"sources"`

	// Validation holds transform/validate engine configuration.
	Validation ValidateConfig `mapstructure:"validate"`

	// Partition holds partition lifecycle configuration.
	Partition PartitionConfig `mapstructure:"partition"`

	// Scheduler holds orchestration and retry configuration.
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Quality holds post-load quality check configuration.
	Quality QualityConfig `mapstructure:"quality"`
}

// SourceConfig describes one source system and its extraction contract.
type SourceConfig struct {
	// Name identifies the source (corebank, crm, atm, loans, ...).
	Name string `mapstructure:"name"`

	// Kind selects the adapter: synthetic, csv, jsonl, logfile.
	Kind string `mapstructure:"kind"`

	// Cadence is the extraction schedule: daily, weekly, monthly, quarterly.
	Cadence string `mapstructure:"cadence"`

	// Table is the warehouse table this source feeds.
	Table string `mapstructure:"table"`

	// Path is the input file for file-backed adapters.
	Path string `mapstructure:"path"`

	// DependsOn lists sources whose load must complete earlier in the
	// same cycle before this source's pipeline runs.
	DependsOn []string `mapstructure:"depends_on"`

	// Seed fixes the generator seed for synthetic adapters (0 = random).
	Seed uint64 `mapstructure:"seed"`

	// TimeoutSeconds bounds one extraction call. An adapter exceeding it
	// is treated as unavailable and retried by the scheduler.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ValidateConfig holds transform/validate engine configuration.
type ValidateConfig struct {
	// RejectThreshold is the reject ratio (0..1) above which a whole
	// batch fails with a quality threshold error.
	RejectThreshold float64 `mapstructure:"reject_threshold"`

	// Disable lists rule kinds to skip: completeness, validity,
	// consistency, business.
	Disable []string `mapstructure:"disable"`

	// SampleFailures caps the number of failure samples kept per check
	// in the data-quality report.
	SampleFailures int `mapstructure:"sample_failures"`
}

// PartitionConfig holds partition lifecycle configuration.
type PartitionConfig struct {
	// AutoCreate allows the load path to create missing partitions.
	AutoCreate bool `mapstructure:"auto_create"`

	// AheadMonths is how many future partitions to pre-create per table.
	AheadMonths int `mapstructure:"ahead_months"`

	// RetentionMonths is the age past which partitions are retired
	// (0 = keep everything).
	RetentionMonths int `mapstructure:"retention_months"`
}

// SchedulerConfig holds orchestration and retry configuration.
type SchedulerConfig struct {
	// MaxAttempts is the attempt limit per stage before it is marked FAILED.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BackoffSeconds is the initial retry backoff; it doubles per attempt.
	BackoffSeconds int `mapstructure:"backoff_seconds"`

	// MaxBackoffSeconds caps the backoff growth.
	MaxBackoffSeconds int `mapstructure:"max_backoff_seconds"`
}

// QualityConfig holds post-load quality check configuration.
type QualityConfig struct {
	// ReportPath is where the JSON quality report is written.
	ReportPath string `mapstructure:"report_path"`
}

// DefaultConfig returns a Config with default values, including the default
// source roster for the banking warehouse.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Sources: []SourceConfig{
			{Name: "corebank", Kind: "synthetic", Cadence: "daily", Table: "transaction_fact", TimeoutSeconds: 120},
			{Name: "atm", Kind: "logfile", Cadence: "daily", Table: "transaction_fact", Path: "atm_journal.log", TimeoutSeconds: 120},
			{Name: "crm", Kind: "jsonl", Cadence: "weekly", Table: "customer_dim", Path: "crm_export.jsonl", TimeoutSeconds: 120},
			{Name: "crm-surveys", Kind: "synthetic", Cadence: "monthly", Table: "customer_fact", DependsOn: []string{"corebank"}, TimeoutSeconds: 120},
			{Name: "loans", Kind: "csv", Cadence: "quarterly", Table: "loan_fact", Path: "loan_book.csv", TimeoutSeconds: 300},
		},
		Validation: ValidateConfig{
			RejectThreshold: 0.05,
			SampleFailures:  10,
		},
		Partition: PartitionConfig{
			AutoCreate:      true,
			AheadMonths:     1,
			RetentionMonths: 0,
		},
		Scheduler: SchedulerConfig{
			MaxAttempts:       3,
			BackoffSeconds:    5,
			MaxBackoffSeconds: 120,
		},
		Quality: QualityConfig{
			ReportPath: "quality_report.json",
		},
	}
}

// Load reads configuration from config files.
// Config file locations (in order of precedence):
// 1. Path specified by configFile parameter
// 2. ./bankdw.yaml
// 3. ~/.config/bankdw/config.yaml
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("bankdw")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "bankdw"))
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := DefaultConfig()

	// A sources list in the file replaces the default roster wholesale.
	if v.IsSet("sources") {
		cfg.Sources = nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Connection == "" {
		return fmt.Errorf("connection string is required")
	}
	return c.ValidateSources()
}

// ValidateSources checks the source roster for consistency.
func (c *Config) ValidateSources() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source must be configured")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("source name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source: %s", s.Name)
		}
		seen[s.Name] = true
		if !etl.Cadence(s.Cadence).Valid() {
			return fmt.Errorf("source %s: invalid cadence %q", s.Name, s.Cadence)
		}
		if s.Table == "" {
			return fmt.Errorf("source %s: target table is required", s.Name)
		}
	}
	for _, s := range c.Sources {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("source %s depends on unknown source %s", s.Name, dep)
			}
		}
	}
	if c.Validation.RejectThreshold < 0 || c.Validation.RejectThreshold > 1 {
		return fmt.Errorf("reject_threshold must be between 0 and 1")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	return nil
}

// Source returns the configuration for a named source.
func (c *Config) Source(name string) (SourceConfig, error) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, nil
		}
	}
	return SourceConfig{}, fmt.Errorf("unknown source: %s", name)
}
