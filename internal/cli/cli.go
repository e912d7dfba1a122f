//-------------------------------------------------------------------------
//
// Meridian Bank Analytics Warehouse
//
// Copyright (c) 2025 - 2026, Meridian Bank Data Platform Group
// This software is released under The PostgreSQL License
//
//-------------------------------------------------------------------------

// Package cli implements the command-line interface for bankdw.
package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/meridianbank/bankdw/internal/config"
	"github.com/meridianbank/bankdw/internal/logging"
	"github.com/meridianbank/bankdw/pkg/version"
)

// ErrPartial marks a run in which some sources failed or were skipped while
// others loaded. The process exits with code 1 instead of 2.
var ErrPartial = errors.New("some sources did not complete")

var (
	// Global flags
	cfgFile    string
	connection string
	logLevel   string

	// Global config
	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "bankdw",
		Short: "Incremental ETL engine for the Meridian Bank analytics warehouse",
		Long: `bankdw moves data from the bank's operational systems into the
partitioned analytics warehouse. It extracts incrementally from each
configured source, validates the staged batches, loads them with
watermark-guarded idempotent upserts, maintains the monthly fact
partitions, and keeps the summary tables refreshed.

Every load advances a per-source watermark in the same transaction as
the rows themselves, so an interrupted run can always be replayed
without double-counting.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ./bankdw.yaml)")
	rootCmd.PersistentFlags().StringVar(&connection, "connection", "",
		"PostgreSQL connection string for the warehouse")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(rejectsCmd)
	rootCmd.AddCommand(qualityCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func initConfig() error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Override with CLI flags
	if connection != "" {
		cfg.Connection = connection
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	// Reinitialize logger with config
	logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version.Info())
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	Long: `List the source systems configured for extraction, their adapter
kinds, cadences, and target tables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateSources(); err != nil {
			return err
		}
		cmd.Println("Configured sources:")
		cmd.Println()
		for _, s := range cfg.Sources {
			deps := ""
			if len(s.DependsOn) > 0 {
				deps = "  (after: "
				for i, d := range s.DependsOn {
					if i > 0 {
						deps += ", "
					}
					deps += d
				}
				deps += ")"
			}
			cmd.Printf("  %-14s %-10s %-10s -> %s%s\n", s.Name, s.Kind, s.Cadence, s.Table, deps)
		}
		return nil
	},
}
