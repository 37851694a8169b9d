package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/triage/internal/config"
)

var (
	version = "0.1.0"

	configPath string
	regionFlag string
	debugFlag  bool

	rootCmd = &cobra.Command{
		Use:   "triage",
		Short: "Diagnostic investigations for ECS tasks and RDS databases",
		Long: `Triage - diagnostic investigations for ECS tasks and RDS databases

Triage gathers status, utilization, events and top SQL for the tasks and
databases you name, in parallel, and folds everything into one report.
Partial failures are recorded on the entity they concern; the report is
always returned.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Triage {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&regionFlag, "region", "", "Default AWS region (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
}

// loadConfig reads the config file when one is given and applies the
// global flags on top.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if regionFlag != "" {
		cfg.AWS.DefaultRegion = regionFlag
	}
	if debugFlag {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}
