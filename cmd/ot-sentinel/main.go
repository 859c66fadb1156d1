// Package main is the entry point for the ot-sentinel response pipeline.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ot-sentinel/internal/config"
	"ot-sentinel/internal/logging"
)

var version = "dev"

// annotationReportsInvalidConfig marks commands that run with a config that
// fails validation so they can report the problem themselves.
const annotationReportsInvalidConfig = "reports-invalid-config"

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ot-sentinel",
	Short:         "OT/ICS incident response pipeline",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfgFile != "" {
			cfg, err = config.LoadFile(cfgFile)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil && cmd.Annotations[annotationReportsInvalidConfig] == "" {
			return fmt.Errorf("invalid config: %w", err)
		}
		logging.Setup(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		slog.Debug("configuration loaded",
			"transport", cfg.Transport,
			"events", cfg.Streams.Events,
			"alerts", cfg.Streams.Alerts,
			"rules_source", cfg.Rules.Source,
		)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $OTS_CONFIG_PATH or "+config.DefaultPath+")")

	rootCmd.AddCommand(rulesWorkerCmd)
	rootCmd.AddCommand(actionWorkerCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(doctorCmd)
}

// configPath returns the file the configuration is read from.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("OTS_CONFIG_PATH"); p != "" {
		return p
	}
	return config.DefaultPath
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
