package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pario-ai/insight/pkg/config"
	"github.com/pario-ai/insight/pkg/logging"
)

var version = "dev"

func main() {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "insight",
		Short:         "Insight: streaming AI analysis client with a result cache",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("INSIGHT_CONFIG"), "path to insight config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	load := func() (*config.Config, error) {
		cfg := config.Default()
		if configPath != "" {
			var err error
			if cfg, err = config.Load(configPath); err != nil {
				return nil, err
			}
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if err := logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	root.AddCommand(
		newAskCmd(load),
		newAnalyzeCmd(load),
		newMCPCmd(load),
		newRunsCmd(load),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configLoader loads and validates configuration and sets up logging.
type configLoader func() (*config.Config, error)
