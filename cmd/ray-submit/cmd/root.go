// Package cmd implements the ray-submit command-line entry point: a
// cobra root command that loads configuration and dispatches to its
// subcommands.
package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/buildbarn/bonanza/pkg/config"
	"github.com/buildbarn/bonanza/pkg/raylogging"
)

const configFlag = "config"

// RootCmd returns the top-level ray-submit command.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ray-submit",
		Short:        "Client-side task scheduling core for a distributed compute cluster",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringSlice(
		configFlag,
		nil,
		"Path to a YAML configuration file (repeat the flag or separate paths with commas to merge several)",
	)
	if err := viper.BindPFlag(configFlag, root.PersistentFlags().Lookup(configFlag)); err != nil {
		logrus.WithError(err).Fatal("failed to bind --config flag")
	}

	root.AddCommand(simulateCmd())
	return root
}

// loadConfig reads the --config paths (if any) into a
// config.Configuration and configures logging from it.
func loadConfig() (config.Configuration, error) {
	cfg, err := config.Load(viper.GetStringSlice(configFlag))
	if err != nil {
		return config.Configuration{}, err
	}
	if err := raylogging.Configure(cfg.Logging.Format, cfg.Logging.Level); err != nil {
		return config.Configuration{}, err
	}
	return cfg, nil
}
