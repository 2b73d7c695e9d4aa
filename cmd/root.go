// Package cmd is the reviewflow command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"reviewflow/config"
	"reviewflow/logging"
	"reviewflow/metrics"
)

var rootCmd = &cobra.Command{
	Use:           "reviewflow",
	Short:         "Review request automation: sequences, triggers and the step scheduler",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadConfig(); err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if err := logging.Setup(config.AppConfig.Environment, config.AppConfig.SentryDSN); err != nil {
			logrus.WithError(err).Warn("sentry disabled")
		}
		metrics.Init()
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("reviewflow failed")
		os.Exit(1)
	}
}
