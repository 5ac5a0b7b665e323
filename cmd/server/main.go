package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/flowplane/internal/config"
	"github.com/t77yq/flowplane/internal/logging"
)

var (
	cfgFile string

	cfg        *config.Config
	logger     *zap.Logger
	closeLogFn func()
)

var rootCmd = &cobra.Command{
	Use:           "flowplane",
	Short:         "Workflow control plane for a fleet of agents",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, closeLogFn, err = logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		logger = logger.With(zap.String("app", cfg.App.Name))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if closeLogFn != nil {
			closeLogFn()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./config/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
