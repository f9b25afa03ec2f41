package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return eris.Wrapf(err, "create %s", cfg.DataDir)
		}
		zap.L().Info("data directory ready", zap.String("path", cfg.DataDir))
		return nil
	},
}

var teardownYes bool

var teardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "Remove the data directory and everything in it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !teardownYes {
			return eris.Errorf("refusing to remove %s without --yes", cfg.DataDir)
		}
		if err := os.RemoveAll(cfg.DataDir); err != nil {
			return eris.Wrapf(err, "remove %s", cfg.DataDir)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", cfg.DataDir)
		return nil
	},
}

func init() {
	teardownCmd.Flags().BoolVar(&teardownYes, "yes", false, "confirm removal of the data directory")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(teardownCmd)
}
