package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"blekit/config"
	"blekit/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "blekit",
	Short: "Framed command protocol toolkit",
	Long: `blekit speaks the 0xAA-framed command protocol used by the reference
BLE peripheral: it serves protocols over TCP, calls commands on remote
servers, and encodes or decodes single frames for debugging.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			cfg = config.Default()
			if err := cfg.Validate(); err != nil {
				return err
			}
		} else {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}
		logging.Configure(cfg.Log)
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.toml, .yaml or .yml)")
}
