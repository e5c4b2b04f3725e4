package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockberries/finalberry/config"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "finalberryd",
	Short:        "finalberryd runs a BFT finality node",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("home", defaultHome(), "Directory for config and data")
	rootCmd.PersistentFlags().String("config", "", "Config file. Default to {home}/config/config.yaml")
	rootCmd.PersistentFlags().String("log-level", "", "Override the log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "Override the log format: json, console")

	rootCmd.AddCommand(initCmd, startCmd, inspectCmd, versionCmd)
}

func defaultHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".finalberry")
	}
	return ".finalberry"
}

// loadConfig reads the config named by the persistent flags and applies the
// log overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	home, err := flags.GetString("home")
	if err != nil {
		return nil, err
	}
	file, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(home, file)
	if err != nil {
		return nil, err
	}
	if lvl, _ := flags.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if format, _ := flags.GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	return cfg, nil
}
