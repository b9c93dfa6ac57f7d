package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/config"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "meshlink",
		Short: "Session gateway for mesh radios",
		Long: `meshlink keeps a session with a mesh radio over serial or TCP.

It mirrors the radio's node database, tracks every outbound message
until it is delivered or fails, and serves the result over HTTP and
a WebSocket change stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (.toml, .yaml or .json)")

	root.AddCommand(
		runCmd(&configPath),
		nodesCmd(&configPath),
		historyCmd(&configPath),
		portsCmd(),
		versionCmd(),
	)
	return root
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
