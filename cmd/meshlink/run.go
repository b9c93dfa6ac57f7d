package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/config"
	"github.com/meshcommons/meshlink/internal/gateway"
	"github.com/meshcommons/meshlink/internal/metrics"
	"github.com/meshcommons/meshlink/internal/store"
)

type runFlags struct {
	transport string
	addr      string
	port      string
	baud      int
	listen    string
}

func runCmd(configPath *string) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the radio and serve the API",
		Long: `Connect to the radio and serve the HTTP API until interrupted.

Examples:
  meshlink run --transport tcp --addr 192.168.1.20:4403
  meshlink run --transport serial --port /dev/ttyUSB0
  meshlink run --config /etc/meshlink/meshlink.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd, *configPath, f)
		},
	}

	cmd.Flags().StringVarP(&f.transport, "transport", "t", "", "Radio link: tcp or serial")
	cmd.Flags().StringVar(&f.addr, "addr", "", "Radio host:port for the tcp transport")
	cmd.Flags().StringVarP(&f.port, "port", "p", "", "Serial device for the serial transport")
	cmd.Flags().IntVar(&f.baud, "baud", 0, "Serial baud rate")
	cmd.Flags().StringVarP(&f.listen, "listen", "l", "", "HTTP listen address")

	return cmd
}

// applyFlags overrides file and environment settings with explicit flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config, f runFlags) error {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport.Kind = f.transport
	}
	if flags.Changed("addr") {
		cfg.Transport.Addr = f.addr
	}
	if flags.Changed("port") {
		cfg.Transport.Port = f.port
		if !flags.Changed("transport") {
			cfg.Transport.Kind = config.TransportSerial
		}
	}
	if flags.Changed("baud") {
		cfg.Transport.Baud = f.baud
	}
	if flags.Changed("listen") {
		cfg.Gateway.ListenAddr = f.listen
	}
	return cfg.Validate()
}

func runGateway(cmd *cobra.Command, configPath string, f runFlags) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()
	if err := applyFlags(cmd, cfg, f); err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	m := metrics.New()
	m.SetBuildInfo(version, commit)

	tr, err := gateway.NewTransport(&cfg.Transport, log.Named("transport"))
	if err != nil {
		return err
	}
	gw := gateway.New(cfg, tr, db, m, log)

	if configPath != "" {
		loader.OnChange(gw.ApplyConfig)
		if err := loader.Watch(); err != nil {
			log.Warn("config hot reload disabled", zap.Error(err))
		} else {
			go func() {
				for err := range loader.Errors() {
					log.Warn("config reload rejected", zap.Error(err))
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("meshlink starting",
		zap.String("version", version),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("listen", cfg.Gateway.ListenAddr))
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
