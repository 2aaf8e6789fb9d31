package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ClawdCity-TabComm/internal/config"
	"ClawdCity-TabComm/internal/logger"
	"ClawdCity-TabComm/internal/node"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node serving the tab API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := n.Close(); err != nil {
					log.Warn("shutdown", "error", err)
				}
			}()

			log.Info("starting tabcomm", "version", version, "store", cfg.Store.Driver, "network", cfg.Network.Enabled)
			return n.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http.addr)")

	return cmd
}
