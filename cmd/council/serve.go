package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/council/config"
	"github.com/mohammad-safakhou/council/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()
			a.reportPending(ctx)

			secret := cfg.Server.JWTSecret
			if secret == "" {
				secret = cfg.General.JWTSecret
			}
			e, err := server.New(server.Options{
				Config:     cfg.Server,
				Controller: a.controller,
				Store:      a.store,
				Index:      a.index,
				Metrics:    a.metrics,
				Secret:     []byte(secret),
			})
			if err != nil {
				return err
			}
			if serveAddr == "" {
				serveAddr = cfg.Server.Address
			}
			return server.Run(ctx, e, serveAddr)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")
	return serve
}

// reportPending logs paused runs still waiting for a decision in Redis.
func (a *app) reportPending(ctx context.Context) {
	if a.checkpoint == nil || a.cfg.Storage.Checkpoints != "redis" {
		return
	}
	ids, err := a.checkpoint.Pending(ctx)
	if err != nil {
		a.logger.Printf("warn: list pending checkpoints: %v", err)
		return
	}
	if len(ids) > 0 {
		a.logger.Printf("%d paused runs awaiting a decision: %v", len(ids), ids)
	}
}
