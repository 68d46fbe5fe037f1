package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ehconitin/twenty/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the query engine HTTP server",
	Long: `Start the HTTP server: the operation endpoint, the metadata admin API,
and the websocket change feed. The server runs until interrupted and
then shuts down gracefully.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		a.emitter.Start()
		defer a.emitter.Shutdown()

		tokens := server.NewTokenService(a.cfg.Auth.JWTSecret, 0)
		srv := server.New(a.cfg.Server, a.db, a.store, a.roles, a.resolver,
			a.schemas, a.runner, a.emitter, tokens, a.log)

		a.log.Info("starting server",
			zap.String("addr", a.cfg.Server.Addr()),
			zap.String("cache_backend", a.cfg.Cache.Backend))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Run(ctx) })
		return g.Wait()
	},
}
