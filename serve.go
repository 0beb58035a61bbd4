package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paperchat/internal/api"
	"paperchat/internal/logger"
	"paperchat/internal/service/ai"
	"paperchat/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the completion endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Address
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			model, err := ai.NewModel(ctx, cfg)
			if err != nil {
				return fmt.Errorf("init model: %w", err)
			}
			dispatcher := worker.NewDispatcher(cfg.Server.MinWorkers, cfg.Server.MaxWorkers, cfg.Server.QueueSize, cfg.Server.WorkerIdle)
			defer dispatcher.Stop()

			handler := api.NewHandler(model, dispatcher, cfg.Server.RequestTimeout)
			srv := &http.Server{
				Addr:              addr,
				Handler:           api.NewRouter(handler, cfg.Server.AllowedOrigins),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.WithField("addr", addr).Infof("serving %s via %s", cfg.Model.Provider, cfg.ActiveProvider().Model)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server stopped: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				logger.Info("shutting down")
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}
