package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcmexdev/xa-recovery/internal/coordinator/httpx"
	"github.com/jcmexdev/xa-recovery/internal/pkg/telemetry"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the recovery log inspection API and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.config()

			if cfg.OTLPEndpoint != "" {
				shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerOptions{
					ServiceName: "xalog",
					Endpoint:    cfg.OTLPEndpoint,
				})
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdown(shutdownCtx); err != nil {
						slog.Error("tracer shutdown error", "error", err)
					}
				}()
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			srv := &http.Server{
				Addr:              cfg.Listen,
				Handler:           httpx.NewRouter(httpx.NewHandler(s.repo, s.journal)),
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				slog.Info("xalog inspection API running", "addr", cfg.Listen, "store", cfg.Store)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("listen", ":8080", "address the inspection API listens on")
	if err := a.v.BindPFlag("listen", cmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
	return cmd
}
