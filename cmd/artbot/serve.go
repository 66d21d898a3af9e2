package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/artbot/artbot/internal/api"
	"github.com/artbot/artbot/internal/horde"
	"github.com/artbot/artbot/internal/job"
	"github.com/artbot/artbot/internal/queue"
	"github.com/artbot/artbot/internal/storage"
	"github.com/artbot/artbot/internal/telemetry"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the completion poller and the local HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			setupLogging(cfg)

			files, err := storage.NewFileStore(cfg.DownloadDir)
			if err != nil {
				return err
			}

			client := horde.NewClient(horde.Options{
				BaseURL:       cfg.HordeURL,
				APIKey:        cfg.APIKey,
				ClientAgent:   cfg.ClientAgent,
				PNGConvertURL: cfg.PNGConvertURL,
			})
			tel := telemetry.New(cfg.TelemetryURL)
			defer tel.Wait()

			q := queue.New(cfg, queue.Deps{
				Remote:    client,
				Converter: client,
				Records:   st,
				Staging:   st,
				Telemetry: tel,
				Files:     files,
				OnFailure: func(j job.Job) {
					slog.Warn("image request failed", "job_id", j.ID, "prompt", j.Params.Prompt, "reason", j.Error)
				},
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			q.Start(ctx)
			defer q.Stop()

			mux := http.NewServeMux()
			api.NewHandler(q, cfg).RegisterRoutes(mux)

			srv := &http.Server{
				Addr: cfg.ListenAddr,
				Handler: api.Chain(mux,
					api.CORS(cfg.CORSOrigins),
					api.RequestID,
					api.Logging,
				),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0, // SSE streams stay open until the job ends
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				<-ctx.Done()
				slog.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					slog.Error("shutdown error", "error", err)
				}
			}()

			slog.Info("artbot listening",
				"addr", cfg.ListenAddr,
				"horde", cfg.HordeURL,
				"authenticated", cfg.Authenticated(),
			)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}
