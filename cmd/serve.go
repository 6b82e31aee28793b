package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status server with scheduled daily sync",
	Long:  "Serves read-only status endpoints and a manual sync trigger, runs the recalculation queue processor, and fires the daily update cycle on the configured cron schedule.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      buildRouter(ctx, env),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		sched := cron.New()
		if cfg.Server.SyncCron != "" {
			_, err := sched.AddFunc(cfg.Server.SyncCron, func() {
				if err := env.runSync(ctx); err != nil {
					zap.L().Error("scheduled sync failed", zap.Error(err))
				}
			})
			if err != nil {
				return eris.Wrapf(err, "invalid sync cron %q", cfg.Server.SyncCron)
			}
			sched.Start()
			defer sched.Stop()
		}

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", port),
				zap.String("sync_cron", cfg.Server.SyncCron),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			return env.Processor.Run(ctx)
		})

		g.Go(func() error {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutCtx); err != nil {
				return eris.Wrap(err, "server shutdown")
			}
			return nil
		})

		return g.Wait()
	},
}

// buildRouter assembles the HTTP surface. The context outlives individual
// requests and scopes the async sync trigger.
func buildRouter(ctx context.Context, env *appEnv) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			snap, err := env.Collector.Collect(req.Context())
			if err != nil {
				zap.L().Error("collect status", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status collection failed"})
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Get("/gaps", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, env.Detector.Statistics(req.Context()))
		})

		r.Get("/queue", func(w http.ResponseWriter, req *http.Request) {
			stats, err := env.Store.QueueStats(req.Context())
			if err != nil {
				zap.L().Error("queue stats", zap.Error(err))
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue stats failed"})
				return
			}
			writeJSON(w, http.StatusOK, stats)
		})

		r.Post("/sync", func(w http.ResponseWriter, _ *http.Request) {
			if env.syncRunning.Load() {
				writeJSON(w, http.StatusConflict, map[string]string{"error": "sync cycle already running"})
				return
			}

			go func() {
				if err := env.runSync(ctx); err != nil {
					zap.L().Error("triggered sync failed", zap.Error(err))
				}
			}()

			writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
