package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-supervisor/internal/platform/config"
	"stream-supervisor/internal/platform/logger"
	"stream-supervisor/internal/platform/metrics"
	"stream-supervisor/internal/routing"
	"stream-supervisor/internal/session"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

func main() {
	_ = config.Load()

	s, err := loadSettings()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if s.LogFile != "" {
		f, err := logger.OpenFile(s.LogFile)
		if err != nil {
			slog.Error("open log file", "path", s.LogFile, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		out = io.MultiWriter(os.Stdout, f)
	}
	log := logger.NewWithWriter(out, s.LogLevel, s.LogFormat)

	met := metrics.New()
	backend := routing.NewClient(s.routingConfig(), log, met)
	reg := session.NewInMemoryRegistry()
	sup := session.NewSupervisor(s.supervisorConfig(), reg, s.planner(), backend, log, met)
	h := session.NewHandler(sup, log)

	limit := httprate.LimitByIP(s.RateLimit, time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	if s.MetricsEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			met.Handler(func() { met.SetActiveSessions(reg.ActiveCount()) }).ServeHTTP(w, r)
		})
	}
	r.Get("/healthz", h.Health)
	r.Get("/logs", serviceLogs(s.LogFile, log))
	r.Route("/streams", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Route("/{key}", func(r chi.Router) {
			r.With(limit).Post("/", h.StartSession)
			r.With(limit).Delete("/", h.StopSession)
			r.Get("/", h.GetSession)
			r.Get("/logs", h.SessionLogs)
		})
	})
	r.With(limit).Post("/paths/{key}", h.RegisterPath)
	r.Get("/stats", h.ListStats)
	r.Get("/stats/{key}", h.GetStats)

	srv := &http.Server{
		Addr:              ":" + s.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	root := suture.New("stream-supervisor", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: log}).MustHook(),
		Timeout:   s.ShutdownTimeout,
	})
	root.Add(&httpService{server: srv, shutdownTimeout: s.ShutdownTimeout})
	root.Add(sup.Reaper())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("server starting",
		slog.String("port", s.Port),
		slog.String("publish_url", s.PublishURL),
		slog.String("namespace", s.Namespace),
		slog.String("backend", s.BackendURL),
		slog.Duration("health_window", s.HealthWindow),
		slog.Duration("grace_period", s.GracePeriod),
		slog.Bool("compat", len(s.CompatCommand) > 0),
	)

	errCh := root.ServeBackground(ctx)
	<-ctx.Done()
	log.Info("shutdown signal received, stopping sessions")

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("supervision tree stopped with error", slog.Any("error", err))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout+s.GracePeriod)
	defer cancel()
	if err := sup.Shutdown(stopCtx); err != nil {
		log.Error("session shutdown", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server stopped")
}
