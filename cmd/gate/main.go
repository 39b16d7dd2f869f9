package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/diagnosis/garage-gate/internal/gate"
	"github.com/diagnosis/garage-gate/internal/http/handlers"
	"github.com/diagnosis/garage-gate/internal/store"
	"github.com/diagnosis/garage-gate/pkg/config"
	"github.com/diagnosis/garage-gate/pkg/logger"
	mw "github.com/diagnosis/garage-gate/pkg/middleware"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("Garage gate exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	deps, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	proto := gate.New(gateConfig(cfg), gate.Deps{
		Store:     deps.store,
		Members:   deps.members,
		Messenger: deps.messenger,
		Limiter:   deps.userLimiter,
		Commander: deps.dispatcher,
	})

	h := handlers.NewGateHandler(proto, proto, deps.dispatcher, cfg.LINE.ChannelSecret)

	api := []func(http.Handler) http.Handler{mw.CORS(cfg.Server.AllowOrigins)}
	if !cfg.RateLimit.PerIPDisabled {
		api = append(api, mw.RateLimit(mw.RateLimitConfig{
			Limiter: deps.ipLimiter,
			Message: gate.TextRateLimited,
		}))
		h.WebhookMiddleware = append(h.WebhookMiddleware, mw.RateLimit(mw.RateLimitConfig{
			Limiter: deps.ipLimiter,
			KeyFunc: webhookKey,
		}))
	}

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Use(mw.ServiceName("garage-gate"))
	r.Use(mw.Logging)
	r.Use(mw.Recover)
	r.Use(mw.Health)
	r.Mount("/", h.Routes(api...))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting garage gate", "port", cfg.Server.Port,
			"store", cfg.Store.Backend, "transport", cfg.Command.Transport, "members", cfg.Gate.MembersSource)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return store.RunSweeper(gctx, deps.store, cfg.Store.SweepInterval)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down garage gate...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Garage gate shutdown error", "error", err)
		}
		h.Wait()
		return nil
	})

	return g.Wait()
}

// webhookKey counts webhook deliveries apart from the location API.
func webhookKey(r *http.Request) string {
	if ip := mw.ClientIP(r); ip != "" {
		return "webhook:" + ip
	}
	return ""
}

func gateConfig(cfg *config.Config) gate.Config {
	gc := gate.Config{
		TriggerText:   cfg.Gate.TriggerText,
		VerifyTTL:     cfg.Gate.VerifyTTL,
		SessionTTL:    cfg.Gate.SessionTTL,
		ActionTTL:     cfg.Gate.ActionTTL,
		VerifyURLBase: cfg.Gate.VerifyURLBase,
		Fence:         fence(cfg.Geo),
		NotifyRetries: cfg.Gate.NotifyRetries,
		NotifyDelay:   cfg.Gate.NotifyDelay,
	}
	if cfg.Debug.Enabled {
		gc.DebugUsers = cfg.Debug.UserIDs
		logger.Warn("Debug mode enabled, geofence bypass active", "users", len(cfg.Debug.UserIDs))
	}
	return gc
}
