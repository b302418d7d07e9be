package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/api"
	"github.com/Nick67672/Gymsta/internal/auth"
	"github.com/Nick67672/Gymsta/internal/config"
	"github.com/Nick67672/Gymsta/internal/feed"
	"github.com/Nick67672/Gymsta/internal/marketplace"
	"github.com/Nick67672/Gymsta/internal/profile"
	"github.com/Nick67672/Gymsta/internal/subscription"
	httptransport "github.com/Nick67672/Gymsta/internal/transport/http"
)

const demoTokenTTL = 24 * time.Hour

func main() {
	demo := flag.Bool("demo", false, "serve an in-memory backend seeded with sample data")
	migrate := flag.Bool("migrate", false, "apply the database schema before starting")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal("load .env", zap.Error(err))
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var b *backend
	if *demo {
		b, err = newDemoBackend(cfg)
	} else {
		b, err = newBackend(ctx, cfg, *migrate, logger)
	}
	if err != nil {
		logger.Fatal("build backend", zap.Error(err))
	}
	defer b.close()

	authCfg := auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}
	session := auth.NewTokenSession(authCfg)
	manager := subscription.NewManager(b.changes, subscription.WithLogger(logger.Named("subscription")))
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Warn("release channels", zap.Error(err))
		}
	}()

	synchronizer := feed.New(b.rows, b.following, session, manager,
		feed.WithLogger(logger.Named("feed")),
		feed.WithWorkoutLimit(cfg.GymWorkoutLimit),
		feed.WithInvalidator(b.invalidator),
	)
	defer synchronizer.Close()

	profiles := profile.New(b.rows, b.products, b.storage, session, manager, profile.WithLogger(logger.Named("profile")))
	market := marketplace.New(b.products, b.rows, b.storage, session, marketplace.WithLogger(logger.Named("marketplace")))

	handler := api.NewHandler(api.Deps{
		Feed:        synchronizer,
		Blocks:      b.rows,
		Session:     session,
		Profiles:    profiles,
		Marketplace: market,
		Group:       cfg.SubscriptionGroup,
	}, api.WithLogger(logger.Named("api")), api.WithBaseContext(ctx))

	token := cfg.ViewerToken
	if token == "" && b.demoViewer != "" {
		if token, err = auth.Sign(authCfg, b.demoViewer, "demo", demoTokenTTL); err != nil {
			logger.Fatal("sign demo token", zap.Error(err))
		}
	}
	if token != "" {
		if _, err := session.SetToken(token); err != nil {
			logger.Warn("viewer token rejected, starting anonymous", zap.Error(err))
		}
	}
	if err := handler.Rebind(ctx); err != nil {
		logger.Warn("initial load incomplete", zap.Error(err))
	}

	router := handler.Router()
	router.Handle("/metrics", promhttp.Handler())
	router.Use(api.LogRequests(logger.Named("http")))

	authMiddleware := auth.NewMiddleware(authCfg, func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	}, true)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress),
		corsHandler.Handler(authMiddleware.Wrap(router)))

	go func() {
		logger.Info("feedsync listening", zap.String("address", cfg.HTTPAddress), zap.Bool("demo", *demo))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
