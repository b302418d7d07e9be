package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Nick67672/Gymsta/internal/config"
	"github.com/Nick67672/Gymsta/internal/gateway/postgres"
	"github.com/Nick67672/Gymsta/internal/outbox"
	httptransport "github.com/Nick67672/Gymsta/internal/transport/http"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply the database schema before starting")
	requeue := flag.Bool("requeue", false, "release quarantined changes for another delivery round and exit")
	metricsAddr := flag.String("metrics-address", ":9102", "address serving /metrics and /healthz")
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

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if *migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Warn("close producer", zap.Error(err))
		}
	}()

	dispatcher := outbox.NewDispatcher(pool, producer, cfg.ChangeTopicPrefix, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
		outbox.WithLogger(logger.Named("outbox")),
		outbox.WithRetryPolicy(cfg.OutboxMaxAttempts, cfg.OutboxPollInterval))

	if *requeue {
		released, err := dispatcher.Requeue(ctx)
		if err != nil {
			logger.Fatal("requeue", zap.Error(err))
		}
		logger.Info("requeued quarantined changes", zap.Int64("rows", released))
		return
	}

	go dispatcher.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	server := httptransport.NewServer(httptransport.DefaultServerConfig(*metricsAddr), mux)

	go func() {
		logger.Info("relay running",
			zap.String("metrics", *metricsAddr),
			zap.String("prefix", cfg.ChangeTopicPrefix),
			zap.Strings("brokers", cfg.KafkaBrokers))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	dispatcher.Wait()
}
