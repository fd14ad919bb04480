package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "recording-pipeline/internal/api"
	"recording-pipeline/internal/config"
	"recording-pipeline/internal/logging"
	"recording-pipeline/internal/producer"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/ratelimit"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/storage"
	"recording-pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("open job store", zap.Error(err))
	}
	defer st.Close()

	bucket, err := storage.New(ctx, cfg)
	if err != nil {
		log.Fatal("open object storage", zap.Error(err))
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, queue.OptionsFromConfig(cfg))
	cache := status.NewCache(rdb, st, cfg.StatusTTL)
	limiter := ratelimit.NewTokenBucket(rdb, "submit", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	svc := producer.NewService(st, q, bucket, cache, cfg.DefaultPriority(), log)
	server := api.New(svc, st, q, cache, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("queue", q.Name()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
