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

	"recording-pipeline/internal/analysis"
	"recording-pipeline/internal/config"
	"recording-pipeline/internal/logging"
	"recording-pipeline/internal/pipeline"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/ratelimit"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/storage"
	"recording-pipeline/internal/store"
	"recording-pipeline/internal/telemetry"
	workerproc "recording-pipeline/internal/worker"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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
	analyzer, err := analysis.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		log.Fatal("init analyzer", zap.Error(err))
	}

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()
	q := queue.NewRedisQueue(rdb, queue.OptionsFromConfig(cfg))
	cache := status.NewCache(rdb, st, cfg.StatusTTL)
	analyzeLimiter := ratelimit.NewTokenBucket(rdb, "analyze", cfg.AnalyzeCapacity, cfg.AnalyzeRefill, time.Hour)

	pipe := pipeline.New(cfg.WorkDir,
		pipeline.Fetch{Bucket: bucket, MaxBytes: cfg.AudioMaxBytes},
		pipeline.Transcode{Runner: pipeline.ExecRunner{}, FFmpeg: cfg.FFmpegPath, SampleRate: cfg.SampleRate},
		pipeline.Analyze{Analyzer: analyzer, Limiter: analyzeLimiter, Timeout: cfg.AnalyzeTimeout},
		pipeline.Persist{Bucket: bucket, Store: st, Prefix: cfg.ResultPrefix},
		pipeline.Notify{Status: cache},
	)
	processor := workerproc.NewProcessor(cfg, q, st, cache, pipe, log)

	if n, err := processor.Recover(ctx); err != nil {
		log.Error("recover unfinished jobs", zap.Error(err))
	} else {
		log.Info("startup recovery done", zap.Int("requeued", n))
	}

	janitor := workerproc.NewJanitor(q, st, cfg.RetentionCompleted, cfg.RetentionFailed, log)
	sched, err := janitor.Start(ctx, cfg.JanitorSchedule)
	if err != nil {
		log.Fatal("start janitor", zap.Error(err))
	}
	defer func() { <-sched.Stop().Done() }()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	defer func() { _ = metricsServer.Close() }()

	if err := processor.Run(ctx); err != nil {
		log.Error("worker stopped", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}
