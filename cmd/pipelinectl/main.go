// Command pipelinectl inspects and probes the recording pipeline: failed jobs,
// queue depth, connectivity and the analysis models available.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"recording-pipeline/internal/analysis"
	"recording-pipeline/internal/config"
	"recording-pipeline/internal/logging"
	"recording-pipeline/internal/producer"
	"recording-pipeline/internal/queue"
	"recording-pipeline/internal/status"
	"recording-pipeline/internal/storage"
	"recording-pipeline/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	// Diagnostics print to stdout; the logger only carries warnings.
	log, err := logging.New(cfg.Env, "warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := connect(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := a.dispatch(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		return 1
	}
	return 0
}

func connect(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, func(), error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	bucket, err := storage.New(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	rdb := queue.NewRedisClient(cfg)
	q := queue.NewRedisQueue(rdb, queue.OptionsFromConfig(cfg))
	cache := status.NewCache(rdb, st, cfg.StatusTTL)

	a := &app{
		queue:    q,
		store:    st,
		bucket:   bucket,
		status:   cache,
		producer: producer.NewService(st, q, bucket, cache, cfg.DefaultPriority(), log),
		out:      os.Stdout,
		listModels: func(ctx context.Context) ([]string, error) {
			g, err := analysis.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
			if err != nil {
				return nil, err
			}
			return g.ListModels(ctx)
		},
	}
	return a, func() {
		_ = rdb.Close()
		st.Close()
	}, nil
}
