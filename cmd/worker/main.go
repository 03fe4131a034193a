// The worker binary is a standalone queue consumer: it dequeues phase
// tasks, executes them against the catalog, and chains the follow-up phase
// back onto the queue. Run as many as the sources can tolerate.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/rules"
	"github.com/lindung-io/lindung/internal/scan"
	"github.com/lindung-io/lindung/internal/source"
	"github.com/lindung-io/lindung/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		workers    = flag.Int("workers", 0, "Consumer goroutines (default from config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Scan.Workers = *workers
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	catalog, err := store.NewCatalog(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open catalog", zap.Error(err))
	}
	defer catalog.Close()

	queue, err := scan.NewQueue(cfg.Queue, log)
	if err != nil {
		log.Fatal("Failed to connect to task queue", zap.Error(err))
	}
	defer queue.Close()

	ruleStore := rules.NewSQLStore(catalog.DB(), log)
	orch := scan.New(cfg, catalog, ruleStore, source.ForTarget, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Worker started", zap.Int("consumers", cfg.Scan.Workers))

	var wg sync.WaitGroup
	for i := 0; i < cfg.Scan.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			consume(ctx, orch, queue, log.WithComponent(fmt.Sprintf("consumer-%d", id)))
		}(i)
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")
	wg.Wait()
	log.Info("Worker stopped")
}

func consume(ctx context.Context, orch *scan.Orchestrator, queue *scan.Queue, log *logger.Logger) {
	for {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				continue
			}
			log.Warn("Dequeue failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		outcome, next := orch.ExecuteTask(ctx, task)
		if err := queue.Report(ctx, outcome); err != nil && ctx.Err() == nil {
			log.Warn("Failed to report task outcome", zap.Error(err))
		}
		if next != nil {
			if err := queue.Enqueue(ctx, *next); err != nil && ctx.Err() == nil {
				log.Error("Failed to enqueue next phase",
					zap.Int64("target_id", next.TargetID),
					zap.String("phase", string(next.Phase)),
					zap.Error(err),
				)
			}
		}
	}
}
