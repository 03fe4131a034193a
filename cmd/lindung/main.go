package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/events"
	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/rules"
	"github.com/lindung-io/lindung/internal/scan"
	"github.com/lindung-io/lindung/internal/source"
	"github.com/lindung-io/lindung/internal/store"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
		runTarget   = flag.Int64("target", 0, "Run a single target inline and exit")
		addTarget   = flag.String("add-target", "", "Register a target as name,type,path[,scope] and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("Lindung %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg)
		return
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting Lindung",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
	)

	catalog, err := store.NewCatalog(cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open catalog", zap.Error(err))
	}
	defer catalog.Close()

	if *addTarget != "" {
		registerTarget(catalog, *addTarget, log)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ruleStore := rules.NewSQLStore(catalog.DB(), log)

	var sink scan.EventSink
	var hub *events.Hub
	if cfg.Events.Enabled {
		hub = events.NewHub(cfg.Events, log)
		sink = hub
	}

	orch := scan.New(cfg, catalog, ruleStore, source.ForTarget, sink, log)

	if *runTarget > 0 {
		report, err := orch.RunTarget(ctx, *runTarget)
		if err != nil {
			log.Fatal("Run failed", zap.Int64("target_id", *runTarget), zap.Error(err))
		}
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return
	}

	queue, err := scan.NewQueue(cfg.Queue, log)
	if err != nil {
		log.Fatal("Failed to connect to task queue", zap.Error(err))
	}
	defer queue.Close()

	if hub != nil {
		go func() {
			if err := hub.Run(ctx); err != nil {
				log.Error("Event hub stopped", zap.Error(err))
			}
		}()
	}

	if err := config.Watch(cfg, func(*config.Config) {
		log.Info("Configuration file changed, restart to apply scan settings")
	}); err != nil {
		log.Warn("Config watch unavailable", zap.Error(err))
	}

	queued, err := orch.EnqueueActive(ctx, queue)
	if err != nil {
		log.Error("Failed to schedule active targets", zap.Error(err))
	} else {
		log.Info("Active targets scheduled", zap.Int("queued", queued))
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Scan.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			consume(ctx, orch, queue, log.WithComponent(fmt.Sprintf("consumer-%d", id)))
		}(i)
	}

	go drainOutcomes(ctx, queue, log.WithComponent("outcomes"))

	<-ctx.Done()
	log.Info("Shutdown signal received")
	wg.Wait()
	log.Info("Shutdown complete")
}

// consume processes queued phase tasks until the context is cancelled. The
// follow-up phase of a successful task is re-enqueued, so one run's phases
// chain through the queue without a central scheduler loop.
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

// drainOutcomes polls worker-reported task outcomes and logs the ones that
// did not succeed, so failures in remote workers surface in the daemon's log
func drainOutcomes(ctx context.Context, queue *scan.Queue, log *logger.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for {
			outcome, err := queue.NextOutcome(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Failed to read task outcome", zap.Error(err))
				}
				break
			}
			if outcome == nil {
				break
			}

			fields := []zap.Field{
				zap.Int64("target_id", outcome.Task.TargetID),
				zap.String("phase", string(outcome.Task.Phase)),
				zap.String("status", outcome.Status),
			}
			switch outcome.Status {
			case "failed":
				log.Warn("Task failed", append(fields, zap.String("error", outcome.Error))...)
			case "skipped":
				log.Debug("Task skipped", append(fields, zap.String("reason", outcome.Error))...)
			default:
				log.Debug("Task completed", fields...)
			}
		}
	}
}

// registerTarget parses name,type,path[,scope] and inserts the target
func registerTarget(catalog *store.Catalog, arg string, log *logger.Logger) {
	parts := strings.SplitN(arg, ",", 4)
	if len(parts) < 3 {
		fmt.Fprintln(os.Stderr, "Expected -add-target name,type,path[,scope]")
		os.Exit(1)
	}

	target := source.Target{
		Name:   parts[0],
		Type:   source.Type(parts[1]),
		Path:   parts[2],
		Scope:  source.ScopeFull,
		Active: true,
	}
	if len(parts) == 4 {
		target.Scope = source.Scope(parts[3])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := catalog.CreateTarget(ctx, target)
	if err != nil {
		log.Fatal("Failed to register target", zap.Error(err))
	}
	fmt.Printf("Target %q registered with id %d\n", target.Name, id)
}

// performHealthCheck queries the event hub health endpoint
func performHealthCheck(cfg *config.Config) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://localhost:%d/healthz", cfg.Events.Port)

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed with status: %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("Health check passed")
}
