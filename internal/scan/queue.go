package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
)

// Queue is the Redis-backed task transport between the orchestrator and
// its workers. Tasks are (targetID, phase) units; outcomes flow back on a
// sibling key for the scheduler to inspect.
type Queue struct {
	client *redis.Client
	key    string
	pop    time.Duration
	logger *logger.Logger
}

// NewQueue connects to Redis and verifies the connection
func NewQueue(cfg config.QueueConfig, log *logger.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = cfg.MaxConnections

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Task queue initialized",
		zap.String("redis_url", maskRedisURL(cfg.RedisURL)),
		zap.String("key", cfg.Key),
	)

	return &Queue{
		client: client,
		key:    cfg.Key,
		pop:    cfg.PopTimeout,
		logger: log.WithComponent("queue"),
	}, nil
}

// Enqueue pushes one task
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	q.logger.Debug("Task enqueued",
		zap.Int64("target_id", task.TargetID),
		zap.String("phase", string(task.Phase)),
	)
	return nil
}

// Dequeue blocks up to the pop timeout for the next task. It returns
// redis.Nil when the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context) (Task, error) {
	var task Task

	res, err := q.client.BRPop(ctx, q.pop, q.key).Result()
	if err != nil {
		return task, err
	}
	if len(res) < 2 {
		return task, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}

	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return task, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return task, nil
}

// Report publishes a worker's outcome for a consumed task
func (q *Queue) Report(ctx context.Context, outcome TaskOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	if err := q.client.LPush(ctx, q.key+":outcomes", payload).Err(); err != nil {
		return fmt.Errorf("failed to report outcome: %w", err)
	}
	return nil
}

// NextOutcome pops the oldest reported outcome, if any
func (q *Queue) NextOutcome(ctx context.Context) (*TaskOutcome, error) {
	res, err := q.client.RPop(ctx, q.key+":outcomes").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var outcome TaskOutcome
	if err := json.Unmarshal([]byte(res), &outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
	}
	return &outcome, nil
}

// Close releases the Redis connection pool
func (q *Queue) Close() error {
	return q.client.Close()
}

// maskRedisURL masks credentials in a Redis URL for safe logging
func maskRedisURL(url string) string {
	if at := strings.LastIndex(url, "@"); at != -1 {
		if scheme := strings.Index(url, "://"); scheme != -1 {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	return url
}
