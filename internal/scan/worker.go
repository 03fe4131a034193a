package scan

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
)

// itemFunc processes one scan unit (a file or a table) and must respect its
// context deadline
type itemFunc func(ctx context.Context, item string) error

// pool distributes item-level work of one target across workers. Item reads
// are throttled through a shared rate limiter so a scan cannot saturate the
// source, and every item gets its own timeout.
type pool struct {
	workers int
	limiter *rate.Limiter
	cfg     config.ScanConfig
	logger  *logger.Logger
}

func newPool(cfg config.ScanConfig, log *logger.Logger) *pool {
	limit := rate.Inf
	if cfg.ItemsPerSecond > 0 {
		limit = rate.Limit(cfg.ItemsPerSecond)
	}

	return &pool{
		workers: cfg.Workers,
		limiter: rate.NewLimiter(limit, 1),
		cfg:     cfg,
		logger:  log.WithComponent("worker_pool"),
	}
}

// run executes fn for every item. Item-level failures never escalate: each
// failed or timed-out item becomes a diagnostic and the phase continues.
// Cancellation stops dispatching new items but lets in-flight items finish,
// so no partially processed item is acknowledged as done.
func (p *pool) run(ctx context.Context, phase Phase, items []string, fn itemFunc) ([]Diagnostic, error) {
	if len(items) == 0 {
		return nil, ctx.Err()
	}

	tasks := make(chan string)
	var (
		mu    sync.Mutex
		diags []Diagnostic
		wg    sync.WaitGroup
	)

	skip := func(item, reason string) {
		mu.Lock()
		diags = append(diags, Diagnostic{Phase: phase, Item: item, Reason: reason})
		mu.Unlock()
	}

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range tasks {
				if err := p.limiter.Wait(ctx); err != nil {
					skip(item, "cancelled before start")
					continue
				}

				itemCtx, cancel := context.WithTimeout(ctx, p.cfg.ItemTimeout)
				err := fn(itemCtx, item)
				cancel()

				switch {
				case err == nil:
				case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
					skip(item, "skipped-timeout")
					p.logger.Warn("Item timed out",
						zap.String("phase", string(phase)),
						zap.String("item", item),
						zap.Duration("timeout", p.cfg.ItemTimeout),
					)
				case errors.Is(err, context.Canceled):
					skip(item, "cancelled")
				default:
					skip(item, err.Error())
					p.logger.Warn("Item skipped",
						zap.String("phase", string(phase)),
						zap.String("item", item),
						zap.Error(err),
					)
				}
			}
		}()
	}

dispatch:
	for _, item := range items {
		select {
		case <-ctx.Done():
			break dispatch
		case tasks <- item:
		}
	}
	close(tasks)

	// In-flight items complete before cancellation is acknowledged
	wg.Wait()

	return diags, ctx.Err()
}
