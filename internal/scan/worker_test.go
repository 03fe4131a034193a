package scan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
)

func testPool(timeout time.Duration) *pool {
	return newPool(config.ScanConfig{
		Workers:     4,
		ItemTimeout: timeout,
	}, &logger.Logger{Logger: zap.NewNop()})
}

func TestPoolRun(t *testing.T) {
	t.Run("AllItemsProcessed", func(t *testing.T) {
		p := testPool(time.Second)

		var processed int64
		diags, err := p.run(context.Background(), PhaseSmartSample,
			[]string{"a", "b", "c", "d", "e"},
			func(context.Context, string) error {
				atomic.AddInt64(&processed, 1)
				return nil
			})

		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
		if len(diags) != 0 {
			t.Errorf("Unexpected diagnostics: %+v", diags)
		}
		if processed != 5 {
			t.Errorf("Processed = %d, want 5", processed)
		}
	})

	t.Run("SlowItemTimesOutAlone", func(t *testing.T) {
		p := testPool(20 * time.Millisecond)

		diags, err := p.run(context.Background(), PhaseFullScan,
			[]string{"slow", "fast"},
			func(ctx context.Context, item string) error {
				if item == "slow" {
					<-ctx.Done()
					return ctx.Err()
				}
				return nil
			})

		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
		if len(diags) != 1 {
			t.Fatalf("Diagnostics = %+v, want exactly the slow item", diags)
		}
		if diags[0].Item != "slow" || diags[0].Reason != "skipped-timeout" {
			t.Errorf("Diagnostic = %+v", diags[0])
		}
	})

	t.Run("ItemErrorBecomesDiagnostic", func(t *testing.T) {
		p := testPool(time.Second)

		diags, err := p.run(context.Background(), PhaseSmartSample,
			[]string{"bad", "good"},
			func(_ context.Context, item string) error {
				if item == "bad" {
					return errors.New("corrupt header")
				}
				return nil
			})

		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
		if len(diags) != 1 || diags[0].Item != "bad" {
			t.Errorf("Diagnostics = %+v", diags)
		}
	})

	t.Run("CancellationStopsDispatch", func(t *testing.T) {
		p := testPool(time.Second)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := p.run(ctx, PhaseFullScan, []string{"a", "b", "c"},
			func(context.Context, string) error { return nil })

		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})

	t.Run("EmptyItemsNoWork", func(t *testing.T) {
		p := testPool(time.Second)
		diags, err := p.run(context.Background(), PhaseSmartSample, nil,
			func(context.Context, string) error {
				t.Error("Item function called with no items")
				return nil
			})
		if err != nil || len(diags) != 0 {
			t.Errorf("Empty run: diags=%v err=%v", diags, err)
		}
	})
}
