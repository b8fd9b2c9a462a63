// Package warmup drives the one-shot eager warmup pass spec §4.5 requires:
// one synthetic inference batch per configured module, run to completion
// before that module's WebSocket route is wired into the server, so the
// first real session never pays allocation or kernel-compile cost.
package warmup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kyutai-labs/moshi-serve/internal/config"
	"github.com/kyutai-labs/moshi-serve/internal/engine"
	"github.com/kyutai-labs/moshi-serve/internal/observe"
)

// Target is one module's warmup unit of work.
type Target struct {
	Module    string
	Model     engine.Model
	BatchSize int
}

// Run warms every target in order, recording outcome and duration via
// metrics regardless of cfg.Enabled (a skip is itself a recorded outcome,
// spec §4.5). It returns the first error encountered, wrapped with the
// failing module's name; callers treat a warmup failure as fatal to that
// module's startup rather than falling back to lazy first-request warmup.
func Run(ctx context.Context, cfg config.WarmupConfig, metrics *observe.Metrics, targets []Target) error {
	for _, t := range targets {
		if !cfg.Enabled {
			slog.Info("warmup skipped", "module", t.Module)
			metrics.RecordWarmup(ctx, t.Module, "skipped", 0)
			continue
		}

		start := time.Now()
		err := t.Model.Warmup(ctx, t.BatchSize)
		elapsed := time.Since(start).Seconds()

		if err != nil {
			metrics.RecordWarmup(ctx, t.Module, "failure", elapsed)
			return fmt.Errorf("warmup: module %q: %w", t.Module, err)
		}

		metrics.RecordWarmup(ctx, t.Module, "success", elapsed)
		slog.Info("warmup complete", "module", t.Module, "batch_size", t.BatchSize, "duration_s", elapsed)
	}
	return nil
}
