package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Rescorer rescans every lead in small fixed-size batches with an
// inter-batch delay, bounding external-API load. Individual lead failures
// never abort the run.
type Rescorer struct {
	engine     *Engine
	store      Store
	batchSize  int
	batchDelay time.Duration
	logger     *slog.Logger
}

// NewRescorer creates a Rescorer.
func NewRescorer(engine *Engine, st Store, batchSize int, batchDelay time.Duration, logger *slog.Logger) (*Rescorer, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rescorer{
		engine:     engine,
		store:      st,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		logger:     logger,
	}, nil
}

// Summary aggregates one rescore run.
type Summary struct {
	Processed int
	Errored   int
}

// RescoreAll scores every lead, batch by batch. Returns early only on
// context cancellation; per-lead errors are counted and logged.
func (r *Rescorer) RescoreAll(ctx context.Context) (Summary, error) {
	ids, err := r.store.ListLeadIDs(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("listing leads: %w", err)
	}

	var sum Summary
	for start := 0; start < len(ids); start += r.batchSize {
		end := min(start+r.batchSize, len(ids))

		for _, id := range ids[start:end] {
			if _, err := r.engine.Score(ctx, id); err != nil {
				sum.Errored++
				r.logger.Warn("rescore failed for lead", "lead_id", id, "error", err)
				continue
			}
			sum.Processed++
		}

		if end < len(ids) && r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return sum, fmt.Errorf("rescore interrupted: %w", ctx.Err())
			case <-time.After(r.batchDelay):
			}
		}
	}

	r.logger.Info("rescore run finished",
		"processed", sum.Processed, "errored", sum.Errored)
	return sum, nil
}
