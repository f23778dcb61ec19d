package brains

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// defaultBatchConcurrency bounds parallel items within one chunk when the
// config does not say otherwise.
const defaultBatchConcurrency = 10

// runBatch executes a step's batch config: chunk the items, map each chunk
// under a concurrency limit, record ordered [item, output] pairs under the
// configured key. Chunk boundaries are signal safe points; progress between
// chunks is visible through the step snapshot's batch counters. The step's
// patch lands only on full completion, so a restart re-runs the batch from
// its first chunk against unchanged state.
func (l *level) runBatch(ctx context.Context, i int, blk Block, snap *StepSnapshot) (StepResult, levelExit, error) {
	cfg := blk.Batch
	items := cfg.Over(l.state)

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(items)
	}

	snap.Batch = &BatchStatus{Total: len(items)}
	pairs := make([]any, 0, len(items))

	for start := 0; start < len(items); start += chunkSize {
		// Safe point: before each chunk.
		if exit, done := l.checkSignals(ctx); done {
			return StepResult{}, exit, nil
		}

		end := min(start+chunkSize, len(items))
		chunk := items[start:end]
		outputs := make([]any, len(chunk))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for j := range chunk {
			j := j
			g.Go(func() error {
				out, err := l.batchItem(gctx, cfg, chunk[j])
				if err != nil {
					return err
				}
				outputs[j] = out
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return StepResult{}, exitComplete, err
		}

		for j, out := range outputs {
			pairs = append(pairs, []any{chunk[j], out})
		}
		snap.Batch.Completed = len(pairs)
		if !l.emitStepStatus(ctx) {
			return StepResult{}, exitAborted, nil
		}
	}

	post := NormalizeState(l.state)
	post[cfg.Key] = pairs
	return StepResult{State: post}, exitComplete, nil
}

// batchItem runs one item with bounded retries, falling back through
// OnError when the config provides one.
func (l *level) batchItem(ctx context.Context, cfg *BatchConfig, item any) (any, error) {
	sc := l.stepContext()
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		out, err := callBatchItem(ctx, cfg, sc, item)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if cfg.OnError != nil {
		if fallback, ok := cfg.OnError(item, lastErr); ok {
			l.stream.logger.Info("batch item fell back",
				"run", l.stream.cfg.RunID, "error", lastErr.Error())
			return fallback, nil
		}
	}
	return nil, fmt.Errorf("batch item: %w", lastErr)
}

func callBatchItem(ctx context.Context, cfg *BatchConfig, sc *StepContext, item any) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError("Error", "batch item panic: "+stringify(p))
		}
	}()
	return cfg.Item(ctx, sc, item)
}
