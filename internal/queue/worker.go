package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/lifecycle"
)

// Source yields queued tasks. Pop returns nil when nothing arrived before
// its own timeout.
type Source interface {
	Pop(ctx context.Context) (*Task, error)
}

// Processor masks one file
type Processor interface {
	ProcessProduct(ctx context.Context, fileID int64, product string) (*lifecycle.LogicalFile, error)
}

// PoolStats reports worker activity
type PoolStats struct {
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

// WorkerPool runs tasks from a Source on a fixed number of goroutines
type WorkerPool struct {
	source     Source
	processor  Processor
	numWorkers int
	backoff    time.Duration
	logger     *zap.Logger

	processed atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
}

// NewWorkerPool creates a pool of numWorkers workers
func NewWorkerPool(source Source, processor Processor, numWorkers int, logger *zap.Logger) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &WorkerPool{
		source:     source,
		processor:  processor,
		numWorkers: numWorkers,
		backoff:    time.Second,
		logger:     logger,
	}
}

// Run blocks until ctx is cancelled and every worker has returned
func (wp *WorkerPool) Run(ctx context.Context) {
	wp.logger.Info("Worker pool started", zap.Int("workers", wp.numWorkers))

	var wg sync.WaitGroup
	for i := 0; i < wp.numWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	stats := wp.Stats()
	wp.logger.Info("Worker pool stopped",
		zap.Uint64("processed", stats.Processed),
		zap.Uint64("failed", stats.Failed),
		zap.Uint64("skipped", stats.Skipped))
}

// Stats returns current counters
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Processed: wp.processed.Load(),
		Failed:    wp.failed.Load(),
		Skipped:   wp.skipped.Load(),
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log := wp.logger.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := wp.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("Failed to fetch task", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wp.backoff):
			}
			continue
		}
		if task == nil {
			continue
		}

		wp.handle(ctx, log, task)
	}
}

func (wp *WorkerPool) handle(ctx context.Context, log *zap.Logger, task *Task) {
	log = log.With(zap.String("task_id", task.ID), zap.Int64("file_id", task.FileID))
	start := time.Now()

	// A claimed file runs to completion even when the pool is stopping
	f, err := wp.processor.ProcessProduct(context.WithoutCancel(ctx), task.FileID, task.Product)
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyStarted), errors.Is(err, lifecycle.ErrNotFound):
		// Another worker or a direct request got there first, or the file is gone
		wp.skipped.Add(1)
		log.Info("Task skipped", zap.Error(err))
	case err != nil:
		wp.failed.Add(1)
		fields := []zap.Field{zap.Error(err), zap.Duration("duration", time.Since(start))}
		if f != nil {
			fields = append(fields, zap.String("status", string(f.Status)))
		}
		log.Warn("Task failed", fields...)
	default:
		wp.processed.Add(1)
		log.Info("Task completed",
			zap.String("filename", f.Filename),
			zap.Duration("duration", time.Since(start)),
			zap.Duration("queue_latency", start.Sub(task.EnqueuedAt)))
	}
}
