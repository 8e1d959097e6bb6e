package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultThreshold = 1 << 20

// ProgressTracker persists completed bytes and an ETA for one file. Writes
// happen only when at least threshold bytes were processed since the last
// one.
type ProgressTracker struct {
	ctx       context.Context
	repo      Repository
	fileID    int64
	total     int64
	threshold int64
	start     time.Time
	saved     int64
	now       func() time.Time
	onSave    func(done, remaining int64)
	logger    *zap.Logger
}

func newProgressTracker(ctx context.Context, repo Repository, fileID, total, threshold int64, logger *zap.Logger) *ProgressTracker {
	return &ProgressTracker{
		ctx:       ctx,
		repo:      repo,
		fileID:    fileID,
		total:     total,
		threshold: threshold,
		start:     time.Now(),
		now:       time.Now,
		logger:    logger,
	}
}

// Update records done bytes, persisting when the threshold is crossed. It
// matches processor.ProgressFunc.
func (t *ProgressTracker) Update(done int64) {
	if done-t.saved < t.threshold {
		return
	}
	t.Save(done)
}

// Save persists done bytes unconditionally
func (t *ProgressTracker) Save(done int64) {
	remaining := int64(t.ETA(done).Round(time.Second) / time.Second)
	if err := t.repo.UpdateProgress(t.ctx, t.fileID, done, remaining); err != nil {
		t.logger.Warn("Failed to persist progress",
			zap.Int64("file_id", t.fileID),
			zap.Error(err))
		return
	}
	t.saved = done
	if t.onSave != nil {
		t.onSave(done, remaining)
	}
}

// Grow extends the expected total, for archives whose size is known only as
// members are extracted
func (t *ProgressTracker) Grow(n int64) {
	t.total += n
}

// ETA estimates the time left from the average rate of this run. It is zero
// until any progress has been made.
func (t *ProgressTracker) ETA(done int64) time.Duration {
	if done <= 0 || done >= t.total {
		return 0
	}
	elapsed := t.now().Sub(t.start)
	if elapsed <= 0 {
		return 0
	}
	rate := float64(done) / elapsed.Seconds()
	return time.Duration(float64(t.total-done) / rate * float64(time.Second))
}
