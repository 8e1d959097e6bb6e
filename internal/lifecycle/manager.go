package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/blob"
)

// Manager drives logical files through CREATED -> IN_PROGRESS -> DONE|ERROR
type Manager struct {
	repo      Repository
	threshold int64
	observer  Observer
	logger    *zap.Logger
}

// NewManager creates a manager persisting progress every threshold bytes
func NewManager(repo Repository, threshold int64, logger *zap.Logger) *Manager {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Manager{
		repo:      repo,
		threshold: threshold,
		logger:    logger,
	}
}

// Observe sends every later status and progress change to o. It must be
// called before any file is processed.
func (m *Manager) Observe(o Observer) {
	m.observer = o
}

func (m *Manager) notify(typ EventType, f *LogicalFile) {
	if m.observer != nil {
		m.observer.FileChanged(newEvent(typ, f))
	}
}

// Repository returns the underlying repository
func (m *Manager) Repository() Repository {
	return m.repo
}

// Register stores a new file in CREATED state
func (m *Manager) Register(ctx context.Context, f *LogicalFile) error {
	f.Status = StatusCreated
	if err := m.repo.Create(ctx, f); err != nil {
		return err
	}
	m.notify(EventStatus, f)
	m.logger.Debug("File registered",
		zap.Int64("file_id", f.ID),
		zap.String("filename", f.Filename),
		zap.String("content_type", string(f.ContentType)))
	return nil
}

// Begin claims a file for processing. A file that is already in progress or
// finished yields ErrAlreadyStarted.
func (m *Manager) Begin(ctx context.Context, id int64) (*LogicalFile, error) {
	f, err := m.repo.Claim(ctx, id)
	if err != nil {
		return nil, err
	}
	m.notify(EventStatus, f)
	m.logger.Info("File processing started",
		zap.Int64("file_id", f.ID),
		zap.String("filename", f.Filename))
	return f, nil
}

// Complete moves f to DONE. An archive's completed size is the sum of its
// DONE members.
func (m *Manager) Complete(ctx context.Context, f *LogicalFile) error {
	f.Status = StatusDone
	f.CompletedSize = f.Size
	if f.ContentType == blob.TypeArchive {
		done, err := m.Aggregate(ctx, f.ID)
		if err != nil {
			return err
		}
		f.CompletedSize = done
	}
	f.TimeRemaining = 0
	f.Error = ""
	if err := m.repo.Finish(ctx, f); err != nil {
		return fmt.Errorf("failed to complete file %d: %w", f.ID, err)
	}
	m.notify(EventStatus, f)
	m.logger.Info("File processing completed",
		zap.Int64("file_id", f.ID),
		zap.String("filename", f.Filename),
		zap.Int64("size", f.Size))
	return nil
}

// Fail moves f to ERROR and flags its filename
func (m *Manager) Fail(ctx context.Context, f *LogicalFile, cause error) error {
	f.Status = StatusError
	f.Filename = FailedName(f.Filename)
	f.TimeRemaining = 0
	if cause != nil {
		f.Error = cause.Error()
	}
	if err := m.repo.Finish(ctx, f); err != nil {
		return fmt.Errorf("failed to mark file %d as failed: %w", f.ID, errors.Join(err, cause))
	}
	m.notify(EventStatus, f)
	m.logger.Warn("File processing failed",
		zap.Int64("file_id", f.ID),
		zap.String("filename", f.Filename),
		zap.Error(cause))
	return nil
}

// FailedName prefixes the base name of filename with FailedPrefix once
func FailedName(filename string) string {
	dir, base := path.Split(filename)
	if strings.HasPrefix(base, FailedPrefix) {
		return filename
	}
	return dir + FailedPrefix + base
}

// Aggregate returns the summed size of the DONE children of an archive
func (m *Manager) Aggregate(ctx context.Context, archiveID int64) (int64, error) {
	children, err := m.repo.List(ctx, Filter{ParentID: &archiveID})
	if err != nil {
		return 0, err
	}
	var done int64
	for _, child := range children {
		if child.Status == StatusDone {
			done += child.Size
		}
	}
	return done, nil
}

// Track returns a progress tracker for f over total bytes
func (m *Manager) Track(ctx context.Context, f *LogicalFile, total int64) *ProgressTracker {
	t := newProgressTracker(ctx, m.repo, f.ID, total, m.threshold, m.logger)
	if m.observer != nil {
		snapshot := *f
		t.onSave = func(done, remaining int64) {
			snapshot.CompletedSize = done
			snapshot.TimeRemaining = remaining
			snapshot.Size = t.total
			m.observer.FileChanged(newEvent(EventProgress, &snapshot))
		}
	}
	return t
}
