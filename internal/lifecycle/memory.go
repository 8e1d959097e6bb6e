package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRepository keeps file records in process memory
type MemoryRepository struct {
	mu     sync.Mutex
	files  map[int64]*LogicalFile
	nextID int64
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{files: make(map[int64]*LogicalFile)}
}

func (r *MemoryRepository) Create(ctx context.Context, f *LogicalFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := time.Now().UTC()
	f.ID = r.nextID
	if f.Status == "" {
		f.Status = StatusCreated
	}
	f.CreatedAt, f.UpdatedAt = now, now

	copied := *f
	r.files[f.ID] = &copied
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id int64) (*LogicalFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	copied := *f
	return &copied, nil
}

func (r *MemoryRepository) List(ctx context.Context, filter Filter) ([]LogicalFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []LogicalFile
	for id := int64(1); id <= r.nextID; id++ {
		f, ok := r.files[id]
		if !ok || !matches(f, filter) {
			continue
		}
		out = append(out, *f)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func matches(f *LogicalFile, filter Filter) bool {
	if filter.Owner != "" && f.Owner != filter.Owner {
		return false
	}
	if filter.RootsOnly && f.ParentArchiveID != nil {
		return false
	}
	if filter.ParentID != nil && (f.ParentArchiveID == nil || *f.ParentArchiveID != *filter.ParentID) {
		return false
	}
	return true
}

func (r *MemoryRepository) Claim(ctx context.Context, id int64) (*LogicalFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if f.Status != StatusCreated {
		return nil, fmt.Errorf("file %d is %s: %w", id, f.Status, ErrAlreadyStarted)
	}
	f.Status = StatusInProgress
	f.UpdatedAt = time.Now().UTC()

	copied := *f
	return &copied, nil
}

func (r *MemoryRepository) UpdateProgress(ctx context.Context, id, completed, remaining int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files[id]
	if !ok {
		return fmt.Errorf("file %d: %w", id, ErrNotFound)
	}
	if f.Status != StatusInProgress {
		return nil
	}
	f.CompletedSize = completed
	f.TimeRemaining = remaining
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) Finish(ctx context.Context, f *LogicalFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.files[f.ID]
	if !ok {
		return fmt.Errorf("file %d: %w", f.ID, ErrNotFound)
	}
	if stored.Status != StatusInProgress {
		return fmt.Errorf("file %d is %s, not %s", f.ID, stored.Status, StatusInProgress)
	}

	f.UpdatedAt = time.Now().UTC()
	copied := *f
	r.files[f.ID] = &copied
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.files, id)
	return nil
}

func (r *MemoryRepository) Usage(ctx context.Context, owner string) (Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var usage Usage
	for _, f := range r.files {
		if f.Owner == owner {
			usage.Bytes += f.Size
			usage.Files++
		}
	}
	return usage, nil
}
