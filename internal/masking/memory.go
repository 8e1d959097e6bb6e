package masking

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the masking map in process memory. It is used by tests and
// by one-shot CLI runs that do not need durability.
type MemoryStore struct {
	mu         sync.RWMutex
	allocMu    sync.Mutex
	byOriginal map[string]*Entry
	byMasked   map[Category]map[string]bool
	nextID     int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byOriginal: make(map[string]*Entry),
		byMasked:   make(map[Category]map[string]bool),
	}
}

// Get returns the entry for an original value
func (m *MemoryStore) Get(ctx context.Context, original string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.byOriginal[original]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

// Create inserts a new entry, failing with ErrConflict on duplicates
func (m *MemoryStore) Create(ctx context.Context, original, masked string, category Category) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byOriginal[original]; exists {
		return nil, ErrConflict
	}
	if m.byMasked[category][masked] {
		return nil, ErrConflict
	}

	m.nextID++
	entry := &Entry{
		ID:            m.nextID,
		OriginalValue: original,
		MaskedValue:   masked,
		Category:      category,
		CreatedAt:     time.Now().UTC(),
	}
	m.byOriginal[original] = entry
	if m.byMasked[category] == nil {
		m.byMasked[category] = make(map[string]bool)
	}
	m.byMasked[category][masked] = true

	copied := *entry
	return &copied, nil
}

// CountByCategory returns the number of entries in a category
func (m *MemoryStore) CountByCategory(ctx context.Context, category Category) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.byMasked[category])), nil
}

// GetOrCreate returns the existing entry or allocates the next pseudonym
func (m *MemoryStore) GetOrCreate(ctx context.Context, original string, category Category, generate Generator) (*Entry, error) {
	if entry, err := m.Get(ctx, original); err == nil {
		return entry, nil
	}

	m.allocMu.Lock()
	defer m.allocMu.Unlock()

	return allocate(ctx, m, original, category, generate)
}

// Dump calls fn for every entry in insertion order
func (m *MemoryStore) Dump(ctx context.Context, fn func(*Entry) error) error {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.byOriginal))
	for _, entry := range m.byOriginal {
		copied := *entry
		entries = append(entries, &copied)
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	for _, entry := range entries {
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op for the in-memory store
func (m *MemoryStore) Close() error {
	return nil
}
