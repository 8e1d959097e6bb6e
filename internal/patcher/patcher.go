// Package patcher turns matched words into stable pseudonyms backed by the
// masking store.
package patcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/raaihank/datamask/internal/masking"
)

// Patcher replaces one matched word
type Patcher interface {
	Patch(ctx context.Context, word string) (string, error)
}

// Template describes how a category is keyed, allocated and rendered
type Template interface {
	// Key normalizes the word into the original value stored in the map
	Key(word string) string
	// Generator returns the allocator for the word's pseudonym
	Generator(word string) masking.Generator
	// Render formats a stored masked value in the style of the original word
	Render(word, masked string) string
}

// StorePatcher resolves pseudonyms through a masking store. Resolved values
// are memoized for the lifetime of the patcher since entries never change.
type StorePatcher struct {
	store    masking.Store
	category masking.Category
	template Template
	resolved sync.Map
}

// NewStorePatcher creates a patcher for category using template
func NewStorePatcher(store masking.Store, category masking.Category, template Template) *StorePatcher {
	return &StorePatcher{
		store:    store,
		category: category,
		template: template,
	}
}

// Patch returns the pseudonym of word, allocating it on first sight
func (p *StorePatcher) Patch(ctx context.Context, word string) (string, error) {
	key := p.template.Key(word)

	masked, ok := p.resolved.Load(key)
	if !ok {
		entry, err := p.store.GetOrCreate(ctx, key, p.category, p.template.Generator(word))
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s pseudonym: %w", p.category, err)
		}
		masked, _ = p.resolved.LoadOrStore(key, entry.MaskedValue)
	}

	return p.template.Render(word, masked.(string)), nil
}

// Category returns the category the patcher allocates in
func (p *StorePatcher) Category() masking.Category {
	return p.category
}

// New builds the store backed patcher for a category. params are the rule's
// patcher parameters.
func New(store masking.Store, category masking.Category, params map[string]any) (*StorePatcher, error) {
	template, err := TemplateFor(category, params)
	if err != nil {
		return nil, err
	}
	return NewStorePatcher(store, category, template), nil
}
