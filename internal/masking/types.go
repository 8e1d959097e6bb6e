package masking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Category is a fixed class of sensitive data; it drives both the matching
// pattern and the pseudonym template.
type Category string

const (
	CategoryIP         Category = "IP"
	CategoryMAC        Category = "MAC"
	CategoryUsername   Category = "USERNAME"
	CategoryDomain     Category = "DOMAIN"
	CategoryPhone      Category = "PHONE"
	CategoryNationalDN Category = "NATIONAL_DN"
	CategorySIPURI     Category = "SIP_URI"
	CategoryGeneric    Category = "GENERIC"
)

// Categories lists every known category in a stable order
var Categories = []Category{
	CategoryIP,
	CategoryMAC,
	CategoryUsername,
	CategoryDomain,
	CategoryPhone,
	CategoryNationalDN,
	CategorySIPURI,
	CategoryGeneric,
}

// ParseCategory resolves a category name case-insensitively
func ParseCategory(name string) (Category, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for _, c := range Categories {
		if string(c) == upper {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category: %q", name)
}

var (
	// ErrNotFound is returned when no entry exists for an original value
	ErrNotFound = errors.New("masking: entry not found")
	// ErrConflict is returned by Create when the original or the masked value
	// is already taken. GetOrCreate resolves conflicts internally.
	ErrConflict = errors.New("masking: entry conflict")
)

// maxAllocationAttempts bounds GetOrCreate retries under contention
const maxAllocationAttempts = 64

// Entry is one original to pseudonym mapping. Entries are append-only.
type Entry struct {
	ID            int64     `db:"id" json:"id"`
	OriginalValue string    `db:"original_value" json:"original_value"`
	MaskedValue   string    `db:"masked_value" json:"masked_value"`
	Category      Category  `db:"category" json:"category"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Generator produces the masked value for the seq-th entry of a category.
// seq starts at 1.
type Generator func(seq int64) (string, error)

// Store is the persistent original to masked lookup. Implementations must make
// GetOrCreate atomic per original value.
type Store interface {
	Get(ctx context.Context, original string) (*Entry, error)
	Create(ctx context.Context, original, masked string, category Category) (*Entry, error)
	CountByCategory(ctx context.Context, category Category) (int64, error)
	GetOrCreate(ctx context.Context, original string, category Category, generate Generator) (*Entry, error)
	Dump(ctx context.Context, fn func(*Entry) error) error
	Close() error
}

// allocate runs the shared insert-if-absent loop: look up, count, generate,
// try to insert, and retry with a higher sequence when the insert lost a race.
func allocate(ctx context.Context, s Store, original string, category Category, generate Generator) (*Entry, error) {
	for attempt := int64(0); attempt < maxAllocationAttempts; attempt++ {
		entry, err := s.Get(ctx, original)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}

		count, err := s.CountByCategory(ctx, category)
		if err != nil {
			return nil, err
		}

		masked, err := generate(count + 1 + attempt)
		if err != nil {
			return nil, fmt.Errorf("failed to generate %s pseudonym: %w", category, err)
		}

		entry, err = s.Create(ctx, original, masked, category)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: gave up allocating %s pseudonym after %d attempts",
		ErrConflict, category, maxAllocationAttempts)
}
