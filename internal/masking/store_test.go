package masking

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/database"
)

func sequential(prefix string) Generator {
	return func(seq int64) (string, error) {
		return fmt.Sprintf("%s%d", prefix, seq), nil
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sqlx.Connect("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return NewSQLStore(db, zap.NewNop())
}

// TestStores runs the same behavioural checks against every Store implementation
func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}

	for name, factory := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Idempotent", func(t *testing.T) {
				store := factory(t)
				first, err := store.GetOrCreate(ctx, "alice", CategoryUsername, sequential("user"))
				if err != nil {
					t.Fatalf("GetOrCreate failed: %v", err)
				}
				second, err := store.GetOrCreate(ctx, "alice", CategoryUsername, sequential("user"))
				if err != nil {
					t.Fatalf("GetOrCreate failed: %v", err)
				}
				if first.MaskedValue != second.MaskedValue {
					t.Errorf("Same original produced %q and %q", first.MaskedValue, second.MaskedValue)
				}
				if first.MaskedValue != "user1" {
					t.Errorf("Expected user1, got %q", first.MaskedValue)
				}
			})

			t.Run("Injective", func(t *testing.T) {
				store := factory(t)
				seen := make(map[string]string)
				for i := 0; i < 50; i++ {
					original := fmt.Sprintf("host-%d", i)
					entry, err := store.GetOrCreate(ctx, original, CategoryDomain, sequential("domain"))
					if err != nil {
						t.Fatalf("GetOrCreate failed: %v", err)
					}
					if prev, dup := seen[entry.MaskedValue]; dup {
						t.Fatalf("Masked value %q issued for %q and %q", entry.MaskedValue, prev, original)
					}
					seen[entry.MaskedValue] = original
				}

				count, err := store.CountByCategory(ctx, CategoryDomain)
				if err != nil {
					t.Fatalf("CountByCategory failed: %v", err)
				}
				if count != 50 {
					t.Errorf("Expected 50 entries, got %d", count)
				}
			})

			t.Run("CreateConflict", func(t *testing.T) {
				store := factory(t)
				if _, err := store.Create(ctx, "10.1.1.1", "10.0.0.1", CategoryIP); err != nil {
					t.Fatalf("Create failed: %v", err)
				}
				if _, err := store.Create(ctx, "10.1.1.1", "10.0.0.2", CategoryIP); !errors.Is(err, ErrConflict) {
					t.Errorf("Expected ErrConflict for duplicate original, got %v", err)
				}
				if _, err := store.Create(ctx, "10.1.1.2", "10.0.0.1", CategoryIP); !errors.Is(err, ErrConflict) {
					t.Errorf("Expected ErrConflict for duplicate masked value, got %v", err)
				}
			})

			t.Run("SkipsTakenPseudonyms", func(t *testing.T) {
				store := factory(t)
				// An imported row occupies the value the counter would pick next
				if _, err := store.Create(ctx, "imported", "user2", CategoryUsername); err != nil {
					t.Fatalf("Create failed: %v", err)
				}
				entry, err := store.GetOrCreate(ctx, "bob", CategoryUsername, sequential("user"))
				if err != nil {
					t.Fatalf("GetOrCreate failed: %v", err)
				}
				if entry.MaskedValue == "user2" {
					t.Error("Allocated a pseudonym that was already taken")
				}
			})

			t.Run("GetMissing", func(t *testing.T) {
				store := factory(t)
				if _, err := store.Get(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
					t.Errorf("Expected ErrNotFound, got %v", err)
				}
			})
		})
	}
}

func TestMemoryStoreConcurrentAllocation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	results := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := store.GetOrCreate(ctx, "192.168.1.10", CategoryIP, sequential("ip"))
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			results[i] = entry.MaskedValue
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("Concurrent allocation produced %q and %q for one original", results[0], results[i])
		}
	}

	count, _ := store.CountByCategory(ctx, CategoryIP)
	if count != 1 {
		t.Errorf("Expected exactly one entry, got %d", count)
	}
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("sip_uri")
	if err != nil || c != CategorySIPURI {
		t.Errorf("Expected SIP_URI, got %q (%v)", c, err)
	}
	if _, err := ParseCategory("email"); err == nil {
		t.Error("Expected error for unknown category")
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Create(ctx, "10.1.2.3", "10.0.0.1", CategoryIP)
	store.Create(ctx, "user:alice", "user:user1", CategoryUsername)

	t.Run("CSV", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := Export(ctx, store, FormatCSV, &buf)
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if n != 2 {
			t.Errorf("Expected 2 rows, got %d", n)
		}

		records, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatalf("Failed to parse CSV: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("Expected header plus 2 rows, got %d", len(records))
		}
		if records[1][1] != "10.1.2.3" || records[1][2] != "10.0.0.1" {
			t.Errorf("Unexpected first row: %v", records[1])
		}
	})

	t.Run("JSON", func(t *testing.T) {
		var buf bytes.Buffer
		if _, err := Export(ctx, store, FormatJSON, &buf); err != nil {
			t.Fatalf("Export failed: %v", err)
		}

		var entries []Entry
		if err := json.Unmarshal(buf.Bytes(), &entries); err != nil {
			t.Fatalf("Failed to parse JSON: %v", err)
		}
		if len(entries) != 2 || entries[1].Category != CategoryUsername {
			t.Errorf("Unexpected entries: %+v", entries)
		}
	})

	t.Run("Parquet", func(t *testing.T) {
		var buf bytes.Buffer
		if _, err := Export(ctx, store, FormatParquet, &buf); err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if !strings.HasPrefix(buf.String(), "PAR1") {
			t.Error("Parquet export is missing the PAR1 magic")
		}
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		if _, err := ParseExportFormat("xml"); err == nil {
			t.Error("Expected error for unknown format")
		}
	})
}
