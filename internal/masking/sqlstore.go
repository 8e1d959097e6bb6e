package masking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// SQLStore persists the masking map in PostgreSQL or SQLite. Uniqueness of the
// original value and of (category, masked value) is enforced by the schema, so
// concurrent allocators can never hand out two pseudonyms for one original.
type SQLStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLStore creates a store on an already migrated database
func NewSQLStore(db *sqlx.DB, logger *zap.Logger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger,
	}
}

// Get returns the entry for an original value
func (s *SQLStore) Get(ctx context.Context, original string) (*Entry, error) {
	var entry Entry
	query := s.db.Rebind(`
		SELECT id, original_value, masked_value, category, created_at
		FROM masking_map
		WHERE original_value = ?`)

	if err := s.db.GetContext(ctx, &entry, query, original); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get masking entry: %w", err)
	}

	return &entry, nil
}

// Create inserts a new entry. A unique violation on either key is reported as
// ErrConflict; the insert itself never overwrites an existing row.
func (s *SQLStore) Create(ctx context.Context, original, masked string, category Category) (*Entry, error) {
	query := s.db.Rebind(`
		INSERT INTO masking_map (original_value, masked_value, category, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)

	res, err := s.db.ExecContext(ctx, query, original, masked, string(category), time.Now().UTC())
	if err != nil {
		s.logger.Error("Failed to insert masking entry",
			zap.Error(err),
			zap.String("category", string(category)))
		return nil, fmt.Errorf("failed to insert masking entry: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 0 {
		return nil, ErrConflict
	}

	entry, err := s.Get(ctx, original)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Masking entry created",
		zap.Int64("id", entry.ID),
		zap.String("category", string(category)))

	return entry, nil
}

// CountByCategory returns the number of entries in a category
func (s *SQLStore) CountByCategory(ctx context.Context, category Category) (int64, error) {
	var count int64
	query := s.db.Rebind(`SELECT COUNT(*) FROM masking_map WHERE category = ?`)
	if err := s.db.GetContext(ctx, &count, query, string(category)); err != nil {
		return 0, fmt.Errorf("failed to count %s entries: %w", category, err)
	}
	return count, nil
}

// GetOrCreate returns the existing entry or allocates the next pseudonym
func (s *SQLStore) GetOrCreate(ctx context.Context, original string, category Category, generate Generator) (*Entry, error) {
	return allocate(ctx, s, original, category, generate)
}

// Dump streams every entry ordered by id
func (s *SQLStore) Dump(ctx context.Context, fn func(*Entry) error) error {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, original_value, masked_value, category, created_at
		FROM masking_map
		ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to query masking map: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var entry Entry
		if err := rows.StructScan(&entry); err != nil {
			return fmt.Errorf("failed to scan masking entry: %w", err)
		}
		if err := fn(&entry); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Close is a no-op: the database handle is owned by the caller
func (s *SQLStore) Close() error {
	return nil
}
