package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const fileColumns = `id, filename, owner, product, blob_id, size, content_type, format, status,
	completed_size, time_remaining, parent_archive_id, archive_path, checksum, error,
	created_at, updated_at`

// SQLRepository stores file records in the logical_files table
type SQLRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLRepository creates a repository on an already migrated database
func NewSQLRepository(db *sqlx.DB, logger *zap.Logger) *SQLRepository {
	return &SQLRepository{
		db:     db,
		logger: logger,
	}
}

func (r *SQLRepository) Create(ctx context.Context, f *LogicalFile) error {
	now := time.Now().UTC()
	if f.Status == "" {
		f.Status = StatusCreated
	}
	f.CreatedAt, f.UpdatedAt = now, now

	query := r.db.Rebind(`
		INSERT INTO logical_files (filename, owner, product, blob_id, size, content_type, format,
			status, completed_size, time_remaining, parent_archive_id, archive_path, checksum, error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := r.db.QueryRowxContext(ctx, query,
		f.Filename, f.Owner, f.Product, f.BlobID, f.Size, string(f.ContentType), string(f.Format),
		string(f.Status), f.CompletedSize, f.TimeRemaining, f.ParentArchiveID, f.ArchivePath,
		f.Checksum, f.Error, f.CreatedAt, f.UpdatedAt,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id int64) (*LogicalFile, error) {
	var f LogicalFile
	query := r.db.Rebind(`SELECT ` + fileColumns + ` FROM logical_files WHERE id = ?`)
	if err := r.db.GetContext(ctx, &f, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("file %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return &f, nil
}

func (r *SQLRepository) List(ctx context.Context, filter Filter) ([]LogicalFile, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.RootsOnly {
		conds = append(conds, "parent_archive_id IS NULL")
	}
	if filter.ParentID != nil {
		conds = append(conds, "parent_archive_id = ?")
		args = append(args, *filter.ParentID)
	}

	query := `SELECT ` + fileColumns + ` FROM logical_files`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var files []LogicalFile
	if err := r.db.SelectContext(ctx, &files, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return files, nil
}

func (r *SQLRepository) Claim(ctx context.Context, id int64) (*LogicalFile, error) {
	query := r.db.Rebind(`
		UPDATE logical_files SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	res, err := r.db.ExecContext(ctx, query, string(StatusInProgress), time.Now().UTC(), id, string(StatusCreated))
	if err != nil {
		return nil, fmt.Errorf("failed to claim file: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}

	f, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claimed == 0 {
		return nil, fmt.Errorf("file %d is %s: %w", id, f.Status, ErrAlreadyStarted)
	}
	return f, nil
}

func (r *SQLRepository) UpdateProgress(ctx context.Context, id, completed, remaining int64) error {
	query := r.db.Rebind(`
		UPDATE logical_files SET completed_size = ?, time_remaining = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	if _, err := r.db.ExecContext(ctx, query, completed, remaining, time.Now().UTC(), id, string(StatusInProgress)); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (r *SQLRepository) Finish(ctx context.Context, f *LogicalFile) error {
	f.UpdatedAt = time.Now().UTC()
	query := r.db.Rebind(`
		UPDATE logical_files
		SET filename = ?, size = ?, format = ?, status = ?, completed_size = ?, time_remaining = ?,
			checksum = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	res, err := r.db.ExecContext(ctx, query,
		f.Filename, f.Size, string(f.Format), string(f.Status), f.CompletedSize, f.TimeRemaining,
		f.Checksum, f.Error, f.UpdatedAt, f.ID, string(StatusInProgress))
	if err != nil {
		return fmt.Errorf("failed to finish file: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finish result: %w", err)
	}
	if updated == 0 {
		r.logger.Warn("Finish ignored for file not in progress", zap.Int64("file_id", f.ID))
		return fmt.Errorf("file %d is not %s", f.ID, StatusInProgress)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, id int64) error {
	query := r.db.Rebind(`DELETE FROM logical_files WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (r *SQLRepository) Usage(ctx context.Context, owner string) (Usage, error) {
	var usage Usage
	query := r.db.Rebind(`
		SELECT COALESCE(SUM(size), 0) AS bytes, COUNT(*) AS files
		FROM logical_files WHERE owner = ?`)
	if err := r.db.GetContext(ctx, &usage, query, owner); err != nil {
		return Usage{}, fmt.Errorf("failed to compute usage: %w", err)
	}
	return usage, nil
}
