package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/raaihank/datamask/internal/blob"
)

// Status is the processing state of a logical file
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusError      Status = "ERROR"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// FailedPrefix marks the filename of a file that ended in ERROR
const FailedPrefix = "FAILED_"

var (
	// ErrNotFound is returned for unknown file ids
	ErrNotFound = errors.New("file not found")
	// ErrAlreadyStarted is returned when a file is claimed twice
	ErrAlreadyStarted = errors.New("file processing already started")
)

// LogicalFile is a user visible file: an upload or a member extracted from an
// uploaded archive
type LogicalFile struct {
	ID              int64            `db:"id" json:"id"`
	Filename        string           `db:"filename" json:"filename"`
	Owner           string           `db:"owner" json:"owner"`
	Product         string           `db:"product" json:"product"`
	BlobID          string           `db:"blob_id" json:"blob_id"`
	Size            int64            `db:"size" json:"size"`
	ContentType     blob.ContentType `db:"content_type" json:"content_type"`
	Format          blob.Format      `db:"format" json:"format,omitempty"`
	Status          Status           `db:"status" json:"status"`
	CompletedSize   int64            `db:"completed_size" json:"completed_size"`
	TimeRemaining   int64            `db:"time_remaining" json:"time_remaining"` // seconds
	ParentArchiveID *int64           `db:"parent_archive_id" json:"parent_archive_id,omitempty"`
	ArchivePath     string           `db:"archive_path" json:"archive_path,omitempty"`
	Checksum        string           `db:"checksum" json:"checksum,omitempty"`
	Error           string           `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time        `db:"updated_at" json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Owner     string
	ParentID  *int64
	RootsOnly bool
	Limit     int
}

// Usage is the storage an owner currently holds
type Usage struct {
	Bytes int64 `db:"bytes"`
	Files int64 `db:"files"`
}

// Repository persists logical files
type Repository interface {
	Create(ctx context.Context, f *LogicalFile) error
	Get(ctx context.Context, id int64) (*LogicalFile, error)
	List(ctx context.Context, filter Filter) ([]LogicalFile, error)
	// Claim moves a CREATED file to IN_PROGRESS. Only one caller can win.
	Claim(ctx context.Context, id int64) (*LogicalFile, error)
	UpdateProgress(ctx context.Context, id, completed, remaining int64) error
	// Finish stores the terminal state of an IN_PROGRESS file
	Finish(ctx context.Context, f *LogicalFile) error
	Delete(ctx context.Context, id int64) error
	Usage(ctx context.Context, owner string) (Usage, error)
}
