package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a blob id does not exist
var ErrNotFound = errors.New("blob not found")

// Storage holds file contents addressed by opaque ids
type Storage interface {
	Save(ctx context.Context, r io.Reader) (id string, size int64, err error)
	Open(id string) (*os.File, error)
	Path(id string) (string, error)
	Size(id string) (int64, error)
	Checksum(id string) (string, error)
	DetectType(id, filename string) (Detection, error)
	Rewrite(id string, fn func(in io.Reader, out io.Writer) error) error
	Delete(id string) error
}

// FSStorage keeps blobs under a root directory, fanned out by the first two
// characters of the id
type FSStorage struct {
	root   string
	logger *zap.Logger
}

// NewFSStorage creates the root directory if needed
func NewFSStorage(root string, logger *zap.Logger) (*FSStorage, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FSStorage{root: root, logger: logger}, nil
}

// Root returns the storage root directory
func (s *FSStorage) Root() string {
	return s.root
}

func (s *FSStorage) path(id string) (string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return "", fmt.Errorf("invalid blob id %q: %w", id, ErrNotFound)
	}
	return filepath.Join(s.root, id[:2], id), nil
}

// Save streams r into a new blob. The blob becomes visible only once fully
// written.
func (s *FSStorage) Save(ctx context.Context, r io.Reader) (string, int64, error) {
	id := uuid.NewString()
	dst, _ := s.path(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, &contextReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", 0, fmt.Errorf("failed to commit blob: %w", err)
	}

	s.logger.Debug("Blob saved", zap.String("blob_id", id), zap.Int64("size", size))
	return id, size, nil
}

// Open opens a blob for reading
func (s *FSStorage) Open(id string) (*os.File, error) {
	p, err := s.Path(id)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Path returns the filesystem path of an existing blob
func (s *FSStorage) Path(id string) (string, error) {
	p, err := s.path(id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return "", err
	}
	return p, nil
}

// Size returns the blob size in bytes
func (s *FSStorage) Size(id string) (int64, error) {
	p, err := s.Path(id)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Checksum returns the hex encoded BLAKE3 digest of the blob
func (s *FSStorage) Checksum(id string) (string, error) {
	f, err := s.Open(id)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("failed to hash blob: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// DetectType sniffs the blob content
func (s *FSStorage) DetectType(id, filename string) (Detection, error) {
	f, err := s.Open(id)
	if err != nil {
		return Detection{}, err
	}
	defer f.Close()

	head := make([]byte, headSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Detection{}, fmt.Errorf("failed to read blob: %w", err)
	}
	return Detect(head[:n], filename), nil
}

// Rewrite replaces the blob content with what fn writes. The swap is atomic:
// if fn fails the original content is untouched.
func (s *FSStorage) Rewrite(id string, fn func(in io.Reader, out io.Writer) error) error {
	p, err := s.Path(id)
	if err != nil {
		return err
	}

	src, err := os.Open(p)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(p), ".rewrite-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := fn(src, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to flush blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("failed to replace blob: %w", err)
	}
	return nil
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *FSStorage) Delete(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
