package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/blob"
)

// ErrNotArchive is returned when Unpack or Repack is given a non-container
var ErrNotArchive = errors.New("not an archive")

var errEmptyContainer = errors.New("container has no regular files")

// Segment is one step of a member's location inside nested containers
type Segment struct {
	Name string `json:"name"`
	// Index is the entry position inside the enclosing container
	Index int `json:"index"`
	// Format is set when the entry is itself a container
	Format  blob.Format `json:"format,omitempty"`
	ModTime time.Time   `json:"mod_time"`
	Mode    fs.FileMode `json:"mode,omitempty"`
}

// Path locates a member from the top-level archive down
type Path []Segment

func (p Path) String() string {
	names := make([]string, len(p))
	for i, seg := range p {
		names[i] = seg.Name
	}
	return strings.Join(names, "/")
}

// Base returns the name of the innermost entry
func (p Path) Base() string {
	if len(p) == 0 {
		return ""
	}
	return path.Base(p[len(p)-1].Name)
}

// Member is a leaf produced by Unpack
type Member struct {
	BlobID    string
	Path      Path
	Size      int64
	Detection blob.Detection
	// Opaque marks a nested container that could not be read or holds no
	// files. Its bytes are carried through unchanged.
	Opaque bool
}

// Root identifies the top-level archive of an expansion
type Root struct {
	BlobID string
	Name   string
	Format blob.Format
}

// IsContainer reports whether format is handled by the extractor
func IsContainer(format blob.Format) bool {
	switch format {
	case blob.FormatZip, blob.FormatTar, blob.FormatTarGz, blob.FormatGzip, blob.FormatTarZst, blob.FormatZst:
		return true
	}
	return false
}

// Extractor expands archives into blob storage and rebuilds them
type Extractor struct {
	storage blob.Storage
	limits  Limits
	logger  *zap.Logger
}

// NewExtractor creates an extractor writing members to storage
func NewExtractor(storage blob.Storage, limits Limits, logger *zap.Logger) *Extractor {
	return &Extractor{
		storage: storage,
		limits:  limits,
		logger:  logger,
	}
}

type pending struct {
	blobID    string
	name      string
	path      Path
	format    blob.Format
	depth     int
	size      int64
	detection blob.Detection
}

// Unpack expands root breadth first and yields its leaves. Guards apply to
// the whole expansion. On any error every blob written so far is deleted;
// when the consumer stops early only the members it has not received are.
func (x *Extractor) Unpack(ctx context.Context, root Root, quota *Quota) iter.Seq2[Member, error] {
	return func(yield func(Member, error) bool) {
		if !IsContainer(root.Format) {
			yield(Member{}, fmt.Errorf("%s: %w", root.Name, ErrNotArchive))
			return
		}

		b := &budget{limits: x.limits, quota: quota}
		var created []string
		live := make(map[string]bool)

		fail := func(err error) {
			for _, id := range created {
				x.remove(id)
			}
			x.logger.Warn("Archive extraction rolled back",
				zap.String("archive", root.Name),
				zap.Int("removed", len(created)),
				zap.Error(err))
			yield(Member{}, err)
		}

		queue := []pending{{blobID: root.BlobID, name: root.Name, format: root.Format, depth: 1}}
		for len(queue) > 0 {
			item := queue[0]
			queue = queue[1:]

			if err := ctx.Err(); err != nil {
				fail(err)
				return
			}

			if item.format == "" {
				delete(live, item.blobID)
				member := Member{BlobID: item.blobID, Path: item.path, Size: item.size, Detection: item.detection}
				if !yield(member, nil) {
					x.discard(live)
					return
				}
				continue
			}

			if err := b.checkDepth(item.depth); err != nil {
				fail(err)
				return
			}

			children, err := x.expand(ctx, item, b)
			for _, child := range children {
				created = append(created, child.blobID)
			}
			if err == nil && len(children) == 0 && item.blobID != root.BlobID {
				err = errEmptyContainer
			}
			if err != nil {
				var guardErr *GuardError
				if errors.As(err, &guardErr) || item.blobID == root.BlobID || ctx.Err() != nil {
					fail(fmt.Errorf("failed to unpack %s: %w", displayName(root, item), err))
					return
				}

				// Corrupt or empty nested containers are kept as opaque leaves
				x.logger.Warn("Keeping nested archive unexpanded",
					zap.String("archive", root.Name),
					zap.String("member", item.path.String()),
					zap.Error(err))
				for _, child := range children {
					x.remove(child.blobID)
				}
				item.path = slices.Clone(item.path)
				item.path[len(item.path)-1].Format = ""
				delete(live, item.blobID)
				member := Member{BlobID: item.blobID, Path: item.path, Size: item.size, Detection: item.detection, Opaque: true}
				if !yield(member, nil) {
					x.discard(live)
					return
				}
				continue
			}

			for _, child := range children {
				live[child.blobID] = true
			}
			queue = append(queue, children...)

			// Intermediate containers are rebuilt by Repack
			if item.blobID != root.BlobID {
				delete(live, item.blobID)
				x.remove(item.blobID)
			}

			x.logger.Debug("Archive level expanded",
				zap.String("archive", root.Name),
				zap.String("container", displayName(root, item)),
				zap.Int("members", len(children)))
		}
	}
}

func displayName(root Root, item pending) string {
	if len(item.path) == 0 {
		return root.Name
	}
	return item.path.String()
}

func (x *Extractor) remove(id string) {
	if err := x.storage.Delete(id); err != nil {
		x.logger.Error("Failed to delete extracted member", zap.String("blob_id", id), zap.Error(err))
	}
}

func (x *Extractor) discard(live map[string]bool) {
	for id := range live {
		x.remove(id)
	}
}

// expand unpacks one container level. Members written before a failure are
// returned alongside the error so the caller can release them.
func (x *Extractor) expand(ctx context.Context, item pending, b *budget) ([]pending, error) {
	f, err := x.storage.Open(item.blobID)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var children []pending
	emit := func(seg Segment, r io.Reader) error {
		if err := b.addFile(); err != nil {
			return err
		}
		id, size, err := x.storage.Save(ctx, &guardReader{r: r, budget: b})
		if err != nil {
			return err
		}
		children = append(children, pending{
			blobID: id,
			name:   seg.Name,
			path:   append(slices.Clone(item.path), seg),
			depth:  item.depth + 1,
			size:   size,
		})

		detection, err := x.storage.DetectType(id, seg.Name)
		if err != nil {
			return err
		}
		child := &children[len(children)-1]
		child.detection = detection
		if detection.ContentType == blob.TypeArchive {
			child.format = detection.Format
			child.path[len(child.path)-1].Format = detection.Format
		}
		return nil
	}

	switch item.format {
	case blob.FormatZip:
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		zr, err := zip.NewReader(f, info.Size())
		if err != nil {
			return nil, fmt.Errorf("invalid zip: %w", err)
		}
		for i, zf := range zr.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			entry, ok := cleanName(zf.Name)
			if !ok {
				x.logger.Warn("Skipping unsafe archive entry", zap.String("entry", zf.Name))
				continue
			}
			rc, err := zf.Open()
			if err != nil {
				return children, err
			}
			err = emit(Segment{Name: entry, Index: i, ModTime: zf.Modified, Mode: zf.Mode()}, rc)
			rc.Close()
			if err != nil {
				return children, err
			}
		}

	case blob.FormatTar:
		return children, x.expandTar(tar.NewReader(f), emit)

	case blob.FormatTarGz:
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer zr.Close()
		return children, x.expandTar(tar.NewReader(zr), emit)

	case blob.FormatTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd stream: %w", err)
		}
		defer zr.Close()
		return children, x.expandTar(tar.NewReader(zr), emit)

	case blob.FormatGzip:
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		defer zr.Close()
		entry := path.Base(zr.Name)
		if zr.Name == "" {
			entry = streamName(item.name, item.format)
		}
		return children, emit(Segment{Name: entry, ModTime: zr.ModTime}, zr)

	case blob.FormatZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd stream: %w", err)
		}
		defer zr.Close()
		return children, emit(Segment{Name: streamName(item.name, item.format)}, zr)

	default:
		return nil, fmt.Errorf("%s: %w", item.format, ErrNotArchive)
	}
	return children, nil
}

func (x *Extractor) expandTar(tr *tar.Reader, emit func(Segment, io.Reader) error) error {
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			x.logger.Warn("Skipping unsafe archive entry", zap.String("entry", hdr.Name))
			continue
		}
		if err != nil {
			return fmt.Errorf("invalid tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			if hdr.Typeflag != tar.TypeDir {
				x.logger.Debug("Skipping non regular tar entry", zap.String("entry", hdr.Name))
			}
			continue
		}
		entry, ok := cleanName(hdr.Name)
		if !ok {
			x.logger.Warn("Skipping unsafe archive entry", zap.String("entry", hdr.Name))
			continue
		}
		seg := Segment{Name: entry, Index: i, ModTime: hdr.ModTime, Mode: fs.FileMode(hdr.Mode).Perm()}
		if err := emit(seg, tr); err != nil {
			return err
		}
	}
}

// cleanName rejects absolute paths and parent directory escapes
func cleanName(name string) (string, bool) {
	cleaned := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if cleaned == "." || !fs.ValidPath(cleaned) {
		return "", false
	}
	return cleaned, true
}

// streamName derives the member name of a single stream compressed file
func streamName(name string, format blob.Format) string {
	lower := strings.ToLower(name)
	var exts []string
	switch format {
	case blob.FormatGzip:
		exts = []string{".gz", ".gzip"}
	case blob.FormatZst:
		exts = []string{".zst", ".zstd"}
	}
	for _, ext := range exts {
		if strings.HasSuffix(lower, ext) && len(name) > len(ext) {
			return path.Base(name[:len(name)-len(ext)])
		}
	}
	if name == "" {
		return "data"
	}
	return path.Base(name)
}

var containerExts = []string{".tar.gz", ".tar.zst", ".tgz", ".tzst", ".zip", ".tar", ".gz", ".gzip", ".zst", ".zstd"}

// NormalizeName replaces a known container extension of name with the one of
// format
func NormalizeName(name string, format blob.Format) string {
	lower := strings.ToLower(name)
	for _, ext := range containerExts {
		if strings.HasSuffix(lower, ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	return name + format.Extension()
}
