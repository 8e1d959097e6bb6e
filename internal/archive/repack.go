package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/blob"
)

type node struct {
	seg      Segment
	blobID   string
	children []*node
}

func (n *node) container(seg Segment) *node {
	for _, child := range n.children {
		if child.blobID == "" && child.seg.Index == seg.Index && child.seg.Name == seg.Name {
			return child
		}
	}
	child := &node{seg: seg}
	n.children = append(n.children, child)
	return child
}

func buildTree(leaves []Member) *node {
	root := &node{}
	for _, m := range leaves {
		cur := root
		for i, seg := range m.Path {
			if i == len(m.Path)-1 {
				cur.children = append(cur.children, &node{seg: seg, blobID: m.BlobID})
				break
			}
			cur = cur.container(seg)
		}
	}
	sortTree(root)
	return root
}

func sortTree(n *node) {
	slices.SortStableFunc(n.children, func(a, b *node) int {
		return a.seg.Index - b.seg.Index
	})
	for _, child := range n.children {
		sortTree(child)
	}
}

// Repack rebuilds root in its original format from leaves, which carry the
// masked content at their original paths, and atomically replaces the root
// blob. Leaf blobs are left in place.
func (x *Extractor) Repack(ctx context.Context, root Root, leaves []Member) error {
	if !IsContainer(root.Format) {
		return fmt.Errorf("%s: %w", root.Name, ErrNotArchive)
	}
	tree := buildTree(leaves)

	err := x.storage.Rewrite(root.BlobID, func(_ io.Reader, out io.Writer) error {
		return x.writeContainer(ctx, out, root.Format, tree.children)
	})
	if err != nil {
		return fmt.Errorf("failed to repack %s: %w", root.Name, err)
	}

	x.logger.Debug("Archive repacked",
		zap.String("archive", root.Name),
		zap.String("format", string(root.Format)),
		zap.Int("leaves", len(leaves)))
	return nil
}

// open returns the content of a node: a leaf blob, or a nested container
// rendered to a temporary file that is removed on close
func (x *Extractor) open(ctx context.Context, n *node) (*os.File, func(), error) {
	if n.blobID != "" {
		f, err := x.storage.Open(n.blobID)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}

	tmp, err := os.CreateTemp("", "datamask-repack-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if err := x.writeContainer(ctx, tmp, n.seg.Format, n.children); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, err
	}
	return tmp, cleanup, nil
}

func (x *Extractor) writeContainer(ctx context.Context, w io.Writer, format blob.Format, children []*node) error {
	switch format {
	case blob.FormatZip:
		zw := zip.NewWriter(w)
		for _, child := range children {
			if err := x.writeZipEntry(ctx, zw, child); err != nil {
				return err
			}
		}
		return zw.Close()

	case blob.FormatTar:
		return x.writeTar(ctx, w, children)

	case blob.FormatTarGz:
		zw := gzip.NewWriter(w)
		if err := x.writeTar(ctx, zw, children); err != nil {
			return err
		}
		return zw.Close()

	case blob.FormatTarZst:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return err
		}
		if err := x.writeTar(ctx, zw, children); err != nil {
			zw.Close()
			return err
		}
		return zw.Close()

	case blob.FormatGzip, blob.FormatZst:
		if len(children) != 1 {
			return fmt.Errorf("%s stream must hold exactly one member, got %d", format, len(children))
		}
		return x.writeStream(ctx, w, format, children[0])
	}
	return fmt.Errorf("%s: %w", format, ErrNotArchive)
}

func (x *Extractor) writeZipEntry(ctx context.Context, zw *zip.Writer, n *node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, done, err := x.open(ctx, n)
	if err != nil {
		return err
	}
	defer done()

	hdr := &zip.FileHeader{
		Name:     n.seg.Name,
		Method:   zip.Deflate,
		Modified: n.seg.ModTime,
	}
	if n.seg.Mode != 0 {
		hdr.SetMode(n.seg.Mode)
	}
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func (x *Extractor) writeTar(ctx context.Context, w io.Writer, children []*node) error {
	tw := tar.NewWriter(w)
	for _, child := range children {
		if err := x.writeTarEntry(ctx, tw, child); err != nil {
			return err
		}
	}
	return tw.Close()
}

func (x *Extractor) writeTarEntry(ctx context.Context, tw *tar.Writer, n *node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, done, err := x.open(ctx, n)
	if err != nil {
		return err
	}
	defer done()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	mode := int64(n.seg.Mode.Perm())
	if mode == 0 {
		mode = 0o644
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     n.seg.Name,
		Size:     info.Size(),
		Mode:     mode,
		ModTime:  n.seg.ModTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, src)
	return err
}

func (x *Extractor) writeStream(ctx context.Context, w io.Writer, format blob.Format, n *node) error {
	src, done, err := x.open(ctx, n)
	if err != nil {
		return err
	}
	defer done()

	if format == blob.FormatGzip {
		zw := gzip.NewWriter(w)
		zw.Name = n.seg.Name
		zw.ModTime = n.seg.ModTime
		if _, err := io.Copy(zw, src); err != nil {
			return err
		}
		return zw.Close()
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
