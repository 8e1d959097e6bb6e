package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/blob"
)

type entry struct {
	name string
	data []byte
}

func zipOf(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write(e.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func tarOf(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: e.name, Mode: 0o644, Size: int64(len(e.data))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(e.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipOf(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zstdOf(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newExtractor(t *testing.T, limits Limits) (*Extractor, *blob.FSStorage) {
	t.Helper()
	storage, err := blob.NewFSStorage(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return NewExtractor(storage, limits, zap.NewNop()), storage
}

func saveRoot(t *testing.T, s *blob.FSStorage, name string, data []byte) Root {
	t.Helper()
	id, _, err := s.Save(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	detection, err := s.DetectType(id, name)
	if err != nil {
		t.Fatal(err)
	}
	return Root{BlobID: id, Name: name, Format: detection.Format}
}

func unpackAll(t *testing.T, x *Extractor, root Root, quota *Quota) ([]Member, error) {
	t.Helper()
	var members []Member
	for m, err := range x.Unpack(context.Background(), root, quota) {
		if err != nil {
			return members, err
		}
		members = append(members, m)
	}
	return members, nil
}

func readBlob(t *testing.T, s *blob.FSStorage, id string) []byte {
	t.Helper()
	p, err := s.Path(id)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func upperCase(t *testing.T, s *blob.FSStorage, members []Member) {
	t.Helper()
	for _, m := range members {
		err := s.Rewrite(m.BlobID, func(in io.Reader, out io.Writer) error {
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			_, err = out.Write(bytes.ToUpper(data))
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

// countBlobs returns the number of regular files under the storage root
func countBlobs(t *testing.T, s *blob.FSStorage) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(s.Root(), func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return count
}

func nestedZip(t *testing.T) []byte {
	inner := zipOf(t, entry{"logs/a.txt", []byte("connect from 10.1.2.3\n")})
	mid := zipOf(t, entry{"inner.zip", inner})
	return zipOf(t, entry{"dir/mid.zip", mid})
}

func TestNestedZipRoundTrip(t *testing.T) {
	x, s := newExtractor(t, Limits{MaxDepth: 5})
	root := saveRoot(t, s, "bundle.zip", nestedZip(t))
	if root.Format != blob.FormatZip {
		t.Fatalf("Root detected as %q", root.Format)
	}

	members, err := unpackAll(t, x, root, nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("Expected exactly one leaf, got %d", len(members))
	}
	leaf := members[0]
	if leaf.Path.String() != "dir/mid.zip/inner.zip/logs/a.txt" {
		t.Errorf("Unexpected leaf path %q", leaf.Path)
	}
	if leaf.Detection.ContentType != blob.TypeText {
		t.Errorf("Leaf detected as %s", leaf.Detection.ContentType)
	}
	if countBlobs(t, s) != 2 {
		t.Errorf("Intermediate containers left behind: %d blobs", countBlobs(t, s))
	}

	upperCase(t, s, members)
	if err := x.Repack(context.Background(), root, members); err != nil {
		t.Fatalf("Repack failed: %v", err)
	}

	// The repacked archive expands to the same path with the new content
	again, err := unpackAll(t, x, root, nil)
	if err != nil {
		t.Fatalf("Unpack of repacked archive failed: %v", err)
	}
	if len(again) != 1 || again[0].Path.String() != leaf.Path.String() {
		t.Fatalf("Structure changed after repack: %v", again)
	}
	if got := string(readBlob(t, s, again[0].BlobID)); got != "CONNECT FROM 10.1.2.3\n" {
		t.Errorf("Unexpected leaf content %q", got)
	}
}

func TestRoundTripFormats(t *testing.T) {
	files := []entry{{"a.txt", []byte("alpha\n")}, {"sub/b.log", []byte("beta\n")}}

	tests := []struct {
		name   string
		file   string
		data   []byte
		format blob.Format
		paths  []string
	}{
		{"tar", "x.tar", tarOf(t, files...), blob.FormatTar, []string{"a.txt", "sub/b.log"}},
		{"tar.gz", "x.tgz", gzipOf(t, tarOf(t, files...)), blob.FormatTarGz, []string{"a.txt", "sub/b.log"}},
		{"tar.zst", "x.tar.zst", zstdOf(t, tarOf(t, files...)), blob.FormatTarZst, []string{"a.txt", "sub/b.log"}},
		{"zip", "x.zip", zipOf(t, files...), blob.FormatZip, []string{"a.txt", "sub/b.log"}},
		{"gzip", "notes.txt.gz", gzipOf(t, []byte("gamma\n")), blob.FormatGzip, []string{"notes.txt"}},
		{"zst", "notes.txt.zst", zstdOf(t, []byte("delta\n")), blob.FormatZst, []string{"notes.txt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, s := newExtractor(t, Limits{})
			root := saveRoot(t, s, tt.file, tt.data)
			if root.Format != tt.format {
				t.Fatalf("Detected %q, want %q", root.Format, tt.format)
			}

			members, err := unpackAll(t, x, root, nil)
			if err != nil {
				t.Fatalf("Unpack failed: %v", err)
			}
			var paths []string
			for _, m := range members {
				paths = append(paths, m.Path.String())
			}
			if !slices.Equal(paths, tt.paths) {
				t.Fatalf("Unpacked paths %v, want %v", paths, tt.paths)
			}

			upperCase(t, s, members)
			if err := x.Repack(context.Background(), root, members); err != nil {
				t.Fatalf("Repack failed: %v", err)
			}

			if d, _ := s.DetectType(root.BlobID, tt.file); d.Format != tt.format {
				t.Errorf("Repacked format %q, want %q", d.Format, tt.format)
			}
			again, err := unpackAll(t, x, root, nil)
			if err != nil {
				t.Fatalf("Unpack of repacked archive failed: %v", err)
			}
			for i, m := range again {
				if m.Path.String() != tt.paths[i] {
					t.Errorf("Path %q, want %q", m.Path, tt.paths[i])
				}
				data := readBlob(t, s, m.BlobID)
				if !bytes.Equal(data, bytes.ToUpper(data)) {
					t.Errorf("Member %s was not replaced: %q", m.Path, data)
				}
			}
		})
	}
}

func TestGuards(t *testing.T) {
	eight := []byte("12345678")

	tests := []struct {
		name   string
		limits Limits
		quota  *Quota
		data   []byte
		guard  Guard
	}{
		{"total size", Limits{MaxTotalSize: 10}, nil, zipOf(t, entry{"a", eight}, entry{"b", eight}), GuardTotalSize},
		{"file count", Limits{MaxFiles: 2}, nil, zipOf(t, entry{"a", eight}, entry{"b", eight}, entry{"c", eight}), GuardFileCount},
		{"depth", Limits{MaxDepth: 2}, nil, nestedZip(t), GuardDepth},
		{"quota files", Limits{}, &Quota{Bytes: 1 << 20, Files: 1}, zipOf(t, entry{"a", eight}, entry{"b", eight}), GuardQuotaFiles},
		{"quota bytes", Limits{}, &Quota{Bytes: 12, Files: 10}, zipOf(t, entry{"a", eight}, entry{"b", eight}), GuardQuotaBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, s := newExtractor(t, tt.limits)
			root := saveRoot(t, s, "x.zip", tt.data)

			_, err := unpackAll(t, x, root, tt.quota)
			if !errors.Is(err, ErrGuardViolation) {
				t.Fatalf("Expected guard violation, got %v", err)
			}
			var guardErr *GuardError
			if !errors.As(err, &guardErr) || guardErr.Guard != tt.guard {
				t.Errorf("Expected %s guard, got %v", tt.guard, err)
			}
			if n := countBlobs(t, s); n != 1 {
				t.Errorf("Expected only the archive to remain, found %d blobs", n)
			}
		})
	}
}

func TestUnpackEarlyStopCleansUp(t *testing.T) {
	x, s := newExtractor(t, Limits{})
	root := saveRoot(t, s, "x.zip", zipOf(t,
		entry{"a.txt", []byte("a")},
		entry{"b.txt", []byte("b")},
		entry{"c.txt", []byte("c")}))

	var got []Member
	for m, err := range x.Unpack(context.Background(), root, nil) {
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, m)
		break
	}

	if len(got) != 1 {
		t.Fatalf("Expected one member, got %d", len(got))
	}
	if n := countBlobs(t, s); n != 2 {
		t.Errorf("Expected archive and consumed member only, found %d blobs", n)
	}
	if _, err := s.Path(got[0].BlobID); err != nil {
		t.Errorf("Consumed member was deleted: %v", err)
	}
}

func TestCorruptNestedArchiveIsOpaque(t *testing.T) {
	x, s := newExtractor(t, Limits{})
	broken := append([]byte{0x1f, 0x8b, 0x08, 0x00}, bytes.Repeat([]byte{0xff}, 32)...)
	root := saveRoot(t, s, "x.zip", zipOf(t,
		entry{"ok.txt", []byte("fine")},
		entry{"broken.gz", broken}))

	members, err := unpackAll(t, x, root, nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(members))
	}
	opaque := members[1]
	if !opaque.Opaque || opaque.Path.String() != "broken.gz" {
		t.Errorf("Expected broken.gz to be opaque, got %+v", opaque)
	}

	if err := x.Repack(context.Background(), root, members); err != nil {
		t.Fatalf("Repack failed: %v", err)
	}
	again, err := unpackAll(t, x, root, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(readBlob(t, s, again[1].BlobID), broken) {
		t.Error("Opaque member content changed")
	}
}

func TestUnsafeEntriesSkipped(t *testing.T) {
	x, s := newExtractor(t, Limits{})
	root := saveRoot(t, s, "x.tar", tarOf(t,
		entry{"../escape.txt", []byte("x")},
		entry{"/abs.txt", []byte("y")},
		entry{"safe.txt", []byte("z")}))

	members, err := unpackAll(t, x, root, nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if len(members) != 1 || members[0].Path.String() != "safe.txt" {
		t.Errorf("Unexpected members %v", members)
	}
}

func TestUnpackRejectsNonArchive(t *testing.T) {
	x, s := newExtractor(t, Limits{})
	root := saveRoot(t, s, "a.txt", []byte("plain"))
	if _, err := unpackAll(t, x, root, nil); !errors.Is(err, ErrNotArchive) {
		t.Errorf("Expected ErrNotArchive, got %v", err)
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		name   string
		format blob.Format
		want   string
	}{
		{"logs.tgz", blob.FormatTarGz, "logs.tar.gz"},
		{"logs.ZIP", blob.FormatZip, "logs.zip"},
		{"logs.zip", blob.FormatTar, "logs.tar"},
		{"logs", blob.FormatZip, "logs.zip"},
		{"trace.tar.zst", blob.FormatTarZst, "trace.tar.zst"},
	}
	for _, tt := range tests {
		if got := NormalizeName(tt.name, tt.format); got != tt.want {
			t.Errorf("NormalizeName(%q, %s) = %q, want %q", tt.name, tt.format, got, tt.want)
		}
	}
}
