package blob

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

func newStorage(t *testing.T) *FSStorage {
	t.Helper()
	s, err := NewFSStorage(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewFSStorage failed: %v", err)
	}
	return s
}

func tarBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("host 10.1.2.3\n")
	if err := tw.WriteHeader(&tar.Header{Name: "logs/a.log", Mode: 0o644, Size: int64(len(body))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(body); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func zipBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
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

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
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

func TestDetect(t *testing.T) {
	pcapHeader := []byte{0xd4, 0xc3, 0xb2, 0xa1, 2, 0, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 4, 0, 1, 0, 0, 0}

	tests := []struct {
		name     string
		head     []byte
		filename string
		want     ContentType
		format   Format
	}{
		{"text", []byte("connect from 10.1.2.3\n"), "a.log", TypeText, ""},
		{"latin1 text", []byte("caf\xe9 10.1.2.3\n"), "a.log", TypeText, ""},
		{"empty", nil, "a.log", TypeText, ""},
		{"empty capture", nil, "trace.pcap", TypePcap, FormatPcap},
		{"pcap", pcapHeader, "x", TypePcap, FormatPcap},
		{"pcapng", []byte{0x0A, 0x0D, 0x0D, 0x0A, 0x1c, 0, 0, 0}, "x", TypePcap, FormatPcapNg},
		{"zip", zipBytes(t), "a.zip", TypeArchive, FormatZip},
		{"tar", tarBytes(t), "a.tar", TypeArchive, FormatTar},
		{"tar.gz", gzipBytes(t, tarBytes(t)), "a.tgz", TypeArchive, FormatTarGz},
		{"gzip", gzipBytes(t, []byte("hello world\n")), "a.gz", TypeArchive, FormatGzip},
		{"tar.zst", zstdBytes(t, tarBytes(t)), "a.tar.zst", TypeArchive, FormatTarZst},
		{"zst", zstdBytes(t, []byte("hello world\n")), "a.zst", TypeArchive, FormatZst},
		{"binary", []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0}, "a.bin", TypeUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(tt.head, tt.filename)
			if got.ContentType != tt.want {
				t.Errorf("Detect() content type = %s (%s), want %s", got.ContentType, got.MIME, tt.want)
			}
			if got.Format != tt.format {
				t.Errorf("Detect() format = %q, want %q", got.Format, tt.format)
			}
		})
	}
}

func TestFormatExtension(t *testing.T) {
	if FormatTarGz.Extension() != ".tar.gz" || Format("").Extension() != "" {
		t.Error("Unexpected extension")
	}
}

func TestStorageLifecycle(t *testing.T) {
	s := newStorage(t)
	data := []byte("connect from 10.1.2.3 user:alice\n")

	id, size, err := s.Save(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if size != int64(len(data)) {
		t.Errorf("Save reported %d bytes, want %d", size, len(data))
	}

	p, err := s.Path(id)
	if err != nil {
		t.Fatalf("Path failed: %v", err)
	}
	if filepath.Base(filepath.Dir(p)) != id[:2] {
		t.Errorf("Blob not fanned out by id prefix: %s", p)
	}

	got, err := s.Size(id)
	if err != nil || got != size {
		t.Errorf("Size() = %d, %v", got, err)
	}

	detection, err := s.DetectType(id, "a.log")
	if err != nil || detection.ContentType != TypeText {
		t.Errorf("DetectType() = %+v, %v", detection, err)
	}

	sum, err := s.Checksum(id)
	if err != nil {
		t.Fatalf("Checksum failed: %v", err)
	}
	want := blake3.Sum256(data)
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("Checksum() = %s", sum)
	}

	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Path(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(id); err != nil {
		t.Errorf("Deleting twice should not fail: %v", err)
	}
}

func TestStorageRejectsInvalidID(t *testing.T) {
	s := newStorage(t)
	if _, err := s.Path("../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRewrite(t *testing.T) {
	s := newStorage(t)
	id, _, err := s.Save(context.Background(), strings.NewReader("original"))
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Failure keeps original", func(t *testing.T) {
		err := s.Rewrite(id, func(in io.Reader, out io.Writer) error {
			out.Write([]byte("partial"))
			return errors.New("boom")
		})
		if err == nil {
			t.Fatal("Expected error")
		}
		p, _ := s.Path(id)
		data, _ := os.ReadFile(p)
		if string(data) != "original" {
			t.Errorf("Original content changed to %q", data)
		}
		entries, _ := os.ReadDir(filepath.Dir(p))
		if len(entries) != 1 {
			t.Errorf("Temporary files left behind: %d entries", len(entries))
		}
	})

	t.Run("Success swaps content", func(t *testing.T) {
		err := s.Rewrite(id, func(in io.Reader, out io.Writer) error {
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			_, err = out.Write(bytes.ToUpper(data))
			return err
		})
		if err != nil {
			t.Fatalf("Rewrite failed: %v", err)
		}
		p, _ := s.Path(id)
		data, _ := os.ReadFile(p)
		if string(data) != "ORIGINAL" {
			t.Errorf("Unexpected content %q", data)
		}
	})
}
