package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/archive"
	"github.com/raaihank/datamask/internal/blob"
	"github.com/raaihank/datamask/internal/lifecycle"
	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/processor"
	"github.com/raaihank/datamask/internal/rules"
)

type fixture struct {
	svc     *Service
	storage *blob.FSStorage
	repo    *lifecycle.MemoryRepository
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	storage, err := blob.NewFSStorage(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	presets, err := rules.NewRegistry(rules.DefaultPresets())
	if err != nil {
		t.Fatal(err)
	}
	repo := lifecycle.NewMemoryRepository()
	files := lifecycle.NewManager(repo, 0, zap.NewNop())
	svc := New(masking.NewMemoryStore(), storage, files, presets, config, zap.NewNop())
	return &fixture{svc: svc, storage: storage, repo: repo}
}

func (fx *fixture) content(t *testing.T, id int64) []byte {
	t.Helper()
	r, _, err := fx.svc.Content(context.Background(), id)
	if err != nil {
		t.Fatalf("Content failed: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (fx *fixture) blobCount(t *testing.T) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(fx.storage.Root(), func(_ string, d fs.DirEntry, err error) error {
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

func zipOf(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func unzipOne(t *testing.T, data []byte) (string, []byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Not a zip: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("Expected one entry, got %d", len(zr.File))
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return zr.File[0].Name, content
}

func TestMaskTextFile(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	input := "connect from 10.1.2.3 user:alice\nconnect from 10.1.2.3 user:alice\n"

	f, err := fx.svc.Mask(ctx, strings.NewReader(input), "app.log", "alice", "default")
	if err != nil {
		t.Fatalf("Mask failed: %v", err)
	}
	if f.Status != lifecycle.StatusDone {
		t.Fatalf("Expected DONE, got %s (%s)", f.Status, f.Error)
	}

	got := string(fx.content(t, f.ID))
	want := "connect from 10.0.0.1 [user:user1]\nconnect from 10.0.0.1 [user:user1]\n"
	if got != want {
		t.Errorf("Unexpected content:\n got %q\nwant %q", got, want)
	}

	stored, err := fx.svc.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Size != int64(len(want)) || stored.CompletedSize != stored.Size {
		t.Errorf("Size bookkeeping off: %+v", stored)
	}

	if _, err := fx.svc.ProcessProduct(ctx, f.ID, ""); !errors.Is(err, lifecycle.ErrAlreadyStarted) {
		t.Errorf("Reprocessing should fail with ErrAlreadyStarted, got %v", err)
	}

	var csv bytes.Buffer
	rows, err := fx.svc.ExportMapping(ctx, masking.FormatCSV, &csv)
	if err != nil {
		t.Fatal(err)
	}
	if rows != 2 || !strings.Contains(csv.String(), "10.1.2.3") {
		t.Errorf("Unexpected export (%d rows): %s", rows, csv.String())
	}
}

func TestMaskNestedZip(t *testing.T) {
	fx := newFixture(t, Config{Limits: archive.Limits{MaxDepth: 5}})
	ctx := context.Background()

	inner := zipOf(t, "logs/a.txt", []byte("host 10.1.2.3\n"))
	mid := zipOf(t, "inner.zip", inner)
	outer := zipOf(t, "mid.zip", mid)

	f, err := fx.svc.Mask(ctx, bytes.NewReader(outer), "bundle", "alice", "default")
	if err != nil {
		t.Fatalf("Mask failed: %v", err)
	}
	if f.Status != lifecycle.StatusDone {
		t.Fatalf("Expected DONE, got %s (%s)", f.Status, f.Error)
	}
	if f.Filename != "bundle.zip" {
		t.Errorf("Filename not normalized: %q", f.Filename)
	}

	children, err := fx.svc.ListFiles(ctx, lifecycle.Filter{ParentID: &f.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("Expected one leaf, got %d", len(children))
	}
	if children[0].Filename != "mid.zip/inner.zip/logs/a.txt" || children[0].Status != lifecycle.StatusDone {
		t.Errorf("Unexpected leaf %+v", children[0])
	}
	if f.CompletedSize != children[0].Size {
		t.Errorf("Archive completed size %d, want %d", f.CompletedSize, children[0].Size)
	}

	name, data := unzipOne(t, fx.content(t, f.ID))
	if name != "mid.zip" {
		t.Fatalf("Unexpected outer entry %q", name)
	}
	name, data = unzipOne(t, data)
	if name != "inner.zip" {
		t.Fatalf("Unexpected middle entry %q", name)
	}
	name, data = unzipOne(t, data)
	if name != "logs/a.txt" || string(data) != "host 10.0.0.1\n" {
		t.Errorf("Unexpected leaf %q: %q", name, data)
	}
}

func TestArchiveGuardViolation(t *testing.T) {
	fx := newFixture(t, Config{Limits: archive.Limits{MaxTotalSize: 16}})
	ctx := context.Background()

	data := zipOf(t, "big.txt", bytes.Repeat([]byte("10.1.2.3\n"), 10))
	f, err := fx.svc.Mask(ctx, bytes.NewReader(data), "big.zip", "alice", "default")
	if !errors.Is(err, archive.ErrGuardViolation) {
		t.Fatalf("Expected guard violation, got %v", err)
	}
	if f.Status != lifecycle.StatusError || f.Filename != "FAILED_big.zip" {
		t.Errorf("Unexpected file state %+v", f)
	}
	if n := fx.blobCount(t); n != 1 {
		t.Errorf("Expected only the uploaded archive on disk, found %d blobs", n)
	}
	children, _ := fx.svc.ListFiles(ctx, lifecycle.Filter{ParentID: &f.ID})
	if len(children) != 0 {
		t.Errorf("Member records left behind: %d", len(children))
	}
	if !bytes.Equal(fx.content(t, f.ID), data) {
		t.Error("Archive bytes changed after a failed run")
	}
}

func TestUnsupportedContent(t *testing.T) {
	elf := append([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}, make([]byte, 32)...)
	ctx := context.Background()

	t.Run("Rejected", func(t *testing.T) {
		fx := newFixture(t, Config{})
		f, err := fx.svc.Mask(ctx, bytes.NewReader(elf), "tool", "alice", "default")
		if !errors.Is(err, processor.ErrUnsupportedContent) {
			t.Fatalf("Expected ErrUnsupportedContent, got %v", err)
		}
		if f.Status != lifecycle.StatusError || f.Filename != "FAILED_tool" {
			t.Errorf("Unexpected file state %+v", f)
		}
	})

	t.Run("Passthrough", func(t *testing.T) {
		fx := newFixture(t, Config{PassthroughUnsupported: true})
		f, err := fx.svc.Mask(ctx, bytes.NewReader(elf), "tool", "alice", "default")
		if err != nil {
			t.Fatalf("Mask failed: %v", err)
		}
		if f.Status != lifecycle.StatusDone || !bytes.Equal(fx.content(t, f.ID), elf) {
			t.Errorf("Unexpected passthrough result %+v", f)
		}
	})

	t.Run("FailedMemberKeepsArchive", func(t *testing.T) {
		fx := newFixture(t, Config{})
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		for name, data := range map[string][]byte{"a.txt": []byte("10.1.2.3\n"), "tool": elf} {
			w, _ := zw.Create(name)
			w.Write(data)
		}
		zw.Close()
		original := buf.Bytes()

		f, err := fx.svc.Mask(ctx, bytes.NewReader(original), "mixed.zip", "alice", "default")
		if err == nil || f.Status != lifecycle.StatusError {
			t.Fatalf("Expected archive failure, got %v", err)
		}
		if !bytes.Equal(fx.content(t, f.ID), original) {
			t.Error("Archive was repacked although a member failed")
		}

		children, _ := fx.svc.ListFiles(ctx, lifecycle.Filter{ParentID: &f.ID})
		statuses := map[string]lifecycle.Status{}
		for _, c := range children {
			statuses[c.Filename] = c.Status
		}
		if statuses["a.txt"] != lifecycle.StatusDone || statuses["FAILED_tool"] != lifecycle.StatusError {
			t.Errorf("Unexpected member states %v", statuses)
		}
	})
}

func TestMalformedCapture(t *testing.T) {
	fx := newFixture(t, Config{})
	broken := []byte{0xd4, 0xc3, 0xb2, 0xa1, 2, 0}

	f, err := fx.svc.Mask(context.Background(), bytes.NewReader(broken), "trace.pcap", "alice", "voip")
	if !errors.Is(err, processor.ErrPacketFormat) {
		t.Fatalf("Expected ErrPacketFormat, got %v", err)
	}
	if f.Status != lifecycle.StatusError {
		t.Errorf("Expected ERROR, got %s", f.Status)
	}
	if data := fx.content(t, f.ID); !blob.IsCapture(data) || len(data) != 24 {
		t.Errorf("Expected an empty fallback capture, got % x", data)
	}
}

func TestQuota(t *testing.T) {
	ctx := context.Background()

	t.Run("Files", func(t *testing.T) {
		fx := newFixture(t, Config{MaxFilesPerOwner: 1})
		if _, err := fx.svc.Upload(ctx, strings.NewReader("a"), "a.log", "alice", "default"); err != nil {
			t.Fatal(err)
		}
		if _, err := fx.svc.Upload(ctx, strings.NewReader("b"), "b.log", "alice", "default"); !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("Expected ErrQuotaExceeded, got %v", err)
		}
		if _, err := fx.svc.Upload(ctx, strings.NewReader("c"), "c.log", "bob", "default"); err != nil {
			t.Errorf("Quota of another owner applied: %v", err)
		}
	})

	t.Run("Bytes", func(t *testing.T) {
		fx := newFixture(t, Config{MaxBytesPerOwner: 4})
		if _, err := fx.svc.Upload(ctx, strings.NewReader("too large"), "a.log", "alice", "default"); !errors.Is(err, ErrQuotaExceeded) {
			t.Errorf("Expected ErrQuotaExceeded, got %v", err)
		}
		if n := fx.blobCount(t); n != 0 {
			t.Errorf("Rejected upload left %d blobs", n)
		}
	})
}

func TestUnknownProduct(t *testing.T) {
	fx := newFixture(t, Config{})
	_, err := fx.svc.Upload(context.Background(), strings.NewReader("x"), "a.log", "alice", "nope")
	if !errors.Is(err, rules.ErrUnknownPreset) {
		t.Errorf("Expected ErrUnknownPreset, got %v", err)
	}
	if len(fx.svc.ListProducts()) != 2 {
		t.Errorf("Expected the default products")
	}
}
