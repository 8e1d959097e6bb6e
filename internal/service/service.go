// Package service ties blob storage, archive expansion, masking processors
// and the file lifecycle together behind the operations callers use.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path"

	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/archive"
	"github.com/raaihank/datamask/internal/blob"
	"github.com/raaihank/datamask/internal/lifecycle"
	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/processor"
	"github.com/raaihank/datamask/internal/rules"
)

// ErrQuotaExceeded is returned when an upload would exceed the owner's quota
var ErrQuotaExceeded = errors.New("owner quota exceeded")

// RuleSet resolves the rules applied to a file; *rules.Preset implements it
type RuleSet interface {
	RulesFor(filename string) []rules.RuleConfig
}

// Config tunes a Service
type Config struct {
	ChunkLines             int
	SIPPorts               []int
	PassthroughUnsupported bool
	Limits                 archive.Limits
	MaxBytesPerOwner       int64
	MaxFilesPerOwner       int
}

// Service is the masking engine's caller facing API
type Service struct {
	store     masking.Store
	storage   blob.Storage
	files     *lifecycle.Manager
	presets   *rules.Registry
	extractor *archive.Extractor
	config    Config
	logger    *zap.Logger
}

// New creates a service
func New(store masking.Store, storage blob.Storage, files *lifecycle.Manager, presets *rules.Registry, config Config, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		storage:   storage,
		files:     files,
		presets:   presets,
		extractor: archive.NewExtractor(storage, config.Limits, logger.With(zap.String("component", "archive"))),
		config:    config,
		logger:    logger,
	}
}

// Upload stores r as a new CREATED file
func (s *Service) Upload(ctx context.Context, r io.Reader, filename, owner, product string) (*lifecycle.LogicalFile, error) {
	if _, err := s.presets.Get(product); err != nil {
		return nil, err
	}

	quota, err := s.quota(ctx, owner)
	if err != nil {
		return nil, err
	}
	if quota != nil && quota.Files < 1 {
		return nil, fmt.Errorf("%w: file limit of %d reached", ErrQuotaExceeded, s.config.MaxFilesPerOwner)
	}

	id, size, err := s.storage.Save(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if quota != nil && size > quota.Bytes {
		s.deleteBlob(id)
		return nil, fmt.Errorf("%w: %d bytes requested, %d available", ErrQuotaExceeded, size, quota.Bytes)
	}

	detection, err := s.storage.DetectType(id, filename)
	if err != nil {
		s.deleteBlob(id)
		return nil, err
	}
	checksum, err := s.storage.Checksum(id)
	if err != nil {
		s.deleteBlob(id)
		return nil, err
	}

	f := &lifecycle.LogicalFile{
		Filename:    path.Base(filename),
		Owner:       owner,
		Product:     product,
		BlobID:      id,
		Size:        size,
		ContentType: detection.ContentType,
		Format:      detection.Format,
		Checksum:    checksum,
	}
	if err := s.files.Register(ctx, f); err != nil {
		s.deleteBlob(id)
		return nil, err
	}

	s.logger.Info("File uploaded",
		zap.Int64("file_id", f.ID),
		zap.String("filename", f.Filename),
		zap.String("owner", owner),
		zap.String("content_type", string(f.ContentType)),
		zap.String("mime", detection.MIME),
		zap.Int64("size", size))

	return f, nil
}

// ProcessProduct masks a file with the rules of a product. An empty product
// selects the one the file was uploaded with.
func (s *Service) ProcessProduct(ctx context.Context, fileID int64, product string) (*lifecycle.LogicalFile, error) {
	if product == "" {
		f, err := s.files.Repository().Get(ctx, fileID)
		if err != nil {
			return nil, err
		}
		product = f.Product
	}
	preset, err := s.presets.Get(product)
	if err != nil {
		return nil, err
	}
	return s.Process(ctx, fileID, preset)
}

// Process masks a CREATED file in place. The file always ends DONE or ERROR;
// a file that was already claimed yields lifecycle.ErrAlreadyStarted and is
// left untouched.
func (s *Service) Process(ctx context.Context, fileID int64, ruleSet RuleSet) (result *lifecycle.LogicalFile, err error) {
	f, err := s.files.Begin(ctx, fileID)
	if err != nil {
		return nil, err
	}

	// State transitions must land even when the caller's context is gone
	finishCtx := context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing file %d: %v", f.ID, r)
			s.logger.Error("Recovered from panic", zap.Int64("file_id", f.ID), zap.Any("panic", r))
		}
		if err != nil {
			if ferr := s.files.Fail(finishCtx, f, err); ferr != nil {
				s.logger.Error("Failed to record failure", zap.Int64("file_id", f.ID), zap.Error(ferr))
			}
			result = f
			return
		}
		if cerr := s.files.Complete(finishCtx, f); cerr != nil {
			err = cerr
		}
		result = f
	}()

	switch f.ContentType {
	case blob.TypeArchive:
		return f, s.processArchive(ctx, f, ruleSet)
	default:
		return f, s.maskFile(ctx, f, ruleSet.RulesFor(f.Filename), false)
	}
}

// Mask uploads and processes r in one step
func (s *Service) Mask(ctx context.Context, r io.Reader, filename, owner, product string) (*lifecycle.LogicalFile, error) {
	f, err := s.Upload(ctx, r, filename, owner, product)
	if err != nil {
		return nil, err
	}
	return s.ProcessProduct(ctx, f.ID, product)
}

// maskFile runs the processor matching the file's content type and swaps the
// result in. opaque files are kept as they are.
func (s *Service) maskFile(ctx context.Context, f *lifecycle.LogicalFile, configs []rules.RuleConfig, opaque bool) error {
	log := s.logger.With(zap.Int64("file_id", f.ID), zap.String("filename", f.Filename))

	if opaque || f.ContentType == blob.TypeUnknown || f.ContentType == blob.TypeArchive {
		if opaque || s.config.PassthroughUnsupported {
			log.Warn("Content kept unmasked", zap.String("content_type", string(f.ContentType)))
			return nil
		}
		return fmt.Errorf("%s: %w", f.ContentType, processor.ErrUnsupportedContent)
	}

	built, err := processor.BuildRules(s.store, configs)
	if err != nil {
		return err
	}
	tracker := s.files.Track(ctx, f, f.Size)

	var (
		stats     processor.Stats
		formatErr error
	)
	err = s.storage.Rewrite(f.BlobID, func(in io.Reader, out io.Writer) error {
		var perr error
		switch f.ContentType {
		case blob.TypeText:
			p := processor.NewTextProcessor(built, processor.TextOptions{ChunkLines: s.config.ChunkLines}, log)
			stats, perr = p.Process(ctx, in, out, tracker.Update)
		case blob.TypePcap:
			p := processor.NewPcapProcessor(built, processor.PcapOptions{SIPPorts: s.config.SIPPorts}, log)
			stats, perr = p.Process(ctx, in, out, tracker.Update)
		}
		// A malformed capture still replaces the input with an empty capture
		if errors.Is(perr, processor.ErrPacketFormat) {
			formatErr = perr
			return nil
		}
		return perr
	})
	if err != nil {
		return err
	}

	if err := s.refresh(f); err != nil {
		return err
	}
	if formatErr != nil {
		return formatErr
	}

	log.Info("File masked",
		zap.Int64("units", stats.Units),
		zap.Int64("matches", stats.Matches),
		zap.Int64("packets", stats.Packets),
		zap.Int64("skipped_packets", stats.SkippedPackets),
		zap.Int64("bytes_in", stats.BytesIn))
	return nil
}

// refresh reloads size and checksum after the blob was rewritten
func (s *Service) refresh(f *lifecycle.LogicalFile) error {
	size, err := s.storage.Size(f.BlobID)
	if err != nil {
		return err
	}
	checksum, err := s.storage.Checksum(f.BlobID)
	if err != nil {
		return err
	}
	f.Size = size
	f.Checksum = checksum
	return nil
}

func (s *Service) processArchive(ctx context.Context, f *lifecycle.LogicalFile, ruleSet RuleSet) error {
	quota, err := s.quota(ctx, f.Owner)
	if err != nil {
		return err
	}

	root := archive.Root{BlobID: f.BlobID, Name: f.Filename, Format: f.Format}
	tracker := s.files.Track(ctx, f, 0)

	var (
		members  []archive.Member
		children []*lifecycle.LogicalFile
	)
	for m, err := range s.extractor.Unpack(ctx, root, quota) {
		if err != nil {
			s.dropChildren(children)
			return err
		}

		encoded, err := json.Marshal(m.Path)
		if err != nil {
			s.deleteBlob(m.BlobID)
			s.dropChildren(children)
			return err
		}
		child := &lifecycle.LogicalFile{
			Filename:        m.Path.String(),
			Owner:           f.Owner,
			Product:         f.Product,
			BlobID:          m.BlobID,
			Size:            m.Size,
			ContentType:     m.Detection.ContentType,
			Format:          m.Detection.Format,
			ParentArchiveID: &f.ID,
			ArchivePath:     string(encoded),
		}
		if err := s.files.Register(ctx, child); err != nil {
			s.deleteBlob(m.BlobID)
			s.dropChildren(children)
			return err
		}
		members = append(members, m)
		children = append(children, child)
		tracker.Grow(m.Size)
	}

	s.logger.Info("Archive extracted",
		zap.Int64("file_id", f.ID),
		zap.String("filename", f.Filename),
		zap.Int("members", len(members)))

	failed := 0
	for i, child := range children {
		if err := s.processMember(ctx, child, ruleSet, members[i].Opaque); err != nil {
			failed++
		}

		done, err := s.files.Aggregate(ctx, f.ID)
		if err != nil {
			return err
		}
		tracker.Save(done)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d archive members failed", failed, len(children))
	}

	if err := s.extractor.Repack(ctx, root, members); err != nil {
		return err
	}
	f.Filename = archive.NormalizeName(f.Filename, f.Format)
	return s.refresh(f)
}

// processMember masks one extracted leaf, recording its own terminal state
func (s *Service) processMember(ctx context.Context, child *lifecycle.LogicalFile, ruleSet RuleSet, opaque bool) error {
	claimed, err := s.files.Begin(ctx, child.ID)
	if err != nil {
		return err
	}
	*child = *claimed

	finishCtx := context.WithoutCancel(ctx)
	if err := s.maskFile(ctx, child, ruleSet.RulesFor(child.Filename), opaque); err != nil {
		if ferr := s.files.Fail(finishCtx, child, err); ferr != nil {
			s.logger.Error("Failed to record member failure", zap.Int64("file_id", child.ID), zap.Error(ferr))
		}
		return err
	}
	return s.files.Complete(finishCtx, child)
}

// quota returns what owner may still store, or nil when unlimited
func (s *Service) quota(ctx context.Context, owner string) (*archive.Quota, error) {
	if s.config.MaxBytesPerOwner <= 0 && s.config.MaxFilesPerOwner <= 0 {
		return nil, nil
	}
	usage, err := s.files.Repository().Usage(ctx, owner)
	if err != nil {
		return nil, err
	}

	quota := &archive.Quota{Bytes: math.MaxInt64, Files: math.MaxInt64}
	if s.config.MaxBytesPerOwner > 0 {
		quota.Bytes = max(s.config.MaxBytesPerOwner-usage.Bytes, 0)
	}
	if s.config.MaxFilesPerOwner > 0 {
		quota.Files = max(int64(s.config.MaxFilesPerOwner)-usage.Files, 0)
	}
	return quota, nil
}

func (s *Service) dropChildren(children []*lifecycle.LogicalFile) {
	ctx := context.Background()
	for _, child := range children {
		if err := s.files.Repository().Delete(ctx, child.ID); err != nil {
			s.logger.Error("Failed to delete member record", zap.Int64("file_id", child.ID), zap.Error(err))
		}
	}
}

func (s *Service) deleteBlob(id string) {
	if err := s.storage.Delete(id); err != nil {
		s.logger.Error("Failed to delete blob", zap.String("blob_id", id), zap.Error(err))
	}
}

// GetFile returns one file record
func (s *Service) GetFile(ctx context.Context, id int64) (*lifecycle.LogicalFile, error) {
	return s.files.Repository().Get(ctx, id)
}

// ListFiles returns file records matching filter
func (s *Service) ListFiles(ctx context.Context, filter lifecycle.Filter) ([]lifecycle.LogicalFile, error) {
	return s.files.Repository().List(ctx, filter)
}

// Content opens the stored bytes of a file
func (s *Service) Content(ctx context.Context, id int64) (io.ReadCloser, *lifecycle.LogicalFile, error) {
	f, err := s.files.Repository().Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	r, err := s.storage.Open(f.BlobID)
	if err != nil {
		return nil, nil, err
	}
	return r, f, nil
}

// ListProducts returns the configured products
func (s *Service) ListProducts() []rules.Preset {
	return s.presets.List()
}

// ExportMapping writes the masking map in format and returns the row count
func (s *Service) ExportMapping(ctx context.Context, format masking.ExportFormat, w io.Writer) (int64, error) {
	return masking.Export(ctx, s.store, format, w)
}
