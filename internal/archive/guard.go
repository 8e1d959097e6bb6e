package archive

import (
	"errors"
	"fmt"
	"io"
)

// ErrGuardViolation is wrapped by every GuardError
var ErrGuardViolation = errors.New("archive guard violated")

// Guard names a resource limit enforced during extraction
type Guard string

const (
	GuardDepth      Guard = "depth"
	GuardTotalSize  Guard = "total_size"
	GuardFileCount  Guard = "file_count"
	GuardQuotaBytes Guard = "quota_bytes"
	GuardQuotaFiles Guard = "quota_files"
)

// GuardError reports which limit an extraction exceeded
type GuardError struct {
	Guard  Guard
	Limit  int64
	Actual int64
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s limit exceeded: %d > %d", e.Guard, e.Actual, e.Limit)
}

func (e *GuardError) Unwrap() error {
	return ErrGuardViolation
}

// Limits bound the expansion of one top-level archive. Zero disables a limit.
type Limits struct {
	MaxDepth     int
	MaxTotalSize int64
	MaxFiles     int
}

// Quota is the storage an owner may still consume. A nil *Quota is unlimited.
type Quota struct {
	Bytes int64
	Files int64
}

// budget tracks cumulative usage across one expansion
type budget struct {
	limits Limits
	quota  *Quota
	size   int64
	files  int64
}

func (b *budget) checkDepth(depth int) error {
	if b.limits.MaxDepth > 0 && depth > b.limits.MaxDepth {
		return &GuardError{Guard: GuardDepth, Limit: int64(b.limits.MaxDepth), Actual: int64(depth)}
	}
	return nil
}

func (b *budget) addFile() error {
	b.files++
	if b.limits.MaxFiles > 0 && b.files > int64(b.limits.MaxFiles) {
		return &GuardError{Guard: GuardFileCount, Limit: int64(b.limits.MaxFiles), Actual: b.files}
	}
	if b.quota != nil && b.files > b.quota.Files {
		return &GuardError{Guard: GuardQuotaFiles, Limit: b.quota.Files, Actual: b.files}
	}
	return nil
}

func (b *budget) addBytes(n int64) error {
	b.size += n
	if b.limits.MaxTotalSize > 0 && b.size > b.limits.MaxTotalSize {
		return &GuardError{Guard: GuardTotalSize, Limit: b.limits.MaxTotalSize, Actual: b.size}
	}
	if b.quota != nil && b.size > b.quota.Bytes {
		return &GuardError{Guard: GuardQuotaBytes, Limit: b.quota.Bytes, Actual: b.size}
	}
	return nil
}

// guardReader charges every byte read against the budget, so a compression
// bomb is stopped as soon as it crosses a limit
type guardReader struct {
	r      io.Reader
	budget *budget
}

func (g *guardReader) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	if n > 0 {
		if gerr := g.budget.addBytes(int64(n)); gerr != nil {
			return n, gerr
		}
	}
	return n, err
}
