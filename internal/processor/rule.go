// Package processor applies masking rules to text streams and packet captures.
package processor

import (
	"errors"
	"fmt"

	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/matcher"
	"github.com/raaihank/datamask/internal/patcher"
	"github.com/raaihank/datamask/internal/rules"
)

var (
	// ErrDecode is returned when the text encoding of an input cannot be determined
	ErrDecode = errors.New("cannot decode text content")
	// ErrPacketFormat is returned for malformed captures
	ErrPacketFormat = errors.New("malformed packet capture")
	// ErrUnsupportedContent is returned for inputs that are neither text nor capture
	ErrUnsupportedContent = errors.New("unsupported content type")
)

// Rule is a matcher paired with the patcher applied to its matches
type Rule struct {
	Matcher matcher.Matcher
	Patcher patcher.Patcher
}

// Category returns the category the rule detects
func (r Rule) Category() masking.Category {
	return r.Matcher.Category()
}

// BuildRules turns rule configurations into rules that patch through store
func BuildRules(store masking.Store, configs []rules.RuleConfig) ([]Rule, error) {
	built := make([]Rule, 0, len(configs))
	for i, config := range configs {
		m, err := matcher.New(config)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		p, err := patcher.New(store, m.Category(), config.PatcherParams)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		built = append(built, Rule{Matcher: m, Patcher: p})
	}
	return built, nil
}

// Stats counts what a processor did to one input
type Stats struct {
	Units           int64 `json:"units"`
	Matches         int64 `json:"matches"`
	Packets         int64 `json:"packets,omitempty"`
	PacketsModified int64 `json:"packets_modified,omitempty"`
	SkippedPackets  int64 `json:"skipped_packets,omitempty"`
	BytesIn         int64 `json:"bytes_in"`
}

// ProgressFunc receives the cumulative number of input bytes consumed
type ProgressFunc func(done int64)
