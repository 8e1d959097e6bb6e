// Package matcher finds spans of sensitive data in text units.
package matcher

import (
	"fmt"
	"iter"
	"regexp"
	"strings"

	"github.com/raaihank/datamask/internal/masking"
)

// Match is one detected span inside a unit (a line or a packet field).
// Start and End are half-open byte offsets: 0 <= Start < End <= len(unit).
type Match struct {
	Start    int              `json:"start"`
	End      int              `json:"end"`
	Word     string           `json:"word"`
	Category masking.Category `json:"category"`
	// Rule is the index of the rule that produced the match; set by the analyzer
	Rule int `json:"rule"`
}

// Overlaps reports whether the two half-open intervals share at least one byte
func (m Match) Overlaps(other Match) bool {
	return min(m.End, other.End)-max(m.Start, other.Start) > 0
}

// Matcher detects one category of data
type Matcher interface {
	Category() masking.Category
	Priority() int
	FindAll(unit string) []Match
}

// Search runs m over every unit lazily, yielding one match list per unit
func Search(m Matcher, units iter.Seq[string]) iter.Seq[[]Match] {
	return func(yield func([]Match) bool) {
		for unit := range units {
			if !yield(m.FindAll(unit)) {
				return
			}
		}
	}
}

// Options tune a regex based matcher
type Options struct {
	Priority       int
	MinLength      int
	Exceptions     []string
	RejectAdjacent string
}

// filter drops candidate spans that are too short, touch a rejected
// neighbour character or overlap an exception match
type filter struct {
	minLength      int
	rejectAdjacent string
	exceptions     []*regexp.Regexp
}

func newFilter(opts Options) (*filter, error) {
	f := &filter{
		minLength:      opts.MinLength,
		rejectAdjacent: opts.RejectAdjacent,
	}
	if f.minLength <= 0 {
		f.minLength = 2
	}
	for _, exception := range opts.Exceptions {
		re, err := regexp.Compile("(?i)" + exception)
		if err != nil {
			return nil, fmt.Errorf("invalid exception pattern %q: %w", exception, err)
		}
		f.exceptions = append(f.exceptions, re)
	}
	return f, nil
}

// exceptionSpans returns the exception intervals of a unit, nil when none are configured
func (f *filter) exceptionSpans(unit string) [][]int {
	if len(f.exceptions) == 0 {
		return nil
	}
	var spans [][]int
	for _, re := range f.exceptions {
		spans = append(spans, re.FindAllStringIndex(unit, -1)...)
	}
	return spans
}

func (f *filter) keep(unit string, start, end int, exceptions [][]int) bool {
	if len(strings.TrimSpace(unit[start:end])) < f.minLength {
		return false
	}
	if f.rejectAdjacent != "" {
		if start > 0 && strings.IndexByte(f.rejectAdjacent, unit[start-1]) >= 0 {
			return false
		}
		if end < len(unit) && strings.IndexByte(f.rejectAdjacent, unit[end]) >= 0 {
			return false
		}
	}
	for _, span := range exceptions {
		if min(end, span[1])-max(start, span[0]) > 0 {
			return false
		}
	}
	return true
}

// RegexMatcher matches a case-insensitive pattern. When the pattern has
// capturing groups the first non-empty group is the match, otherwise the
// whole match is used.
type RegexMatcher struct {
	category masking.Category
	priority int
	pattern  *regexp.Regexp
	filter   *filter
}

// NewRegexMatcher compiles pattern for category
func NewRegexMatcher(category masking.Category, pattern string, opts Options) (*RegexMatcher, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid %s pattern: %w", category, err)
	}
	f, err := newFilter(opts)
	if err != nil {
		return nil, err
	}
	return &RegexMatcher{
		category: category,
		priority: opts.Priority,
		pattern:  re,
		filter:   f,
	}, nil
}

func (m *RegexMatcher) Category() masking.Category { return m.category }
func (m *RegexMatcher) Priority() int              { return m.priority }

// FindAll returns the accepted spans of unit in left to right order
func (m *RegexMatcher) FindAll(unit string) []Match {
	found := m.pattern.FindAllStringSubmatchIndex(unit, -1)
	if len(found) == 0 {
		return nil
	}

	exceptions := m.filter.exceptionSpans(unit)
	matches := make([]Match, 0, len(found))
	for _, loc := range found {
		start, end := selectGroup(loc)
		if start >= end {
			continue
		}
		if !m.filter.keep(unit, start, end, exceptions) {
			continue
		}
		matches = append(matches, Match{
			Start:    start,
			End:      end,
			Word:     unit[start:end],
			Category: m.category,
		})
	}
	return matches
}

// selectGroup picks the first non-empty capturing group, falling back to group 0
func selectGroup(loc []int) (int, int) {
	for g := 1; 2*g+1 < len(loc); g++ {
		start, end := loc[2*g], loc[2*g+1]
		if start >= 0 && end > start {
			return start, end
		}
	}
	return loc[0], loc[1]
}

// DNBlockMatcher finds bracketed dial number blocks such as "[DN: 1001 1002]"
// and reports every number inside as its own match, leaving the wrapper intact.
type DNBlockMatcher struct {
	category masking.Category
	priority int
	block    *regexp.Regexp
	number   *regexp.Regexp
	filter   *filter
}

// NewDNBlockMatcher creates a block matcher. pattern overrides the block
// pattern; its first capturing group must cover the number list.
func NewDNBlockMatcher(category masking.Category, pattern string, opts Options) (*DNBlockMatcher, error) {
	if pattern == "" {
		pattern = dnBlockPattern
	}
	block, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid dn_block pattern: %w", err)
	}
	if block.NumSubexp() < 1 {
		return nil, fmt.Errorf("dn_block pattern needs a capturing group around the numbers")
	}
	f, err := newFilter(opts)
	if err != nil {
		return nil, err
	}
	return &DNBlockMatcher{
		category: category,
		priority: opts.Priority,
		block:    block,
		number:   regexp.MustCompile(`\+?\d+`),
		filter:   f,
	}, nil
}

func (m *DNBlockMatcher) Category() masking.Category { return m.category }
func (m *DNBlockMatcher) Priority() int              { return m.priority }

// FindAll returns one match per number of every block in unit
func (m *DNBlockMatcher) FindAll(unit string) []Match {
	blocks := m.block.FindAllStringSubmatchIndex(unit, -1)
	if len(blocks) == 0 {
		return nil
	}

	exceptions := m.filter.exceptionSpans(unit)
	var matches []Match
	for _, loc := range blocks {
		listStart, listEnd := loc[2], loc[3]
		if listStart < 0 {
			continue
		}
		for _, n := range m.number.FindAllStringIndex(unit[listStart:listEnd], -1) {
			start, end := listStart+n[0], listStart+n[1]
			if !m.filter.keep(unit, start, end, exceptions) {
				continue
			}
			matches = append(matches, Match{
				Start:    start,
				End:      end,
				Word:     unit[start:end],
				Category: m.category,
			})
		}
	}
	return matches
}
