package processor

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/matcher"
)

// Analyzer runs a rule set over units and arbitrates overlapping matches.
// Rules are consulted in descending priority, ties broken by configuration
// order; a candidate is accepted only if it overlaps no accepted match.
type Analyzer struct {
	rules []Rule
	order []int
}

// NewAnalyzer creates an analyzer over rules
func NewAnalyzer(rules []Rule) *Analyzer {
	order := make([]int, len(rules))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return rules[order[a]].Matcher.Priority() > rules[order[b]].Matcher.Priority()
	})
	return &Analyzer{rules: rules, order: order}
}

// Analyze returns the accepted matches of every unit, sorted by Start
func (a *Analyzer) Analyze(units []string) [][]matcher.Match {
	accepted := make([][]matcher.Match, len(units))

	for _, idx := range a.order {
		i := 0
		for candidates := range matcher.Search(a.rules[idx].Matcher, slices.Values(units)) {
			for _, candidate := range candidates {
				if overlapsAny(accepted[i], candidate) {
					continue
				}
				candidate.Rule = idx
				accepted[i] = append(accepted[i], candidate)
			}
			i++
		}
	}

	for _, matches := range accepted {
		sort.Slice(matches, func(x, y int) bool { return matches[x].Start < matches[y].Start })
	}
	return accepted
}

func overlapsAny(accepted []matcher.Match, candidate matcher.Match) bool {
	for _, m := range accepted {
		if m.Overlaps(candidate) {
			return true
		}
	}
	return false
}

// Apply rebuilds unit with every match replaced by its pseudonym. Bytes
// outside the matches are copied unchanged.
func (a *Analyzer) Apply(ctx context.Context, unit string, matches []matcher.Match) (string, error) {
	if len(matches) == 0 {
		return unit, nil
	}

	var b strings.Builder
	b.Grow(len(unit))
	prev := 0
	for _, m := range matches {
		replacement, err := a.rules[m.Rule].Patcher.Patch(ctx, m.Word)
		if err != nil {
			return "", err
		}
		b.WriteString(unit[prev:m.Start])
		b.WriteString(replacement)
		prev = m.End
	}
	b.WriteString(unit[prev:])
	return b.String(), nil
}

// Process analyzes and rewrites a batch of units, returning the number of
// replaced matches
func (a *Analyzer) Process(ctx context.Context, units []string) ([]string, int, error) {
	analyzed := a.Analyze(units)
	out := make([]string, len(units))
	count := 0
	for i, unit := range units {
		patched, err := a.Apply(ctx, unit, analyzed[i])
		if err != nil {
			return nil, count, err
		}
		out[i] = patched
		count += len(analyzed[i])
	}
	return out, count, nil
}

// PatchField masks a whole packet field such as an address. Only rules of
// category are consulted, and only a match covering the entire value counts.
func (a *Analyzer) PatchField(ctx context.Context, value string, category masking.Category) (string, bool, error) {
	for _, idx := range a.order {
		rule := a.rules[idx]
		if rule.Category() != category {
			continue
		}
		for _, m := range rule.Matcher.FindAll(value) {
			if m.Start != 0 || m.End != len(value) {
				continue
			}
			patched, err := rule.Patcher.Patch(ctx, m.Word)
			if err != nil {
				return "", false, err
			}
			return patched, true, nil
		}
	}
	return value, false, nil
}

// HasCategory reports whether any rule detects category
func (a *Analyzer) HasCategory(category masking.Category) bool {
	for _, rule := range a.rules {
		if rule.Category() == category {
			return true
		}
	}
	return false
}
