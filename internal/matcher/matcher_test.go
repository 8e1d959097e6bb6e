package matcher

import (
	"slices"
	"testing"

	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/rules"
)

func words(matches []Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Word)
	}
	return out
}

func TestBuiltinMatchers(t *testing.T) {
	tests := []struct {
		name    string
		matcher string
		input   string
		want    []string
	}{
		{"ipv4", "ipv4", "connect from 10.1.2.3 port 22", []string{"10.1.2.3"}},
		{"ipv4 out of range", "ipv4", "values 999.1.1.1 and 256.1.1.1", []string{}},
		{"ipv4 multiple", "ipv4", "192.168.0.1 -> 8.8.8.8", []string{"192.168.0.1", "8.8.8.8"}},
		{"mac colon", "mac", "hw aa:bb:cc:dd:ee:ff up", []string{"aa:bb:cc:dd:ee:ff"}},
		{"mac hyphen upper", "mac", "hw AA-BB-CC-DD-EE-FF up", []string{"AA-BB-CC-DD-EE-FF"}},
		{"mac bare", "mac", "hw aabbccddeeff up", []string{"aabbccddeeff"}},
		{"mac mixed separators", "mac", "hw aa:bb-cc:dd-ee:ff up", []string{}},
		{"mac broadcast kept", "mac", "who-has ff:ff:ff:ff:ff:ff tell aa:bb:cc:dd:ee:ff", []string{"aa:bb:cc:dd:ee:ff"}},
		{"mac zero kept", "mac", "target 00-00-00-00-00-00", []string{}},
		{"username bracketed", "username", "login [user:alice] ok", []string{"[user:alice]"}},
		{"username bare", "username", "login user:bob, ok", []string{"user:bob"}},
		{"sip uri", "sip_uri", "From: <sip:alice@example.com>;tag=1", []string{"sip:alice@example.com"}},
		{"sips uri", "sip_uri", "To: <SIPS:+4930123@pbx.local>", []string{"SIPS:+4930123@pbx.local"}},
		{"domain", "domain", "resolve mail.example.org now", []string{"mail.example.org"}},
		{"e164", "e164", "call +4915112345678 now", []string{"+4915112345678"}},
		{"e164 glued", "e164", "call x+4915112345678 now", []string{}},
		{"national dn", "national_dn", "ext 1234 at host:5060 v1.234", []string{"1234"}},
		{"national dn too short", "national_dn", "ext 12", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MustNew(rules.RuleConfig{MatcherType: tt.matcher})
			got := words(m.FindAll(tt.input))
			if !slices.Equal(got, tt.want) {
				t.Errorf("FindAll(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestMatchOffsets(t *testing.T) {
	unit := "connect from 10.1.2.3 user:alice"
	matches := MustNew(rules.RuleConfig{MatcherType: "ipv4"}).FindAll(unit)
	if len(matches) != 1 {
		t.Fatalf("Expected one match, got %d", len(matches))
	}

	m := matches[0]
	if m.Start != 13 || m.End != 21 {
		t.Errorf("Expected [13,21), got [%d,%d)", m.Start, m.End)
	}
	if unit[m.Start:m.End] != m.Word {
		t.Errorf("Word %q does not match offsets", m.Word)
	}
	if m.Category != masking.CategoryIP {
		t.Errorf("Expected IP category, got %s", m.Category)
	}
}

func TestDNBlock(t *testing.T) {
	unit := "[DN: 1001 1002 +4930123]"
	m := MustNew(rules.RuleConfig{MatcherType: "dn_block"})
	matches := m.FindAll(unit)

	want := []string{"1001", "1002", "+4930123"}
	if got := words(matches); !slices.Equal(got, want) {
		t.Fatalf("FindAll = %v, want %v", got, want)
	}
	if matches[0].Start != 5 || matches[1].Start != 10 {
		t.Errorf("Unexpected offsets: %+v", matches)
	}
	if m.Priority() != PrioritySIP {
		t.Errorf("Expected SIP priority, got %d", m.Priority())
	}
	for _, match := range matches {
		if match.Category != masking.CategoryNationalDN {
			t.Errorf("Expected NATIONAL_DN, got %s", match.Category)
		}
	}
}

func TestDNBlockSingleDigits(t *testing.T) {
	m := MustNew(rules.RuleConfig{MatcherType: "dn_block"})
	if got := words(m.FindAll("[DN: 5 1001 7]")); !slices.Equal(got, []string{"5", "1001", "7"}) {
		t.Errorf("Every number in the block should match, got %v", got)
	}

	m = MustNew(rules.RuleConfig{MatcherType: "dn_block", MatcherParams: map[string]any{"min_length": 2}})
	if got := words(m.FindAll("[DN: 5 1001]")); !slices.Equal(got, []string{"1001"}) {
		t.Errorf("Explicit min_length should still apply, got %v", got)
	}
}

func TestRegexParams(t *testing.T) {
	t.Run("FirstNonEmptyGroup", func(t *testing.T) {
		m := MustNew(rules.RuleConfig{
			MatcherType:   "regex",
			Category:      "GENERIC",
			MatcherParams: map[string]any{"pattern": `id=(\w+)|token=(\w+)`},
		})
		if got := words(m.FindAll("token=xyz id=abc")); !slices.Equal(got, []string{"xyz", "abc"}) {
			t.Errorf("Unexpected matches: %v", got)
		}
	})

	t.Run("GroupZeroFallback", func(t *testing.T) {
		m := MustNew(rules.RuleConfig{
			MatcherType:   "regex",
			Category:      "GENERIC",
			MatcherParams: map[string]any{"pattern": `acct-(x*)[0-9]+`},
		})
		if got := words(m.FindAll("acct-42")); !slices.Equal(got, []string{"acct-42"}) {
			t.Errorf("Unexpected matches: %v", got)
		}
	})

	t.Run("Exceptions", func(t *testing.T) {
		m := MustNew(rules.RuleConfig{
			MatcherType:   "ipv4",
			MatcherParams: map[string]any{"exceptions": []any{`127\.0\.0\.1`}},
		})
		if got := words(m.FindAll("from 127.0.0.1 to 10.0.0.5")); !slices.Equal(got, []string{"10.0.0.5"}) {
			t.Errorf("Unexpected matches: %v", got)
		}
	})

	t.Run("MinLength", func(t *testing.T) {
		m := MustNew(rules.RuleConfig{
			MatcherType:   "regex",
			Category:      "GENERIC",
			MatcherParams: map[string]any{"pattern": `a+`, "min_length": 3},
		})
		if got := words(m.FindAll("a aa aaa")); !slices.Equal(got, []string{"aaa"}) {
			t.Errorf("Unexpected matches: %v", got)
		}
	})

	t.Run("DefaultMinLength", func(t *testing.T) {
		m := MustNew(rules.RuleConfig{
			MatcherType:   "regex",
			Category:      "GENERIC",
			MatcherParams: map[string]any{"pattern": `[a-z]+`},
		})
		if got := words(m.FindAll("x yy")); !slices.Equal(got, []string{"yy"}) {
			t.Errorf("Unexpected matches: %v", got)
		}
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		m := MustNew(rules.RuleConfig{
			MatcherType:   "regex",
			Category:      "GENERIC",
			MatcherParams: map[string]any{"pattern": `secret-[a-z]+`},
		})
		if got := words(m.FindAll("SECRET-ABC")); !slices.Equal(got, []string{"SECRET-ABC"}) {
			t.Errorf("Unexpected matches: %v", got)
		}
	})

	t.Run("PriorityOverride", func(t *testing.T) {
		m := MustNew(rules.RuleConfig{MatcherType: "ipv4", MatcherParams: map[string]any{"priority": 99}})
		if m.Priority() != 99 {
			t.Errorf("Expected priority 99, got %d", m.Priority())
		}
	})
}

func TestNewErrors(t *testing.T) {
	bad := []rules.RuleConfig{
		{MatcherType: "unknown"},
		{MatcherType: "regex", Category: "GENERIC"},
		{MatcherType: "regex", Category: "GENERIC", MatcherParams: map[string]any{"pattern": "("}},
		{MatcherType: "dn_block", MatcherParams: map[string]any{"pattern": `\[DN:[^\]]*\]`}},
	}
	for _, rule := range bad {
		if _, err := New(rule); err == nil {
			t.Errorf("Expected error for %+v", rule)
		}
	}
}

func TestSearch(t *testing.T) {
	m := MustNew(rules.RuleConfig{MatcherType: "ipv4"})
	lines := []string{"a 1.1.1.1", "nothing", "2.2.2.2 and 3.3.3.3"}

	var counts []int
	for matches := range Search(m, slices.Values(lines)) {
		counts = append(counts, len(matches))
	}
	if !slices.Equal(counts, []int{1, 0, 2}) {
		t.Errorf("Unexpected per-unit counts: %v", counts)
	}

	// Consumers may stop early
	seen := 0
	for range Search(m, slices.Values(lines)) {
		seen++
		break
	}
	if seen != 1 {
		t.Errorf("Expected early stop after one unit, got %d", seen)
	}
}

func TestOverlaps(t *testing.T) {
	a := Match{Start: 0, End: 5}
	if !a.Overlaps(Match{Start: 4, End: 8}) {
		t.Error("Expected [0,5) and [4,8) to overlap")
	}
	if a.Overlaps(Match{Start: 5, End: 8}) {
		t.Error("Adjacent intervals must not overlap")
	}
}
