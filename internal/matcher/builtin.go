package matcher

import (
	"fmt"
	"slices"

	"github.com/raaihank/datamask/internal/rules"
)

// Default priorities. SIP aware matchers win overlaps against generic ones.
const (
	PriorityGeneric = 10
	PrioritySIP     = 20
)

const (
	octet = `(?:25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9]?[0-9])`

	ipv4Pattern       = `\b(?:` + octet + `\.){3}` + octet + `\b`
	macPattern        = `\b(?:[0-9a-f]{2}(?::[0-9a-f]{2}){5}|[0-9a-f]{2}(?:-[0-9a-f]{2}){5}|[0-9a-f]{12})\b`
	usernamePattern   = `\[user:[^\]\s]+\]|\buser:[a-z0-9._@-]+`
	sipURIPattern     = `\bsips?:[a-z0-9._~%!$&'*+=;-]+@[a-z0-9-]+(?:\.[a-z0-9-]+)*`
	domainPattern     = `\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`
	e164Pattern       = `(?:^|[^\w+])(\+[1-9][0-9]{7,14})\b`
	nationalDNPattern = `\b[0-9]{3,6}\b`
	dnBlockPattern    = `\[DN:\s*([^\]]*)\]`
)

// Broadcast and all-zero MACs identify no host and stay readable
var macExceptions = []string{
	`\bff(?:[:-]?ff){5}\b`,
	`\b00(?:[:-]?00){5}\b`,
}

type builtin struct {
	pattern        string
	priority       int
	minLength      int
	rejectAdjacent string
	exceptions     []string
}

var builtins = map[string]builtin{
	"ipv4":        {pattern: ipv4Pattern, priority: PriorityGeneric},
	"mac":         {pattern: macPattern, priority: PriorityGeneric, exceptions: macExceptions},
	"username":    {pattern: usernamePattern, priority: PriorityGeneric},
	"sip_uri":     {pattern: sipURIPattern, priority: PrioritySIP},
	"domain":      {pattern: domainPattern, priority: PriorityGeneric},
	"e164":        {pattern: e164Pattern, priority: PriorityGeneric},
	"national_dn": {pattern: nationalDNPattern, priority: PriorityGeneric, rejectAdjacent: ".:-/"},
	"dn_block":    {pattern: dnBlockPattern, priority: PrioritySIP, minLength: 1},
	"regex":       {priority: PriorityGeneric},
}

// New builds the matcher described by a rule configuration
func New(rule rules.RuleConfig) (Matcher, error) {
	def, ok := builtins[rule.MatcherType]
	if !ok {
		return nil, fmt.Errorf("unknown matcher type: %q", rule.MatcherType)
	}

	category, err := rule.ResolveCategory()
	if err != nil {
		return nil, err
	}

	minLength := def.minLength
	if minLength == 0 {
		minLength = 2
	}
	params := rule.MatcherParams
	opts := Options{
		Priority:       rules.ParamInt(params, "priority", def.priority),
		MinLength:      rules.ParamInt(params, "min_length", minLength),
		Exceptions:     append(slices.Clone(def.exceptions), rules.ParamStrings(params, "exceptions")...),
		RejectAdjacent: rules.ParamString(params, "reject_adjacent", def.rejectAdjacent),
	}
	pattern := rules.ParamString(params, "pattern", def.pattern)
	if pattern == "" {
		return nil, fmt.Errorf("matcher %q requires a pattern", rule.MatcherType)
	}

	if rule.MatcherType == "dn_block" {
		return NewDNBlockMatcher(category, pattern, opts)
	}
	return NewRegexMatcher(category, pattern, opts)
}

// MustNew is like New but panics on error; intended for tests and static rule tables
func MustNew(rule rules.RuleConfig) Matcher {
	m, err := New(rule)
	if err != nil {
		panic(err)
	}
	return m
}
