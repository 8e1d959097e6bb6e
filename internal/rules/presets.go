package rules

// SIPNumericFields are SIP header and SDP lines whose numbers are protocol
// values rather than dial numbers
var SIPNumericFields = []string{
	`^(?:cseq|content-length|l|max-forwards|expires|min-expires|session-expires|min-se|rseq|rack|retry-after|timestamp)\s*:.*`,
	`^[mo]=.*`,
}

// DefaultPresets returns the built-in products used when the configuration
// does not define any
func DefaultPresets() []Preset {
	return []Preset{
		{
			Name:        "default",
			Description: "Network identifiers and account names in logs and captures",
			Rules: []RuleConfig{
				{MatcherType: "ipv4"},
				{MatcherType: "mac"},
				{MatcherType: "username"},
				{MatcherType: "domain"},
			},
		},
		{
			Name:        "voip",
			Description: "SIP signalling traces, dial numbers and subscriber identities",
			Rules: []RuleConfig{
				{MatcherType: "sip_uri"},
				{MatcherType: "dn_block"},
				{MatcherType: "e164"},
				{MatcherType: "ipv4"},
				{MatcherType: "mac"},
				{MatcherType: "username"},
				{
					MatcherType:   "national_dn",
					MatcherParams: map[string]any{"exceptions": SIPNumericFields},
				},
			},
			Files: []FileRules{
				{
					// Config dumps carry short internal extension numbers that
					// collide with port numbers and counters elsewhere
					Pattern: "*.cfg",
					Rules: []RuleConfig{
						{MatcherType: "sip_uri"},
						{MatcherType: "dn_block"},
						{MatcherType: "ipv4"},
						{MatcherType: "mac"},
					},
				},
			},
		},
	}
}
