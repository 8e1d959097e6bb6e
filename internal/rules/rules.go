// Package rules holds the rule configurations that drive masking and the named
// presets ("products") that bundle them per filename.
package rules

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/raaihank/datamask/internal/masking"
)

// ErrUnknownPreset is returned when a product name is not configured
var ErrUnknownPreset = errors.New("unknown product")

// RuleConfig pairs one matcher with the patcher applied to its matches
type RuleConfig struct {
	MatcherType   string         `yaml:"matcher" mapstructure:"matcher" json:"matcher"`
	Category      string         `yaml:"category" mapstructure:"category" json:"category,omitempty"`
	MatcherParams map[string]any `yaml:"matcher_params" mapstructure:"matcher_params" json:"matcher_params,omitempty"`
	PatcherParams map[string]any `yaml:"patcher_params" mapstructure:"patcher_params" json:"patcher_params,omitempty"`
}

// FileRules overrides the preset rules for files whose name matches Pattern
type FileRules struct {
	Pattern string       `yaml:"pattern" mapstructure:"pattern" json:"pattern"`
	Rules   []RuleConfig `yaml:"rules" mapstructure:"rules" json:"rules"`
}

// Preset is a named rule set selectable at upload or processing time
type Preset struct {
	Name        string       `yaml:"name" mapstructure:"name" json:"name"`
	Description string       `yaml:"description" mapstructure:"description" json:"description,omitempty"`
	Rules       []RuleConfig `yaml:"rules" mapstructure:"rules" json:"rules"`
	Files       []FileRules  `yaml:"files" mapstructure:"files" json:"files,omitempty"`
}

// MatcherCategories maps each built-in matcher type to its default category.
// The regex matcher has no default and needs an explicit category.
var MatcherCategories = map[string]masking.Category{
	"ipv4":        masking.CategoryIP,
	"mac":         masking.CategoryMAC,
	"username":    masking.CategoryUsername,
	"sip_uri":     masking.CategorySIPURI,
	"domain":      masking.CategoryDomain,
	"e164":        masking.CategoryPhone,
	"national_dn": masking.CategoryNationalDN,
	"dn_block":    masking.CategoryNationalDN,
	"regex":       "",
}

// ResolveCategory returns the explicit category of the rule or the default of its matcher
func (r RuleConfig) ResolveCategory() (masking.Category, error) {
	if r.Category != "" {
		return masking.ParseCategory(r.Category)
	}
	category, ok := MatcherCategories[r.MatcherType]
	if !ok {
		return "", fmt.Errorf("unknown matcher type: %q", r.MatcherType)
	}
	if category == "" {
		return "", fmt.Errorf("matcher %q requires a category", r.MatcherType)
	}
	return category, nil
}

// Validate checks that the rule can be turned into a matcher and patcher
func (r RuleConfig) Validate() error {
	if _, ok := MatcherCategories[r.MatcherType]; !ok {
		return fmt.Errorf("unknown matcher type: %q", r.MatcherType)
	}
	if _, err := r.ResolveCategory(); err != nil {
		return err
	}

	pattern := ParamString(r.MatcherParams, "pattern", "")
	if r.MatcherType == "regex" && pattern == "" {
		return fmt.Errorf("regex matcher requires a pattern")
	}
	if pattern != "" {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	}
	for _, exception := range ParamStrings(r.MatcherParams, "exceptions") {
		if _, err := regexp.Compile(exception); err != nil {
			return fmt.Errorf("invalid exception %q: %w", exception, err)
		}
	}
	return nil
}

// ValidatePreset checks every rule of a preset and its file overrides
func ValidatePreset(p Preset) error {
	if p.Name == "" {
		return fmt.Errorf("product name is required")
	}
	if len(p.Rules) == 0 && len(p.Files) == 0 {
		return fmt.Errorf("product %s has no rules", p.Name)
	}
	for i, rule := range p.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("product %s rule %d: %w", p.Name, i, err)
		}
	}
	for _, file := range p.Files {
		if _, err := path.Match(file.Pattern, ""); err != nil {
			return fmt.Errorf("product %s: invalid file pattern %q: %w", p.Name, file.Pattern, err)
		}
		for i, rule := range file.Rules {
			if err := rule.Validate(); err != nil {
				return fmt.Errorf("product %s file %s rule %d: %w", p.Name, file.Pattern, i, err)
			}
		}
	}
	return nil
}

// RulesFor returns the rules for a file. The first file override whose pattern
// matches the full relative path or the base name wins; otherwise the preset rules apply.
func (p *Preset) RulesFor(filename string) []RuleConfig {
	base := path.Base(filename)
	for _, file := range p.Files {
		if ok, _ := path.Match(file.Pattern, filename); ok {
			return file.Rules
		}
		if ok, _ := path.Match(file.Pattern, base); ok {
			return file.Rules
		}
	}
	return p.Rules
}

// Registry resolves presets by name. Its contents can be swapped at runtime
// when configuration is reloaded.
type Registry struct {
	mu      sync.RWMutex
	presets map[string]Preset
}

// NewRegistry validates presets and indexes them by name
func NewRegistry(presets []Preset) (*Registry, error) {
	index, err := indexPresets(presets)
	if err != nil {
		return nil, err
	}
	return &Registry{presets: index}, nil
}

// Replace swaps in a new preset set. On error the current set is kept.
func (r *Registry) Replace(presets []Preset) error {
	index, err := indexPresets(presets)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.presets = index
	r.mu.Unlock()
	return nil
}

func indexPresets(presets []Preset) (map[string]Preset, error) {
	index := make(map[string]Preset, len(presets))
	for _, preset := range presets {
		if err := ValidatePreset(preset); err != nil {
			return nil, err
		}
		if _, exists := index[preset.Name]; exists {
			return nil, fmt.Errorf("duplicate product: %s", preset.Name)
		}
		index[preset.Name] = preset
	}
	return index, nil
}

// Get returns the preset with the given name
func (r *Registry) Get(name string) (*Preset, error) {
	r.mu.RLock()
	preset, ok := r.presets[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPreset, name)
	}
	return &preset, nil
}

// List returns all presets sorted by name
func (r *Registry) List() []Preset {
	r.mu.RLock()
	list := make([]Preset, 0, len(r.presets))
	for _, preset := range r.presets {
		list = append(list, preset)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// ParamString reads a string parameter
func ParamString(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ParamInt reads an integer parameter. Numbers decoded from YAML or JSON may
// arrive as int, int64, float64 or string.
func ParamInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ParamStrings reads a list of strings; a single string is treated as a one element list
func ParamStrings(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}
