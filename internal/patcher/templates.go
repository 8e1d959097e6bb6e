package patcher

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/rules"
)

const (
	defaultNetwork       = "10.0.0.0/8"
	defaultGenericFormat = "masked%d"
	macBase              = 0x020000000000
	macSpace             = 1 << 40
)

// TemplateFor returns the pseudonym template of a category
func TemplateFor(category masking.Category, params map[string]any) (Template, error) {
	switch category {
	case masking.CategoryIP:
		return newIPTemplate(rules.ParamString(params, "network", defaultNetwork))
	case masking.CategoryMAC:
		return macTemplate{}, nil
	case masking.CategoryUsername:
		return usernameTemplate{}, nil
	case masking.CategoryDomain:
		return domainTemplate{}, nil
	case masking.CategoryPhone, masking.CategoryNationalDN:
		return numberTemplate{}, nil
	case masking.CategorySIPURI:
		return sipURITemplate{}, nil
	case masking.CategoryGeneric:
		format := rules.ParamString(params, "format", defaultGenericFormat)
		if strings.Count(format, "%d") != 1 || strings.Count(format, "%") != 1 {
			return nil, fmt.Errorf("generic format %q must contain exactly one %%d", format)
		}
		return genericTemplate{format: format}, nil
	default:
		return nil, fmt.Errorf("no template for category %q", category)
	}
}

// ipTemplate hands out sequential addresses of a private network
type ipTemplate struct {
	base uint32
	size uint64
}

func newIPTemplate(network string) (*ipTemplate, error) {
	prefix, err := netip.ParsePrefix(network)
	if err != nil {
		return nil, fmt.Errorf("invalid masking network %q: %w", network, err)
	}
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("masking network %q is not IPv4", network)
	}
	addr := prefix.Masked().Addr().As4()
	return &ipTemplate{
		base: binary.BigEndian.Uint32(addr[:]),
		size: 1 << (32 - prefix.Bits()),
	}, nil
}

func (t *ipTemplate) Key(word string) string { return word }

func (t *ipTemplate) Generator(string) masking.Generator {
	return func(seq int64) (string, error) {
		if seq <= 0 || uint64(seq) >= t.size {
			return "", fmt.Errorf("masking network exhausted at %d addresses", t.size)
		}
		var addr [4]byte
		binary.BigEndian.PutUint32(addr[:], t.base+uint32(seq))
		return netip.AddrFrom4(addr).String(), nil
	}
}

func (t *ipTemplate) Render(_, masked string) string { return masked }

// macTemplate hands out locally administered addresses from 02:00:00:00:00:00
type macTemplate struct{}

func (macTemplate) Key(word string) string {
	hex := strings.ToLower(stripMACSeparators(word))
	if len(hex) != 12 {
		return strings.ToLower(word)
	}
	return colonize(hex)
}

func (macTemplate) Generator(string) masking.Generator {
	return func(seq int64) (string, error) {
		if seq <= 0 || seq >= macSpace {
			return "", fmt.Errorf("MAC pseudonym space exhausted")
		}
		return colonize(fmt.Sprintf("%012x", macBase+seq)), nil
	}
}

// Render keeps the separator style and letter case of the original
func (macTemplate) Render(word, masked string) string {
	out := masked
	switch {
	case strings.Contains(word, "-"):
		out = strings.ReplaceAll(masked, ":", "-")
	case !strings.Contains(word, ":"):
		out = strings.ReplaceAll(masked, ":", "")
	}
	if word != strings.ToLower(word) {
		out = strings.ToUpper(out)
	}
	return out
}

func stripMACSeparators(s string) string {
	return strings.NewReplacer(":", "", "-", "").Replace(s)
}

func colonize(hex string) string {
	var b strings.Builder
	for i := 0; i < len(hex); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hex[i : i+2])
	}
	return b.String()
}

// usernameTemplate keys every spelling of a user as "user:NAME" so bracketed
// and bare tokens share one pseudonym
type usernameTemplate struct{}

func (usernameTemplate) Key(word string) string {
	name := strings.TrimSuffix(strings.TrimPrefix(word, "["), "]")
	if len(name) >= 5 && strings.EqualFold(name[:5], "user:") {
		name = name[5:]
	}
	return "user:" + name
}

func (usernameTemplate) Generator(string) masking.Generator {
	return func(seq int64) (string, error) {
		return fmt.Sprintf("user:user%d", seq), nil
	}
}

// Render emits the bracketed token for user: style words and the bare
// pseudonym for names matched by custom patterns
func (usernameTemplate) Render(word, masked string) string {
	trimmed := strings.TrimPrefix(word, "[")
	if len(trimmed) >= 5 && strings.EqualFold(trimmed[:5], "user:") {
		return "[" + masked + "]"
	}
	return strings.TrimPrefix(masked, "user:")
}

type domainTemplate struct{}

func (domainTemplate) Key(word string) string { return strings.ToLower(word) }

func (domainTemplate) Generator(string) masking.Generator {
	return func(seq int64) (string, error) {
		return fmt.Sprintf("domain%d.masked", seq), nil
	}
}

func (domainTemplate) Render(_, masked string) string { return masked }

// numberTemplate zero pads the sequence to the digit width of the original
// and keeps a leading plus sign
type numberTemplate struct{}

func (numberTemplate) Key(word string) string { return word }

func (numberTemplate) Generator(word string) masking.Generator {
	plus := ""
	if strings.HasPrefix(word, "+") {
		plus = "+"
	}
	width := 0
	for _, r := range word {
		if r >= '0' && r <= '9' {
			width++
		}
	}
	return func(seq int64) (string, error) {
		return fmt.Sprintf("%s%0*d", plus, width, seq), nil
	}
}

func (numberTemplate) Render(_, masked string) string { return masked }

// sipURITemplate keys URIs with a normalized "sip:" scheme and renders the
// pseudonym with the scheme of the original
type sipURITemplate struct{}

func (sipURITemplate) Key(word string) string {
	return "sip:" + sipRest(word)
}

func (sipURITemplate) Generator(string) masking.Generator {
	return func(seq int64) (string, error) {
		return fmt.Sprintf("sip:user%d@domain%d.masked", seq, seq), nil
	}
}

func (sipURITemplate) Render(word, masked string) string {
	if len(word) >= 5 && strings.EqualFold(word[:5], "sips:") {
		return "sips:" + strings.TrimPrefix(masked, "sip:")
	}
	return masked
}

func sipRest(uri string) string {
	if i := strings.IndexByte(uri, ':'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

type genericTemplate struct {
	format string
}

func (t genericTemplate) Key(word string) string { return word }

func (t genericTemplate) Generator(string) masking.Generator {
	return func(seq int64) (string, error) {
		return fmt.Sprintf(t.format, seq), nil
	}
}

func (t genericTemplate) Render(_, masked string) string { return masked }
