package phone

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Kind classifies a normalized number.
type Kind string

const (
	KindMobile   Kind = "mobile"
	KindSpecial  Kind = "special"
	KindLandline Kind = "landline"
	KindUnknown  Kind = "unknown"
)

// Labels used when a number has no directory entry.
const (
	LabelMobile  = "Mobil"
	LabelSpecial = "Sonderrufnummer"
)

// DefaultMobilePrefixes are the German mobile network blocks.
var DefaultMobilePrefixes = []string{
	"0151", "0152", "0155", "0156", "0157", "0159",
	"0160", "0162", "0163",
	"0170", "0171", "0172", "0173", "0174", "0175", "0176", "0177", "0178", "0179",
}

// DefaultSpecialPrefixes are service ranges (freephone, shared cost, premium,
// mass traffic, personal numbers).
var DefaultSpecialPrefixes = []string{
	"0800", "0180", "0900", "0137", "0138", "0700", "0116", "0118",
}

//go:embed areacodes.yaml
var areaCodesYAML []byte

var loadAreaCodes = sync.OnceValues(func() (map[string]string, error) {
	codes := map[string]string{}
	if err := yaml.Unmarshal(areaCodesYAML, &codes); err != nil {
		return nil, fmt.Errorf("parsing area codes: %w", err)
	}
	return codes, nil
})

// Plan is a numbering plan: ordered prefix lists and the area-code table.
// A Plan is immutable after construction and safe for concurrent use.
type Plan struct {
	mobile  []string
	special []string
	areas   map[string]string
}

// PlanOption configures a Plan.
type PlanOption func(*Plan)

// WithMobilePrefixes replaces the mobile prefix list. Empty lists are ignored.
func WithMobilePrefixes(prefixes []string) PlanOption {
	return func(p *Plan) {
		if len(prefixes) > 0 {
			p.mobile = normalizePrefixes(prefixes)
		}
	}
}

// WithSpecialPrefixes replaces the special/service prefix list. Empty lists are ignored.
func WithSpecialPrefixes(prefixes []string) PlanOption {
	return func(p *Plan) {
		if len(prefixes) > 0 {
			p.special = normalizePrefixes(prefixes)
		}
	}
}

// WithAreaCodes replaces the area-code table. Keys omit the trunk prefix 0.
func WithAreaCodes(codes map[string]string) PlanOption {
	return func(p *Plan) { p.areas = codes }
}

// NewPlan builds a plan from the embedded area-code table and the default prefixes.
func NewPlan(opts ...PlanOption) (*Plan, error) {
	areas, err := loadAreaCodes()
	if err != nil {
		return nil, err
	}
	p := &Plan{
		mobile:  DefaultMobilePrefixes,
		special: DefaultSpecialPrefixes,
		areas:   areas,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// DefaultPlan returns NewPlan() and panics if the embedded table is broken.
func DefaultPlan() *Plan {
	p, err := NewPlan()
	if err != nil {
		panic(err)
	}
	return p
}

func normalizePrefixes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = Normalize(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Classify categorizes a normalized number. Mobile ranges are tested before
// special ranges; anything else with a trunk prefix is a landline.
func (p *Plan) Classify(normalized string) Kind {
	if !strings.HasPrefix(normalized, "0") {
		return KindUnknown
	}
	if matchPrefix(normalized, p.mobile) != "" {
		return KindMobile
	}
	if matchPrefix(normalized, p.special) != "" {
		return KindSpecial
	}
	return KindLandline
}

// IsLandline reports whether a normalized number classifies as a landline.
func (p *Plan) IsLandline(normalized string) bool {
	return p.Classify(normalized) == KindLandline
}

// LookupCity returns the place for the longest matching area code, trying code
// lengths 5 down to 2. ok is false for numbers without trunk prefix or an
// unknown area.
func (p *Plan) LookupCity(normalized string) (city string, ok bool) {
	code, ok := p.areaCode(normalized)
	if !ok {
		return "", false
	}
	return p.areas[code], true
}

func (p *Plan) areaCode(normalized string) (string, bool) {
	if !strings.HasPrefix(normalized, "0") {
		return "", false
	}
	digits := normalized[1:]
	for n := 5; n >= 2; n-- {
		if len(digits) < n {
			continue
		}
		if _, found := p.areas[digits[:n]]; found {
			return digits[:n], true
		}
	}
	return "", false
}

// FormatNice renders a raw number as "+49 <prefix> <subscriber>". ok is false when
// the number has no German trunk prefix after normalization.
func (p *Plan) FormatNice(raw string) (formatted string, ok bool) {
	n := Normalize(raw)
	if !strings.HasPrefix(n, "0") {
		return "", false
	}
	digits := n[1:]

	var prefix string
	switch p.Classify(n) {
	case KindMobile:
		prefix = strings.TrimPrefix(matchPrefix(n, p.mobile), "0")
	case KindSpecial:
		prefix = strings.TrimPrefix(matchPrefix(n, p.special), "0")
	case KindLandline:
		prefix, _ = p.areaCode(n)
	}
	if prefix == "" || len(prefix) >= len(digits) {
		return "+49 " + digits, true
	}
	return "+49 " + prefix + " " + digits[len(prefix):], true
}

// Label returns the display label for a number without a directory entry:
// "Mobil", "Sonderrufnummer" or the landline's city.
func (p *Plan) Label(normalized string) (string, bool) {
	switch p.Classify(normalized) {
	case KindMobile:
		return LabelMobile, true
	case KindSpecial:
		return LabelSpecial, true
	case KindLandline:
		return p.LookupCity(normalized)
	}
	return "", false
}

func matchPrefix(s string, prefixes []string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return p
		}
	}
	return ""
}
