// Package phone canonicalizes, classifies and formats German phone numbers.
package phone

import (
	"strings"
)

// MinMatchDigits is the shortest suffix overlap accepted by Match.
const MinMatchDigits = 6

// bareCountryCodeMinLen is the length a separator-free number must exceed before
// a bare leading "49" is read as the country code rather than subscriber digits.
const bareCountryCodeMinLen = 6

var separators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", "/", "", ".", "")

// Normalize strips separators and rewrites German international prefixes to the
// national trunk prefix 0.
//
//	"+49 170-5664234" -> "01705664234"
//	"0049625182755"   -> "0625182755"
//	"496251555"       -> "06251555"
func Normalize(raw string) string {
	s := separators.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(s, "+") {
		s = "00" + s[1:]
	}
	switch {
	case strings.HasPrefix(s, "0049"):
		s = "0" + s[4:]
	case strings.HasPrefix(s, "49") && len(s) > bareCountryCodeMinLen:
		s = "0" + s[2:]
	}
	return s
}

// Match reports whether two raw numbers denote the same line. Exact equality of
// the normalized forms always matches; otherwise the shorter must be a suffix of
// the longer with at least MinMatchDigits digits of overlap.
func Match(a, b string) bool {
	return matchNormalized(Normalize(a), Normalize(b))
}

// MatchNormalized is Match for inputs that already went through Normalize.
func MatchNormalized(a, b string) bool {
	return matchNormalized(a, b)
}

func matchNormalized(na, nb string) bool {
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if min(len(na), len(nb)) < MinMatchDigits {
		return false
	}
	return strings.HasSuffix(na, nb) || strings.HasSuffix(nb, na)
}

// DialString converts a user-entered target into the international digit form
// the PBX dial API expects ("0170 566" -> "49170566", "+49 6251" -> "496251").
// ok is false when the cleaned target contains anything but digits and an
// optional leading plus.
func DialString(target string) (digits string, ok bool) {
	cleaned := separators.Replace(strings.TrimSpace(target))
	cleaned = strings.TrimPrefix(cleaned, "+")
	if cleaned == "" {
		return "", false
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	switch {
	case strings.HasPrefix(cleaned, "00"):
		cleaned = cleaned[2:]
	case strings.HasPrefix(cleaned, "0"):
		cleaned = "49" + cleaned[1:]
	}
	if cleaned == "" {
		return "", false
	}
	return cleaned, true
}
