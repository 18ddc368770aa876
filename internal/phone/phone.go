// Package phone canonicalizes phone numbers and email addresses into
// the lookup keys used for identity resolution.
//
// Two-tier keying: the E.164 canonical form is preferred everywhere, and
// a digits-only stripped form is kept as a fallback so numbers the parser
// cannot fully canonicalize (missing country code, odd formatting) still
// match.
package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalize parses raw against defaultRegion and returns the E.164 form.
// Numbers that fail strict validation but are structurally possible are
// still accepted. Returns ok=false on empty or unparseable input.
func Normalize(raw, defaultRegion string) (string, bool) {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "", false
	}

	parsed, err := phonenumbers.Parse(cleaned, defaultRegion)
	if err != nil {
		return "", false
	}

	if !phonenumbers.IsValidNumber(parsed) && !phonenumbers.IsPossibleNumber(parsed) {
		return "", false
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), true
}

// StripFormatting keeps only decimal digits and a single leading +.
// Returns ok=false if nothing remains (or only the +). This is the
// fallback identity key used when E.164 normalization fails.
func StripFormatting(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && b.Len() == 0 {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || s == "+" {
		return "", false
	}
	return s, true
}

// FormatDisplay renders an E.164 number in international human-readable
// form (e.g. "+1 902-555-1234"). Falls back to the input if re-parsing
// fails.
func FormatDisplay(e164 string) string {
	if e164 == "" {
		return ""
	}
	parsed, err := phonenumbers.Parse(e164, "")
	if err != nil {
		return e164
	}
	return phonenumbers.Format(parsed, phonenumbers.INTERNATIONAL)
}

// NormalizeEmail lower-cases and trims an email address. No validation;
// the stores already hold addresses that were deliverable at some point.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
