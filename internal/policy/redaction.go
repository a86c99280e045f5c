package policy

import (
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks common high-risk PII patterns. Transcripts pass through it
// before they reach the logs.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before phone to avoid card numbers being classified as phone.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// MaskPhoneNumber keeps the last four digits: "+15551234567" -> "+*******4567".
func MaskPhoneNumber(phone string) string {
	compact := CompactPhoneNumber(phone)
	digits := strings.TrimPrefix(compact, "+")
	if len(digits) <= 4 {
		return compact
	}
	prefix := ""
	if strings.HasPrefix(compact, "+") {
		prefix = "+"
	}
	return prefix + strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}
