package policy

import (
	"regexp"
	"strings"
)

// DialDecision says whether an outbound call may be placed.
type DialDecision struct {
	Allowed bool
	Reason  string
}

var (
	e164Pattern = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)
	// Emergency and short service codes must never be dialed by an agent.
	blockedDialNumbers = map[string]bool{
		"911": true, "112": true, "999": true, "000": true, "110": true, "119": true,
	}
	blockedDialPrefixes = []string{
		"+1900", "1900", // US premium rate
		"+44909", "44909", // UK premium rate
	}
)

// DecideDial validates a phone number for an outbound agent call.
func DecideDial(phone string) DialDecision {
	compact := CompactPhoneNumber(phone)
	if compact == "" {
		return DialDecision{Reason: "phone number is required"}
	}
	if blockedDialNumbers[strings.TrimPrefix(compact, "+")] {
		return DialDecision{Reason: "emergency numbers cannot be dialed"}
	}
	if !e164Pattern.MatchString(compact) {
		return DialDecision{Reason: "phone number must be in international format, e.g. +15551234567"}
	}
	for _, prefix := range blockedDialPrefixes {
		if strings.HasPrefix(compact, prefix) {
			return DialDecision{Reason: "premium-rate numbers cannot be dialed"}
		}
	}
	return DialDecision{Allowed: true}
}

// CompactPhoneNumber drops spaces, dashes, dots and parentheses, keeping a
// leading plus.
func CompactPhoneNumber(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}
