package sms

import (
	"fmt"
	"strings"
)

// NormalizePhoneNumber converts a phone number to canonical E.164 form:
// leading +, country code, 8-15 digits total. Separators and parentheses
// are stripped; "00" international prefixes become "+"; national-format
// numbers get defaultCountryCode prepended.
func NormalizePhoneNumber(raw, defaultCountryCode string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty phone number")
	}

	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator, drop
		default:
			return "", fmt.Errorf("invalid character %q in phone number", r)
		}
	}

	num := b.String()
	switch {
	case strings.HasPrefix(num, "+"):
		// already international
	case strings.HasPrefix(num, "00"):
		num = "+" + num[2:]
	default:
		cc := strings.TrimPrefix(defaultCountryCode, "+")
		if cc == "" {
			return "", fmt.Errorf("national-format number %q and no default country code configured", raw)
		}
		// Drop a single national trunk zero before applying the country code.
		num = "+" + cc + strings.TrimPrefix(num, "0")
	}

	digits := len(num) - 1
	if digits < 8 || digits > 15 {
		return "", fmt.Errorf("phone number %q has %d digits, want 8-15", raw, digits)
	}

	return num, nil
}
