// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// NormalizePhone parses a free-form phone number and returns it in E.164
// form. defaultRegion is the ISO country code assumed for numbers without a
// country prefix.
func NormalizePhone(raw, defaultRegion string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("empty phone number")
	}
	parsed, err := phonenumbers.Parse(trimmed, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("failed to parse phone number %q: %w", raw, err)
	}
	if !phonenumbers.IsPossibleNumber(parsed) {
		return "", fmt.Errorf("phone number %q is not a possible number", raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

// LooksLikePhone reports whether an address is phone-shaped rather than a
// protocol user ID. Used to decide whether resolution is needed before a
// bridge delivery.
func LooksLikePhone(address string) bool {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" || strings.HasPrefix(trimmed, "@") {
		return false
	}
	if strings.HasPrefix(trimmed, "+") {
		trimmed = trimmed[1:]
	}
	digits := 0
	for _, r := range trimmed {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 5
}
