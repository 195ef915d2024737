package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NormalizeID canonicalizes an externally supplied identifier. External
// inputs may carry either a UUID (any case, with or without hyphens) or a
// legacy 24-hex object id; both are accepted here and exactly one canonical
// form is used everywhere inside the engine: lowercase UUID strings for
// UUIDs, lowercase hex for legacy ids.
func NormalizeID(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("empty id")
	}
	if u, err := uuid.Parse(s); err == nil {
		return u.String(), nil
	}
	if len(s) == 24 && isHex(s) {
		return strings.ToLower(s), nil
	}
	return "", fmt.Errorf("invalid id %q", raw)
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// EmailDomain extracts the lowercased domain part of an email address.
// Returns "" for anything that is not local@domain.
func EmailDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}
