// Package models defines the client-side user model handed to callers of the
// auth service.
package models

import (
	"strings"
	"time"
)

// User is the signed-in account as the application sees it.
type User struct {
	ID             string
	Email          string
	EmailConfirmed bool
	DisplayName    string
	CreatedAt      time.Time
	LastSignInAt   time.Time
	// Provider is "email" or the social provider, e.g. "google".
	Provider string
}

// DisplayNameFrom picks a display name out of provider user metadata,
// falling back to the local part of email.
func DisplayNameFrom(meta map[string]any, email string) string {
	for _, k := range []string{"full_name", "name", "display_name"} {
		if v, ok := meta[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

// ParseTimestamp parses the RFC 3339 timestamps the identity backend emits.
// Empty or malformed input yields the zero time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
