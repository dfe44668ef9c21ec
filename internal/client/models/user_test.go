package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDisplayNameFrom(t *testing.T) {
	tests := []struct {
		name  string
		meta  map[string]any
		email string
		want  string
	}{
		{"full name wins", map[string]any{"full_name": "Ada Lovelace", "name": "ada"}, "ada@example.com", "Ada Lovelace"},
		{"name", map[string]any{"name": " Grace "}, "g@example.com", "Grace"},
		{"blank values skipped", map[string]any{"full_name": "  ", "display_name": "Linus"}, "l@example.com", "Linus"},
		{"non-string ignored", map[string]any{"full_name": 42}, "bob@example.com", "bob"},
		{"nil metadata", nil, "carol@example.com", "carol"},
		{"no at sign", nil, "weird", "weird"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayNameFrom(tt.meta, tt.email))
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	assert.True(t, ParseTimestamp("").IsZero())
	assert.True(t, ParseTimestamp("yesterday").IsZero())

	got := ParseTimestamp("2026-03-01T14:00:00.123+02:00")
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 123000000, time.UTC), got)
}
