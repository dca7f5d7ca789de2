package ids

import (
	"strings"
	"testing"
)

func TestNewProcessID(t *testing.T) {
	id := NewProcessID()

	if !strings.HasPrefix(id, ProcessPrefix) {
		t.Errorf("NewProcessID() = %v, want prefix %v", id, ProcessPrefix)
	}

	// src- + UUID with hyphens = 4 + 36 = 40
	if len(id) != 40 {
		t.Errorf("NewProcessID() length = %v, want 40", len(id))
	}

	if !IsValidProcessID(id) {
		t.Errorf("NewProcessID() = %v, should be valid", id)
	}

	if other := NewProcessID(); other == id {
		t.Errorf("NewProcessID() generated duplicate IDs: %v", id)
	}
}

func TestIsValidProcessID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "src-0190a5c8-e4b0-7d8a-9c1d-2e3f4a5b6c7d", true},
		{"missing prefix", "0190a5c8-e4b0-7d8a-9c1d-2e3f4a5b6c7d", false},
		{"wrong prefix", "mon-0190a5c8-e4b0-7d8a-9c1d-2e3f4a5b6c7d", false},
		{"invalid uuid", "src-not-a-uuid", false},
		{"empty", "", false},
		{"prefix only", "src-", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidProcessID(tt.id); got != tt.want {
				t.Errorf("IsValidProcessID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
