package validation

import "testing"

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		want   bool
	}{
		{"valid", "ORD-20260831-0001", true},
		{"valid high sequence", "ORD-20231201-9999", true},
		{"empty", "", false},
		{"too short", "ORD-20260831-001", false},
		{"too long", "ORD-20260831-00001", false},
		{"wrong prefix", "ORX-20260831-0001", false},
		{"missing dash", "ORD-2026083100001", false},
		{"impossible date", "ORD-20261341-0001", false},
		{"letters in date", "ORD-2026aug1-0001", false},
		{"letters in sequence", "ORD-20260831-00a1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidOrderNumber(tt.number); got != tt.want {
				t.Errorf("IsValidOrderNumber(%q) = %v, want %v", tt.number, got, tt.want)
			}
		})
	}
}
