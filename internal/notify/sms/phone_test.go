package sms

import "testing"

func TestNormalizePhoneNumber(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		countryCode string
		want        string
		wantErr     bool
	}{
		{"already_e164", "+14155552671", "1", "+14155552671", false},
		{"spaces_and_dashes", "+1 415-555-2671", "1", "+14155552671", false},
		{"parentheses", "(415) 555-2671", "1", "+14155552671", false},
		{"double_zero_prefix", "0044 20 7946 0958", "1", "+442079460958", false},
		{"national_with_trunk_zero", "020 7946 0958", "44", "+442079460958", false},
		{"country_code_with_plus", "4155552671", "+1", "+14155552671", false},
		{"empty", "", "1", "", true},
		{"letters", "call-me-maybe", "1", "", true},
		{"plus_mid_string", "415+5552671", "1", "", true},
		{"national_without_default", "4155552671", "", "", true},
		{"too_short", "+1234567", "1", "", true},
		{"too_long", "+1234567890123456", "1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhoneNumber(tt.raw, tt.countryCode)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NormalizePhoneNumber(%q) = %q, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizePhoneNumber(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("NormalizePhoneNumber(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
