package handlers

import (
	"testing"

	apperrors "github.com/acme/call-orchestrator/pkg/errors"
)

func TestValidatePhone(t *testing.T) {
	cases := []struct {
		phone string
		ok    bool
	}{
		{"+15550001111", true},
		{"+442071838750", true},
		{"15550001111", false},
		{"+1555demo", false},
		{"+1", false},
		{"", false},
		{"+123456789012345678", false},
	}
	for _, tc := range cases {
		err := validatePhone(tc.phone)
		if tc.ok && err != nil {
			t.Errorf("validatePhone(%q) = %v, want nil", tc.phone, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("validatePhone(%q) = nil, want error", tc.phone)
			} else if !apperrors.Is(err, apperrors.ErrValidation) {
				t.Errorf("validatePhone(%q) = %v, want validation error", tc.phone, err)
			}
		}
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"Basic dXNlcg==", ""},
		{"Bearer ", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := bearerToken(tc.header); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestParseCallID(t *testing.T) {
	if got := parseCallID("not-a-uuid"); got.String() != "00000000-0000-0000-0000-000000000000" {
		t.Errorf("parseCallID on garbage = %s, want nil uuid", got)
	}
	const raw = "7a9f5e0c-02a1-4a21-9a5d-0b6f3e8b1c2d"
	if got := parseCallID(raw); got.String() != raw {
		t.Errorf("parseCallID = %s, want %s", got, raw)
	}
}
