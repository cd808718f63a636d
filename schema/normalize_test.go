package schema

import "testing"

func TestValidateUserID(t *testing.T) {
	cases := []struct {
		name  string
		user  UserID
		valid bool
	}{
		{"simple", "alice", true},
		{"email", "alice@example.com", true},
		{"with-dots", "alice.dev", true},
		{"with-dash", "alice-dev", true},
		{"oid", "oid_12ab34cd", true},
		{"empty", "", false},
		{"uppercase", "Alice", false},
		{"space", "alice dev", false},
		{"leading-space", " alice", false},
		{"unicode", "ålice", false},
		{"slash", "alice/dev", false},
	}

	for _, tc := range cases {
		err := ValidateUserID(tc.user)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("case %q expected error, got nil", tc.name)
		}
	}
}

func TestDeriveUserID(t *testing.T) {
	if id, err := DeriveUserID("Alice@Example.com", "oid-1", "sub-1"); err != nil || id != "alice@example.com" {
		t.Fatalf("expected email-derived id, got %q (%v)", id, err)
	}
	if id, err := DeriveUserID("", "AB12", ""); err != nil || id != "oid_ab12" {
		t.Fatalf("expected oid-derived id, got %q (%v)", id, err)
	}
	if id, err := DeriveUserID("", "", "XYZ"); err != nil || id != "sub_xyz" {
		t.Fatalf("expected sub-derived id, got %q (%v)", id, err)
	}
	if _, err := DeriveUserID("", "", ""); err == nil {
		t.Fatalf("expected error for empty claims")
	}
}

func TestValidateTabName(t *testing.T) {
	cases := []struct {
		name  string
		value string
		valid bool
	}{
		{"plain", "Positions", true},
		{"word-containing-tab", "Tabulated", true},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"auto-numbered", "Tab 7", false},
		{"unnamed", "Unnamed Tab", false},
		{"loading", "Loading...", false},
	}

	for _, tc := range cases {
		err := ValidateTabName(tc.value)
		if tc.valid && err != nil {
			t.Fatalf("case %q expected valid, got error: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("case %q expected error, got nil", tc.name)
		}
	}
}

func TestNormalizeDeviceType(t *testing.T) {
	if got, err := NormalizeDeviceType(" Mobile "); err != nil || got != DeviceMobile {
		t.Fatalf("expected mobile, got %q (%v)", got, err)
	}
	if _, err := NormalizeDeviceType("tablet"); err == nil {
		t.Fatalf("expected error for unknown device type")
	}
}
