package security_test

import (
	"testing"

	"github.com/zsprackett/setupwatch/internal/security"
)

func TestSecretMatcher(t *testing.T) {
	m, err := security.NewSecretMatcher("s3cret-value")
	if err != nil {
		t.Fatalf("NewSecretMatcher: %v", err)
	}
	if !m.Enabled() {
		t.Fatal("expected enabled matcher")
	}
	if !m.Match("s3cret-value") {
		t.Error("expected match for the configured secret")
	}
	for _, bad := range []string{"", "s3cret", "s3cret-value ", "S3CRET-VALUE", "s3cret-value-and-more"} {
		if m.Match(bad) {
			t.Errorf("unexpected match for %q", bad)
		}
	}
}

func TestSecretMatcherDisabled(t *testing.T) {
	m, err := security.NewSecretMatcher("")
	if err != nil {
		t.Fatal(err)
	}
	if m.Enabled() {
		t.Error("empty secret should disable the matcher")
	}
	if m.Match("") {
		t.Error("disabled matcher must never match")
	}
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc  ", "abc", true},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := security.BearerToken(tc.header)
		if got != tc.want || ok != tc.ok {
			t.Errorf("BearerToken(%q) = %q, %v; want %q, %v", tc.header, got, ok, tc.want, tc.ok)
		}
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := security.GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	b, _ := security.GenerateSecret()
	if a == b {
		t.Error("expected unique secrets")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 char secret, got %d", len(a))
	}
}
