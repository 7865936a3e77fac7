// Package security holds the credential checks in front of the HTTP surface:
// the ingest shared secret and the edge identity gate.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// SecretMatcher compares presented credentials against a configured shared
// secret. Both sides are reduced to keyed BLAKE2b-256 digests first, so the
// byte comparison always runs over 32 bytes whatever the input length.
type SecretMatcher struct {
	key  []byte
	want []byte
}

// NewSecretMatcher returns a matcher for secret. An empty secret yields a
// disabled matcher.
func NewSecretMatcher(secret string) (*SecretMatcher, error) {
	if secret == "" {
		return &SecretMatcher{}, nil
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate digest key: %w", err)
	}
	m := &SecretMatcher{key: key}
	want, err := m.digest(secret)
	if err != nil {
		return nil, err
	}
	m.want = want
	return m, nil
}

// Enabled reports whether a secret is configured.
func (m *SecretMatcher) Enabled() bool {
	return m != nil && m.want != nil
}

// Match reports whether presented equals the configured secret. It is
// always false for a disabled matcher.
func (m *SecretMatcher) Match(presented string) bool {
	if !m.Enabled() {
		return false
	}
	got, err := m.digest(presented)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, m.want) == 1
}

func (m *SecretMatcher) digest(s string) ([]byte, error) {
	h, err := blake2b.New256(m.key)
	if err != nil {
		return nil, fmt.Errorf("init digest: %w", err)
	}
	h.Write([]byte(s))
	return h.Sum(nil), nil
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

// GenerateSecret returns a cryptographically random 32-byte hex string.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
