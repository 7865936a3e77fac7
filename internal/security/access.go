package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AssertionHeader carries the identity assertion set by the edge proxy.
	AssertionHeader = "Cf-Access-Jwt-Assertion"
	// AssertionCookie is the browser-side copy of the same assertion.
	AssertionCookie = "CF_Authorization"
)

var ErrNoToken = errors.New("no access token")

type AccessConfig struct {
	Audience string
	Issuer   string
	// HMACSecret verifies HS256 tokens. Ignored when PublicKeyPEM is set.
	HMACSecret   string
	PublicKeyPEM []byte
}

// Verifier checks identity assertions locally against a fixed key.
type Verifier struct {
	parser *jwt.Parser
	key    any
}

func NewVerifier(cfg AccessConfig) (*Verifier, error) {
	var (
		key     any
		methods []string
	)
	switch {
	case len(cfg.PublicKeyPEM) > 0:
		if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			key = rsaKey
			methods = []string{"RS256", "RS384", "RS512"}
		} else if ecKey, err := jwt.ParseECPublicKeyFromPEM(cfg.PublicKeyPEM); err == nil {
			key = ecKey
			methods = []string{"ES256", "ES384", "ES512"}
		} else {
			return nil, errors.New("public key is neither RSA nor ECDSA PEM")
		}
	case cfg.HMACSecret != "":
		key = []byte(cfg.HMACSecret)
		methods = []string{jwt.SigningMethodHS256.Alg()}
	default:
		return nil, errors.New("access: a public key or hmac secret is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return &Verifier{parser: jwt.NewParser(opts...), key: key}, nil
}

// Verify parses and validates tokenStr, returning its registered claims.
func (v *Verifier) Verify(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// TokenFromRequest finds the identity assertion, preferring the header.
func TokenFromRequest(r *http.Request) (string, error) {
	if tok := strings.TrimSpace(r.Header.Get(AssertionHeader)); tok != "" {
		return tok, nil
	}
	if c, err := r.Cookie(AssertionCookie); err == nil && c.Value != "" {
		return c.Value, nil
	}
	return "", ErrNoToken
}

// IssueToken creates a signed HS256 assertion. Meant for development setups
// where the gate is configured with an HMAC secret.
func IssueToken(secret, subject, audience, issuer string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("hmac secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
