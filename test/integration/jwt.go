package integration

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://auth.test.nexus.dev"

// tokenIssuer signs and verifies the bearer tokens the mock fleet backend
// hands out at sign-in, the way the real backend issues HS256 JWTs.
type tokenIssuer struct {
	key []byte
	ttl time.Duration
}

func newTokenIssuer(t *testing.T, ttl time.Duration) *tokenIssuer {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	return &tokenIssuer{key: key, ttl: ttl}
}

// Issue returns a signed token for username carrying role.
func (ti *tokenIssuer) Issue(username, role string) string {
	return ti.issueAt(username, role, time.Now(), ti.ttl)
}

// IssueExpired returns a token whose exp is already in the past.
func (ti *tokenIssuer) IssueExpired(username, role string) string {
	return ti.issueAt(username, role, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) issueAt(username, role string, now time.Time, ttl time.Duration) string {
	claims := jwt.MapClaims{
		"iss":  testIssuer,
		"sub":  username,
		"role": role,
		"iat":  jwt.NewNumericDate(now),
		"exp":  jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.key)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// Verify checks an Authorization header value and returns the subject.
func (ti *tokenIssuer) Verify(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return ti.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(testIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	return token.Claims.GetSubject()
}
