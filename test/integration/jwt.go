package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const signingKeyID = "dealdesk-test-rsa"

// TestClaims describes the caller a test token stands for.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
}

// tokenClaims is the payload shape the identity provider issues.
type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
}

// tokenIssuer signs tokens with a throwaway RSA key and publishes the public
// half on a JWKS endpoint.
type tokenIssuer struct {
	t        *testing.T
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	set := map[string]any{"keys": []map[string]any{{
		"kid": signingKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		t:        t,
		key:      key,
		jwks:     srv,
		issuer:   "https://auth.test.dealdesk.dev",
		audience: "dealdesk-test",
	}
}

// GenerateToken signs a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.sign(c, time.Now(), time.Hour)
}

// GenerateExpiredToken signs a token that lapsed an hour ago.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.sign(c, time.Now().Add(-2*time.Hour), time.Hour)
}

func (ti *tokenIssuer) sign(c TestClaims, issuedAt time.Time, lifetime time.Duration) string {
	ti.t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   c.SubjectID,
			Audience:  jwt.ClaimStrings{ti.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
		},
		TenantID: c.TenantID,
		Email:    c.Email,
		Roles:    c.Roles,
	})
	token.Header["kid"] = signingKeyID

	signed, err := token.SignedString(ti.key)
	if err != nil {
		ti.t.Fatalf("sign JWT: %v", err)
	}
	return signed
}

// JWKSURL is the endpoint serving the issuer's public key.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// Issuer is the iss claim every token carries.
func (ti *tokenIssuer) Issuer() string { return ti.issuer }

// Audience is the aud claim every token carries.
func (ti *tokenIssuer) Audience() string { return ti.audience }
