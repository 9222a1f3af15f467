// ABOUTME: Test token issuer standing in for the access gateway
// ABOUTME: Generates an RSA key, serves it as a certs document and signs tokens

// Package authtest provides a fake access gateway for tests.
package authtest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Issuer signs RS256 tokens with a freshly generated key.
type Issuer struct {
	Key      *rsa.PrivateKey
	KID      string
	Audience string

	fetches atomic.Int64
}

// NewIssuer creates an issuer for audience.
func NewIssuer(tb testing.TB, audience string) *Issuer {
	tb.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		tb.Fatalf("generating RSA key: %v", err)
	}
	return &Issuer{Key: key, KID: "test-kid", Audience: audience}
}

// PublicKeys returns the issuer's key indexed by key ID.
func (i *Issuer) PublicKeys() map[string]crypto.PublicKey {
	return map[string]crypto.PublicKey{i.KID: &i.Key.PublicKey}
}

// CertsJSON returns the certs document the access gateway would serve.
func (i *Issuer) CertsJSON(tb testing.TB) []byte {
	tb.Helper()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &i.Key.PublicKey,
		KeyID:     i.KID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	data, err := json.Marshal(set)
	if err != nil {
		tb.Fatalf("marshaling JWKS: %v", err)
	}
	return data
}

// Server serves CertsJSON and counts requests. It is closed on test cleanup.
func (i *Issuer) Server(tb testing.TB) *httptest.Server {
	tb.Helper()
	body := i.CertsJSON(tb)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	tb.Cleanup(srv.Close)
	return srv
}

// Fetches returns how many times Server was hit.
func (i *Issuer) Fetches() int64 {
	return i.fetches.Load()
}

// Sign signs arbitrary claims with the issuer's key.
func (i *Issuer) Sign(tb testing.TB, claims jwt.Claims) string {
	tb.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.KID
	s, err := token.SignedString(i.Key)
	if err != nil {
		tb.Fatalf("signing token: %v", err)
	}
	return s
}

// Token returns a valid token for email expiring after ttl.
func (i *Issuer) Token(tb testing.TB, email string, ttl time.Duration) string {
	tb.Helper()
	now := time.Now()
	return i.Sign(tb, jwt.MapClaims{
		"sub":   "sub-" + email,
		"email": email,
		"name":  "Test " + email,
		"aud":   []string{i.Audience},
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	})
}
