// ABOUTME: Fetches and parses the identity provider's signing certificates
// ABOUTME: Accepts JWKS keys plus the PEM public_cert(s) forms served by Cloudflare Access

package auth

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// ErrNoKeys is returned when a certificate document holds no usable key.
var ErrNoKeys = errors.New("no signing keys in certificate document")

// maxCertsBody caps how much of the certs response is read.
const maxCertsBody = 1 << 20

// KeySet maps key IDs to public keys.
type KeySet map[string]crypto.PublicKey

// Fetcher retrieves the current signing keys.
type Fetcher interface {
	Fetch(ctx context.Context) (KeySet, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (KeySet, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context) (KeySet, error) {
	return f(ctx)
}

// CertsURL returns the certificate endpoint for a team domain. A bare team
// name expands to <team>.cloudflareaccess.com.
func CertsURL(teamDomain string) string {
	domain := strings.TrimSuffix(strings.TrimPrefix(teamDomain, "https://"), "/")
	if !strings.Contains(domain, ".") {
		domain += ".cloudflareaccess.com"
	}
	return "https://" + domain + "/cdn-cgi/access/certs"
}

// CertFetcher loads keys from an HTTP certificate endpoint.
type CertFetcher struct {
	url    string
	client *http.Client
}

// NewCertFetcher creates a fetcher for url. A nil client gets a 10s timeout.
func NewCertFetcher(url string, client *http.Client) *CertFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CertFetcher{url: url, client: client}
}

// URL returns the endpoint this fetcher reads.
func (f *CertFetcher) URL() string {
	return f.url
}

// Fetch downloads and parses the certificate document.
func (f *CertFetcher) Fetch(ctx context.Context) (KeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building certs request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching certs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching certs: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertsBody))
	if err != nil {
		return nil, fmt.Errorf("reading certs body: %w", err)
	}
	return ParseCerts(body)
}

type publicCert struct {
	KID  string `json:"kid"`
	Cert string `json:"cert"`
}

type certsDocument struct {
	Keys        []json.RawMessage `json:"keys"`
	PublicCert  *publicCert       `json:"public_cert"`
	PublicCerts []publicCert      `json:"public_certs"`
}

// ParseCerts decodes a certificate document. Keys that fail to parse are
// skipped; an error is returned only when nothing usable remains.
func ParseCerts(data []byte) (KeySet, error) {
	var doc certsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding certs document: %w", err)
	}

	keys := make(KeySet)
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			continue
		}
		if !jwk.Valid() || !jwk.IsPublic() {
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}

	certs := doc.PublicCerts
	if doc.PublicCert != nil {
		certs = append(certs, *doc.PublicCert)
	}
	for _, c := range certs {
		if _, ok := keys[c.KID]; ok {
			continue
		}
		pub, err := parsePEMCert(c.Cert)
		if err != nil {
			continue
		}
		keys[c.KID] = pub
	}

	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

func parsePEMCert(s string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	return cert.PublicKey, nil
}
