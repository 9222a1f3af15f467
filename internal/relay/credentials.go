// ABOUTME: Credential sources the relay client uses to authenticate each attempt
// ABOUTME: Includes a static token, an access-proxy probe, and an ordered chain

package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/dispatch-relay/internal/auth"
)

// ErrNoCredential is returned when a source has nothing to offer.
var ErrNoCredential = errors.New("no credential available")

const defaultProbeTimeout = 10 * time.Second

// CredentialSource supplies the access token sent with each connection attempt.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Credential(ctx context.Context) (string, error) { return f(ctx) }

// StaticSource always returns the same token.
type StaticSource string

func (s StaticSource) Credential(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoCredential
	}
	return string(s), nil
}

// ProbeSource asks the access proxy in front of the gateway for a token by
// sending a HEAD request to the gateway origin. The token comes from the
// assertion header or, failing that, the access cookie on the response.
type ProbeSource struct {
	origin string
	client *http.Client
}

// NewProbeSource builds a probe for the origin of gatewayURL. A nil client
// gets a 10s timeout. Redirects are never followed so a login redirect is
// read as "no credential".
func NewProbeSource(gatewayURL string, client *http.Client) (*ProbeSource, error) {
	origin, err := OriginURL(gatewayURL)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: defaultProbeTimeout}
	}
	probe := *client
	probe.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &ProbeSource{origin: origin, client: &probe}, nil
}

// Origin returns the URL the probe targets.
func (p *ProbeSource) Origin() string { return p.origin }

func (p *ProbeSource) Credential(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.origin, nil)
	if err != nil {
		return "", fmt.Errorf("building probe: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("probing %s: %w", p.origin, err)
	}
	defer resp.Body.Close()

	if token := resp.Header.Get(auth.AccessJWTHeader); token != "" {
		return token, nil
	}
	for _, c := range resp.Cookies() {
		if c.Name == auth.AccessCookie && c.Value != "" {
			return c.Value, nil
		}
	}
	return "", fmt.Errorf("%w: probe answered %d", ErrNoCredential, resp.StatusCode)
}

// ChainSource tries each source in order and returns the first token.
type ChainSource []CredentialSource

func (c ChainSource) Credential(ctx context.Context) (string, error) {
	var errs []error
	for _, src := range c {
		token, err := src.Credential(ctx)
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return "", ErrNoCredential
	}
	return "", errors.Join(append([]error{ErrNoCredential}, errs...)...)
}

// OriginURL maps a gateway URL (ws, wss, http or https) to its HTTP origin.
func OriginURL(gatewayURL string) (string, error) {
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String(), nil
}
