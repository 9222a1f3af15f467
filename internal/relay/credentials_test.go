// ABOUTME: Tests for credential sources: static tokens, the access-proxy probe and chains
// ABOUTME: The probe runs against httptest servers that mimic the proxy's responses

package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticSource(t *testing.T) {
	token, err := StaticSource("svc-token").Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "svc-token", token)

	_, err = StaticSource("").Credential(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestProbeSource(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "assertion header",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cf-Access-Jwt-Assertion", "from-header")
				http.SetCookie(w, &http.Cookie{Name: "CF_Authorization", Value: "from-cookie"})
			},
			want: "from-header",
		},
		{
			name: "cookie fallback",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.SetCookie(w, &http.Cookie{Name: "other", Value: "x"})
				http.SetCookie(w, &http.Cookie{Name: "CF_Authorization", Value: "from-cookie"})
			},
			want: "from-cookie",
		},
		{
			name: "nothing offered",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		},
		{
			name: "login redirect is not followed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/login" {
					w.Header().Set("Cf-Access-Jwt-Assertion", "behind-redirect")
					return
				}
				http.Redirect(w, r, "/login", http.StatusFound)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods := make(chan string, 1)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/" {
					methods <- r.Method
				}
				tt.handler(w, r)
			}))
			defer srv.Close()

			probe, err := NewProbeSource("ws"+srv.URL[len("http"):]+"/ws", srv.Client())
			require.NoError(t, err)
			assert.Equal(t, srv.URL+"/", probe.Origin())

			token, err := probe.Credential(context.Background())
			assert.Equal(t, http.MethodHead, <-methods)
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrNoCredential)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, token)
		})
	}
}

func TestProbeSource_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	probe, err := NewProbeSource(url, nil)
	require.NoError(t, err)

	_, err = probe.Credential(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCredential)
}

func TestChainSource(t *testing.T) {
	boom := CredentialFunc(func(context.Context) (string, error) {
		return "", errors.New("probe unreachable")
	})

	token, err := ChainSource{boom, StaticSource(""), StaticSource("fallback")}.Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fallback", token)

	_, err = ChainSource{boom, StaticSource("")}.Credential(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.Contains(t, err.Error(), "probe unreachable")

	_, err = ChainSource{}.Credential(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestOriginURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"wss://dispatch.example.com/ws", "https://dispatch.example.com/", false},
		{"ws://localhost:8080/ws?x=1", "http://localhost:8080/", false},
		{"https://dispatch.example.com", "https://dispatch.example.com/", false},
		{"tcp://dispatch.example.com", "", true},
		{"wss://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := OriginURL(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidURL)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
